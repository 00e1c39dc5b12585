package mtproto

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/mtproto/config"
	"github.com/opd-ai/mtproto/handshake"
	"github.com/opd-ai/mtproto/session"
)

func testPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	block := &pem.Block{
		Type:  "RSA PUBLIC KEY",
		Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey),
	}
	return string(pem.EncodeToMemory(block))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	conf := config.Default()
	conf.Endpoint.Addr = "127.0.0.1:1"
	conf.Endpoint.DCID = 2
	conf.Session.UsePFS = false
	conf.Keys.Inline = []string{testPEM(t)}
	return conf
}

func TestNewClientValidatesConfig(t *testing.T) {
	_, err := NewClient(config.Default(), nil)
	require.Error(t, err, "an endpointless configuration must be rejected")

	_, err = NewClient(testConfig(t), nil)
	require.NoError(t, err)
}

func TestNewClientRejectsBadKey(t *testing.T) {
	conf := testConfig(t)
	conf.Keys.Inline = []string{"not a pem block"}
	_, err := NewClient(conf, nil)
	assert.Error(t, err)
}

func TestInvokeHonorsContext(t *testing.T) {
	client, err := NewClient(testConfig(t), nil)
	require.NoError(t, err)

	// Never connected: the query stays queued until the caller gives up.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = client.Invoke(ctx, []byte{1, 2, 3, 4})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseIsIdempotent(t *testing.T) {
	client, err := NewClient(testConfig(t), nil)
	require.NoError(t, err)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	_, err = client.Invoke(context.Background(), []byte{1})
	assert.ErrorIs(t, err, session.ErrSessionClosed)

	assert.ErrorIs(t, client.Connect(context.Background()), session.ErrSessionClosed)
}

func TestConnectFailsFastOnDeadEndpoint(t *testing.T) {
	conf := testConfig(t)
	conf.Endpoint.DialTimeout.Duration = 50 * time.Millisecond
	client, err := NewClient(conf, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, client.Connect(ctx))
}

func TestConnectTimesOutOnSilentServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	hold := make(chan struct{})
	defer close(hold)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		// Accept and say nothing.
		<-hold
		_ = conn.Close()
	}()

	conf := testConfig(t)
	conf.Endpoint.Addr = ln.Addr().String()
	conf.Session.HandshakeTimeout.Duration = 300 * time.Millisecond

	client, err := NewClient(conf, nil)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- client.Connect(context.Background()) }()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, handshake.ErrTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("Connect did not give up after the handshake timeout")
	}
}
