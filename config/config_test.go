package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConf = `
[endpoint]
addr = "149.154.167.51:443"
dc-id = 2
dial-timeout = "3s"

[proxy]
enabled = true
host = "127.0.0.1"
port = 9050

[session]
use-pfs = true
tmp-key-expires = "2h"
online = true

[keys]
inline = ["-----BEGIN RSA PUBLIC KEY-----\nplaceholder\n-----END RSA PUBLIC KEY-----"]

[logging]
level = "debug"
format = "json"
`

func writeConf(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "client.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	conf, err := Load(writeConf(t, sampleConf))
	require.NoError(t, err)

	assert.Equal(t, "149.154.167.51:443", conf.Endpoint.Addr)
	assert.Equal(t, int32(2), conf.Endpoint.DCID)
	assert.Equal(t, 3*time.Second, conf.Endpoint.DialTimeout.Duration)
	assert.True(t, conf.Session.UsePFS)
	assert.Equal(t, 2*time.Hour, conf.Session.TmpKeyExpires.Duration)
	assert.True(t, conf.Session.Online)
	assert.Equal(t, "debug", conf.Logging.Level)

	// Defaults survive for keys the file does not mention.
	assert.Equal(t, 8*time.Second, conf.Session.HandshakeTimeout.Duration)
}

func TestValidateCollectsAllProblems(t *testing.T) {
	conf := Default()
	conf.Proxy.Enabled = true
	err := conf.Validate()
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "endpoint.addr")
	assert.Contains(t, msg, "endpoint.dc-id")
	assert.Contains(t, msg, "proxy.host")
	assert.Contains(t, msg, "proxy.port")
	assert.Contains(t, msg, "trusted key")
}

func TestValidateRejectsShortTmpKeyLife(t *testing.T) {
	conf := Default()
	conf.Endpoint.Addr = "example.org:443"
	conf.Endpoint.DCID = 1
	conf.Keys.Inline = []string{"pem"}
	conf.Session.TmpKeyExpires.Duration = 30 * time.Minute
	assert.ErrorContains(t, conf.Validate(), "tmp-key-expires")
}

func TestDialerFromConfig(t *testing.T) {
	conf := Default()
	conf.Endpoint.DialTimeout.Duration = 7 * time.Second
	assert.Nil(t, conf.Dialer().Proxy)
	assert.Equal(t, 7*time.Second, conf.Dialer().Timeout)

	conf.Proxy = ProxyConf{Enabled: true, Host: "10.0.0.1", Port: 1080, Username: "u"}
	d := conf.Dialer()
	require.NotNil(t, d.Proxy)
	assert.Equal(t, "10.0.0.1", d.Proxy.Host)
	assert.Equal(t, uint16(1080), d.Proxy.Port)
}

func TestTrustedKeysReadsFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.pem")
	require.NoError(t, os.WriteFile(path, []byte("pem-bytes"), 0o600))

	conf := Default()
	conf.Keys.Inline = []string{"inline-pem"}
	conf.Keys.Files = []string{path}

	keys, err := conf.TrustedKeys()
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, []byte("inline-pem"), keys[0])
	assert.Equal(t, []byte("pem-bytes"), keys[1])

	conf.Keys.Files = []string{filepath.Join(dir, "missing.pem")}
	_, err = conf.TrustedKeys()
	assert.Error(t, err)
}
