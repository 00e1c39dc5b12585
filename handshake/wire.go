package handshake

import (
	"fmt"

	"github.com/opd-ai/mtproto/tl"
)

// Constructor tags of the key-negotiation messages.
const (
	tagReqPQMulti       uint32 = 0xbe7e8ef1
	tagResPQ            uint32 = 0x05162463
	tagPQInnerDataDC    uint32 = 0xa9f55f95
	tagPQInnerDataTemp  uint32 = 0x56fddf88
	tagReqDHParams      uint32 = 0xd712e4be
	tagServerDHParamsOK uint32 = 0xd0e8075c
	tagServerDHInner    uint32 = 0xb5890dba
	tagClientDHInner    uint32 = 0x6643b654
	tagSetClientDH      uint32 = 0xf5045f1f
	tagDHGenOK          uint32 = 0x3bcbf734
	tagDHGenRetry       uint32 = 0x46dc1fb9
	tagDHGenFail        uint32 = 0xa69dae02
)

func encodeReqPQMulti(nonce [16]byte) []byte {
	var w tl.Writer
	w.PutUint32(tagReqPQMulti)
	w.PutInt128(nonce)
	return w.Bytes()
}

type resPQ struct {
	Nonce        [16]byte
	ServerNonce  [16]byte
	PQ           []byte
	Fingerprints []uint64
}

func parseResPQ(payload []byte) (*resPQ, error) {
	r := tl.NewReader(payload)
	if tag := r.ReadUint32(); tag != tagResPQ && r.Err() == nil {
		return nil, fmt.Errorf("unexpected constructor %08x, want resPQ", tag)
	}
	var m resPQ
	m.Nonce = r.ReadInt128()
	m.ServerNonce = r.ReadInt128()
	m.PQ = r.ReadString()
	for _, fp := range r.ReadVectorLong() {
		m.Fingerprints = append(m.Fingerprints, uint64(fp))
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("parsing resPQ: %w", err)
	}
	return &m, nil
}

type pqInnerData struct {
	PQ          []byte
	P           []byte
	Q           []byte
	Nonce       [16]byte
	ServerNonce [16]byte
	NewNonce    [32]byte
	DC          int32
	// ExpiresIn > 0 requests a temporary key for forward secrecy.
	ExpiresIn int32
}

func encodePQInnerData(m *pqInnerData) []byte {
	var w tl.Writer
	if m.ExpiresIn > 0 {
		w.PutUint32(tagPQInnerDataTemp)
	} else {
		w.PutUint32(tagPQInnerDataDC)
	}
	w.PutString(m.PQ)
	w.PutString(m.P)
	w.PutString(m.Q)
	w.PutInt128(m.Nonce)
	w.PutInt128(m.ServerNonce)
	w.PutRaw(m.NewNonce[:])
	w.PutInt(m.DC)
	if m.ExpiresIn > 0 {
		w.PutInt(m.ExpiresIn)
	}
	return w.Bytes()
}

type reqDHParams struct {
	Nonce         [16]byte
	ServerNonce   [16]byte
	P             []byte
	Q             []byte
	Fingerprint   uint64
	EncryptedData []byte
}

func encodeReqDHParams(m *reqDHParams) []byte {
	var w tl.Writer
	w.PutUint32(tagReqDHParams)
	w.PutInt128(m.Nonce)
	w.PutInt128(m.ServerNonce)
	w.PutString(m.P)
	w.PutString(m.Q)
	w.PutUint64(m.Fingerprint)
	w.PutString(m.EncryptedData)
	return w.Bytes()
}

type serverDHParams struct {
	Nonce           [16]byte
	ServerNonce     [16]byte
	EncryptedAnswer []byte
}

func parseServerDHParams(payload []byte) (*serverDHParams, error) {
	r := tl.NewReader(payload)
	if tag := r.ReadUint32(); tag != tagServerDHParamsOK && r.Err() == nil {
		return nil, fmt.Errorf("unexpected constructor %08x, want server_DH_params_ok", tag)
	}
	var m serverDHParams
	m.Nonce = r.ReadInt128()
	m.ServerNonce = r.ReadInt128()
	m.EncryptedAnswer = r.ReadString()
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("parsing server_DH_params_ok: %w", err)
	}
	return &m, nil
}

type serverDHInnerData struct {
	Nonce       [16]byte
	ServerNonce [16]byte
	G           int32
	DHPrime     []byte
	GA          []byte
	ServerTime  int32
}

func parseServerDHInnerData(r *tl.Reader) (*serverDHInnerData, error) {
	if tag := r.ReadUint32(); tag != tagServerDHInner && r.Err() == nil {
		return nil, fmt.Errorf("unexpected constructor %08x, want server_DH_inner_data", tag)
	}
	var m serverDHInnerData
	m.Nonce = r.ReadInt128()
	m.ServerNonce = r.ReadInt128()
	m.G = r.ReadInt()
	m.DHPrime = r.ReadString()
	m.GA = r.ReadString()
	m.ServerTime = r.ReadInt()
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("parsing server_DH_inner_data: %w", err)
	}
	return &m, nil
}

type clientDHInnerData struct {
	Nonce       [16]byte
	ServerNonce [16]byte
	RetryID     int64
	GB          []byte
}

func encodeClientDHInnerData(m *clientDHInnerData) []byte {
	var w tl.Writer
	w.PutUint32(tagClientDHInner)
	w.PutInt128(m.Nonce)
	w.PutInt128(m.ServerNonce)
	w.PutLong(m.RetryID)
	w.PutString(m.GB)
	return w.Bytes()
}

func encodeSetClientDHParams(nonce, serverNonce [16]byte, encryptedData []byte) []byte {
	var w tl.Writer
	w.PutUint32(tagSetClientDH)
	w.PutInt128(nonce)
	w.PutInt128(serverNonce)
	w.PutString(encryptedData)
	return w.Bytes()
}

type dhGenResponse struct {
	Tag          uint32
	Nonce        [16]byte
	ServerNonce  [16]byte
	NewNonceHash [16]byte
}

func parseDHGenResponse(payload []byte) (*dhGenResponse, error) {
	r := tl.NewReader(payload)
	var m dhGenResponse
	m.Tag = r.ReadUint32()
	if r.Err() == nil {
		switch m.Tag {
		case tagDHGenOK, tagDHGenRetry, tagDHGenFail:
		default:
			return nil, fmt.Errorf("unexpected constructor %08x, want a dh_gen response", m.Tag)
		}
	}
	m.Nonce = r.ReadInt128()
	m.ServerNonce = r.ReadInt128()
	m.NewNonceHash = r.ReadInt128()
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("parsing dh_gen response: %w", err)
	}
	return &m, nil
}
