package handshake

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mtproto/crypto"
)

// KeyStore holds the RSA public keys this client trusts for key
// negotiation. It is read-mostly and safe for concurrent use across
// connections.
type KeyStore struct {
	mu   sync.RWMutex
	keys []*crypto.RSAKey
}

// NewKeyStore parses each PEM-encoded key and returns a store over them.
func NewKeyStore(pemKeys ...[]byte) (*KeyStore, error) {
	s := &KeyStore{}
	for i, pemData := range pemKeys {
		key, err := crypto.ParseRSAKey(pemData)
		if err != nil {
			return nil, fmt.Errorf("parsing trusted key %d: %w", i, err)
		}
		s.keys = append(s.keys, key)
	}
	return s, nil
}

// AddKey parses and installs one more trusted key.
func (s *KeyStore) AddKey(pemData []byte) error {
	key, err := crypto.ParseRSAKey(pemData)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
	logrus.WithFields(logrus.Fields{
		"fingerprint": fmt.Sprintf("%016x", key.Fingerprint()),
	}).Debug("trusted key added")
	return nil
}

// GetKey returns the first trusted key whose fingerprint the server listed.
func (s *KeyStore) GetKey(fingerprints []uint64) (*crypto.RSAKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, fp := range fingerprints {
		for _, key := range s.keys {
			if key.Fingerprint() == fp {
				return key, nil
			}
		}
	}
	return nil, fmt.Errorf("no trusted key among %d offered fingerprints", len(fingerprints))
}

// Len reports how many keys are installed.
func (s *KeyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}
