package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
)

// DHPrimeBits is the required bit length of the negotiated prime.
const DHPrimeBits = 2048

// DhCallback lets callers cache primality verdicts so the expensive
// safe-prime test runs once per prime. A nil callback disables caching.
type DhCallback interface {
	// IsGoodPrime reports a cached verdict for the hex-encoded prime.
	// known is false when the prime has not been seen before.
	IsGoodPrime(primeHex string) (good, known bool)
	AddGoodPrime(primeHex string)
	AddBadPrime(primeHex string)
}

// DhHandshake accumulates the Diffie-Hellman parameters received during key
// negotiation, validates them, and produces the shared key.
type DhHandshake struct {
	g     *big.Int
	prime *big.Int
	gA    *big.Int

	checksDone bool
}

// SetConfig installs the generator and prime announced by the server.
func (h *DhHandshake) SetConfig(g int32, prime []byte) {
	h.g = big.NewInt(int64(g))
	h.prime = new(big.Int).SetBytes(prime)
	h.checksDone = false
}

// SetGA installs the server's public value g^a mod p.
func (h *DhHandshake) SetGA(gA []byte) {
	h.gA = new(big.Int).SetBytes(gA)
	h.checksDone = false
}

// RunChecks validates the installed parameters. All failures are fatal for
// the negotiation; the caller must abort rather than continue with a weak
// group.
func (h *DhHandshake) RunChecks(cb DhCallback) error {
	if h.g == nil || h.prime == nil || h.gA == nil {
		return fmt.Errorf("dh parameters incomplete")
	}
	if h.prime.BitLen() != DHPrimeBits {
		return fmt.Errorf("dh prime has %d bits, want %d", h.prime.BitLen(), DHPrimeBits)
	}
	if err := h.checkGenerator(); err != nil {
		return err
	}
	if err := h.checkPrime(cb); err != nil {
		return err
	}
	if err := checkDhValue(h.gA, h.prime); err != nil {
		return fmt.Errorf("g_a out of range: %w", err)
	}
	h.checksDone = true
	return nil
}

// checkGenerator verifies that g generates the quadratic residues of p, per
// the residue conditions for each permitted small generator.
func (h *DhHandshake) checkGenerator() error {
	mod := func(m int64) int64 { return new(big.Int).Mod(h.prime, big.NewInt(m)).Int64() }
	ok := false
	switch h.g.Int64() {
	case 2:
		ok = mod(8) == 7
	case 3:
		ok = mod(3) == 2
	case 4:
		ok = true
	case 5:
		r := mod(5)
		ok = r == 1 || r == 4
	case 6:
		r := mod(24)
		ok = r == 19 || r == 23
	case 7:
		r := mod(7)
		ok = r == 3 || r == 5 || r == 6
	}
	if !ok {
		return fmt.Errorf("dh generator g=%s fails residue check", h.g)
	}
	return nil
}

func (h *DhHandshake) checkPrime(cb DhCallback) error {
	var key string
	if cb != nil {
		key = hex.EncodeToString(h.prime.Bytes())
		if good, known := cb.IsGoodPrime(key); known {
			if !good {
				return fmt.Errorf("dh prime cached as unsafe")
			}
			return nil
		}
	}
	half := new(big.Int).Rsh(new(big.Int).Sub(h.prime, big.NewInt(1)), 1)
	if !h.prime.ProbablyPrime(30) || !half.ProbablyPrime(30) {
		if cb != nil {
			cb.AddBadPrime(key)
		}
		return fmt.Errorf("dh prime is not a safe prime")
	}
	if cb != nil {
		cb.AddGoodPrime(key)
	}
	return nil
}

// checkDhValue rejects public values outside (1, p-1) or within 2^64 of the
// group boundaries.
func checkDhValue(v, prime *big.Int) error {
	margin := new(big.Int).Lsh(big.NewInt(1), DHPrimeBits-64)
	upper := new(big.Int).Sub(prime, margin)
	if v.Cmp(margin) < 0 || v.Cmp(upper) > 0 {
		return fmt.Errorf("value too close to a group boundary")
	}
	return nil
}

// GenKey picks a fresh secret exponent and returns the public value
// g^b mod p to send to the peer and the resulting shared key g_a^b mod p,
// left-padded to the full key size.
func (h *DhHandshake) GenKey() (gB []byte, key []byte, err error) {
	if !h.checksDone {
		return nil, nil, fmt.Errorf("dh checks have not passed")
	}
	for {
		b, err := rand.Int(rand.Reader, h.prime)
		if err != nil {
			return nil, nil, fmt.Errorf("generating dh secret: %w", err)
		}
		gBInt := new(big.Int).Exp(h.g, b, h.prime)
		if checkDhValue(gBInt, h.prime) != nil {
			continue
		}
		shared := new(big.Int).Exp(h.gA, b, h.prime)
		key = make([]byte, KeySize)
		shared.FillBytes(key)
		return gBInt.Bytes(), key, nil
	}
}
