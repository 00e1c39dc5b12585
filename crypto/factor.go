package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math/bits"
)

// Factorize splits pq into two primes p <= q. The handshake server picks pq
// as a product of two primes close to 2^31 so a Pollard rho walk finds the
// split quickly.
func Factorize(pq uint64) (p, q uint64, err error) {
	if pq < 4 {
		return 0, 0, fmt.Errorf("pq too small to factorize: %d", pq)
	}
	if pq%2 == 0 {
		return orderPair(2, pq/2), orderPairHigh(2, pq/2), nil
	}

	for attempt := 0; attempt < 16; attempt++ {
		g := pollardRho(pq, randSeed()%pq+1)
		if g > 1 && g < pq {
			return orderPair(g, pq/g), orderPairHigh(g, pq/g), nil
		}
	}
	return 0, 0, fmt.Errorf("factorization failed for pq=%d", pq)
}

func orderPair(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func orderPairHigh(a, b uint64) uint64 {
	if a < b {
		return b
	}
	return a
}

func randSeed() uint64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failure is unrecoverable elsewhere too; a fixed
		// seed only costs extra rho attempts here.
		return 0x9e3779b97f4a7c15
	}
	return binary.LittleEndian.Uint64(buf[:])
}

// pollardRho runs Pollard rho with Floyd tortoise-and-hare cycle finding on
// n with the given starting point and returns a non-trivial divisor, or n
// on failure.
func pollardRho(n, seed uint64) uint64 {
	c := seed | 1
	f := func(x uint64) uint64 { return addMod(mulMod(x, x, n), c, n) }

	x, y, d := seed%n, seed%n, uint64(1)
	for i := 0; d == 1 && i < 1<<22; i++ {
		x = f(x)
		y = f(f(y))
		diff := x - y
		if x < y {
			diff = y - x
		}
		if diff == 0 {
			return n
		}
		d = gcd(diff, n)
	}
	return d
}

func gcd(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func addMod(a, b, m uint64) uint64 {
	a %= m
	b %= m
	if a >= m-b {
		return a - (m - b)
	}
	return a + b
}

func mulMod(a, b, m uint64) uint64 {
	hi, lo := bits.Mul64(a%m, b%m)
	_, rem := bits.Div64(hi, lo, m)
	return rem
}
