// Package shortcode generates the public tokens that identify referral links.
package shortcode

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// Alphabet excludes characters that are easy to confuse when read aloud or
// typed from print (0/O, 1/I/L).
const Alphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// DefaultLength gives 31^8 (about 8.5e11) possible codes.
const DefaultLength = 8

// Generator produces random fixed-length codes.
type Generator interface {
	Generate() (string, error)
}

// RandomGenerator draws codes from Alphabet using crypto/rand.
type RandomGenerator struct {
	length int
}

// NewRandomGenerator creates a generator producing codes of the given length.
func NewRandomGenerator(length int) *RandomGenerator {
	if length <= 0 {
		length = DefaultLength
	}
	return &RandomGenerator{length: length}
}

// Generate returns a new random code.
func (g *RandomGenerator) Generate() (string, error) {
	max := big.NewInt(int64(len(Alphabet)))
	b := make([]byte, g.length)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to read random source: %w", err)
		}
		b[i] = Alphabet[n.Int64()]
	}
	return string(b), nil
}

// SequenceGenerator replays a fixed list of codes, then repeats the last one.
// It lets tests force collisions.
type SequenceGenerator struct {
	Codes []string
	next  int
}

// Generate returns the next code in the sequence.
func (g *SequenceGenerator) Generate() (string, error) {
	if len(g.Codes) == 0 {
		return "", fmt.Errorf("sequence generator has no codes")
	}
	if g.next >= len(g.Codes) {
		return g.Codes[len(g.Codes)-1], nil
	}
	code := g.Codes[g.next]
	g.next++
	return code, nil
}
