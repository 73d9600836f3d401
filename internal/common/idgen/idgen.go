package idgen

import (
	"crypto/rand"
	"fmt"
)

// Alphabet is the URL-safe id alphabet shared by message ids and file ids.
const Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_-"

// Length is the fixed length of every protocol id.
const Length = 10

type Generator interface {
	NewID() string
}

type RandomGenerator struct{}

func NewRandomGenerator() *RandomGenerator {
	return &RandomGenerator{}
}

func (g *RandomGenerator) NewID() string {
	buf := make([]byte, Length)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("idgen: crypto/rand failed: %v", err))
	}
	for i, b := range buf {
		buf[i] = Alphabet[int(b)%len(Alphabet)]
	}
	return string(buf)
}

// Valid reports whether s is a well-formed protocol id.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}
