package relay

import (
	"crypto/rand"
	"math/big"
	"strings"
)

const suffixChars = "abcdefghijklmnopqrstuvwxyz0123456789"

var (
	defaultColors  = []string{"purple", "blue", "green", "red", "yellow", "orange", "pink", "teal", "silver", "gold"}
	defaultAnimals = []string{"monkey", "tiger", "lion", "panda", "eagle", "shark", "wolf", "fox", "bear", "owl"}
)

// IDAllocator proposes session ids. Proposals are unlikely to collide but are
// not guaranteed unique; the registry rejects duplicates.
type IDAllocator interface {
	Allocate() string
}

// WordAllocator builds ids like "teal-owl-k3x9" from two word pools and a
// short random suffix.
type WordAllocator struct {
	First     []string
	Second    []string
	SuffixLen int
}

// NewWordAllocator returns an allocator over the built-in color and animal pools.
func NewWordAllocator() *WordAllocator {
	return &WordAllocator{
		First:     defaultColors,
		Second:    defaultAnimals,
		SuffixLen: 4,
	}
}

func (a *WordAllocator) Allocate() string {
	var b strings.Builder
	b.WriteString(pick(a.First))
	b.WriteByte('-')
	b.WriteString(pick(a.Second))
	b.WriteByte('-')
	for i := 0; i < a.SuffixLen; i++ {
		b.WriteByte(suffixChars[randIndex(len(suffixChars))])
	}
	return b.String()
}

func pick(words []string) string {
	return words[randIndex(len(words))]
}

func randIndex(n int) int {
	idx, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		// crypto/rand does not fail on supported platforms
		panic(err)
	}
	return int(idx.Int64())
}
