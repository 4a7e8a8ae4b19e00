package reservation

import (
	"fmt"
	"math/rand/v2"
	"sync"
)

// ContactGenerator produces the phone numbers submitted with reservations:
// country code 48, one configured operator prefix, then six random digits.
type ContactGenerator struct {
	prefixes []string

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewContactGenerator(prefixes []string, src rand.Source) *ContactGenerator {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &ContactGenerator{prefixes: append([]string(nil), prefixes...), rnd: rand.New(src)}
}

func (g *ContactGenerator) Next() (string, error) {
	if len(g.prefixes) == 0 {
		return "", ErrNoContactPrefixes
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	prefix := g.prefixes[g.rnd.IntN(len(g.prefixes))]
	return fmt.Sprintf("48%s%06d", prefix, g.rnd.IntN(1_000_000)), nil
}
