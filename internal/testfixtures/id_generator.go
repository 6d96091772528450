package testfixtures

import (
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// IDGenerator yields deterministic UUID-shaped principal ids. Two generators
// with the same seed produce the same sequence.
type IDGenerator struct {
	mu        sync.Mutex
	namespace uuid.UUID
	issued    []string
}

// NewIDGenerator returns a generator for seed. An empty seed uses "principal".
func NewIDGenerator(seed string) *IDGenerator {
	if seed == "" {
		seed = "principal"
	}
	return &IDGenerator{namespace: uuid.NewSHA1(uuid.NameSpaceURL, []byte("campus-test:"+seed))}
}

// Next returns the next id in the sequence.
func (g *IDGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := uuid.NewSHA1(g.namespace, []byte(strconv.Itoa(len(g.issued)+1))).String()
	g.issued = append(g.issued, id)
	return id
}

// NextFunc exposes Next for injection into providers.
func (g *IDGenerator) NextFunc() func() string {
	if g == nil {
		return uuid.NewString
	}
	return g.Next
}

// Issued returns the ids handed out so far, oldest first.
func (g *IDGenerator) Issued() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.issued...)
}

// Reset restarts the sequence.
func (g *IDGenerator) Reset() {
	g.mu.Lock()
	g.issued = nil
	g.mu.Unlock()
}
