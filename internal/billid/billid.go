// Package billid generates human-readable bill numbers of the form
// BILL-YYYYMMDD-NNNN.
package billid

import (
	"fmt"
	"math/rand/v2"
	"regexp"
	"sync"
	"time"
)

const (
	prefix    = "BILL"
	minSuffix = 1000
	maxSuffix = 9999
)

var pattern = regexp.MustCompile(`^BILL-\d{8}-\d{4}$`)

// Generator produces bill numbers. The zero value is ready to use.
type Generator struct {
	Now  func() time.Time
	Rand *rand.Rand

	mu sync.Mutex
}

// New returns a generator seeded from the runtime's random source.
func New() *Generator {
	return &Generator{}
}

// NewSeeded returns a generator with a deterministic source, for tests.
func NewSeeded(seed uint64, now func() time.Time) *Generator {
	return &Generator{Now: now, Rand: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Next returns a new bill number for the generator's current day. Uniqueness
// is not guaranteed; callers must retry on a storage collision.
func (g *Generator) Next() string {
	return fmt.Sprintf("%s-%s-%04d", prefix, g.now().Format("20060102"), g.suffix())
}

func (g *Generator) suffix() int {
	span := maxSuffix - minSuffix + 1
	if g.Rand == nil {
		return minSuffix + rand.IntN(span)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return minSuffix + g.Rand.IntN(span)
}

func (g *Generator) now() time.Time {
	if g != nil && g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// Valid reports whether s is a well-formed bill number.
func Valid(s string) bool {
	return pattern.MatchString(s)
}
