package match

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/terrpan/arena/internal/agents"
)

// Selection strategy names accepted by NewSelector.
const (
	SelectRandom     = "random"
	SelectRoundRobin = "round_robin"
)

// Selector draws n agents from the active roster.
type Selector interface {
	Select(roster []agents.Agent, n int) ([]agents.Agent, error)
}

// NewSelector returns the strategy called name.  An empty name selects
// random.
func NewSelector(name string) (Selector, error) {
	switch name {
	case "", SelectRandom:
		return NewRandom(nil), nil
	case SelectRoundRobin:
		return &RoundRobin{}, nil
	}
	return nil, fmt.Errorf("unknown selection strategy %q (want %s or %s)", name, SelectRandom, SelectRoundRobin)
}

func notEnough(have, want int) error {
	return fmt.Errorf("not enough active agents: have %d, need %d", have, want)
}

// Random draws n distinct agents uniformly.
type Random struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandom returns a random selector.  A nil source is seeded from the
// runtime.
func NewRandom(src rand.Source) *Random {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &Random{rng: rand.New(src)}
}

func (r *Random) Select(roster []agents.Agent, n int) ([]agents.Agent, error) {
	if len(roster) < n {
		return nil, notEnough(len(roster), n)
	}
	r.mu.Lock()
	perm := r.rng.Perm(len(roster))
	r.mu.Unlock()

	out := make([]agents.Agent, n)
	for i := range n {
		out[i] = roster[perm[i]]
	}
	return out, nil
}

// RoundRobin walks the roster in order, continuing where the previous
// match stopped, so every agent plays before any agent plays twice.
type RoundRobin struct {
	mu   sync.Mutex
	next int
}

func (r *RoundRobin) Select(roster []agents.Agent, n int) ([]agents.Agent, error) {
	if len(roster) < n {
		return nil, notEnough(len(roster), n)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]agents.Agent, n)
	for i := range n {
		out[i] = roster[(r.next+i)%len(roster)]
	}
	r.next = (r.next + n) % len(roster)
	return out, nil
}
