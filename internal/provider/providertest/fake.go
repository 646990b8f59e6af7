// Package providertest provides an in-memory provider.Provider for
// orchestrator, driver and reaper tests.  It counts calls per handle so
// tests can assert exactly which resources were created and destroyed.
package providertest

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/terrpan/arena/internal/job"
	"github.com/terrpan/arena/internal/provider"
)

// Compile-time checks.
var (
	_ provider.Provider = (*Fake)(nil)
	_ provider.Lister   = (*Fake)(nil)
)

type resource struct {
	spec    provider.Spec
	script  []provider.Status
	current provider.Status
	created time.Time
}

// Fake is a concurrency-safe provider whose behaviour is scripted by the
// test.  The zero value is not usable; call New.
type Fake struct {
	mu sync.Mutex

	resources map[string]*resource
	next      int

	// Script is the sequence of statuses each new resource reports, one
	// per Status call.  The last entry repeats.  Empty means Pending.
	Script []provider.Status

	// CreateErr, when set, is consulted before every create.  A non-nil
	// result refuses the create.
	CreateErr func(spec provider.Spec) error

	// DestroyErr, when set, is consulted before every destroy.
	DestroyErr func(handle string) error

	// StatusErr is returned by every Status call while set.
	StatusErr error

	// LogLines is what Logs returns for any known handle.
	LogLines []string

	// Now stamps creation times for ListManaged.  Default time.Now.
	Now func() time.Time

	specs    []provider.Spec
	creates  int
	destroys map[string]int
	statuses map[string]int
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		resources: make(map[string]*resource),
		destroys:  make(map[string]int),
		statuses:  make(map[string]int),
	}
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) Create(_ context.Context, spec provider.Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.creates++
	f.specs = append(f.specs, spec)
	if f.CreateErr != nil {
		if err := f.CreateErr(spec); err != nil {
			return "", &job.ProvisionError{Reason: "fake refused " + spec.Name, Err: err}
		}
	}

	f.next++
	handle := fmt.Sprintf("h-%d", f.next)
	now := time.Now()
	if f.Now != nil {
		now = f.Now()
	}
	f.resources[handle] = &resource{
		spec:    spec,
		script:  slices.Clone(f.Script),
		current: provider.Status{Phase: provider.PhasePending},
		created: now,
	}
	return handle, nil
}

func (f *Fake) Status(_ context.Context, handle string) (provider.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.statuses[handle]++
	if f.StatusErr != nil {
		return provider.Status{}, f.StatusErr
	}
	r, ok := f.resources[handle]
	if !ok {
		return provider.Status{Phase: provider.PhaseUnknown}, nil
	}
	if len(r.script) > 0 {
		r.current = r.script[0]
		if len(r.script) > 1 {
			r.script = r.script[1:]
		}
	}
	return r.current, nil
}

func (f *Fake) Destroy(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.destroys[handle]++
	if f.DestroyErr != nil {
		if err := f.DestroyErr(handle); err != nil {
			return err
		}
	}
	delete(f.resources, handle)
	return nil
}

func (f *Fake) Logs(_ context.Context, handle string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.resources[handle]; !ok {
		return nil, nil
	}
	return slices.Clone(f.LogLines), nil
}

func (f *Fake) ListManaged(_ context.Context) ([]provider.Managed, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []provider.Managed
	for _, h := range slices.Sorted(maps.Keys(f.resources)) {
		r := f.resources[h]
		if r.spec.Labels[provider.LabelManaged] != "true" {
			continue
		}
		out = append(out, provider.Managed{
			Handle:    h,
			JobID:     r.spec.Labels[provider.LabelJobID],
			Role:      r.spec.Labels[provider.LabelRole],
			CreatedAt: r.created,
		})
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Scripting and inspection helpers
// ---------------------------------------------------------------------------

// SetStatus pins the status of a live resource, discarding its script.
func (f *Fake) SetStatus(handle string, st provider.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.resources[handle]; ok {
		r.script = nil
		r.current = st
	}
}

// SetAll pins the status of every live resource.
func (f *Fake) SetAll(st provider.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.resources {
		r.script = nil
		r.current = st
	}
}

// Vanish drops a resource without counting a destroy, as if the backend
// garbage-collected it.
func (f *Fake) Vanish(handle string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.resources, handle)
}

// Creates returns the number of Create calls, refused ones included.
func (f *Fake) Creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

// Specs returns every spec passed to Create, in call order.
func (f *Fake) Specs() []provider.Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.specs)
}

// Destroys returns how many times Destroy was called for handle.
func (f *Fake) Destroys(handle string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroys[handle]
}

// TotalDestroys returns the number of Destroy calls across all handles.
func (f *Fake) TotalDestroys() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int
	for _, c := range f.destroys {
		n += c
	}
	return n
}

// StatusCalls returns how many times Status was called for handle.
func (f *Fake) StatusCalls(handle string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[handle]
}

// Live returns the handles that exist and have not been destroyed.
func (f *Fake) Live() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Sorted(maps.Keys(f.resources))
}
