// Package provider defines the abstraction for compute backends that run
// the orchestrator's ephemeral workloads: image builds, game hosts and
// agents.  Each backend (Kubernetes Jobs, GCE VMs, local Docker) implements
// the Provider interface so the orchestrators remain compute-agnostic.
package provider

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Label keys stamped on every resource a provider creates.  The reaper uses
// them to find resources whose job no longer tracks them.
const (
	LabelManaged = "arena.io/managed"
	LabelJobID   = "arena.io/job-id"
	LabelRole    = "arena.io/role"
)

// Phase is the lifecycle position of a resource as reported by its backend.
type Phase string

const (
	PhasePending   Phase = "Pending"
	PhaseRunning   Phase = "Running"
	PhaseSucceeded Phase = "Succeeded"
	PhaseFailed    Phase = "Failed"
	// PhaseUnknown means the backend has no record of the resource, or the
	// record cannot be interpreted.
	PhaseUnknown Phase = "Unknown"
)

// Done reports whether the phase is final.
func (p Phase) Done() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

// Provider is the contract every compute backend must satisfy.
//
// Resources are strictly ephemeral: each runs one workload and is then
// permanently destroyed.  The lifecycle is:
//
//	Create → Pending → Running → {Succeeded | Failed} → Destroy
//
// Handles are opaque to callers.  They may be a namespaced Job name, a VM
// instance name or a container ID, and are only meaningful to the provider
// that returned them.
type Provider interface {
	// Create provisions a new resource.  It is all-or-nothing: on error
	// nothing the caller would need to destroy is left behind.  A backend
	// refusal is reported as *job.ProvisionError.
	Create(ctx context.Context, spec Spec) (string, error)

	// Status reports the resource's phase.  A handle the backend has no
	// record of reports PhaseUnknown without an error; an error means the
	// backend itself could not be queried.
	Status(ctx context.Context, handle string) (Status, error)

	// Destroy permanently removes the resource.  It is idempotent:
	// destroying an already-destroyed handle succeeds.
	Destroy(ctx context.Context, handle string) error

	// Logs returns the resource's output lines.  It is best-effort and
	// may return nothing for resources that produced no output or are
	// gone.
	Logs(ctx context.Context, handle string) ([]string, error)

	// Name identifies the backend in logs and metrics.
	Name() string
}

// Lister is implemented by providers that can enumerate the resources they
// manage.
type Lister interface {
	ListManaged(ctx context.Context) ([]Managed, error)
}

// Managed describes a resource found by ListManaged.
type Managed struct {
	Handle    string
	JobID     string
	Role      string
	CreatedAt time.Time
}

// Spec describes the workload to run.
type Spec struct {
	// Name is a DNS-label-safe base name.  Providers may append a suffix
	// to keep it unique.
	Name  string
	Image string
	// Args are passed to the image's entrypoint.
	Args []string
	Env  map[string]string
	// Port is the TCP port the workload listens on, or 0 if it serves
	// nothing.
	Port   int
	Limits Limits
	Labels map[string]string
}

// Limits caps a resource's compute.  Values use Kubernetes quantity
// notation ("500m", "512Mi"); empty means the backend default.
type Limits struct {
	CPU    string
	Memory string
}

// Status is a point-in-time observation of a resource.
type Status struct {
	Phase Phase
	// Endpoint is host:port where the workload can be reached once
	// Running, if it exposes a port.
	Endpoint string
	// Message carries the backend's explanation for Failed or Unknown.
	Message string
}

// Labels returns the standard labels for a resource owned by jobID.
func Labels(jobID, role string) map[string]string {
	return map[string]string{
		LabelManaged: "true",
		LabelJobID:   SanitizeLabelValue(jobID),
		LabelRole:    SanitizeLabelValue(role),
	}
}

// SanitizeLabelValue maps v onto the character set every backend accepts
// for label values: lower-case alphanumerics, '-' and '_', at most 63
// characters, starting and ending with an alphanumeric.
func SanitizeLabelValue(v string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(v) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := b.String()
	if len(out) > 63 {
		out = out[:63]
	}
	return strings.Trim(out, "-_")
}

// Endpoint joins a host and port.
func Endpoint(host string, port int) string {
	if host == "" || port == 0 {
		return ""
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// ResourceName builds a unique, DNS-label-safe resource name for a role
// within a job, e.g. "agent-alpha-3f2a9c1d-k7x2q9".  The name starts with the
// role so it sorts and reads naturally in backend consoles.
func ResourceName(role, jobID string) string {
	r := SanitizeLabelValue(role)
	if len(r) > 40 {
		r = strings.TrimRight(r[:40], "-_")
	}
	id := SanitizeLabelValue(jobID)
	if len(id) > 8 {
		id = id[:8]
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return strings.ReplaceAll(fmt.Sprintf("%s-%s-%s", r, id, suffix), "_", "-")
}
