// Package gcp implements provider.Provider using Google Cloud Compute
// Engine.  Each resource is a Container-Optimized OS VM that runs one
// container declared in its metadata; the handle is the instance name.
//
// Authentication uses Application Default Credentials (ADC).  No
// credential fields exist in Config -- auth is handled by the environment
// (attached service account, Workload Identity Federation,
// GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth application-default login).
package gcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/protobuf/proto"
	"gopkg.in/yaml.v3"

	"github.com/terrpan/arena/internal/job"
	"github.com/terrpan/arena/internal/provider"
)

const (
	// exitCodeKey is the guest attribute the startup script publishes once
	// the workload container exits.
	exitCodeKey = "arena/exit-code"

	// portMetadataKey records the workload port so Status can build the
	// endpoint without extra state.
	portMetadataKey = "arena-port"

	defaultImage = "projects/cos-cloud/global/images/family/cos-stable"
)

// startupScript waits for the container declared through
// gce-container-declaration (started by konlet under a "klt-" name) and
// publishes its exit code as a guest attribute.
const startupScript = `#!/bin/bash
set -u
id=""
until [ -n "$id" ]; do
  sleep 2
  id=$(docker ps -aq --filter name=klt- | head -n1)
done
code=$(docker wait "$id")
curl -s -X PUT --data "$code" -H "Metadata-Flavor: Google" \
  "http://metadata.google.internal/computeMetadata/v1/instance/guest-attributes/` + exitCodeKey + `"
`

// Config holds GCP-specific provider settings.
type Config struct {
	// Project is the GCP project ID (required).
	Project string

	// Zone is the GCP zone where VMs are created (required).
	Zone string

	// MachineType is the Compute Engine machine type.
	// Default: "e2-medium".
	MachineType string

	// Image is the boot image.  It must be a Container-Optimized OS image
	// so the container declaration is honored.
	// Default: "projects/cos-cloud/global/images/family/cos-stable".
	Image string

	// DiskSizeGB is the boot disk size in GB.  Default: 20.
	DiskSizeGB int64

	// Network is the VPC network (optional).  Defaults to "default".
	Network string

	// Subnet is the subnetwork (optional).  If empty, the default subnet
	// for the zone is used.
	Subnet string

	// PublicIP controls whether VMs get an external IP.
	PublicIP bool

	// ServiceAccount is the GCP service account email to attach to
	// VMs (optional).  If empty, the project's default compute service
	// account is used.
	ServiceAccount string

	// LogTailLines bounds how many serial console lines Logs returns.
	// Default: 200.
	LogTailLines int
}

// operationWaiter is the part of *compute.Operation the provider uses.
type operationWaiter interface {
	Wait(ctx context.Context, opts ...gax.CallOption) error
}

// instanceIterator is the part of *compute.InstanceIterator the provider
// uses.
type instanceIterator interface {
	Next() (*computepb.Instance, error)
}

// instancesAPI is the subset of the Compute Engine instances client the
// provider calls.  Tests substitute a fake.
type instancesAPI interface {
	Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error)
	Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error)
	Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error)
	GetGuestAttributes(ctx context.Context, req *computepb.GetGuestAttributesInstanceRequest) (*computepb.GuestAttributes, error)
	GetSerialPortOutput(ctx context.Context, req *computepb.GetSerialPortOutputInstanceRequest) (*computepb.SerialPortOutput, error)
	List(ctx context.Context, req *computepb.ListInstancesRequest) instanceIterator
	Close() error
}

// restInstances adapts *compute.InstancesClient to instancesAPI.
type restInstances struct {
	c *compute.InstancesClient
}

func (r restInstances) Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error) {
	return r.c.Insert(ctx, req)
}

func (r restInstances) Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error) {
	return r.c.Delete(ctx, req)
}

func (r restInstances) Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error) {
	return r.c.Get(ctx, req)
}

func (r restInstances) GetGuestAttributes(ctx context.Context, req *computepb.GetGuestAttributesInstanceRequest) (*computepb.GuestAttributes, error) {
	return r.c.GetGuestAttributes(ctx, req)
}

func (r restInstances) GetSerialPortOutput(ctx context.Context, req *computepb.GetSerialPortOutputInstanceRequest) (*computepb.SerialPortOutput, error) {
	return r.c.GetSerialPortOutput(ctx, req)
}

func (r restInstances) List(ctx context.Context, req *computepb.ListInstancesRequest) instanceIterator {
	return r.c.List(ctx, req)
}

func (r restInstances) Close() error { return r.c.Close() }

// Provider manages workloads as Compute Engine VMs.
type Provider struct {
	client instancesAPI
	cfg    Config
	logger *slog.Logger

	// OpenTelemetry instrumentation
	tracer trace.Tracer
}

// Compile-time checks.
var (
	_ provider.Provider = (*Provider)(nil)
	_ provider.Lister   = (*Provider)(nil)
)

// New creates a GCP provider using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	if cfg.MachineType == "" {
		cfg.MachineType = "e2-medium"
	}
	if cfg.Image == "" {
		cfg.Image = defaultImage
	}
	if cfg.DiskSizeGB == 0 {
		cfg.DiskSizeGB = 20
	}
	if cfg.Network == "" {
		cfg.Network = "default"
	}
	if cfg.LogTailLines == 0 {
		cfg.LogTailLines = 200
	}

	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp instances client: %w", err)
	}

	logger.Info("gcp provider initialized",
		slog.String("project", cfg.Project),
		slog.String("zone", cfg.Zone),
		slog.String("machine_type", cfg.MachineType),
		slog.String("image", cfg.Image),
	)

	return newProvider(restInstances{c: client}, cfg, logger), nil
}

// newProvider wires a provider around an arbitrary instancesAPI.  It
// applies no defaults.
func newProvider(client instancesAPI, cfg Config, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Provider{
		client: client,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("arena/provider/gcp"),
	}
}

func (p *Provider) Name() string { return "gcp" }

// Close releases the API client.
func (p *Provider) Close() error {
	return p.client.Close()
}

// containerDeclaration is the konlet manifest stored under the
// gce-container-declaration metadata key.
type containerDeclaration struct {
	Spec containerSpec `yaml:"spec"`
}

type containerSpec struct {
	Containers    []declaredContainer `yaml:"containers"`
	RestartPolicy string              `yaml:"restartPolicy"`
}

type declaredContainer struct {
	Name  string        `yaml:"name"`
	Image string        `yaml:"image"`
	Args  []string      `yaml:"args,omitempty"`
	Env   []declaredEnv `yaml:"env,omitempty"`
}

type declaredEnv struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

func declaration(spec provider.Spec) (string, error) {
	c := declaredContainer{
		Name:  "workload",
		Image: spec.Image,
		Args:  spec.Args,
	}
	for _, k := range slices.Sorted(maps.Keys(spec.Env)) {
		c.Env = append(c.Env, declaredEnv{Name: k, Value: spec.Env[k]})
	}
	out, err := yaml.Marshal(containerDeclaration{
		Spec: containerSpec{
			Containers:    []declaredContainer{c},
			RestartPolicy: "Never",
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal container declaration: %w", err)
	}
	return "# Generated by arena.\n" + string(out), nil
}

// Create inserts a VM for spec and waits for the insert operation.  If
// the wait fails the instance may exist, so it is deleted before the
// error is returned.
func (p *Provider) Create(ctx context.Context, spec provider.Spec) (string, error) {
	ctx, span := p.tracer.Start(ctx, "provider.gcp.Create")
	defer span.End()

	name := spec.Name
	span.SetAttributes(
		attribute.String("gcp.instance_name", name),
		attribute.String("gcp.project", p.cfg.Project),
		attribute.String("gcp.zone", p.cfg.Zone),
		attribute.String("gcp.machine_type", p.cfg.MachineType),
	)

	decl, err := declaration(spec)
	if err != nil {
		return "", &job.ProvisionError{Reason: "invalid workload spec", Err: err}
	}

	machineType := fmt.Sprintf("zones/%s/machineTypes/%s", p.cfg.Zone, p.cfg.MachineType)

	disk := &computepb.AttachedDisk{
		AutoDelete: proto.Bool(true),
		Boot:       proto.Bool(true),
		InitializeParams: &computepb.AttachedDiskInitializeParams{
			SourceImage: proto.String(p.cfg.Image),
			DiskSizeGb:  proto.Int64(p.cfg.DiskSizeGB),
			DiskType:    proto.String(fmt.Sprintf("zones/%s/diskTypes/pd-balanced", p.cfg.Zone)),
		},
	}

	nic := &computepb.NetworkInterface{
		Network: proto.String(fmt.Sprintf("global/networks/%s", p.cfg.Network)),
	}
	if p.cfg.Subnet != "" {
		nic.Subnetwork = proto.String(p.cfg.Subnet)
	}
	if p.cfg.PublicIP {
		nic.AccessConfigs = []*computepb.AccessConfig{
			{
				Name: proto.String("External NAT"),
				Type: proto.String("ONE_TO_ONE_NAT"),
			},
		}
	}

	metadata := &computepb.Metadata{
		Items: []*computepb.Items{
			{Key: proto.String("gce-container-declaration"), Value: proto.String(decl)},
			{Key: proto.String("startup-script"), Value: proto.String(startupScript)},
			{Key: proto.String("enable-guest-attributes"), Value: proto.String("TRUE")},
			{Key: proto.String(portMetadataKey), Value: proto.String(strconv.Itoa(spec.Port))},
		},
	}

	instance := &computepb.Instance{
		Name:              proto.String(name),
		MachineType:       proto.String(machineType),
		Disks:             []*computepb.AttachedDisk{disk},
		NetworkInterfaces: []*computepb.NetworkInterface{nic},
		Metadata:          metadata,
		Labels:            gcpLabels(spec.Labels),
	}

	if p.cfg.ServiceAccount != "" {
		instance.ServiceAccounts = []*computepb.ServiceAccount{
			{
				Email:  proto.String(p.cfg.ServiceAccount),
				Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
			},
		}
	}

	p.logger.Info("creating VM",
		slog.String("name", name),
		slog.String("image", spec.Image),
		slog.String("zone", p.cfg.Zone),
	)

	op, err := p.client.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          p.cfg.Project,
		Zone:             p.cfg.Zone,
		InstanceResource: instance,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", &job.ProvisionError{Reason: fmt.Sprintf("insert instance %s", name), Err: err}
	}

	span.AddEvent("waiting for GCP operation")
	if err := op.Wait(ctx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		if derr := p.Destroy(context.WithoutCancel(ctx), name); derr != nil {
			p.logger.Error("failed to remove partially created VM",
				slog.String("name", name),
				slog.String("error", derr.Error()),
			)
		}
		return "", &job.ProvisionError{Reason: fmt.Sprintf("waiting for instance %s", name), Err: err}
	}

	p.logger.Info("VM created", slog.String("name", name))

	// The instance name is the handle.
	return name, nil
}

// Status maps the instance status onto a phase.  A RUNNING instance whose
// workload has published an exit code is reported as finished.
func (p *Provider) Status(ctx context.Context, handle string) (provider.Status, error) {
	ctx, span := p.tracer.Start(ctx, "provider.gcp.Status")
	defer span.End()
	span.SetAttributes(attribute.String("gcp.instance_name", handle))

	inst, err := p.client.Get(ctx, &computepb.GetInstanceRequest{
		Project:  p.cfg.Project,
		Zone:     p.cfg.Zone,
		Instance: handle,
	})
	if isNotFound(err) {
		return provider.Status{Phase: provider.PhaseUnknown, Message: "instance not found"}, nil
	}
	if err != nil {
		span.RecordError(err)
		return provider.Status{}, fmt.Errorf("get instance %s: %w", handle, err)
	}

	switch inst.GetStatus() {
	case "PROVISIONING", "STAGING", "REPAIRING":
		return provider.Status{Phase: provider.PhasePending}, nil
	case "RUNNING":
	default:
		return provider.Status{Phase: provider.PhaseFailed, Message: "instance " + strings.ToLower(inst.GetStatus())}, nil
	}

	attr, err := p.client.GetGuestAttributes(ctx, &computepb.GetGuestAttributesInstanceRequest{
		Project:     p.cfg.Project,
		Zone:        p.cfg.Zone,
		Instance:    handle,
		VariableKey: proto.String(exitCodeKey),
	})
	switch {
	case isNotFound(err):
		return provider.Status{Phase: provider.PhaseRunning, Endpoint: endpoint(inst)}, nil
	case err != nil:
		span.RecordError(err)
		return provider.Status{}, fmt.Errorf("get guest attributes of %s: %w", handle, err)
	}

	code := strings.TrimSpace(attr.GetVariableValue())
	if code == "0" {
		return provider.Status{Phase: provider.PhaseSucceeded}, nil
	}
	return provider.Status{Phase: provider.PhaseFailed, Message: "exit code " + code}, nil
}

// endpoint joins the instance's internal IP with the port recorded in its
// metadata.
func endpoint(inst *computepb.Instance) string {
	var port int
	for _, item := range inst.GetMetadata().GetItems() {
		if item.GetKey() == portMetadataKey {
			port, _ = strconv.Atoi(item.GetValue())
		}
	}
	for _, nic := range inst.GetNetworkInterfaces() {
		if ip := nic.GetNetworkIP(); ip != "" {
			return provider.Endpoint(ip, port)
		}
	}
	return ""
}

// Destroy permanently deletes the VM identified by handle.
// It is idempotent -- deleting an already-deleted VM is not an error.
func (p *Provider) Destroy(ctx context.Context, handle string) error {
	ctx, span := p.tracer.Start(ctx, "provider.gcp.Destroy")
	defer span.End()

	span.SetAttributes(
		attribute.String("gcp.instance_name", handle),
		attribute.String("gcp.project", p.cfg.Project),
		attribute.String("gcp.zone", p.cfg.Zone),
	)

	p.logger.Info("destroying VM", slog.String("name", handle))

	op, err := p.client.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project:  p.cfg.Project,
		Zone:     p.cfg.Zone,
		Instance: handle,
	})
	if err != nil {
		if isNotFound(err) {
			span.AddEvent("instance already deleted (idempotent)")
			return nil
		}
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("delete instance %s: %w", handle, err)
	}

	if err := op.Wait(ctx); err != nil {
		// Also handle 404 during wait -- race between delete and check.
		if isNotFound(err) {
			span.AddEvent("instance already deleted during wait (idempotent)")
			return nil
		}
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("waiting for delete of %s: %w", handle, err)
	}

	p.logger.Info("VM destroyed", slog.String("name", handle))
	return nil
}

// Logs returns the tail of the VM's serial console, which carries the
// container's output on Container-Optimized OS.
func (p *Provider) Logs(ctx context.Context, handle string) ([]string, error) {
	ctx, span := p.tracer.Start(ctx, "provider.gcp.Logs")
	defer span.End()

	out, err := p.client.GetSerialPortOutput(ctx, &computepb.GetSerialPortOutputInstanceRequest{
		Project:  p.cfg.Project,
		Zone:     p.cfg.Zone,
		Instance: handle,
		Port:     proto.Int32(1),
	})
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("serial port output of %s: %w", handle, err)
	}

	lines := strings.Split(strings.TrimRight(out.GetContents(), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	if n := p.cfg.LogTailLines; n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// ListManaged returns every instance in the zone carrying the managed
// label.
func (p *Provider) ListManaged(ctx context.Context) ([]provider.Managed, error) {
	ctx, span := p.tracer.Start(ctx, "provider.gcp.ListManaged")
	defer span.End()

	it := p.client.List(ctx, &computepb.ListInstancesRequest{
		Project: p.cfg.Project,
		Zone:    p.cfg.Zone,
		Filter:  proto.String(fmt.Sprintf("labels.%s = true", gcpLabelKey(provider.LabelManaged))),
	})

	var out []provider.Managed
	for {
		inst, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list instances: %w", err)
		}
		created, _ := time.Parse(time.RFC3339, inst.GetCreationTimestamp())
		out = append(out, provider.Managed{
			Handle:    inst.GetName(),
			JobID:     inst.GetLabels()[gcpLabelKey(provider.LabelJobID)],
			Role:      inst.GetLabels()[gcpLabelKey(provider.LabelRole)],
			CreatedAt: created,
		})
	}
	return out, nil
}

// gcpLabelKey maps a provider label key onto GCE's label key charset,
// which forbids '.' and '/': "arena.io/job-id" becomes "arena-job-id".
func gcpLabelKey(k string) string {
	k = strings.Replace(k, ".io/", "-", 1)
	return provider.SanitizeLabelValue(k)
}

func gcpLabels(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[gcpLabelKey(k)] = provider.SanitizeLabelValue(v)
	}
	return out
}

// isNotFound reports whether err is a "not found" (404) error from the
// GCP API.  REST clients return *googleapi.Error; anything else is
// matched on the common 404 patterns in its message.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusNotFound
	}
	return contains404Pattern(err.Error())
}

// contains404Pattern checks for common 404 patterns in GCP error strings.
func contains404Pattern(s string) bool {
	// googleapi.Error formats as "googleapi: Error 404: ..."
	// gRPC status formats as "code = NotFound"
	for _, pattern := range []string{
		"Error 404",
		"code = NotFound",
		"notFound",
	} {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}
