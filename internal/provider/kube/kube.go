// Package kube implements provider.Provider on a Kubernetes cluster.  Each
// resource is a batch/v1 Job with exactly one pod that is never retried;
// the handle is "<namespace>/<job name>".
package kube

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/ptr"

	"github.com/terrpan/arena/internal/job"
	"github.com/terrpan/arena/internal/provider"
)

// jobNameLabel is set by the Job controller on every pod it creates.
const jobNameLabel = "job-name"

// containerName is the single container in every pod.
const containerName = "workload"

// Config holds Kubernetes-specific settings.
type Config struct {
	// Namespace receives every Job.  Default: "default".
	Namespace string

	// ServiceAccount runs the pods (optional).
	ServiceAccount string

	// TTLSecondsAfterFinished lets the cluster garbage-collect Jobs the
	// orchestrator failed to delete.  Default: 3600.
	TTLSecondsAfterFinished int32

	// ImagePullPolicy for the workload container.  Default: IfNotPresent.
	ImagePullPolicy string

	// LogTailLines bounds how many lines Logs returns.  Default: 200.
	LogTailLines int64
}

// Provider runs workloads as Kubernetes Jobs.
type Provider struct {
	client kubernetes.Interface
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

// Compile-time checks.
var (
	_ provider.Provider = (*Provider)(nil)
	_ provider.Lister   = (*Provider)(nil)
)

// New returns a provider that creates Jobs through client.
func New(client kubernetes.Interface, cfg Config, logger *slog.Logger) *Provider {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.TTLSecondsAfterFinished == 0 {
		cfg.TTLSecondsAfterFinished = 3600
	}
	if cfg.ImagePullPolicy == "" {
		cfg.ImagePullPolicy = string(corev1.PullIfNotPresent)
	}
	if cfg.LogTailLines == 0 {
		cfg.LogTailLines = 200
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Provider{
		client: client,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("arena/provider/kube"),
	}
}

func (p *Provider) Name() string { return "kubernetes" }

// Create submits a Job for spec.  If the API call fails in a way that
// leaves the outcome unclear, any Job that did get created is deleted
// before the error is returned.
func (p *Provider) Create(ctx context.Context, spec provider.Spec) (string, error) {
	ctx, span := p.tracer.Start(ctx, "provider.kube.Create")
	defer span.End()

	span.SetAttributes(
		attribute.String("kube.namespace", p.cfg.Namespace),
		attribute.String("kube.job", spec.Name),
		attribute.String("image", spec.Image),
	)

	obj, err := p.jobFor(spec)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", &job.ProvisionError{Reason: "invalid workload spec", Err: err}
	}

	jobs := p.client.BatchV1().Jobs(p.cfg.Namespace)
	if _, err := jobs.Create(ctx, obj, metav1.CreateOptions{}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if !apierrors.IsAlreadyExists(err) && !apierrors.IsInvalid(err) && !apierrors.IsForbidden(err) {
			p.removePartial(ctx, spec.Name)
		}
		return "", &job.ProvisionError{Reason: fmt.Sprintf("create job %s/%s", p.cfg.Namespace, spec.Name), Err: err}
	}

	p.logger.Info("job created",
		slog.String("namespace", p.cfg.Namespace),
		slog.String("name", spec.Name),
		slog.String("image", spec.Image),
	)

	return p.cfg.Namespace + "/" + spec.Name, nil
}

// removePartial deletes a Job whose create call errored but may still have
// been persisted by the API server.
func (p *Provider) removePartial(ctx context.Context, name string) {
	jobs := p.client.BatchV1().Jobs(p.cfg.Namespace)
	if _, err := jobs.Get(ctx, name, metav1.GetOptions{}); err != nil {
		return
	}
	if err := p.deleteJob(ctx, p.cfg.Namespace, name); err != nil {
		p.logger.Error("failed to remove partially created job",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Provider) jobFor(spec provider.Spec) (*batchv1.Job, error) {
	if spec.Name == "" || spec.Image == "" {
		return nil, fmt.Errorf("name and image are required")
	}

	var env []corev1.EnvVar
	for _, k := range slices.Sorted(maps.Keys(spec.Env)) {
		env = append(env, corev1.EnvVar{Name: k, Value: spec.Env[k]})
	}

	limits := corev1.ResourceList{}
	if spec.Limits.CPU != "" {
		q, err := resource.ParseQuantity(spec.Limits.CPU)
		if err != nil {
			return nil, fmt.Errorf("cpu limit %q: %w", spec.Limits.CPU, err)
		}
		limits[corev1.ResourceCPU] = q
	}
	if spec.Limits.Memory != "" {
		q, err := resource.ParseQuantity(spec.Limits.Memory)
		if err != nil {
			return nil, fmt.Errorf("memory limit %q: %w", spec.Limits.Memory, err)
		}
		limits[corev1.ResourceMemory] = q
	}

	c := corev1.Container{
		Name:            containerName,
		Image:           spec.Image,
		ImagePullPolicy: corev1.PullPolicy(p.cfg.ImagePullPolicy),
		Args:            spec.Args,
		Env:             env,
	}
	if len(limits) > 0 {
		c.Resources = corev1.ResourceRequirements{Limits: limits, Requests: limits}
	}
	if spec.Port > 0 {
		c.Ports = []corev1.ContainerPort{{ContainerPort: int32(spec.Port), Protocol: corev1.ProtocolTCP}}
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: p.cfg.Namespace,
			Labels:    spec.Labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            ptr.To[int32](0),
			TTLSecondsAfterFinished: ptr.To(p.cfg.TTLSecondsAfterFinished),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: spec.Labels},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: p.cfg.ServiceAccount,
					Containers:         []corev1.Container{c},
				},
			},
		},
	}, nil
}

// Status derives the phase from the Job's counters first, then from its
// pod.  The endpoint is the pod IP and the container port.
func (p *Provider) Status(ctx context.Context, handle string) (provider.Status, error) {
	ctx, span := p.tracer.Start(ctx, "provider.kube.Status")
	defer span.End()
	span.SetAttributes(attribute.String("handle", handle))

	ns, name, err := splitHandle(handle)
	if err != nil {
		return provider.Status{Phase: provider.PhaseUnknown, Message: err.Error()}, nil
	}

	j, err := p.client.BatchV1().Jobs(ns).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return provider.Status{Phase: provider.PhaseUnknown, Message: "job not found"}, nil
	}
	if err != nil {
		span.RecordError(err)
		return provider.Status{}, fmt.Errorf("get job %s: %w", handle, err)
	}

	if j.Status.Succeeded > 0 {
		return provider.Status{Phase: provider.PhaseSucceeded}, nil
	}
	for _, c := range j.Status.Conditions {
		if c.Type == batchv1.JobFailed && c.Status == corev1.ConditionTrue {
			return provider.Status{Phase: provider.PhaseFailed, Message: c.Message}, nil
		}
	}
	if j.Status.Failed > 0 {
		return provider.Status{Phase: provider.PhaseFailed, Message: "pod failed"}, nil
	}

	pod, err := p.podFor(ctx, ns, name)
	if err != nil {
		return provider.Status{}, err
	}
	if pod == nil {
		return provider.Status{Phase: provider.PhasePending, Message: "waiting for pod"}, nil
	}
	return podStatus(pod, containerPort(j)), nil
}

func podStatus(pod *corev1.Pod, port int) provider.Status {
	switch pod.Status.Phase {
	case corev1.PodRunning:
		return provider.Status{Phase: provider.PhaseRunning, Endpoint: provider.Endpoint(pod.Status.PodIP, port)}
	case corev1.PodSucceeded:
		return provider.Status{Phase: provider.PhaseSucceeded}
	case corev1.PodFailed:
		return provider.Status{Phase: provider.PhaseFailed, Message: terminationMessage(pod)}
	}
	for _, cs := range pod.Status.ContainerStatuses {
		if w := cs.State.Waiting; w != nil {
			switch w.Reason {
			case "ErrImagePull", "ImagePullBackOff", "InvalidImageName", "CreateContainerConfigError":
				return provider.Status{Phase: provider.PhaseFailed, Message: fmt.Sprintf("%s: %s", w.Reason, w.Message)}
			}
		}
	}
	return provider.Status{Phase: provider.PhasePending}
}

func terminationMessage(pod *corev1.Pod) string {
	for _, cs := range pod.Status.ContainerStatuses {
		if t := cs.State.Terminated; t != nil {
			if t.Message != "" {
				return fmt.Sprintf("exit code %d: %s", t.ExitCode, t.Message)
			}
			return fmt.Sprintf("exit code %d: %s", t.ExitCode, t.Reason)
		}
	}
	return pod.Status.Message
}

func containerPort(j *batchv1.Job) int {
	for _, c := range j.Spec.Template.Spec.Containers {
		if len(c.Ports) > 0 {
			return int(c.Ports[0].ContainerPort)
		}
	}
	return 0
}

// podFor returns the most recently created pod of the Job, or nil.
func (p *Provider) podFor(ctx context.Context, ns, name string) (*corev1.Pod, error) {
	pods, err := p.client.CoreV1().Pods(ns).List(ctx, metav1.ListOptions{
		LabelSelector: labels.Set{jobNameLabel: name}.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("list pods for job %s/%s: %w", ns, name, err)
	}
	var newest *corev1.Pod
	for i := range pods.Items {
		pod := &pods.Items[i]
		if newest == nil || newest.CreationTimestamp.Before(&pod.CreationTimestamp) {
			newest = pod
		}
	}
	return newest, nil
}

// Destroy deletes the Job and, through background propagation, its pod.
func (p *Provider) Destroy(ctx context.Context, handle string) error {
	ctx, span := p.tracer.Start(ctx, "provider.kube.Destroy")
	defer span.End()
	span.SetAttributes(attribute.String("handle", handle))

	ns, name, err := splitHandle(handle)
	if err != nil {
		return err
	}
	if err := p.deleteJob(ctx, ns, name); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	p.logger.Info("job destroyed", slog.String("handle", handle))
	return nil
}

func (p *Provider) deleteJob(ctx context.Context, ns, name string) error {
	err := p.client.BatchV1().Jobs(ns).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: ptr.To(metav1.DeletePropagationBackground),
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete job %s/%s: %w", ns, name, err)
	}
	return nil
}

// Logs returns the tail of the Job's pod log.
func (p *Provider) Logs(ctx context.Context, handle string) ([]string, error) {
	ctx, span := p.tracer.Start(ctx, "provider.kube.Logs")
	defer span.End()

	ns, name, err := splitHandle(handle)
	if err != nil {
		return nil, err
	}
	pod, err := p.podFor(ctx, ns, name)
	if err != nil || pod == nil {
		return nil, err
	}

	stream, err := p.client.CoreV1().Pods(ns).GetLogs(pod.Name, &corev1.PodLogOptions{
		Container: containerName,
		TailLines: ptr.To(p.cfg.LogTailLines),
	}).Stream(ctx)
	if err != nil {
		return nil, fmt.Errorf("open log stream for pod %s/%s: %w", ns, pod.Name, err)
	}
	defer stream.Close()

	var lines []string
	scanner := bufio.NewScanner(stream)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

// ListManaged returns every Job in the namespace carrying the managed
// label.
func (p *Provider) ListManaged(ctx context.Context) ([]provider.Managed, error) {
	list, err := p.client.BatchV1().Jobs(p.cfg.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labels.Set{provider.LabelManaged: "true"}.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("list managed jobs: %w", err)
	}
	out := make([]provider.Managed, 0, len(list.Items))
	for _, j := range list.Items {
		out = append(out, provider.Managed{
			Handle:    j.Namespace + "/" + j.Name,
			JobID:     j.Labels[provider.LabelJobID],
			Role:      j.Labels[provider.LabelRole],
			CreatedAt: j.CreationTimestamp.Time,
		})
	}
	return out, nil
}

func splitHandle(handle string) (string, string, error) {
	ns, name, ok := strings.Cut(handle, "/")
	if !ok || ns == "" || name == "" {
		return "", "", fmt.Errorf("malformed handle %q", handle)
	}
	return ns, name, nil
}
