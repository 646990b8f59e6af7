package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"
	"k8s.io/utils/ptr"

	"github.com/terrpan/arena/internal/job"
)

// KubeConfig holds settings for the Deployment backend.
type KubeConfig struct {
	// Namespace receives the Deployments.  Default: "default".
	Namespace string

	// NamePrefix is prepended to the build name.  Default: "gameclient-".
	NamePrefix string

	// Env is injected into every container, e.g. the game server address.
	Env map[string]string

	// Requests and Limits use Kubernetes quantity notation.
	RequestCPU    string
	RequestMemory string
	LimitCPU      string
	LimitMemory   string
}

func (c *KubeConfig) applyDefaults() {
	if c.Namespace == "" {
		c.Namespace = "default"
	}
	if c.NamePrefix == "" {
		c.NamePrefix = "gameclient-"
	}
	if c.RequestCPU == "" {
		c.RequestCPU = "100m"
	}
	if c.RequestMemory == "" {
		c.RequestMemory = "128Mi"
	}
	if c.LimitCPU == "" {
		c.LimitCPU = "250m"
	}
	if c.LimitMemory == "" {
		c.LimitMemory = "256Mi"
	}
}

// KubeBackend applies workloads as apps/v1 Deployments.
type KubeBackend struct {
	client kubernetes.Interface
	cfg    KubeConfig
	logger *slog.Logger
}

// Compile-time check.
var _ Backend = (*KubeBackend)(nil)

// NewKubeBackend creates a Deployment backend.
func NewKubeBackend(client kubernetes.Interface, cfg KubeConfig, logger *slog.Logger) (*KubeBackend, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	for _, q := range []string{cfg.RequestCPU, cfg.RequestMemory, cfg.LimitCPU, cfg.LimitMemory} {
		if _, err := resource.ParseQuantity(q); err != nil {
			return nil, fmt.Errorf("deploy resources %q: %w", q, err)
		}
	}
	return &KubeBackend{client: client, cfg: cfg, logger: logger}, nil
}

// DeploymentName returns the object name used for a build name.
func (b *KubeBackend) DeploymentName(name string) string {
	return b.cfg.NamePrefix + name
}

// Apply creates the Deployment or updates its image and replica count.
// Conflicting writers are resolved by re-reading and retrying.
func (b *KubeBackend) Apply(ctx context.Context, w Workload) (bool, error) {
	name := b.DeploymentName(w.Name)
	deployments := b.client.AppsV1().Deployments(b.cfg.Namespace)

	var changed bool
	err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
		changed = false
		cur, err := deployments.Get(ctx, name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			_, err = deployments.Create(ctx, b.deployment(name, w), metav1.CreateOptions{})
			if apierrors.IsAlreadyExists(err) {
				// Lost a race with another creator; re-read and update.
				return apierrors.NewConflict(appsv1.Resource("deployments"), name, err)
			}
			if err != nil {
				return err
			}
			changed = true
			b.logger.Info("deployment created", slog.String("deployment", name), slog.String("image", w.Image))
			return nil
		}
		if err != nil {
			return err
		}

		if !b.mutate(cur, name, w) {
			return nil
		}
		if _, err := deployments.Update(ctx, cur, metav1.UpdateOptions{}); err != nil {
			return err
		}
		changed = true
		b.logger.Info("deployment updated", slog.String("deployment", name), slog.String("image", w.Image))
		return nil
	})
	if err != nil {
		if apierrors.IsServiceUnavailable(err) || apierrors.IsTimeout(err) || apierrors.IsServerTimeout(err) {
			return false, fmt.Errorf("%w: %w", job.ErrTransientUnavailable, err)
		}
		return false, err
	}
	return changed, nil
}

// mutate brings cur in line with w and reports whether it changed.
func (b *KubeBackend) mutate(cur *appsv1.Deployment, name string, w Workload) bool {
	var changed bool
	if cur.Spec.Replicas == nil || *cur.Spec.Replicas != w.Replicas {
		cur.Spec.Replicas = ptr.To(w.Replicas)
		changed = true
	}
	containers := cur.Spec.Template.Spec.Containers
	i := slices.IndexFunc(containers, func(c corev1.Container) bool { return c.Name == name })
	if i < 0 {
		cur.Spec.Template.Spec.Containers = []corev1.Container{b.container(name, w)}
		return true
	}
	if containers[i].Image != w.Image {
		containers[i].Image = w.Image
		changed = true
	}
	return changed
}

func (b *KubeBackend) deployment(name string, w Workload) *appsv1.Deployment {
	labels := map[string]string{
		"app":                name,
		"arena.io/component": "gameclient",
		"arena.io/build":     w.Name,
	}
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: b.cfg.Namespace,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To(w.Replicas),
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": name}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{b.container(name, w)},
				},
			},
		},
	}
}

func (b *KubeBackend) container(name string, w Workload) corev1.Container {
	env := make([]corev1.EnvVar, 0, len(b.cfg.Env))
	for _, k := range slices.Sorted(maps.Keys(b.cfg.Env)) {
		env = append(env, corev1.EnvVar{Name: k, Value: b.cfg.Env[k]})
	}
	return corev1.Container{
		Name:            name,
		Image:           w.Image,
		ImagePullPolicy: corev1.PullAlways,
		Env:             env,
		Resources: corev1.ResourceRequirements{
			Requests: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse(b.cfg.RequestCPU),
				corev1.ResourceMemory: resource.MustParse(b.cfg.RequestMemory),
			},
			Limits: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse(b.cfg.LimitCPU),
				corev1.ResourceMemory: resource.MustParse(b.cfg.LimitMemory),
			},
		},
	}
}
