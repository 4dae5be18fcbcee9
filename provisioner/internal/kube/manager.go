package kube

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	"github.com/rjpalt/KubeMOOC-Ops/provisioner/internal/domain"
)

const (
	// ManagedByLabel marks namespaces created by the provisioner.
	ManagedByLabel = "app.kubernetes.io/managed-by"
	// ManagedByValue is the ManagedByLabel value.
	ManagedByValue = "provisioning-function"
	// BranchLabel records the branch a namespace belongs to.
	BranchLabel = "provisioning.kubernetes.io/branch"
)

// ProvisionLabels returns the management labels for a provisioned namespace.
func ProvisionLabels(namespace string) map[string]string {
	return map[string]string{
		ManagedByLabel: ManagedByValue,
		BranchLabel:    namespace,
	}
}

// Manager wraps a Kubernetes client with the operations the workflows need.
type Manager struct {
	client       kubernetes.Interface
	logger       *slog.Logger
	pollInterval time.Duration
	logTimeout   time.Duration
	logTailLines int64
}

// Option customises a Manager.
type Option func(*Manager)

// WithPollInterval sets how often rollout status is polled.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithLogTimeout bounds each diagnostic pod log request.
func WithLogTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.logTimeout = d
		}
	}
}

// NewManager wraps client.
func NewManager(client kubernetes.Interface, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		client:       client,
		logger:       logger,
		pollInterval: 2 * time.Second,
		logTimeout:   10 * time.Second,
		logTailLines: 10,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnsureNamespace creates name with labels unless it exists. existed reports whether the
// namespace was already present.
func (m *Manager) EnsureNamespace(ctx context.Context, name string, labels map[string]string) (existed bool, err error) {
	namespaces := m.client.CoreV1().Namespaces()
	if _, err := namespaces.Get(ctx, name, metav1.GetOptions{}); err == nil {
		m.logger.Info("namespace already exists", "namespace", name)
		return true, nil
	} else if !errors.IsNotFound(err) {
		return false, fmt.Errorf("get namespace %s: %w", name, err)
	}

	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name, Labels: labels}}
	if _, err := namespaces.Create(ctx, ns, metav1.CreateOptions{}); err != nil {
		if errors.IsAlreadyExists(err) {
			return true, nil
		}
		return false, fmt.Errorf("create namespace %s: %w", name, err)
	}
	m.logger.Info("namespace created", "namespace", name)
	return false, nil
}

// NamespaceDeletion describes the outcome of DeleteNamespace.
type NamespaceDeletion struct {
	Deleted           bool
	AlreadyDeleted    bool
	CronJobsSuspended int
}

// DeleteNamespace suspends CronJobs in name and deletes it. Protected namespaces are rejected
// before any API call; a missing namespace counts as deleted.
func (m *Manager) DeleteNamespace(ctx context.Context, name string) (NamespaceDeletion, error) {
	if domain.IsProtected(name) {
		return NamespaceDeletion{}, &domain.ValidationError{
			Field: "namespace",
			Message: fmt.Sprintf("Cannot delete protected namespace: %s. Protected namespaces: %v",
				name, domain.ProtectedNamespaces()),
		}
	}

	namespaces := m.client.CoreV1().Namespaces()
	existing, err := namespaces.Get(ctx, name, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		m.logger.Warn("namespace not found, considering as already deleted", "namespace", name)
		return NamespaceDeletion{Deleted: true, AlreadyDeleted: true}, nil
	}
	if err != nil {
		return NamespaceDeletion{}, fmt.Errorf("get namespace %s: %w", name, err)
	}
	m.logger.Info("namespace found, proceeding with deletion", "namespace", name, "uid", string(existing.UID))

	suspended, err := m.SuspendCronJobs(ctx, name)
	if err != nil {
		m.logger.Warn("cronjob suspension failed, deleting namespace anyway", "namespace", name, "error", err)
	}

	if err := namespaces.Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !errors.IsNotFound(err) {
		return NamespaceDeletion{CronJobsSuspended: suspended}, fmt.Errorf("delete namespace %s: %w", name, err)
	}
	m.logger.Info("namespace deletion initiated", "namespace", name, "cronjobs_suspended", suspended)
	return NamespaceDeletion{Deleted: true, CronJobsSuspended: suspended}, nil
}

var suspendPatch = []byte(`{"spec":{"suspend":true}}`)

// SuspendCronJobs suspends every active CronJob in namespace and returns how many were
// patched. A missing namespace yields zero.
func (m *Manager) SuspendCronJobs(ctx context.Context, namespace string) (int, error) {
	cronJobs := m.client.BatchV1().CronJobs(namespace)
	list, err := cronJobs.List(ctx, metav1.ListOptions{})
	if errors.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("list cronjobs in %s: %w", namespace, err)
	}
	suspended := 0
	for _, cj := range list.Items {
		if cj.Spec.Suspend != nil && *cj.Spec.Suspend {
			continue
		}
		if _, err := cronJobs.Patch(ctx, cj.Name, types.MergePatchType, suspendPatch, metav1.PatchOptions{}); err != nil {
			if errors.IsNotFound(err) {
				continue
			}
			return suspended, fmt.Errorf("suspend cronjob %s/%s: %w", namespace, cj.Name, err)
		}
		m.logger.Info("cronjob suspended", "namespace", namespace, "cronjob", cj.Name)
		suspended++
	}
	return suspended, nil
}
