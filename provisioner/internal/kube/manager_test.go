package kube

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
	"k8s.io/utils/ptr"

	"github.com/rjpalt/KubeMOOC-Ops/provisioner/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(objects ...runtime.Object) (*Manager, *fake.Clientset) {
	client := fake.NewSimpleClientset(objects...)
	return NewManager(client, discardLogger(), WithPollInterval(10*time.Millisecond), WithLogTimeout(time.Second)), client
}

func namespace(name string) *corev1.Namespace {
	return &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name}}
}

func cronJob(ns, name string, suspended bool) *batchv1.CronJob {
	return &batchv1.CronJob{
		ObjectMeta: metav1.ObjectMeta{Namespace: ns, Name: name},
		Spec:       batchv1.CronJobSpec{Schedule: "0 * * * *", Suspend: ptr.To(suspended)},
	}
}

func TestEnsureNamespace(t *testing.T) {
	m, client := newTestManager()
	ctx := context.Background()

	existed, err := m.EnsureNamespace(ctx, "login-fix", ProvisionLabels("login-fix"))
	if err != nil || existed {
		t.Fatalf("first ensure: existed=%v err=%v", existed, err)
	}
	ns, err := client.CoreV1().Namespaces().Get(ctx, "login-fix", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("namespace not created: %v", err)
	}
	if ns.Labels[ManagedByLabel] != ManagedByValue || ns.Labels[BranchLabel] != "login-fix" {
		t.Fatalf("unexpected labels %v", ns.Labels)
	}

	existed, err = m.EnsureNamespace(ctx, "login-fix", nil)
	if err != nil || !existed {
		t.Fatalf("second ensure: existed=%v err=%v", existed, err)
	}
}

func TestEnsureNamespaceRaceOnCreate(t *testing.T) {
	m, client := newTestManager()
	client.PrependReactor("create", "namespaces", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewAlreadyExists(corev1.Resource("namespaces"), "login-fix")
	})
	existed, err := m.EnsureNamespace(context.Background(), "login-fix", nil)
	if err != nil || !existed {
		t.Fatalf("expected concurrent creation to count as existing, existed=%v err=%v", existed, err)
	}
}

func TestDeleteNamespaceRejectsProtected(t *testing.T) {
	for _, name := range domain.ProtectedNamespaces() {
		t.Run(name, func(t *testing.T) {
			m, client := newTestManager(namespace(name))
			_, err := m.DeleteNamespace(context.Background(), name)
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if !strings.Contains(err.Error(), "Cannot delete protected namespace: "+name) {
				t.Fatalf("unexpected message %q", err)
			}
			if actions := client.Actions(); len(actions) != 0 {
				t.Fatalf("expected no API calls, got %v", actions)
			}
		})
	}
}

func TestDeleteNamespaceMissing(t *testing.T) {
	m, _ := newTestManager()
	res, err := m.DeleteNamespace(context.Background(), "feature-gone")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Deleted || !res.AlreadyDeleted || res.CronJobsSuspended != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestDeleteNamespaceSuspendsCronJobs(t *testing.T) {
	m, client := newTestManager(
		namespace("feature-x"),
		cronJob("feature-x", "cleanup", false),
		cronJob("feature-x", "report", true),
		cronJob("feature-x", "fetch", false),
	)
	ctx := context.Background()
	res, err := m.DeleteNamespace(ctx, "feature-x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Deleted || res.AlreadyDeleted || res.CronJobsSuspended != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	cj, err := client.BatchV1().CronJobs("feature-x").Get(ctx, "cleanup", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get cronjob: %v", err)
	}
	if !ptr.Deref(cj.Spec.Suspend, false) {
		t.Fatalf("expected cronjob to be suspended")
	}
	if _, err := client.CoreV1().Namespaces().Get(ctx, "feature-x", metav1.GetOptions{}); !apierrors.IsNotFound(err) {
		t.Fatalf("expected namespace deleted, got %v", err)
	}
}

func TestDeleteNamespaceContinuesWhenSuspensionFails(t *testing.T) {
	m, client := newTestManager(namespace("feature-x"), cronJob("feature-x", "cleanup", false))
	client.PrependReactor("patch", "cronjobs", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("forbidden")
	})
	res, err := m.DeleteNamespace(context.Background(), "feature-x")
	if err != nil {
		t.Fatalf("suspension failure must not block deletion: %v", err)
	}
	if !res.Deleted || res.CronJobsSuspended != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestSuspendCronJobsMissingNamespace(t *testing.T) {
	m, client := newTestManager()
	client.PrependReactor("list", "cronjobs", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewNotFound(corev1.Resource("namespaces"), "feature-x")
	})
	n, err := m.SuspendCronJobs(context.Background(), "feature-x")
	if err != nil || n != 0 {
		t.Fatalf("expected 0 and no error, got %d %v", n, err)
	}
}

func deployment(ns, name string, replicas, ready int32) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Namespace: ns, Name: name, Generation: 1},
		Spec:       appsv1.DeploymentSpec{Replicas: ptr.To(replicas)},
		Status: appsv1.DeploymentStatus{
			ObservedGeneration: 1,
			Replicas:           replicas,
			UpdatedReplicas:    replicas,
			ReadyReplicas:      ready,
			AvailableReplicas:  ready,
		},
	}
}

func TestWaitForRollout(t *testing.T) {
	m, _ := newTestManager(
		deployment("feature-x", "todo-app-be", 1, 1),
		deployment("feature-x", "todo-app-fe", 2, 1),
	)
	ctx := context.Background()
	if err := m.WaitForRollout(ctx, "feature-x", "todo-app-be", time.Second); err != nil {
		t.Fatalf("expected completed rollout, got %v", err)
	}
	err := m.WaitForRollout(ctx, "feature-x", "todo-app-fe", 50*time.Millisecond)
	if err == nil || !strings.Contains(err.Error(), "updated replicas are available") {
		t.Fatalf("expected timeout with status, got %v", err)
	}
	if err := m.WaitForRollout(ctx, "feature-x", "missing", time.Second); err == nil {
		t.Fatalf("expected error for missing deployment")
	}
}

func TestRolloutCompleteProgressDeadline(t *testing.T) {
	d := deployment("feature-x", "todo-app-be", 1, 0)
	d.Status.Conditions = []appsv1.DeploymentCondition{{
		Type:   appsv1.DeploymentProgressing,
		Status: corev1.ConditionFalse,
		Reason: progressDeadlineExceeded,
	}}
	if _, _, err := rolloutComplete(d); err == nil {
		t.Fatalf("expected progress deadline error")
	}
}
