package kube

import (
	"context"
	"fmt"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
)

const progressDeadlineExceeded = "ProgressDeadlineExceeded"

// WaitForRollout blocks until deployment name in namespace has rolled out, fails, or timeout
// elapses.
func (m *Manager) WaitForRollout(ctx context.Context, namespace, name string, timeout time.Duration) error {
	deployments := m.client.AppsV1().Deployments(namespace)
	var last string
	err := wait.PollUntilContextTimeout(ctx, m.pollInterval, timeout, true, func(ctx context.Context) (bool, error) {
		d, err := deployments.Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return false, fmt.Errorf("get deployment %s/%s: %w", namespace, name, err)
		}
		done, status, err := rolloutComplete(d)
		last = status
		return done, err
	})
	if err != nil {
		if last != "" && wait.Interrupted(err) {
			return fmt.Errorf("deployment %s rollout not complete after %s: %s", name, timeout, last)
		}
		return err
	}
	return nil
}

// rolloutComplete applies the same checks as kubectl rollout status.
func rolloutComplete(d *appsv1.Deployment) (bool, string, error) {
	if d.Generation > d.Status.ObservedGeneration {
		return false, "waiting for deployment spec update to be observed", nil
	}
	for _, cond := range d.Status.Conditions {
		if cond.Type == appsv1.DeploymentProgressing && cond.Reason == progressDeadlineExceeded {
			return false, "", fmt.Errorf("deployment %q exceeded its progress deadline", d.Name)
		}
	}
	if d.Spec.Replicas != nil && d.Status.UpdatedReplicas < *d.Spec.Replicas {
		return false, fmt.Sprintf("%d out of %d new replicas have been updated", d.Status.UpdatedReplicas, *d.Spec.Replicas), nil
	}
	if d.Status.Replicas > d.Status.UpdatedReplicas {
		return false, fmt.Sprintf("%d old replicas are pending termination", d.Status.Replicas-d.Status.UpdatedReplicas), nil
	}
	if d.Status.AvailableReplicas < d.Status.UpdatedReplicas {
		return false, fmt.Sprintf("%d of %d updated replicas are available", d.Status.AvailableReplicas, d.Status.UpdatedReplicas), nil
	}
	return true, "", nil
}

func isPodReady(pod *corev1.Pod) bool {
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}
