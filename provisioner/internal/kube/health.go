package kube

import (
	"context"
	"fmt"
	"io"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	"github.com/rjpalt/KubeMOOC-Ops/provisioner/internal/domain"
)

// maxDiagnosedPods caps how many pods of a deployment are inspected.
const maxDiagnosedPods = 2

// HealthChecks reports readiness of deployments, statefulsets and services in namespace.
// On a listing failure it returns the checks gathered so far together with the error.
func (m *Manager) HealthChecks(ctx context.Context, namespace string) ([]domain.HealthCheck, error) {
	var checks []domain.HealthCheck

	deployments, err := m.client.AppsV1().Deployments(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return checks, fmt.Errorf("list deployments in %s: %w", namespace, err)
	}
	for _, d := range deployments.Items {
		check := replicaCheck("deployment", d.Name, d.Status.ReadyReplicas, ptr.Deref(d.Spec.Replicas, 0))
		if !check.Ready {
			m.Diagnose(ctx, namespace, d.Name)
		}
		m.logCheck(namespace, check)
		checks = append(checks, check)
	}

	statefulSets, err := m.client.AppsV1().StatefulSets(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return checks, fmt.Errorf("list statefulsets in %s: %w", namespace, err)
	}
	for _, s := range statefulSets.Items {
		check := replicaCheck("statefulset", s.Name, s.Status.ReadyReplicas, ptr.Deref(s.Spec.Replicas, 0))
		m.logCheck(namespace, check)
		checks = append(checks, check)
	}

	services, err := m.client.CoreV1().Services(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return checks, fmt.Errorf("list services in %s: %w", namespace, err)
	}
	for _, svc := range services.Items {
		ports := len(svc.Spec.Ports)
		check := domain.HealthCheck{
			ResourceType: "service",
			ResourceName: svc.Name,
			Status:       readiness(ports > 0),
			Ready:        ports > 0,
			Message:      fmt.Sprintf("Service active with %d ports", ports),
		}
		m.logCheck(namespace, check)
		checks = append(checks, check)
	}

	ready := 0
	for _, c := range checks {
		if c.Ready {
			ready++
		}
	}
	m.logger.Info("health checks completed", "namespace", namespace, "total_checks", len(checks), "ready_count", ready)
	return checks, nil
}

func replicaCheck(kind, name string, readyReplicas, replicas int32) domain.HealthCheck {
	ready := readyReplicas == replicas && replicas > 0
	return domain.HealthCheck{
		ResourceType: kind,
		ResourceName: name,
		Status:       readiness(ready),
		Ready:        ready,
		Message:      fmt.Sprintf("%d/%d pods ready", readyReplicas, replicas),
	}
}

func readiness(ready bool) string {
	if ready {
		return domain.HealthReady
	}
	return domain.HealthNotReady
}

func (m *Manager) logCheck(namespace string, check domain.HealthCheck) {
	m.logger.Info("health check",
		"namespace", namespace,
		"resource", check.ResourceType+"/"+check.ResourceName,
		"ready", check.Ready,
		"detail", check.Message,
	)
}

// PodDiagnosis captures what was learned about one pod.
type PodDiagnosis struct {
	Name       string
	Phase      corev1.PodPhase
	Ready      bool
	Containers []string
	Logs       string
	LogError   string
}

// Diagnosis is the best-effort troubleshooting output for a deployment.
type Diagnosis struct {
	Deployment string
	Pods       []PodDiagnosis
	Error      string
}

// Diagnose inspects up to two pods labelled app=<deployment>. For pods that are not Running
// it records waiting or terminated reasons of not-ready containers and the tail of the pod
// log. It never fails; everything it finds is logged.
func (m *Manager) Diagnose(ctx context.Context, namespace, deployment string) Diagnosis {
	diag := Diagnosis{Deployment: deployment}
	log := m.logger.With("namespace", namespace, "deployment", deployment)
	log.Info("debugging deployment issues")

	pods, err := m.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: "app=" + deployment})
	if err != nil {
		diag.Error = err.Error()
		log.Warn("failed to list pods for diagnosis", "error", err)
		return diag
	}
	if len(pods.Items) == 0 {
		log.Warn("no pods found for deployment")
		return diag
	}

	items := pods.Items
	if len(items) > maxDiagnosedPods {
		items = items[:maxDiagnosedPods]
	}
	for i := range items {
		pod := &items[i]
		pd := PodDiagnosis{Name: pod.Name, Phase: pod.Status.Phase, Ready: isPodReady(pod)}
		log.Info("pod status", "pod", pod.Name, "phase", string(pod.Status.Phase))
		if pod.Status.Phase != corev1.PodRunning {
			pd.Containers = containerProblems(pod.Status.ContainerStatuses)
			for _, problem := range pd.Containers {
				log.Warn("container not ready", "pod", pod.Name, "detail", problem)
			}
			logs, err := m.tailLogs(ctx, namespace, pod.Name)
			if err != nil {
				pd.LogError = err.Error()
				log.Warn("could not get pod logs", "pod", pod.Name, "error", err)
			} else {
				pd.Logs = logs
				log.Info("recent pod logs", "pod", pod.Name, "logs", logs)
			}
		}
		diag.Pods = append(diag.Pods, pd)
	}
	return diag
}

func (m *Manager) tailLogs(ctx context.Context, namespace, pod string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.logTimeout)
	defer cancel()
	req := m.client.CoreV1().Pods(namespace).GetLogs(pod, &corev1.PodLogOptions{TailLines: ptr.To(m.logTailLines)})
	stream, err := req.Stream(ctx)
	if err != nil {
		return "", err
	}
	defer stream.Close()
	data, err := io.ReadAll(stream)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\n"), nil
}

func containerProblems(statuses []corev1.ContainerStatus) []string {
	var out []string
	for _, s := range statuses {
		if s.Ready {
			continue
		}
		switch {
		case s.State.Waiting != nil:
			out = append(out, fmt.Sprintf("container %s waiting: %s - %s", s.Name, s.State.Waiting.Reason, s.State.Waiting.Message))
		case s.State.Terminated != nil:
			out = append(out, fmt.Sprintf("container %s terminated: %s - %s", s.Name, s.State.Terminated.Reason, s.State.Terminated.Message))
		}
	}
	return out
}
