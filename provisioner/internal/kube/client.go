// Package kube runs namespace, rollout and health operations against the AKS cluster.
package kube

import (
	"fmt"
	"os"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
)

// NewClientset builds a clientset from raw kubeconfig bytes.
func NewClientset(kubeconfig []byte) (*kubernetes.Clientset, error) {
	cfg, err := clientcmd.RESTConfigFromKubeConfig(kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("load kubeconfig: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return clientset, nil
}

// TempKubeconfig writes kubeconfig into a private file under dir. The returned release func
// removes the file and must be deferred by the caller.
func TempKubeconfig(dir string, data []byte) (string, func(), error) {
	f, err := os.CreateTemp(dir, "kubeconfig-*.yaml")
	if err != nil {
		return "", func() {}, fmt.Errorf("create kubeconfig file: %w", err)
	}
	path := f.Name()
	release := func() { _ = os.Remove(path) }
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		release()
		return "", func() {}, fmt.Errorf("chmod kubeconfig file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		release()
		return "", func() {}, fmt.Errorf("write kubeconfig file: %w", err)
	}
	if err := f.Close(); err != nil {
		release()
		return "", func() {}, fmt.Errorf("close kubeconfig file: %w", err)
	}
	return path, release, nil
}
