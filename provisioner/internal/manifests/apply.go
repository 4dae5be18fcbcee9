package manifests

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Applier applies rendered manifests using the given kubeconfig file.
type Applier interface {
	Apply(ctx context.Context, kubeconfigPath string, manifests []byte) ([]string, error)
}

// KubectlApplier pipes manifests into kubectl apply.
type KubectlApplier struct {
	Binary  string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Apply implements Applier and returns the applied resource identifiers.
func (a KubectlApplier) Apply(ctx context.Context, kubeconfigPath string, manifests []byte) ([]string, error) {
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}
	binary := a.Binary
	if binary == "" {
		binary = "kubectl"
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, "apply", "--kubeconfig", kubeconfigPath, "-f", "-")
	cmd.Stdin = bytes.NewReader(manifests)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("deployment command timed out after %s", a.Timeout)
		}
		return nil, fmt.Errorf("deployment command failed: %w: %s", err, stderr.String())
	}
	resources := ParseApplyOutput(stdout.String())
	if a.Logger != nil {
		a.Logger.Info("kubectl apply completed", "deployed_resources", resources, "resource_count", len(resources))
	}
	return resources, nil
}

var applyActions = []string{" created", " configured", " unchanged"}

// ParseApplyOutput extracts "kind/name" tokens from kubectl apply output lines.
func ParseApplyOutput(output string) []string {
	resources := []string{}
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		for _, action := range applyActions {
			if strings.Contains(line, action) {
				resources = append(resources, strings.Fields(line)[0])
				break
			}
		}
	}
	return resources
}
