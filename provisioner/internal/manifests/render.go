package manifests

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"sigs.k8s.io/kustomize/api/krusty"
	"sigs.k8s.io/kustomize/kyaml/filesys"
)

// Renderer turns a kustomize overlay into a multi-document YAML stream.
type Renderer interface {
	Render(ctx context.Context, overlayDir string) ([]byte, error)
}

// KrustyRenderer renders in-process with the kustomize API. A positive Timeout bounds each
// render.
type KrustyRenderer struct {
	Timeout time.Duration

	build func(overlayDir string) ([]byte, error)
}

type renderResult struct {
	out []byte
	err error
}

// Render implements Renderer. The kustomize API is not cancellable, so on timeout or
// cancellation Render returns early and the abandoned build's result is discarded.
func (r KrustyRenderer) Render(ctx context.Context, overlayDir string) ([]byte, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("kustomize build %s: %w", overlayDir, err)
	}
	build := r.build
	if build == nil {
		build = krustyBuild
	}
	done := make(chan renderResult, 1)
	go func() {
		out, err := build(overlayDir)
		done <- renderResult{out: out, err: err}
	}()
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("kustomize build timed out after %s: %w", r.Timeout, ctx.Err())
		}
		return nil, fmt.Errorf("kustomize build %s: %w", overlayDir, ctx.Err())
	case res := <-done:
		return res.out, res.err
	}
}

func krustyBuild(overlayDir string) ([]byte, error) {
	k := krusty.MakeKustomizer(krusty.MakeDefaultOptions())
	resMap, err := k.Run(filesys.MakeFsOnDisk(), overlayDir)
	if err != nil {
		return nil, fmt.Errorf("kustomize build %s: %w", overlayDir, err)
	}
	out, err := resMap.AsYaml()
	if err != nil {
		return nil, fmt.Errorf("encode rendered manifests: %w", err)
	}
	return out, nil
}

// ExecRenderer shells out to the kustomize binary.
type ExecRenderer struct {
	Binary  string
	Timeout time.Duration
}

// Render implements Renderer.
func (r ExecRenderer) Render(ctx context.Context, overlayDir string) ([]byte, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	binary := r.Binary
	if binary == "" {
		binary = "kustomize"
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, "build", overlayDir)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("kustomize build timed out after %s: %w", r.Timeout, ctx.Err())
		}
		return nil, fmt.Errorf("kustomize build failed: %w: %s", err, stderr.String())
	}
	return stdout.Bytes(), nil
}
