package deploy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjpalt/KubeMOOC-Ops/pkg/events"
	"github.com/rjpalt/KubeMOOC-Ops/provisioner/internal/domain"
	"github.com/rjpalt/KubeMOOC-Ops/provisioner/internal/workspace"
)

const overlay = `namespace: feature-BRANCH_NAME
images:
- name: todo-app
  newTag: latest
`

type fakeImages struct {
	tags []string
	err  error
}

func (f *fakeImages) Verify(_ context.Context, tag string) ([]string, error) {
	f.tags = append(f.tags, tag)
	return nil, f.err
}

type fakeFetcher struct {
	withOverlay bool
	err         error
}

func (f *fakeFetcher) Fetch(_ context.Context, dest string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	dir := filepath.Join(dest, "repo-main", "manifests")
	overlayDir := filepath.Join(dir, "overlays", "feature")
	if err := os.MkdirAll(overlayDir, 0o755); err != nil {
		return "", err
	}
	if f.withOverlay {
		if err := os.WriteFile(filepath.Join(overlayDir, "kustomization.yaml"), []byte(overlay), 0o644); err != nil {
			return "", err
		}
	}
	return dir, nil
}

type fakeKubeconfig struct {
	err error
}

func (f fakeKubeconfig) UserKubeconfig(context.Context) ([]byte, error) {
	return []byte("apiVersion: v1\nkind: Config\n"), f.err
}

type fakeCluster struct {
	rolloutErrs map[string]error
	waited      []string
	checks      []domain.HealthCheck
	healthErr   error
	// neverReady makes WaitForRollout block until its timeout or ctx expires.
	neverReady bool
	budgets    map[string]time.Duration
}

func (f *fakeCluster) WaitForRollout(ctx context.Context, _ string, name string, timeout time.Duration) error {
	f.waited = append(f.waited, name)
	if deadline, ok := ctx.Deadline(); ok {
		if f.budgets == nil {
			f.budgets = map[string]time.Duration{}
		}
		f.budgets[name] = time.Until(deadline)
	}
	if f.neverReady {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(timeout):
			return errors.New("rollout not complete")
		}
	}
	return f.rolloutErrs[name]
}

func (f *fakeCluster) HealthChecks(context.Context, string) ([]domain.HealthCheck, error) {
	return f.checks, f.healthErr
}

type fakeRenderer struct {
	overlayDir string
	overlay    string
	err        error
	// during runs once, between reading the overlay and returning.
	during func()
}

func (f *fakeRenderer) Render(_ context.Context, dir string) ([]byte, error) {
	f.overlayDir = dir
	if data, err := os.ReadFile(filepath.Join(dir, "kustomization.yaml")); err == nil {
		f.overlay = string(data)
	}
	if hook := f.during; hook != nil {
		f.during = nil
		hook()
	}
	return []byte("kind: Deployment\n"), f.err
}

type fakeApplier struct {
	kubeconfig string
	existed    bool
	err        error
}

func (f *fakeApplier) Apply(_ context.Context, kubeconfigPath string, _ []byte) ([]string, error) {
	f.kubeconfig = kubeconfigPath
	_, statErr := os.Stat(kubeconfigPath)
	f.existed = statErr == nil
	if f.err != nil {
		return nil, f.err
	}
	return []string{"deployment.apps/todo-app-be created", "deployment.apps/todo-app-fe created"}, nil
}

type fakeSink struct {
	events []events.Event
}

func (f *fakeSink) Emit(_ context.Context, event events.Event) error {
	f.events = append(f.events, event)
	return nil
}

type fixture struct {
	images   *fakeImages
	fetcher  *fakeFetcher
	creds    fakeKubeconfig
	cluster  *fakeCluster
	renderer *fakeRenderer
	applier  *fakeApplier
	sink     *fakeSink
	root     string
	settings Settings
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{
		images:  &fakeImages{},
		fetcher: &fakeFetcher{withOverlay: true},
		cluster: &fakeCluster{checks: []domain.HealthCheck{
			{ResourceType: "deployment", ResourceName: "todo-app-be", Status: domain.HealthReady, Ready: true},
		}},
		renderer: &fakeRenderer{},
		applier:  &fakeApplier{},
		sink:     &fakeSink{},
		root:     t.TempDir(),
		settings: Settings{
			RolloutDeployments: []string{"todo-app-be", "todo-app-fe"},
			RolloutTimeout:     time.Second,
		},
	}
}

func (f *fixture) service(t *testing.T) *Service {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ws, err := workspace.New(f.root, logger)
	require.NoError(t, err)
	svc, err := New(Dependencies{
		Images:      f.images,
		Manifests:   f.fetcher,
		Credentials: f.creds,
		Connect: func([]byte) (ClusterOps, error) {
			return f.cluster, nil
		},
		Renderer:   f.renderer,
		Applier:    f.applier,
		Workspaces: ws,
		Notifier:   f.sink,
	}, f.settings, logger)
	require.NoError(t, err)
	return svc
}

func request(t *testing.T) domain.DeploymentRequest {
	t.Helper()
	req, err := domain.NewDeploymentRequest("feat-login", "abc123")
	require.NoError(t, err)
	return req
}

func TestDeploySuccess(t *testing.T) {
	f := newFixture(t)
	result := f.service(t).Deploy(context.Background(), request(t), "deploy-feat-login-1")

	require.True(t, result.Success, result.ErrorDetails)
	assert.Equal(t, "Successfully deployed branch feat-login to namespace feature-feat-login", result.Message)
	assert.Equal(t, "feature-feat-login", result.Namespace)
	assert.Equal(t, "https://feat-login.23.98.101.23.nip.io", result.DeploymentURL)
	assert.Len(t, result.DeployedResources, 2)
	assert.Len(t, result.HealthChecks, 1)
	assert.Equal(t, []string{"feat-login-abc123"}, f.images.tags)
	assert.Equal(t, []string{"todo-app-be", "todo-app-fe"}, f.cluster.waited)

	assert.Contains(t, f.renderer.overlay, "namespace: feature-feat-login")
	assert.Contains(t, f.renderer.overlay, "newTag: feat-login-abc123")
	assert.True(t, strings.HasSuffix(f.renderer.overlayDir, filepath.Join("overlays", "feature")))
	assert.True(t, f.applier.existed, "kubeconfig should exist during apply")
	_, err := os.Stat(f.applier.kubeconfig)
	assert.True(t, os.IsNotExist(err), "kubeconfig should be removed afterwards")

	entries, err := os.ReadDir(f.root)
	require.NoError(t, err)
	assert.Empty(t, entries, "workspace should be released")

	require.Len(t, f.sink.events, 1)
	assert.Equal(t, "success", f.sink.events[0].Status)
	assert.Equal(t, WorkflowName, f.sink.events[0].Workflow)
}

func TestDeployMissingImagesStopsEarly(t *testing.T) {
	f := newFixture(t)
	f.images.err = errors.New("image todo-app:feat-login-abc123 not found")

	result := f.service(t).Deploy(context.Background(), request(t), "deploy-feat-login-1")

	assert.False(t, result.Success)
	assert.Equal(t, "Deployment failed", result.Message)
	assert.Contains(t, result.ErrorDetails, "not found")
	assert.Empty(t, result.DeploymentURL)
	assert.Empty(t, f.renderer.overlayDir)
	assert.Empty(t, f.cluster.waited)
	require.Len(t, f.sink.events, 1)
	assert.Equal(t, "error", f.sink.events[0].Status)
}

func TestDeployApplyFailure(t *testing.T) {
	f := newFixture(t)
	f.applier.err = errors.New("deployment command failed: forbidden")

	result := f.service(t).Deploy(context.Background(), request(t), "deploy-feat-login-1")

	assert.False(t, result.Success)
	assert.Equal(t, "deployment command failed: forbidden", result.ErrorDetails)
	assert.Empty(t, f.cluster.waited)
}

func TestDeployRolloutFailureIsWarning(t *testing.T) {
	f := newFixture(t)
	f.cluster.rolloutErrs = map[string]error{"todo-app-be": errors.New("timed out")}

	result := f.service(t).Deploy(context.Background(), request(t), "deploy-feat-login-1")

	assert.True(t, result.Success)
	assert.Equal(t, []string{"todo-app-be", "todo-app-fe"}, f.cluster.waited)
}

func TestDeployRolloutGuardPerDeployment(t *testing.T) {
	f := newFixture(t)
	f.cluster.neverReady = true
	f.settings.RolloutTimeout = 150 * time.Millisecond
	f.settings.RolloutGuardTimeout = 200 * time.Millisecond

	result := f.service(t).Deploy(context.Background(), request(t), "deploy-feat-login-1")

	assert.True(t, result.Success)
	require.Len(t, f.cluster.budgets, 2)
	for name, budget := range f.cluster.budgets {
		assert.Greater(t, budget, f.settings.RolloutTimeout, "deployment %s started with a shrunken guard", name)
	}
}

func TestDeployConcurrentSameCorrelationID(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t)
	var overlayKept bool
	var second domain.DeploymentResult
	f.renderer.during = func() {
		dir := f.renderer.overlayDir
		second = svc.Deploy(context.Background(), request(t), "deploy-feat-login-1")
		_, err := os.Stat(filepath.Join(dir, "kustomization.yaml"))
		overlayKept = err == nil
	}

	first := svc.Deploy(context.Background(), request(t), "deploy-feat-login-1")

	assert.True(t, first.Success)
	assert.True(t, second.Success)
	assert.True(t, overlayKept, "second request removed the first request's manifests")
	entries, err := os.ReadDir(f.root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDeployHealthCheckFailureAddsRecord(t *testing.T) {
	f := newFixture(t)
	f.cluster.checks = nil
	f.cluster.healthErr = errors.New("connection refused")

	result := f.service(t).Deploy(context.Background(), request(t), "deploy-feat-login-1")

	assert.True(t, result.Success)
	require.Len(t, result.HealthChecks, 1)
	check := result.HealthChecks[0]
	assert.Equal(t, "cluster", check.ResourceType)
	assert.Equal(t, "health-check", check.ResourceName)
	assert.Equal(t, domain.HealthFailed, check.Status)
	assert.False(t, check.Ready)
	assert.Equal(t, "Health check failed: connection refused", check.Message)
}

func TestDeployHealthCheckPartialResultsKept(t *testing.T) {
	f := newFixture(t)
	f.cluster.healthErr = errors.New("list services: forbidden")

	result := f.service(t).Deploy(context.Background(), request(t), "deploy-feat-login-1")

	require.Len(t, result.HealthChecks, 1)
	assert.Equal(t, "todo-app-be", result.HealthChecks[0].ResourceName)
}

func TestDeployWithoutOverlayStillApplies(t *testing.T) {
	f := newFixture(t)
	f.fetcher.withOverlay = false

	result := f.service(t).Deploy(context.Background(), request(t), "deploy-feat-login-1")

	assert.True(t, result.Success)
	assert.Empty(t, f.renderer.overlay)
	assert.NotEmpty(t, f.applier.kubeconfig)
}

func TestNewCorrelationID(t *testing.T) {
	got := NewCorrelationID("feat-x", time.Unix(1700000000, 0))
	assert.Equal(t, "deploy-feat-x-1700000000", got)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Dependencies{}, Settings{}, nil)
	assert.Error(t, err)
}
