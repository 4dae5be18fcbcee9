package manifests

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjpalt/KubeMOOC-Ops/provisioner/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func archiveServer(t *testing.T, archive []byte, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rjpalt/KubernetesMOOC/archive/main.zip" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(status)
		_, _ = w.Write(archive)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchExtractsManifests(t *testing.T) {
	archive := buildZip(t, map[string]string{
		"KubernetesMOOC-main/README.md": "readme",
		"KubernetesMOOC-main/course_project/manifests/overlays/feature/kustomization.yaml": "namespace: feature-BRANCH_NAME\n",
	})
	srv := archiveServer(t, archive, http.StatusOK)

	f := NewFetcher(srv.URL+"/rjpalt/KubernetesMOOC", "main", "course_project/manifests", 5*time.Second, discardLogger())
	dest := t.TempDir()
	dir, err := f.Fetch(context.Background(), dest)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "repo", "KubernetesMOOC-main", "course_project", "manifests"), dir)

	data, err := os.ReadFile(filepath.Join(OverlayDir(dir), "kustomization.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "namespace: feature-BRANCH_NAME\n", string(data))
	_, err = os.Stat(filepath.Join(dest, "repo.zip"))
	assert.True(t, os.IsNotExist(err), "archive should be removed after extraction")
}

func TestFetchMissingManifestsDirectory(t *testing.T) {
	archive := buildZip(t, map[string]string{"KubernetesMOOC-main/README.md": "readme"})
	srv := archiveServer(t, archive, http.StatusOK)

	f := NewFetcher(srv.URL+"/rjpalt/KubernetesMOOC", "main", "course_project/manifests", 5*time.Second, discardLogger())
	_, err := f.Fetch(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manifests directory not found")
}

func TestFetchRejectsHTTPErrors(t *testing.T) {
	srv := archiveServer(t, nil, http.StatusForbidden)
	f := NewFetcher(srv.URL+"/rjpalt/KubernetesMOOC", "main", "course_project/manifests", 5*time.Second, discardLogger())
	_, err := f.Fetch(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 403")
}

func TestExtractRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "evil.zip")
	require.NoError(t, os.WriteFile(zipPath, buildZip(t, map[string]string{"../escape.txt": "x"}), 0o600))

	err := extract(zipPath, filepath.Join(dir, "out"))
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(dir, "escape.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

const featureKustomization = `apiVersion: kustomize.config.k8s.io/v1beta1
kind: Kustomization
namespace: feature-BRANCH_NAME
patches:
  - target:
      kind: HTTPRoute
    patch: |-
      - op: replace
        path: /spec/hostnames/0
        value: BRANCH_NAME.23.98.101.23.nip.io
  - target:
      kind: ConfigMap
    patch: |-
      - op: replace
        path: /data/POSTGRES_DB
        value: BRANCH_NAME_DB
images:
  - name: todo-app
    newTag: latest
  - name: todo-backend
    newTag: latest
`

func TestRewriteOverlay(t *testing.T) {
	dir := t.TempDir()
	overlay := OverlayDir(dir)
	require.NoError(t, os.MkdirAll(overlay, 0o755))
	file := filepath.Join(overlay, "kustomization.yaml")
	require.NoError(t, os.WriteFile(file, []byte(featureKustomization), 0o644))

	req, err := domain.NewDeploymentRequest("ex-c3-e11", "abc123")
	require.NoError(t, err)
	rewritten, err := RewriteOverlay(dir, SubstitutionFor(req))
	require.NoError(t, err)
	assert.True(t, rewritten)

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, "namespace: feature-ex-c3-e11\n")
	assert.Contains(t, out, "value: ex-c3-e11.23.98.101.23.nip.io")
	assert.Contains(t, out, "value: ex_c3_e11\n")
	assert.Equal(t, 2, strings.Count(out, "newTag: ex-c3-e11-abc123"))
	assert.NotContains(t, out, "BRANCH_NAME")
	assert.NotContains(t, out, "newTag: latest")
}

func TestRewriteOverlayWithoutKustomization(t *testing.T) {
	rewritten, err := RewriteOverlay(t.TempDir(), Substitution{Namespace: "feature-x", Branch: "x", ImageTag: "x-1"})
	require.NoError(t, err)
	assert.False(t, rewritten)
}

func TestParseApplyOutput(t *testing.T) {
	output := `namespace/feature-x created
deployment.apps/todo-app-be configured
service/todo-app-fe-svc unchanged

Warning: resource configmaps/app is missing annotation
httproute.gateway.networking.k8s.io/todo created
`
	assert.Equal(t, []string{
		"namespace/feature-x",
		"deployment.apps/todo-app-be",
		"service/todo-app-fe-svc",
		"httproute.gateway.networking.k8s.io/todo",
	}, ParseApplyOutput(output))
	assert.Empty(t, ParseApplyOutput(""))
}

func TestKrustyRenderer(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "kustomization.yaml"), []byte(`apiVersion: kustomize.config.k8s.io/v1beta1
kind: Kustomization
namespace: feature-x
resources:
  - configmap.yaml
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "configmap.yaml"), []byte(`apiVersion: v1
kind: ConfigMap
metadata:
  name: settings
data:
  POSTGRES_DB: x
`), 0o644))

	out, err := KrustyRenderer{}.Render(context.Background(), dir)
	require.NoError(t, err)
	assert.Contains(t, string(out), "namespace: feature-x")
	assert.Contains(t, string(out), "name: settings")

	_, err = KrustyRenderer{}.Render(context.Background(), filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestKrustyRendererTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	r := KrustyRenderer{
		Timeout: 20 * time.Millisecond,
		build: func(string) ([]byte, error) {
			<-release
			return nil, nil
		},
	}

	_, err := r.Render(context.Background(), "/overlay")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "timed out after 20ms")
}

// fakeBinary writes an executable shell script standing in for a CLI tool.
func fakeBinary(t *testing.T, name, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func TestExecRenderer(t *testing.T) {
	bin := fakeBinary(t, "kustomize", `echo "kind: Namespace"; echo "dir: $2"`)
	out, err := ExecRenderer{Binary: bin, Timeout: 5 * time.Second}.Render(context.Background(), "/overlay")
	require.NoError(t, err)
	assert.Equal(t, "kind: Namespace\ndir: /overlay\n", string(out))

	failing := fakeBinary(t, "kustomize", `echo "accumulating resources: boom" >&2; exit 1`)
	_, err = ExecRenderer{Binary: failing}.Render(context.Background(), "/overlay")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accumulating resources: boom")
}

func TestKubectlApplier(t *testing.T) {
	bin := fakeBinary(t, "kubectl", `[ "$1" = apply ] || exit 2
[ "$2" = --kubeconfig ] || exit 2
[ -n "$3" ] || exit 2
cat >/dev/null
echo "deployment.apps/todo-app-be created"
echo "service/todo-app-be-svc unchanged"`)
	resources, err := KubectlApplier{Binary: bin, Timeout: 5 * time.Second, Logger: discardLogger()}.
		Apply(context.Background(), "/tmp/kubeconfig", []byte("kind: Namespace\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"deployment.apps/todo-app-be", "service/todo-app-be-svc"}, resources)

	failing := fakeBinary(t, "kubectl", `echo "error: forbidden" >&2; exit 1`)
	_, err = KubectlApplier{Binary: failing}.Apply(context.Background(), "/tmp/kubeconfig", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deployment command failed")
	assert.Contains(t, err.Error(), "error: forbidden")
}

func TestEnsureBinary(t *testing.T) {
	bin := fakeBinary(t, "kubectl", `echo "Client Version: v1.33.1"`)
	require.NoError(t, EnsureBinary(context.Background(), 5*time.Second, bin, "version", "--client"))
	assert.Error(t, EnsureBinary(context.Background(), 5*time.Second, "definitely-not-installed-binary"))
}
