package manifests

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rjpalt/KubeMOOC-Ops/provisioner/internal/domain"
	"github.com/rjpalt/KubeMOOC-Ops/provisioner/internal/naming"
)

// Placeholders present in the feature overlay.
const (
	namespacePlaceholder = "namespace: feature-BRANCH_NAME"
	hostPlaceholder      = "BRANCH_NAME." + naming.PreviewIPDomain
	databasePlaceholder  = "BRANCH_NAME_DB"
	tagPlaceholder       = "newTag: latest"
)

// Substitution holds the branch specific values written into the overlay.
type Substitution struct {
	Namespace string
	Branch    string
	ImageTag  string
}

// SubstitutionFor derives the overlay values for a deployment.
func SubstitutionFor(req domain.DeploymentRequest) Substitution {
	return Substitution{
		Namespace: req.Namespace(),
		Branch:    req.BranchName,
		ImageTag:  req.ImageTagSuffix(),
	}
}

// OverlayDir is the feature overlay inside manifestsDir.
func OverlayDir(manifestsDir string) string {
	return filepath.Join(manifestsDir, "overlays", "feature")
}

// Apply performs the placeholder replacements on content in a fixed order.
func (s Substitution) Apply(content string) string {
	content = strings.ReplaceAll(content, namespacePlaceholder, "namespace: "+s.Namespace)
	content = strings.ReplaceAll(content, hostPlaceholder, naming.Hostname(s.Branch))
	content = strings.ReplaceAll(content, databasePlaceholder, naming.DatabaseName(s.Branch))
	content = strings.ReplaceAll(content, tagPlaceholder, "newTag: "+s.ImageTag)
	return content
}

// RewriteOverlay substitutes placeholders in the feature kustomization. It reports false
// without error when the overlay has no kustomization file.
func RewriteOverlay(manifestsDir string, sub Substitution) (bool, error) {
	file := filepath.Join(OverlayDir(manifestsDir), "kustomization.yaml")
	data, err := os.ReadFile(file)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read kustomization: %w", err)
	}
	if err := os.WriteFile(file, []byte(sub.Apply(string(data))), 0o644); err != nil {
		return false, fmt.Errorf("write kustomization: %w", err)
	}
	return true, nil
}
