package domain

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rjpalt/KubeMOOC-Ops/provisioner/internal/naming"
)

const (
	MinBranchNameLength = 1
	MaxBranchNameLength = 63
)

var dnsLabel = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// BranchRequest carries a validated DNS-1123 branch name.
type BranchRequest struct {
	BranchName string `json:"branch_name"`
}

// NewBranchRequest validates name as a Kubernetes namespace compatible label.
func NewBranchRequest(name string) (BranchRequest, error) {
	if name == "" {
		return BranchRequest{}, invalid("branch_name", "branch_name cannot be empty")
	}
	if len(name) > MaxBranchNameLength {
		return BranchRequest{}, invalid("branch_name", fmt.Sprintf("branch_name cannot exceed %d characters", MaxBranchNameLength))
	}
	if !dnsLabel.MatchString(name) {
		return BranchRequest{}, invalid("branch_name", "branch_name must be a valid DNS-1123 label "+
			"(lowercase alphanumeric characters or hyphens, cannot start or end with hyphen)")
	}
	return BranchRequest{BranchName: name}, nil
}

// DeploymentRequest identifies the branch build to roll out.
type DeploymentRequest struct {
	BranchName string `json:"branch_name"`
	CommitSHA  string `json:"commit_sha"`
}

// NewDeploymentRequest trims both fields and rejects empty values.
func NewDeploymentRequest(branch, commit string) (DeploymentRequest, error) {
	branch = strings.TrimSpace(branch)
	if branch == "" {
		return DeploymentRequest{}, invalid("branch_name", "Branch name cannot be empty")
	}
	commit = strings.TrimSpace(commit)
	if commit == "" {
		return DeploymentRequest{}, invalid("commit_sha", "Commit SHA cannot be empty")
	}
	return DeploymentRequest{BranchName: branch, CommitSHA: commit}, nil
}

// Namespace is the feature namespace the deployment targets.
func (r DeploymentRequest) Namespace() string {
	return naming.Namespace(r.BranchName)
}

// ImageTagSuffix is the image tag expected in the registry.
func (r DeploymentRequest) ImageTagSuffix() string {
	return naming.ImageTagSuffix(r.BranchName, r.CommitSHA)
}
