// Package naming derives every per-branch resource identifier from a branch name.
//
// Provisioning creates the namespace under the bare branch name while deployment and
// deprovisioning address "feature-<branch>". Both schemes are exposed separately so each
// call site states which one it targets.
package naming

import "strings"

const (
	// FeaturePrefix prefixes namespaces created by deployments.
	FeaturePrefix = "feature-"
	// PreviewIPDomain is the wildcard DNS suffix pointing at the cluster ingress.
	PreviewIPDomain = "23.98.101.23.nip.io"
	// DefaultDomain is used for namespaces outside the feature scheme.
	DefaultDomain = "kubemooc.dev"
	// WorkloadIdentityAudience is the token exchange audience for federated credentials.
	WorkloadIdentityAudience = "api://AzureADTokenExchange"
)

// Namespace returns the deployment namespace for a branch.
func Namespace(branch string) string {
	return FeaturePrefix + branch
}

// ProvisionNamespace returns the namespace provisioning creates for a branch.
func ProvisionNamespace(branch string) string {
	return branch
}

// DatabaseName returns the PostgreSQL database name for a branch. Hyphens are not valid in
// unquoted identifiers, so they become underscores.
func DatabaseName(branch string) string {
	return strings.ReplaceAll(branch, "-", "_")
}

// ImageTagSuffix is the tag CI pushes for a branch build.
func ImageTagSuffix(branch, commit string) string {
	return branch + "-" + commit
}

// Hostname is the ingress host serving a branch.
func Hostname(branch string) string {
	return branch + "." + PreviewIPDomain
}

// DeploymentURL returns the public URL for a namespace.
func DeploymentURL(namespace string) string {
	if branch, ok := strings.CutPrefix(namespace, FeaturePrefix); ok {
		return "https://" + Hostname(branch)
	}
	return "https://" + namespace + "." + DefaultDomain
}

// FederatedCredentialName is the credential provisioning creates.
func FederatedCredentialName(branch string) string {
	return "cred-" + branch
}

// DatabaseCredentialName is the database workload identity credential for a branch.
func DatabaseCredentialName(branch string) string {
	return "database-workload-identity-" + branch
}

// KeyvaultCredentialName is the key vault workload identity credential for a branch.
func KeyvaultCredentialName(branch string) string {
	return "keyvault-workload-identity-" + branch
}

// ServiceAccountSubject is the OIDC subject of the default service account in namespace.
func ServiceAccountSubject(namespace string) string {
	return "system:serviceaccount:" + namespace + ":default"
}
