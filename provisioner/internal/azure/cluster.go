package azure

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/containerservice/armcontainerservice/v4"

	"github.com/rjpalt/KubeMOOC-Ops/provisioner/internal/domain"
)

type managedClustersAPI interface {
	Get(ctx context.Context, resourceGroupName, resourceName string, options *armcontainerservice.ManagedClustersClientGetOptions) (armcontainerservice.ManagedClustersClientGetResponse, error)
	ListClusterUserCredentials(ctx context.Context, resourceGroupName, resourceName string, options *armcontainerservice.ManagedClustersClientListClusterUserCredentialsOptions) (armcontainerservice.ManagedClustersClientListClusterUserCredentialsResponse, error)
	ListClusterAdminCredentials(ctx context.Context, resourceGroupName, resourceName string, options *armcontainerservice.ManagedClustersClientListClusterAdminCredentialsOptions) (armcontainerservice.ManagedClustersClientListClusterAdminCredentialsResponse, error)
}

// Cluster reads metadata and credentials of one AKS managed cluster.
type Cluster struct {
	api           managedClustersAPI
	resourceGroup string
	name          string
}

// NewCluster constructs a Cluster backed by the ARM managed clusters client.
func NewCluster(subscriptionID, resourceGroup, name string, cred azcore.TokenCredential) (*Cluster, error) {
	client, err := armcontainerservice.NewManagedClustersClient(subscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create managed clusters client: %w", err)
	}
	return newCluster(client, resourceGroup, name), nil
}

func newCluster(api managedClustersAPI, resourceGroup, name string) *Cluster {
	return &Cluster{api: api, resourceGroup: resourceGroup, name: name}
}

// Name returns the cluster name.
func (c *Cluster) Name() string {
	return c.name
}

// OIDCIssuer returns the cluster's workload identity issuer URL.
func (c *Cluster) OIDCIssuer(ctx context.Context) (string, error) {
	resp, err := c.api.Get(ctx, c.resourceGroup, c.name, nil)
	if err != nil {
		return "", fmt.Errorf("get managed cluster %s: %w", c.name, Classify(err))
	}
	props := resp.ManagedCluster.Properties
	if props == nil || props.OidcIssuerProfile == nil || props.OidcIssuerProfile.IssuerURL == nil ||
		strings.TrimSpace(*props.OidcIssuerProfile.IssuerURL) == "" {
		return "", fmt.Errorf("%w: AKS cluster does not have OIDC issuer enabled", domain.ErrConfiguration)
	}
	return *props.OidcIssuerProfile.IssuerURL, nil
}

// UserKubeconfig returns the first user kubeconfig issued for the cluster.
func (c *Cluster) UserKubeconfig(ctx context.Context) ([]byte, error) {
	resp, err := c.api.ListClusterUserCredentials(ctx, c.resourceGroup, c.name, nil)
	if err != nil {
		return nil, fmt.Errorf("list cluster user credentials: %w", Classify(err))
	}
	return firstKubeconfig(resp.CredentialResults)
}

// AdminKubeconfig returns the first admin kubeconfig issued for the cluster.
func (c *Cluster) AdminKubeconfig(ctx context.Context) ([]byte, error) {
	resp, err := c.api.ListClusterAdminCredentials(ctx, c.resourceGroup, c.name, nil)
	if err != nil {
		return nil, fmt.Errorf("list cluster admin credentials: %w", Classify(err))
	}
	return firstKubeconfig(resp.CredentialResults)
}

func firstKubeconfig(results armcontainerservice.CredentialResults) ([]byte, error) {
	for _, kc := range results.Kubeconfigs {
		if kc != nil && len(kc.Value) > 0 {
			return kc.Value, nil
		}
	}
	return nil, fmt.Errorf("%w: No kubeconfig found for AKS cluster", domain.ErrConfiguration)
}
