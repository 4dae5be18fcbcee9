package azure

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/msi/armmsi"

	"github.com/rjpalt/KubeMOOC-Ops/pkg/config"
	"github.com/rjpalt/KubeMOOC-Ops/provisioner/internal/naming"
)

type federatedCredentialsAPI interface {
	CreateOrUpdate(ctx context.Context, resourceGroupName, resourceName, federatedIdentityCredentialResourceName string, parameters armmsi.FederatedIdentityCredential, options *armmsi.FederatedIdentityCredentialsClientCreateOrUpdateOptions) (armmsi.FederatedIdentityCredentialsClientCreateOrUpdateResponse, error)
	Delete(ctx context.Context, resourceGroupName, resourceName, federatedIdentityCredentialResourceName string, options *armmsi.FederatedIdentityCredentialsClientDeleteOptions) (armmsi.FederatedIdentityCredentialsClientDeleteResponse, error)
}

// Identities manages federated credentials on user-assigned managed identities.
type Identities struct {
	api federatedCredentialsAPI
}

// NewIdentities constructs Identities backed by the ARM MSI client.
func NewIdentities(subscriptionID string, cred azcore.TokenCredential) (*Identities, error) {
	client, err := armmsi.NewFederatedIdentityCredentialsClient(subscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create federated identity credentials client: %w", err)
	}
	return &Identities{api: client}, nil
}

// CreateOrUpdate binds subject tokens from issuer to identity under name.
func (i *Identities) CreateOrUpdate(ctx context.Context, identity config.Identity, name, issuer, subject string) error {
	params := armmsi.FederatedIdentityCredential{
		Properties: &armmsi.FederatedIdentityCredentialProperties{
			Issuer:    to.Ptr(issuer),
			Subject:   to.Ptr(subject),
			Audiences: []*string{to.Ptr(naming.WorkloadIdentityAudience)},
		},
	}
	_, err := i.api.CreateOrUpdate(ctx, identity.ResourceGroup, identity.Name, name, params, nil)
	if err != nil {
		return fmt.Errorf("create federated credential %s on %s: %w", name, identity.Name, Classify(err))
	}
	return nil
}

// Delete removes a federated credential. Missing credentials surface as domain.ErrNotFound.
func (i *Identities) Delete(ctx context.Context, identity config.Identity, name string) error {
	_, err := i.api.Delete(ctx, identity.ResourceGroup, identity.Name, name, nil)
	if err != nil {
		return fmt.Errorf("delete federated credential %s on %s: %w", name, identity.Name, Classify(err))
	}
	return nil
}
