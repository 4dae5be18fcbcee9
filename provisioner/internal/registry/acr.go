package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/containers/azcontainerregistry"
	"github.com/distribution/reference"

	"github.com/rjpalt/KubeMOOC-Ops/provisioner/internal/azure"
)

type tagPropertiesAPI interface {
	GetTagProperties(ctx context.Context, name, tag string, options *azcontainerregistry.ClientGetTagPropertiesOptions) (azcontainerregistry.ClientGetTagPropertiesResponse, error)
}

// ACR looks tags up through the Azure Container Registry data plane.
type ACR struct {
	api tagPropertiesAPI
}

// NewACR authenticates against loginServer with cred.
func NewACR(loginServer string, cred azcore.TokenCredential) (*ACR, error) {
	endpoint := "https://" + strings.TrimPrefix(loginServer, "https://")
	client, err := azcontainerregistry.NewClient(endpoint, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create container registry client: %w", err)
	}
	return &ACR{api: client}, nil
}

// Exists implements Checker.
func (a *ACR) Exists(ctx context.Context, ref reference.NamedTagged) error {
	if _, err := a.api.GetTagProperties(ctx, reference.Path(ref), ref.Tag(), nil); err != nil {
		return fmt.Errorf("get tag properties %s: %w", ref.String(), azure.Classify(err))
	}
	return nil
}
