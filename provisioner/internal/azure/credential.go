// Package azure wraps the Azure Resource Manager calls the workflows depend on: AKS cluster
// metadata and credentials, and federated identity credentials on user-assigned identities.
package azure

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	"github.com/rjpalt/KubeMOOC-Ops/provisioner/internal/domain"
)

// NewCredential returns the token credential for ARM calls. When clientID is set the
// user-assigned managed identity is tried first, then the default credential chain.
func NewCredential(clientID string) (azcore.TokenCredential, error) {
	var chain []azcore.TokenCredential
	if clientID != "" {
		mi, err := azidentity.NewManagedIdentityCredential(&azidentity.ManagedIdentityCredentialOptions{
			ID: azidentity.ClientID(clientID),
		})
		if err != nil {
			return nil, fmt.Errorf("create managed identity credential: %w", err)
		}
		chain = append(chain, mi)
	}
	def, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("create default azure credential: %w", err)
	}
	chain = append(chain, def)
	cred, err := azidentity.NewChainedTokenCredential(chain, nil)
	if err != nil {
		return nil, fmt.Errorf("create chained credential: %w", err)
	}
	return cred, nil
}

// Classify tags ARM response errors with the domain error kinds.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return err
	}
	switch {
	case respErr.StatusCode == http.StatusNotFound,
		respErr.ErrorCode == "ResourceNotFound",
		respErr.ErrorCode == "NotFound":
		return fmt.Errorf("%w: %w", domain.ErrNotFound, err)
	case respErr.StatusCode == http.StatusConflict,
		respErr.ErrorCode == "Conflict":
		return fmt.Errorf("%w: %w", domain.ErrAlreadyExists, err)
	default:
		return err
	}
}
