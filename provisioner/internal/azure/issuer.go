package azure

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/rjpalt/KubeMOOC-Ops/provisioner/internal/domain"
)

// IssuerVerifier fetches the issuer's discovery document to prove it is served and
// self-consistent before credentials are federated against it.
type IssuerVerifier struct{}

// Verify returns an ErrConfiguration wrapped error when discovery fails.
func (IssuerVerifier) Verify(ctx context.Context, issuer string) error {
	if _, err := oidc.NewProvider(ctx, issuer); err != nil {
		return fmt.Errorf("%w: OIDC discovery for %s failed: %w", domain.ErrConfiguration, issuer, err)
	}
	return nil
}
