package registry

import (
	"context"
	"fmt"

	"github.com/distribution/reference"
	dockerregistry "github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"github.com/rjpalt/KubeMOOC-Ops/provisioner/internal/domain"
)

type distributionAPI interface {
	DistributionInspect(ctx context.Context, image, encodedRegistryAuth string) (dockerregistry.DistributionInspect, error)
}

// Docker asks a Docker daemon to resolve manifests from the registry. Used for local
// development where no managed identity is available.
type Docker struct {
	api   distributionAPI
	close func() error
	auth  string
}

// NewDocker connects to the daemon at host. username and password are optional registry
// credentials forwarded with each lookup.
func NewDocker(host, username, password, loginServer string) (*Docker, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	d := &Docker{api: inner, close: inner.Close}
	if username != "" {
		encoded, err := dockerregistry.EncodeAuthConfig(dockerregistry.AuthConfig{
			Username:      username,
			Password:      password,
			ServerAddress: loginServer,
		})
		if err != nil {
			inner.Close()
			return nil, fmt.Errorf("encode registry auth: %w", err)
		}
		d.auth = encoded
	}
	return d, nil
}

// Exists implements Checker.
func (d *Docker) Exists(ctx context.Context, ref reference.NamedTagged) error {
	if _, err := d.api.DistributionInspect(ctx, ref.String(), d.auth); err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("inspect %s: %w", ref.String(), domain.ErrNotFound)
		}
		return fmt.Errorf("inspect %s: %w", ref.String(), err)
	}
	return nil
}

// Close releases the daemon connection.
func (d *Docker) Close() error {
	if d.close == nil {
		return nil
	}
	return d.close()
}
