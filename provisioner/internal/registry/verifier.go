// Package registry confirms that the images a deployment references were pushed by CI.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/distribution/reference"

	"github.com/rjpalt/KubeMOOC-Ops/provisioner/internal/domain"
)

// Checker reports whether a tagged image exists. Missing images yield domain.ErrNotFound.
type Checker interface {
	Exists(ctx context.Context, ref reference.NamedTagged) error
}

// Verifier checks every expected image of a build in order.
type Verifier struct {
	checker     Checker
	loginServer string
	images      []string
	logger      *slog.Logger
	maxRetries  uint64
	newBackOff  func() backoff.BackOff
}

// VerifierOption customises a Verifier.
type VerifierOption func(*Verifier)

// WithRetries sets how many times a transient failure is retried per image.
func WithRetries(n uint64) VerifierOption {
	return func(v *Verifier) { v.maxRetries = n }
}

// WithBackOff replaces the retry schedule.
func WithBackOff(fn func() backoff.BackOff) VerifierOption {
	return func(v *Verifier) {
		if fn != nil {
			v.newBackOff = fn
		}
	}
}

// NewVerifier returns a Verifier. A nil checker disables lookups; Verify then only logs the
// references it would have checked.
func NewVerifier(checker Checker, loginServer string, images []string, logger *slog.Logger, opts ...VerifierOption) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	v := &Verifier{
		checker:     checker,
		loginServer: strings.TrimSuffix(strings.TrimPrefix(loginServer, "https://"), "/"),
		images:      images,
		logger:      logger,
		maxRetries:  3,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = 30 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// References builds the fully qualified references for tag.
func (v *Verifier) References(tag string) ([]reference.NamedTagged, error) {
	refs := make([]reference.NamedTagged, 0, len(v.images))
	for _, image := range v.images {
		named, err := reference.ParseNormalizedNamed(v.loginServer + "/" + image)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid image name %q: %v", domain.ErrValidation, image, err)
		}
		tagged, err := reference.WithTag(named, tag)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid image tag %q: %v", domain.ErrValidation, tag, err)
		}
		refs = append(refs, tagged)
	}
	return refs, nil
}

// Verify checks each image tagged with tag and stops at the first failure. It returns the
// verified references.
func (v *Verifier) Verify(ctx context.Context, tag string) ([]string, error) {
	refs, err := v.References(tag)
	if err != nil {
		return nil, err
	}
	verified := make([]string, 0, len(refs))
	if v.checker == nil {
		for _, ref := range refs {
			v.logger.Info("image verification disabled, assuming image exists", "image", ref.String())
			verified = append(verified, ref.String())
		}
		return verified, nil
	}

	for _, ref := range refs {
		op := func() error {
			err := v.checker.Exists(ctx, ref)
			if errors.Is(err, domain.ErrNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		notify := func(err error, wait time.Duration) {
			v.logger.Warn("image lookup failed, retrying", "image", ref.String(), "retry_in", wait.String(), "error", err)
		}
		policy := backoff.WithContext(backoff.WithMaxRetries(v.newBackOff(), v.maxRetries), ctx)
		if err := backoff.RetryNotify(op, policy, notify); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return verified, fmt.Errorf("image %s not found in registry: %w", ref.String(), err)
			}
			return verified, fmt.Errorf("verify image %s: %w", ref.String(), err)
		}
		v.logger.Info("verified image exists", "image", ref.String())
		verified = append(verified, ref.String())
	}
	return verified, nil
}
