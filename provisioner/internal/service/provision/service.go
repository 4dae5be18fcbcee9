package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rjpalt/KubeMOOC-Ops/pkg/config"
	"github.com/rjpalt/KubeMOOC-Ops/pkg/events"
	"github.com/rjpalt/KubeMOOC-Ops/provisioner/internal/domain"
	"github.com/rjpalt/KubeMOOC-Ops/provisioner/internal/kube"
	"github.com/rjpalt/KubeMOOC-Ops/provisioner/internal/naming"
	"github.com/rjpalt/KubeMOOC-Ops/provisioner/internal/workflow"
)

// WorkflowName labels logs, metrics and notifications.
const WorkflowName = "provision"

// Step names in execution order.
const (
	StepDatabase   = "database"
	StepOIDC       = "oidc_issuer"
	StepCredential = "federated_credential"
	StepNamespace  = "namespace"
)

var timingKeys = map[string]string{
	StepDatabase:   "database_duration_seconds",
	StepOIDC:       "oidc_duration_seconds",
	StepCredential: "credential_duration_seconds",
	StepNamespace:  "namespace_duration_seconds",
}

// DatabaseCreator creates branch databases.
type DatabaseCreator interface {
	Create(ctx context.Context, name string) error
}

// IssuerSource reads the cluster's OIDC issuer.
type IssuerSource interface {
	OIDCIssuer(ctx context.Context) (string, error)
}

// IssuerVerifier optionally confirms the issuer serves discovery metadata.
type IssuerVerifier interface {
	Verify(ctx context.Context, issuer string) error
}

// CredentialWriter creates federated identity credentials.
type CredentialWriter interface {
	CreateOrUpdate(ctx context.Context, identity config.Identity, name, issuer, subject string) error
}

// NamespaceEnsurer creates namespaces idempotently.
type NamespaceEnsurer interface {
	EnsureNamespace(ctx context.Context, name string, labels map[string]string) (bool, error)
}

// NamespaceConnector opens an administrative cluster connection.
type NamespaceConnector func(ctx context.Context) (NamespaceEnsurer, error)

// Dependencies are the collaborators of Service. Verifier, Notifier and Observer are
// optional.
type Dependencies struct {
	Databases   DatabaseCreator
	Cluster     IssuerSource
	Verifier    IssuerVerifier
	Credentials CredentialWriter
	Namespaces  NamespaceConnector
	Identity    config.Identity
	Notifier    events.Sink
	Observer    workflow.Observer
}

// Service provisions the per-branch database, federated credential and namespace.
type Service struct {
	deps   Dependencies
	logger *slog.Logger
	now    func() time.Time
}

// New validates deps and returns a Service.
func New(deps Dependencies, logger *slog.Logger) (*Service, error) {
	if deps.Databases == nil || deps.Cluster == nil || deps.Credentials == nil || deps.Namespaces == nil {
		return nil, errors.New("provision service requires databases, cluster, credentials and namespaces")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{deps: deps, logger: logger, now: time.Now}, nil
}

// NewCorrelationID returns a random request identifier.
func NewCorrelationID() string {
	return uuid.NewString()
}

// Provision runs the workflow for req. Failures are reported in the result, never as an
// error.
func (s *Service) Provision(ctx context.Context, req domain.BranchRequest, correlationID string) domain.ProvisionResult {
	branch := req.BranchName
	log := s.logger.With("correlation_id", correlationID, "branch_name", branch)
	runner := workflow.NewRunner(WorkflowName, log, s.deps.Observer)
	start := s.now()

	result := domain.ProvisionResult{
		BranchName:    branch,
		Timing:        domain.Timing{},
		CorrelationID: correlationID,
	}
	var issuer string

	steps := []workflow.Step{
		{Name: StepDatabase, Severity: domain.SeverityCritical, Run: func(ctx context.Context) error {
			name := naming.DatabaseName(branch)
			err := s.deps.Databases.Create(ctx, name)
			if errors.Is(err, domain.ErrAlreadyExists) {
				log.Warn("database already exists", "database_name", name)
				err = nil
			}
			if err == nil {
				result.DatabaseCreated = true
			}
			return err
		}},
		{Name: StepOIDC, Severity: domain.SeverityCritical, Run: func(ctx context.Context) error {
			url, err := s.deps.Cluster.OIDCIssuer(ctx)
			if err != nil {
				return err
			}
			if s.deps.Verifier != nil {
				if err := s.deps.Verifier.Verify(ctx, url); err != nil {
					return err
				}
			}
			issuer = url
			return nil
		}},
		{Name: StepCredential, Severity: domain.SeverityCritical, Run: func(ctx context.Context) error {
			name := naming.FederatedCredentialName(branch)
			subject := naming.ServiceAccountSubject(naming.ProvisionNamespace(branch))
			if err := s.deps.Credentials.CreateOrUpdate(ctx, s.deps.Identity, name, issuer, subject); err != nil {
				return err
			}
			result.CredentialCreated = true
			return nil
		}},
		{Name: StepNamespace, Severity: domain.SeverityCritical, Run: func(ctx context.Context) error {
			ns := naming.ProvisionNamespace(branch)
			cluster, err := s.deps.Namespaces(ctx)
			if err != nil {
				return fmt.Errorf("connect to cluster: %w", err)
			}
			if _, err := cluster.EnsureNamespace(ctx, ns, kube.ProvisionLabels(ns)); err != nil {
				return err
			}
			result.NamespaceCreated = true
			return nil
		}},
	}

	outcomes := runner.Sequence(ctx, workflow.AbortOnError, steps...)
	for _, o := range outcomes {
		if !o.Skipped {
			result.Timing[timingKeys[o.Step]] = o.Seconds()
		}
	}
	result.Timing["total_duration_seconds"] = workflow.Seconds(s.now().Sub(start))

	if failed, ok := workflow.FirstFailure(outcomes); ok {
		result.Status = domain.StatusError
		result.Error = fmt.Sprintf("Provisioning failed for branch '%s': %v", branch, failed.Err)
		result.Message = result.Error
		log.Error("environment provisioning failed", "step", failed.Step, "error", failed.Err)
	} else {
		result.Status = domain.StatusSuccess
		result.Message = fmt.Sprintf("Environment for branch '%s' provisioned successfully", branch)
		log.Info("environment provisioning completed",
			"total_duration_seconds", result.Timing["total_duration_seconds"])
	}

	events.Publish(ctx, s.deps.Notifier, log, events.Event{
		Workflow:      WorkflowName,
		BranchName:    branch,
		Status:        string(result.Status),
		Message:       result.Message,
		CorrelationID: correlationID,
	})
	return result
}
