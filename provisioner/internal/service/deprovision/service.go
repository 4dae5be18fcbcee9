package deprovision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
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
const WorkflowName = "deprovision"

// Step names in execution order.
const (
	StepNamespace   = "namespace_deletion"
	StepCredentials = "credentials_deletion"
	StepDatabase    = "database_deletion"

	opDatabaseCredential = "database_credential_deletion"
	opKeyvaultCredential = "keyvault_credential_deletion"
)

var steps = map[string]struct{ timingKey, errorPrefix string }{
	StepNamespace:   {"namespace_duration_seconds", "Namespace deletion failed"},
	StepCredentials: {"credentials_duration_seconds", "Credentials deletion failed"},
	StepDatabase:    {"database_duration_seconds", "Database deletion failed"},
}

// NamespaceDeleter tears down a namespace.
type NamespaceDeleter interface {
	DeleteNamespace(ctx context.Context, name string) (kube.NamespaceDeletion, error)
}

// NamespaceConnector opens an administrative cluster connection.
type NamespaceConnector func(ctx context.Context) (NamespaceDeleter, error)

// CredentialDeleter removes federated identity credentials.
type CredentialDeleter interface {
	Delete(ctx context.Context, identity config.Identity, name string) error
}

// DatabaseDropper drops branch databases. It reports false when nothing existed.
type DatabaseDropper interface {
	Drop(ctx context.Context, name string) (bool, error)
}

// Dependencies are the collaborators of Service. Notifier and Observer are optional.
type Dependencies struct {
	Namespaces       NamespaceConnector
	Credentials      CredentialDeleter
	Databases        DatabaseDropper
	DatabaseIdentity config.Identity
	KeyvaultIdentity config.Identity
	// StepTimeout bounds each teardown step; zero means defaultStepTimeout.
	StepTimeout time.Duration
	Notifier    events.Sink
	Observer    workflow.Observer
}

const defaultStepTimeout = 2 * time.Minute

// Service removes every resource belonging to a preview environment.
type Service struct {
	deps   Dependencies
	logger *slog.Logger
	now    func() time.Time
}

// New validates deps and returns a Service.
func New(deps Dependencies, logger *slog.Logger) (*Service, error) {
	if deps.Namespaces == nil || deps.Credentials == nil || deps.Databases == nil {
		return nil, errors.New("deprovision service requires namespaces, credentials and databases")
	}
	if deps.StepTimeout <= 0 {
		deps.StepTimeout = defaultStepTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{deps: deps, logger: logger, now: time.Now}, nil
}

// NewCorrelationID returns "deprov-<8 hex>-<unix seconds>".
func NewCorrelationID(now time.Time) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "deprov-" + id[:8] + "-" + strconv.FormatInt(now.Unix(), 10)
}

// Deprovision runs every teardown step regardless of earlier failures or cancellation of
// ctx. The only error it returns is a validation error for a protected namespace, raised
// before any remote call.
func (s *Service) Deprovision(ctx context.Context, req domain.BranchRequest, correlationID string) (domain.DeprovisionResult, error) {
	branch := req.BranchName
	ns := naming.Namespace(branch)
	if domain.IsProtected(ns) {
		return domain.DeprovisionResult{}, &domain.ValidationError{
			Field: "branch_name",
			Message: fmt.Sprintf("Cannot delete protected namespace: %s. Protected namespaces: %v",
				ns, domain.ProtectedNamespaces()),
		}
	}

	log := s.logger.With("correlation_id", correlationID, "branch_name", branch, "namespace", ns)
	runner := workflow.NewRunner(WorkflowName, log, s.deps.Observer)
	start := s.now()

	result := domain.DeprovisionResult{
		BranchName: branch,
		Operations: domain.DeprovisionOperations{
			DatabaseName:  naming.DatabaseName(branch),
			NamespaceName: ns,
		},
		Timing:        domain.Timing{},
		CorrelationID: correlationID,
	}
	ops := &result.Operations
	var credentialErrors []domain.StepError

	outcomes := runner.Sequence(ctx, workflow.ContinueOnError,
		workflow.Step{Name: StepNamespace, Timeout: s.deps.StepTimeout, Severity: domain.SeverityCritical, Run: func(ctx context.Context) error {
			cluster, err := s.deps.Namespaces(ctx)
			if err != nil {
				return fmt.Errorf("connect to cluster: %w", err)
			}
			deletion, err := cluster.DeleteNamespace(ctx, ns)
			ops.CronJobsSuspended = deletion.CronJobsSuspended
			if err != nil {
				return err
			}
			ops.NamespaceDeleted = deletion.Deleted
			return nil
		}},
		workflow.Step{Name: StepCredentials, Timeout: s.deps.StepTimeout, Severity: domain.SeverityWarning, Run: func(ctx context.Context) error {
			var ok bool
			ok, credentialErrors = s.deleteCredential(ctx, log, s.deps.DatabaseIdentity,
				naming.DatabaseCredentialName(branch), opDatabaseCredential, "database", credentialErrors)
			ops.CredentialsDeleted.DatabaseCredential = ok
			ok, credentialErrors = s.deleteCredential(ctx, log, s.deps.KeyvaultIdentity,
				naming.KeyvaultCredentialName(branch), opKeyvaultCredential, "keyvault", credentialErrors)
			ops.CredentialsDeleted.KeyvaultCredential = ok
			return nil
		}},
		workflow.Step{Name: StepDatabase, Timeout: s.deps.StepTimeout, Severity: domain.SeverityCritical, Run: func(ctx context.Context) error {
			existed, err := s.deps.Databases.Drop(ctx, ops.DatabaseName)
			if err != nil {
				return err
			}
			if !existed {
				log.Warn("database not found, considering as already deleted", "database_name", ops.DatabaseName)
			}
			ops.DatabaseDeleted = true
			return nil
		}},
	)

	for _, o := range outcomes {
		meta := steps[o.Step]
		if o.Step == StepCredentials {
			result.Errors = append(result.Errors, credentialErrors...)
		}
		if o.Failed() {
			result.Timing[meta.timingKey] = 0
			result.Errors = append(result.Errors, domain.StepError{
				Operation: o.Step,
				Error:     fmt.Sprintf("%s: %v", meta.errorPrefix, o.Err),
				Severity:  o.Severity,
			})
			continue
		}
		result.Timing[meta.timingKey] = o.Seconds()
	}
	result.Timing["total_duration_seconds"] = workflow.Seconds(s.now().Sub(start))

	switch critical := result.CriticalErrors(); {
	case critical > 0:
		result.Status = domain.StatusError
		result.Message = fmt.Sprintf("Deprovisioning completed with %d critical error(s)", critical)
		log.Error("environment deprovisioning failed", "critical_errors", critical, "errors", len(result.Errors))
	case len(result.Errors) > 0:
		result.Status = domain.StatusSuccess
		result.Message = fmt.Sprintf("Deprovisioning completed with %d warning(s)", len(result.Errors))
		log.Warn("environment deprovisioned with warnings", "warnings", len(result.Errors))
	default:
		result.Status = domain.StatusSuccess
		result.Message = fmt.Sprintf("Environment for branch '%s' deprovisioned successfully", branch)
		log.Info("environment deprovisioning completed",
			"total_duration_seconds", result.Timing["total_duration_seconds"])
	}

	events.Publish(context.WithoutCancel(ctx), s.deps.Notifier, log, events.Event{
		Workflow:      WorkflowName,
		BranchName:    branch,
		Status:        string(result.Status),
		Message:       result.Message,
		CorrelationID: correlationID,
	})
	return result, nil
}

// deleteCredential removes one credential. A missing credential counts as deleted; other
// failures are appended to errs as warnings.
func (s *Service) deleteCredential(ctx context.Context, log *slog.Logger, identity config.Identity, name, operation, kind string, errs []domain.StepError) (bool, []domain.StepError) {
	err := s.deps.Credentials.Delete(ctx, identity, name)
	switch {
	case err == nil:
		log.Info("federated credential deleted", "credential_name", name, "identity", identity.Name)
		return true, errs
	case errors.Is(err, domain.ErrNotFound):
		log.Warn("federated credential not found, considering as already deleted", "credential_name", name)
		return true, errs
	default:
		log.Error("federated credential deletion failed", "credential_name", name, "error", err)
		return false, append(errs, domain.StepError{
			Operation: operation,
			Error:     fmt.Sprintf("Failed to delete %s federated credential: %v", kind, err),
			Severity:  domain.SeverityWarning,
		})
	}
}
