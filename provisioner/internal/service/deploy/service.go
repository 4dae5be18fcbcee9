package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/rjpalt/KubeMOOC-Ops/pkg/events"
	"github.com/rjpalt/KubeMOOC-Ops/provisioner/internal/domain"
	"github.com/rjpalt/KubeMOOC-Ops/provisioner/internal/kube"
	"github.com/rjpalt/KubeMOOC-Ops/provisioner/internal/manifests"
	"github.com/rjpalt/KubeMOOC-Ops/provisioner/internal/naming"
	"github.com/rjpalt/KubeMOOC-Ops/provisioner/internal/workflow"
)

// WorkflowName labels logs, metrics and notifications.
const WorkflowName = "deploy"

// Step names in execution order.
const (
	StepVerifyImages       = "verify_images"
	StepDownloadManifests  = "download_manifests"
	StepClusterCredentials = "cluster_credentials"
	StepRewriteOverlay     = "rewrite_overlay"
	StepRenderApply        = "render_and_apply"
	StepRollouts           = "rollouts"
	StepHealthChecks       = "health_checks"
)

// ImageVerifier confirms the build's images exist.
type ImageVerifier interface {
	Verify(ctx context.Context, tag string) ([]string, error)
}

// ManifestFetcher downloads the manifests into dest.
type ManifestFetcher interface {
	Fetch(ctx context.Context, dest string) (string, error)
}

// KubeconfigSource issues cluster user credentials.
type KubeconfigSource interface {
	UserKubeconfig(ctx context.Context) ([]byte, error)
}

// ClusterOps are the post-apply cluster queries.
type ClusterOps interface {
	WaitForRollout(ctx context.Context, namespace, name string, timeout time.Duration) error
	HealthChecks(ctx context.Context, namespace string) ([]domain.HealthCheck, error)
}

// ClusterConnector builds ClusterOps from a kubeconfig.
type ClusterConnector func(kubeconfig []byte) (ClusterOps, error)

// Workspaces hands out per-request scratch directories.
type Workspaces interface {
	Prepare(identifier string) (string, error)
	Release(path string)
}

// Settings bound the post-apply phase.
type Settings struct {
	RolloutDeployments  []string
	RolloutTimeout      time.Duration
	RolloutGuardTimeout time.Duration
}

// Dependencies are the collaborators of Service. Notifier and Observer are optional.
type Dependencies struct {
	Images      ImageVerifier
	Manifests   ManifestFetcher
	Credentials KubeconfigSource
	Connect     ClusterConnector
	Renderer    manifests.Renderer
	Applier     manifests.Applier
	Workspaces  Workspaces
	Notifier    events.Sink
	Observer    workflow.Observer
}

// Service rolls a branch build out to its feature namespace.
type Service struct {
	deps     Dependencies
	settings Settings
	logger   *slog.Logger
}

// New validates deps and returns a Service.
func New(deps Dependencies, settings Settings, logger *slog.Logger) (*Service, error) {
	if deps.Images == nil || deps.Manifests == nil || deps.Credentials == nil || deps.Connect == nil ||
		deps.Renderer == nil || deps.Applier == nil || deps.Workspaces == nil {
		return nil, errors.New("deploy service requires every collaborator")
	}
	if settings.RolloutTimeout <= 0 {
		settings.RolloutTimeout = 300 * time.Second
	}
	if settings.RolloutGuardTimeout < settings.RolloutTimeout {
		settings.RolloutGuardTimeout = settings.RolloutTimeout + 20*time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{deps: deps, settings: settings, logger: logger}, nil
}

// NewCorrelationID returns "deploy-<branch>-<unix seconds>".
func NewCorrelationID(branch string, now time.Time) string {
	return "deploy-" + branch + "-" + strconv.FormatInt(now.Unix(), 10)
}

// Deploy runs the deployment workflow. Failures are reported in the result.
func (s *Service) Deploy(ctx context.Context, req domain.DeploymentRequest, correlationID string) domain.DeploymentResult {
	ns := req.Namespace()
	log := s.logger.With("correlation_id", correlationID, "branch_name", req.BranchName, "namespace", ns)
	runner := workflow.NewRunner(WorkflowName, log, s.deps.Observer)
	start := time.Now()

	result := domain.DeploymentResult{
		Namespace:         ns,
		HealthChecks:      []domain.HealthCheck{},
		DeployedResources: []string{},
		CorrelationID:     correlationID,
	}

	dir, err := s.deps.Workspaces.Prepare(correlationID)
	if err != nil {
		return s.finish(ctx, log, req, result, fmt.Errorf("prepare workspace: %w", err), start)
	}
	defer s.deps.Workspaces.Release(dir)

	var (
		manifestsDir   string
		kubeconfigPath string
		cluster        ClusterOps
		release        = func() {}
	)
	defer func() { release() }()
	steps := []workflow.Step{
		{Name: StepVerifyImages, Severity: domain.SeverityCritical, Run: func(ctx context.Context) error {
			_, err := s.deps.Images.Verify(ctx, req.ImageTagSuffix())
			return err
		}},
		{Name: StepDownloadManifests, Severity: domain.SeverityCritical, Run: func(ctx context.Context) error {
			var err error
			manifestsDir, err = s.deps.Manifests.Fetch(ctx, dir)
			return err
		}},
		{Name: StepClusterCredentials, Severity: domain.SeverityCritical, Run: func(ctx context.Context) error {
			data, err := s.deps.Credentials.UserKubeconfig(ctx)
			if err != nil {
				return err
			}
			path, cleanup, err := kube.TempKubeconfig(dir, data)
			if err != nil {
				return err
			}
			kubeconfigPath, release = path, cleanup
			cluster, err = s.deps.Connect(data)
			return err
		}},
		{Name: StepRewriteOverlay, Severity: domain.SeverityCritical, Run: func(ctx context.Context) error {
			rewritten, err := manifests.RewriteOverlay(manifestsDir, manifests.SubstitutionFor(req))
			if err == nil && !rewritten {
				log.Warn("feature overlay has no kustomization file, applying as is")
			}
			return err
		}},
		{Name: StepRenderApply, Severity: domain.SeverityCritical, Run: func(ctx context.Context) error {
			rendered, err := s.deps.Renderer.Render(ctx, manifests.OverlayDir(manifestsDir))
			if err != nil {
				return err
			}
			resources, err := s.deps.Applier.Apply(ctx, kubeconfigPath, rendered)
			if err != nil {
				return err
			}
			result.DeployedResources = resources
			return nil
		}},
	}

	outcomes := runner.Sequence(ctx, workflow.AbortOnError, steps...)
	if failed, ok := workflow.FirstFailure(outcomes); ok {
		return s.finish(ctx, log, req, result, failed.Err, start)
	}

	runner.Run(ctx, workflow.Step{Name: StepRollouts, Severity: domain.SeverityWarning, Run: func(ctx context.Context) error {
		return s.waitForRollouts(ctx, log, cluster, ns)
	}})

	runner.Run(ctx, workflow.Step{Name: StepHealthChecks, Severity: domain.SeverityWarning, Run: func(ctx context.Context) error {
		checks, err := cluster.HealthChecks(ctx, ns)
		result.HealthChecks = append(result.HealthChecks, checks...)
		if err != nil && len(result.HealthChecks) == 0 {
			result.HealthChecks = append(result.HealthChecks, domain.HealthCheck{
				ResourceType: "cluster",
				ResourceName: "health-check",
				Status:       domain.HealthFailed,
				Ready:        false,
				Message:      fmt.Sprintf("Health check failed: %v", err),
			})
		}
		return err
	}})

	result.DeploymentURL = naming.DeploymentURL(ns)
	return s.finish(ctx, log, req, result, nil, start)
}

// waitForRollouts waits for each configured deployment under its own guard deadline.
// Failures are logged and returned joined; they never fail the deployment.
func (s *Service) waitForRollouts(ctx context.Context, log *slog.Logger, cluster ClusterOps, ns string) error {
	var errs []error
	for _, name := range s.settings.RolloutDeployments {
		if err := s.waitForRollout(ctx, cluster, ns, name); err != nil {
			log.Warn("rollout status check failed", "deployment", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		log.Info("deployment ready", "deployment", name)
	}
	return errors.Join(errs...)
}

func (s *Service) waitForRollout(ctx context.Context, cluster ClusterOps, ns, name string) error {
	guardCtx, cancel := context.WithTimeout(ctx, s.settings.RolloutGuardTimeout)
	defer cancel()
	return cluster.WaitForRollout(guardCtx, ns, name, s.settings.RolloutTimeout)
}

func (s *Service) finish(ctx context.Context, log *slog.Logger, req domain.DeploymentRequest, result domain.DeploymentResult, err error, start time.Time) domain.DeploymentResult {
	total := workflow.Seconds(time.Since(start))
	if err != nil {
		result.Success = false
		result.Message = "Deployment failed"
		result.ErrorDetails = err.Error()
		log.Error("deployment failed", "error", err, "total_duration_seconds", total)
	} else {
		result.Success = true
		result.Message = fmt.Sprintf("Successfully deployed branch %s to namespace %s", req.BranchName, result.Namespace)
		log.Info("deployment completed",
			"deployment_url", result.DeploymentURL,
			"resource_count", len(result.DeployedResources),
			"total_duration_seconds", total,
		)
	}
	status := domain.StatusSuccess
	if !result.Success {
		status = domain.StatusError
	}
	events.Publish(ctx, s.deps.Notifier, log, events.Event{
		Workflow:      WorkflowName,
		BranchName:    req.BranchName,
		Status:        string(status),
		Message:       result.Message,
		CorrelationID: result.CorrelationID,
	})
	return result
}
