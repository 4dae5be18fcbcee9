package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"

	"github.com/rjpalt/KubeMOOC-Ops/pkg/config"
	"github.com/rjpalt/KubeMOOC-Ops/pkg/events"
	"github.com/rjpalt/KubeMOOC-Ops/pkg/logger"
	"github.com/rjpalt/KubeMOOC-Ops/provisioner/internal/azure"
	"github.com/rjpalt/KubeMOOC-Ops/provisioner/internal/database"
	httpx "github.com/rjpalt/KubeMOOC-Ops/provisioner/internal/http"
	"github.com/rjpalt/KubeMOOC-Ops/provisioner/internal/kube"
	"github.com/rjpalt/KubeMOOC-Ops/provisioner/internal/manifests"
	"github.com/rjpalt/KubeMOOC-Ops/provisioner/internal/registry"
	"github.com/rjpalt/KubeMOOC-Ops/provisioner/internal/service/deploy"
	"github.com/rjpalt/KubeMOOC-Ops/provisioner/internal/service/deprovision"
	"github.com/rjpalt/KubeMOOC-Ops/provisioner/internal/service/provision"
	"github.com/rjpalt/KubeMOOC-Ops/provisioner/internal/workflow"
	"github.com/rjpalt/KubeMOOC-Ops/provisioner/internal/workspace"
)

const workspaceMaxAge = time.Hour

func main() {
	cfg := config.LoadProvisionerConfig()
	log := logger.New("provisioner", logger.ParseLevel(cfg.LogLevel))
	klog.SetLogger(logr.FromSlogHandler(log.Handler()))

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("provisioner failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ProvisionerConfig, log *slog.Logger) error {
	cred, err := azure.NewCredential(cfg.FunctionClientID)
	if err != nil {
		return err
	}
	cluster, err := azure.NewCluster(cfg.SubscriptionID, cfg.AKSResourceGroup, cfg.AKSClusterName, cred)
	if err != nil {
		return err
	}
	identities, err := azure.NewIdentities(cfg.SubscriptionID, cred)
	if err != nil {
		return err
	}
	admin, err := database.NewAdmin(database.Settings{
		Host:     cfg.PostgresHost,
		Port:     cfg.PostgresPort,
		User:     cfg.PostgresAdminUser,
		Password: cfg.PostgresAdminPassword,
		SSLMode:  cfg.PostgresSSLMode,
	})
	if err != nil {
		return err
	}

	workspaces, err := workspace.New(cfg.Workdir, log)
	if err != nil {
		return fmt.Errorf("workspace init: %w", err)
	}
	if removed, err := workspaces.Sweep(workspaceMaxAge); err != nil {
		log.Warn("workspace sweep failed", "error", err, "workdir", cfg.Workdir)
	} else if removed > 0 {
		log.Info("removed stale workspaces", "count", removed)
	}

	checker, closeChecker, err := newRegistryChecker(cfg, cred)
	if err != nil {
		return err
	}
	defer closeChecker()
	renderer, err := newRenderer(ctx, cfg)
	if err != nil {
		return err
	}
	if err := manifests.EnsureBinary(ctx, cfg.BinaryCheckTimeout, cfg.KubectlPath, "version", "--client"); err != nil {
		return err
	}

	var notifier events.Sink
	if cfg.NotifyURL != "" {
		emitter, err := events.NewEmitter(cfg.NotifyURL, cfg.NotifyToken, cfg.NotifyTimeout)
		if err != nil {
			return err
		}
		notifier = emitter
	}
	stepMetrics := workflow.NewStepMetrics(prometheus.DefaultRegisterer)

	adminManager := func(ctx context.Context) (*kube.Manager, error) {
		kubeconfig, err := cluster.AdminKubeconfig(ctx)
		if err != nil {
			return nil, err
		}
		clientset, err := kube.NewClientset(kubeconfig)
		if err != nil {
			return nil, err
		}
		return kube.NewManager(clientset, log), nil
	}

	var issuerVerifier provision.IssuerVerifier
	if cfg.OIDCVerifyDiscovery {
		issuerVerifier = azure.IssuerVerifier{}
	}
	provisionSvc, err := provision.New(provision.Dependencies{
		Databases:   admin,
		Cluster:     cluster,
		Verifier:    issuerVerifier,
		Credentials: identities,
		Namespaces: func(ctx context.Context) (provision.NamespaceEnsurer, error) {
			m, err := adminManager(ctx)
			if err != nil {
				return nil, err
			}
			return m, nil
		},
		Identity: cfg.DatabaseIdentity,
		Notifier: notifier,
		Observer: stepMetrics,
	}, log)
	if err != nil {
		return err
	}

	deploySvc, err := deploy.New(deploy.Dependencies{
		Images:      registry.NewVerifier(checker, cfg.ACRLoginServer, cfg.Images, log),
		Manifests:   manifests.NewFetcher(cfg.GitHubRepositoryURL, cfg.ManifestsRef, cfg.ManifestsPath, cfg.ManifestDownloadTimeout, log),
		Credentials: cluster,
		Connect: func(kubeconfig []byte) (deploy.ClusterOps, error) {
			clientset, err := kube.NewClientset(kubeconfig)
			if err != nil {
				return nil, err
			}
			return kube.NewManager(clientset, log, kube.WithLogTimeout(cfg.DiagnosticLogTimeout)), nil
		},
		Renderer:   renderer,
		Applier:    manifests.KubectlApplier{Binary: cfg.KubectlPath, Timeout: cfg.ApplyTimeout, Logger: log},
		Workspaces: workspaces,
		Notifier:   notifier,
		Observer:   stepMetrics,
	}, deploy.Settings{
		RolloutDeployments:  cfg.RolloutDeployments,
		RolloutTimeout:      cfg.RolloutTimeout,
		RolloutGuardTimeout: cfg.RolloutGuardTimeout,
	}, log)
	if err != nil {
		return err
	}

	deprovisionSvc, err := deprovision.New(deprovision.Dependencies{
		Namespaces: func(ctx context.Context) (deprovision.NamespaceDeleter, error) {
			m, err := adminManager(ctx)
			if err != nil {
				return nil, err
			}
			return m, nil
		},
		Credentials:      identities,
		Databases:        admin,
		DatabaseIdentity: cfg.DatabaseIdentity,
		KeyvaultIdentity: cfg.KeyvaultIdentity,
		StepTimeout:      cfg.TeardownStepTimeout,
		Notifier:         notifier,
		Observer:         stepMetrics,
	}, log)
	if err != nil {
		return err
	}

	var auth *httpx.Authenticator
	if cfg.AuthEnabled() {
		auth = httpx.NewAuthenticator(cfg.FunctionKeys, cfg.JWTSecret)
	}
	auth.WarnIfOpen(log)
	router := httpx.NewRouter(log, provisionSvc, deploySvc, deprovisionSvc, httpx.Options{
		Auth:            auth,
		Limiter:         newLimiter(cfg, log),
		RateLimit:       cfg.RateLimit,
		RateWindow:      cfg.RateLimitWindow,
		BranchRateLimit: cfg.BranchRateLimit,
		Registry:        prometheus.DefaultRegisterer,
		Gatherer:        prometheus.DefaultGatherer,
		Checks: map[string]httpx.HealthCheck{
			"database": admin.Ping,
			"cluster": func(ctx context.Context) error {
				kubeconfig, err := cluster.UserKubeconfig(ctx)
				if err != nil {
					return err
				}
				_, err = kube.NewClientset(kubeconfig)
				return err
			},
		},
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("provisioner server starting", "addr", cfg.Addr, "environment", cfg.Environment,
			"cluster", cluster.Name(), "registry_backend", cfg.RegistryBackend, "renderer", cfg.Renderer)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("provisioner server stopped")
		return nil
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

func newRegistryChecker(cfg config.ProvisionerConfig, cred azcore.TokenCredential) (registry.Checker, func(), error) {
	switch cfg.RegistryBackend {
	case "acr":
		acr, err := registry.NewACR(cfg.ACRLoginServer, cred)
		if err != nil {
			return nil, func() {}, err
		}
		return acr, func() {}, nil
	case "docker":
		d, err := registry.NewDocker(cfg.DockerHost, cfg.RegistryUser, cfg.RegistryPass, cfg.ACRLoginServer)
		if err != nil {
			return nil, func() {}, err
		}
		return d, func() { _ = d.Close() }, nil
	case "none":
		return nil, func() {}, nil
	default:
		return nil, func() {}, fmt.Errorf("unknown REGISTRY_BACKEND %q (want acr, docker or none)", cfg.RegistryBackend)
	}
}

func newRenderer(ctx context.Context, cfg config.ProvisionerConfig) (manifests.Renderer, error) {
	switch cfg.Renderer {
	case "krusty":
		return manifests.KrustyRenderer{Timeout: cfg.RenderTimeout}, nil
	case "kustomize":
		if err := manifests.EnsureBinary(ctx, cfg.BinaryCheckTimeout, cfg.KustomizePath, "version"); err != nil {
			return nil, err
		}
		return manifests.ExecRenderer{Binary: cfg.KustomizePath, Timeout: cfg.RenderTimeout}, nil
	default:
		return nil, fmt.Errorf("unknown MANIFEST_RENDERER %q (want krusty or kustomize)", cfg.Renderer)
	}
}

func newLimiter(cfg config.ProvisionerConfig, log *slog.Logger) httpx.RateLimiter {
	if cfg.RedisAddr == "" {
		return nil
	}
	limiter, err := httpx.NewRedisRateLimiter(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, log)
	if err != nil {
		log.Warn("redis rate limiter unavailable, using in-memory limiter", "addr", cfg.RedisAddr, "error", err)
		return nil
	}
	return limiter
}
