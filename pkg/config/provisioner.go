package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Identity names a user-assigned managed identity that federated credentials attach to.
type Identity struct {
	Name          string
	ClientID      string
	ResourceGroup string
}

// ProvisionerConfig holds runtime configuration for the provisioner service.
type ProvisionerConfig struct {
	Environment string
	Addr        string
	LogLevel    string
	Workdir     string

	SubscriptionID   string
	FunctionClientID string
	AKSResourceGroup string
	AKSClusterName   string

	PostgresResourceGroup string
	PostgresServerName    string
	PostgresHost          string
	PostgresPort          int
	PostgresAdminUser     string
	PostgresAdminPassword string
	PostgresSSLMode       string

	DatabaseIdentity Identity
	KeyvaultIdentity Identity

	ACRName         string
	ACRLoginServer  string
	RegistryBackend string
	DockerHost      string
	RegistryUser    string
	RegistryPass    string
	Images          []string

	GitHubRepositoryURL string
	ManifestsRef        string
	ManifestsPath       string
	Renderer            string
	KustomizePath       string
	KubectlPath         string
	RolloutDeployments  []string
	OIDCVerifyDiscovery bool

	BinaryCheckTimeout      time.Duration
	ManifestDownloadTimeout time.Duration
	RenderTimeout           time.Duration
	ApplyTimeout            time.Duration
	RolloutTimeout          time.Duration
	RolloutGuardTimeout     time.Duration
	DiagnosticLogTimeout    time.Duration
	TeardownStepTimeout     time.Duration

	FunctionKeys      []string
	JWTSecret         string
	RateLimit         int
	RateLimitWindow   time.Duration
	BranchRateLimit   int
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	NotifyURL         string
	NotifyToken       string
	NotifyTimeout     time.Duration
	ShutdownTimeout   time.Duration
	ReadHeaderTimeout time.Duration
}

// LoadProvisionerConfig constructs a ProvisionerConfig from environment variables.
func LoadProvisionerConfig() ProvisionerConfig {
	serverName := GetString("POSTGRES_SERVER_NAME", "")
	host := GetString("POSTGRES_HOST", "")
	if host == "" && serverName != "" {
		host = serverName + ".postgres.database.azure.com"
	}
	return ProvisionerConfig{
		Environment: GetString("APP_ENV", "development"),
		Addr:        GetString("PROVISIONER_ADDR", ":7071"),
		LogLevel:    GetString("LOG_LEVEL", "info"),
		Workdir:     GetString("PROVISIONER_WORKDIR", filepath.Join(os.TempDir(), "kubemooc-ops")),

		SubscriptionID:   GetString("AZURE_SUBSCRIPTION_ID", ""),
		FunctionClientID: GetString("AZURE_CLIENT_ID", GetString("PROVISIONING_FUNCTION_CLIENT_ID", "")),
		AKSResourceGroup: GetString("AKS_RESOURCE_GROUP", "kubernetes-learning"),
		AKSClusterName:   GetString("AKS_CLUSTER_NAME", "kube-mooc"),

		PostgresResourceGroup: GetString("POSTGRES_RESOURCE_GROUP", ""),
		PostgresServerName:    serverName,
		PostgresHost:          host,
		PostgresPort:          GetInt("POSTGRES_PORT", 5432),
		PostgresAdminUser:     GetString("POSTGRES_ADMIN_USER", ""),
		PostgresAdminPassword: GetString("POSTGRES_ADMIN_PASSWORD", ""),
		PostgresSSLMode:       GetString("POSTGRES_SSLMODE", "require"),

		DatabaseIdentity: Identity{
			Name:          GetString("DATABASE_IDENTITY_NAME", ""),
			ClientID:      GetString("DATABASE_IDENTITY_CLIENT_ID", ""),
			ResourceGroup: GetString("DATABASE_IDENTITY_RESOURCE_GROUP", ""),
		},
		KeyvaultIdentity: Identity{
			Name:          GetString("KEYVAULT_IDENTITY_NAME", ""),
			ClientID:      GetString("KEYVAULT_IDENTITY_CLIENT_ID", ""),
			ResourceGroup: GetString("KEYVAULT_IDENTITY_RESOURCE_GROUP", ""),
		},

		ACRName:         GetString("ACR_NAME", "kubemooc"),
		ACRLoginServer:  GetString("ACR_LOGIN_SERVER", "kubemooc.azurecr.io"),
		RegistryBackend: strings.ToLower(GetString("REGISTRY_BACKEND", "acr")),
		DockerHost:      GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
		RegistryUser:    GetString("REGISTRY_USERNAME", ""),
		RegistryPass:    GetString("REGISTRY_PASSWORD", ""),
		Images:          GetList("DEPLOY_IMAGES", []string{"todo-app", "todo-backend", "todo-cron"}),

		GitHubRepositoryURL: GetString("GITHUB_REPOSITORY_URL", "https://github.com/rjpalt/KubernetesMOOC"),
		ManifestsRef:        GetString("MANIFESTS_REF", "main"),
		ManifestsPath:       GetString("MANIFESTS_PATH", "course_project/manifests"),
		Renderer:            strings.ToLower(GetString("MANIFEST_RENDERER", "krusty")),
		KustomizePath:       GetString("KUSTOMIZE_PATH", "kustomize"),
		KubectlPath:         GetString("KUBECTL_PATH", "kubectl"),
		RolloutDeployments:  GetList("ROLLOUT_DEPLOYMENTS", []string{"todo-app-be", "todo-app-fe"}),
		OIDCVerifyDiscovery: GetBool("OIDC_VERIFY_DISCOVERY", false),

		BinaryCheckTimeout:      GetSeconds("BINARY_CHECK_TIMEOUT_SECONDS", 10*time.Second),
		ManifestDownloadTimeout: GetSeconds("MANIFEST_DOWNLOAD_TIMEOUT_SECONDS", 60*time.Second),
		RenderTimeout:           GetSeconds("RENDER_TIMEOUT_SECONDS", 60*time.Second),
		ApplyTimeout:            GetSeconds("APPLY_TIMEOUT_SECONDS", 120*time.Second),
		RolloutTimeout:          GetSeconds("ROLLOUT_TIMEOUT_SECONDS", 300*time.Second),
		RolloutGuardTimeout:     GetSeconds("ROLLOUT_GUARD_TIMEOUT_SECONDS", 320*time.Second),
		DiagnosticLogTimeout:    GetSeconds("DIAGNOSTIC_LOG_TIMEOUT_SECONDS", 10*time.Second),
		TeardownStepTimeout:     GetSeconds("TEARDOWN_STEP_TIMEOUT_SECONDS", 120*time.Second),

		FunctionKeys:      GetList("FUNCTION_KEYS", nil),
		JWTSecret:         GetString("AUTH_JWT_SECRET", ""),
		RateLimit:         GetInt("RATE_LIMIT_PER_WINDOW", 30),
		RateLimitWindow:   GetSeconds("RATE_LIMIT_WINDOW_SECONDS", time.Minute),
		BranchRateLimit:   GetInt("BRANCH_RATE_LIMIT_PER_WINDOW", 3),
		RedisAddr:         GetString("REDIS_ADDR", ""),
		RedisPassword:     GetString("REDIS_PASSWORD", ""),
		RedisDB:           GetInt("REDIS_DB", 0),
		NotifyURL:         GetString("NOTIFY_URL", ""),
		NotifyToken:       GetString("NOTIFY_TOKEN", ""),
		NotifyTimeout:     GetSeconds("NOTIFY_TIMEOUT_SECONDS", 5*time.Second),
		ShutdownTimeout:   GetSeconds("SHUTDOWN_TIMEOUT_SECONDS", 10*time.Second),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Validate reports every missing required setting at once.
func (c ProvisionerConfig) Validate() error {
	err := checkRequired(
		requirement{"AZURE_SUBSCRIPTION_ID", c.SubscriptionID},
		requirement{"POSTGRES_SERVER_NAME", c.PostgresServerName},
		requirement{"POSTGRES_ADMIN_USER", c.PostgresAdminUser},
		requirement{"POSTGRES_ADMIN_PASSWORD", c.PostgresAdminPassword},
		requirement{"DATABASE_IDENTITY_NAME", c.DatabaseIdentity.Name},
		requirement{"DATABASE_IDENTITY_RESOURCE_GROUP", c.DatabaseIdentity.ResourceGroup},
		requirement{"KEYVAULT_IDENTITY_NAME", c.KeyvaultIdentity.Name},
		requirement{"KEYVAULT_IDENTITY_RESOURCE_GROUP", c.KeyvaultIdentity.ResourceGroup},
	)
	if err != nil {
		return err
	}
	switch c.RegistryBackend {
	case "acr", "docker", "none":
	default:
		return fmt.Errorf("REGISTRY_BACKEND must be one of acr, docker, none (got %q)", c.RegistryBackend)
	}
	switch c.Renderer {
	case "krusty", "kustomize":
	default:
		return fmt.Errorf("MANIFEST_RENDERER must be krusty or kustomize (got %q)", c.Renderer)
	}
	if c.RolloutGuardTimeout < c.RolloutTimeout {
		return fmt.Errorf("ROLLOUT_GUARD_TIMEOUT_SECONDS must not be shorter than ROLLOUT_TIMEOUT_SECONDS")
	}
	return nil
}

// AuthEnabled reports whether any caller credential is configured.
func (c ProvisionerConfig) AuthEnabled() bool {
	return len(c.FunctionKeys) > 0 || strings.TrimSpace(c.JWTSecret) != ""
}
