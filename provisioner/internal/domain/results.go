package domain

// Status is the overall outcome of a workflow.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Severity decides whether a failed step flips the workflow status.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

// Timing maps "<step>_duration_seconds" keys to seconds rounded to two decimals.
type Timing map[string]float64

// ProvisionResult is returned by the provisioning workflow.
type ProvisionResult struct {
	Status            Status `json:"status"`
	BranchName        string `json:"branch_name"`
	DatabaseCreated   bool   `json:"database_created"`
	CredentialCreated bool   `json:"credential_created"`
	NamespaceCreated  bool   `json:"namespace_created"`
	Message           string `json:"message"`
	Error             string `json:"error,omitempty"`
	Timing            Timing `json:"timing"`
	CorrelationID     string `json:"correlation_id,omitempty"`
}

// Health check states.
const (
	HealthReady    = "ready"
	HealthNotReady = "not-ready"
	HealthFailed   = "failed"
)

// HealthCheck describes the readiness of one object in the deployed namespace.
type HealthCheck struct {
	ResourceType string `json:"resource_type"`
	ResourceName string `json:"resource_name"`
	Status       string `json:"status"`
	Ready        bool   `json:"ready"`
	Message      string `json:"message,omitempty"`
}

// DeploymentResult is returned by the deployment workflow.
type DeploymentResult struct {
	Success           bool          `json:"success"`
	Message           string        `json:"message"`
	Namespace         string        `json:"namespace"`
	DeploymentURL     string        `json:"deployment_url,omitempty"`
	HealthChecks      []HealthCheck `json:"health_checks"`
	DeployedResources []string      `json:"deployed_resources"`
	ErrorDetails      string        `json:"error_details,omitempty"`
	CorrelationID     string        `json:"correlation_id,omitempty"`
}

// CredentialsDeleted reports each federated credential independently.
type CredentialsDeleted struct {
	DatabaseCredential bool `json:"database_credential"`
	KeyvaultCredential bool `json:"keyvault_credential"`
}

// DeprovisionOperations collects per-resource outcomes of a teardown.
type DeprovisionOperations struct {
	DatabaseDeleted    bool               `json:"database_deleted"`
	DatabaseName       string             `json:"database_name"`
	CredentialsDeleted CredentialsDeleted `json:"credentials_deleted"`
	NamespaceDeleted   bool               `json:"namespace_deleted"`
	NamespaceName      string             `json:"namespace_name"`
	CronJobsSuspended  int                `json:"cronjobs_suspended"`
}

// StepError is a sanitized failure summary attached to a result.
type StepError struct {
	Operation string   `json:"operation"`
	Error     string   `json:"error"`
	Severity  Severity `json:"severity"`
}

// DeprovisionResult is returned by the deprovisioning workflow.
type DeprovisionResult struct {
	Status        Status                `json:"status"`
	BranchName    string                `json:"branch_name"`
	Operations    DeprovisionOperations `json:"operations"`
	Timing        Timing                `json:"timing"`
	Message       string                `json:"message"`
	Errors        []StepError           `json:"errors,omitempty"`
	CorrelationID string                `json:"correlation_id,omitempty"`
}

// CriticalErrors counts critical entries.
func (r DeprovisionResult) CriticalErrors() int {
	n := 0
	for _, e := range r.Errors {
		if e.Severity == SeverityCritical {
			n++
		}
	}
	return n
}
