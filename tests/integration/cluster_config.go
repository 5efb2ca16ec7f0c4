package integration

import (
	"os"
	"strings"
)

// ClusterConfig holds configuration for in-cluster testing
type ClusterConfig struct {
	DatabaseURL     string
	AgentRuntimeURL string
	SandboxURL      string
	IsInCluster     bool
	Namespace       string
}

// SetupInClusterEnvironment reads collaborator endpoints for tests that run
// against deployed services. Empty URLs mean the fakes in tests/helpers are used.
func SetupInClusterEnvironment() *ClusterConfig {
	return &ClusterConfig{
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		AgentRuntimeURL: os.Getenv("AGENT_RUNTIME_URL"),
		SandboxURL:      os.Getenv("SANDBOX_URL"),
		IsInCluster:     isRunningInCluster(),
		Namespace:       getNamespace(),
	}
}

// isRunningInCluster detects if we're running inside a Kubernetes cluster
func isRunningInCluster() bool {
	if _, err := os.Stat("/var/run/secrets/kubernetes.io/serviceaccount/token"); err == nil {
		return true
	}
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

// getNamespace returns the current Kubernetes namespace
func getNamespace() string {
	if data, err := os.ReadFile("/var/run/secrets/kubernetes.io/serviceaccount/namespace"); err == nil {
		return strings.TrimSpace(string(data))
	}
	if ns := os.Getenv("POD_NAMESPACE"); ns != "" {
		return ns
	}
	return "default"
}
