package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// NewConfigureCluster returns the tool behind configure_cluster jobs: it
// installs a kubeconfig pushed by the control plane at path, so later jobs
// on this agent talk to the right cluster.
func NewConfigureCluster(path string) Tool {
	return Func{ToolName: "configure_cluster", Fn: func(_ context.Context, args map[string]interface{}) (string, error) {
		kubeconfig := StringArg(args, "kubeconfig", "")
		if kubeconfig == "" {
			return "", fmt.Errorf("kubeconfig is required")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return "", fmt.Errorf("create kubeconfig dir: %w", err)
		}
		if err := os.WriteFile(path, []byte(kubeconfig), 0o600); err != nil {
			return "", fmt.Errorf("write kubeconfig: %w", err)
		}
		return fmt.Sprintf("kubeconfig installed at %s", path), nil
	}}
}
