package manifests

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

// EnsureBinary checks that name is on PATH and answers args (usually a version query)
// within timeout.
func EnsureBinary(ctx context.Context, timeout time.Duration, name string, args ...string) error {
	path, err := exec.LookPath(name)
	if err != nil {
		return fmt.Errorf("%s not available: %w", name, err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	output, err := exec.CommandContext(ctx, path, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s availability check failed: %w: %s", name, err, string(output))
	}
	return nil
}
