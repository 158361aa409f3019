package provisioning

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// LocalRunner is a Runner for hooks installed on the scheduler host. Commands
// go through "sh -c" and manifests are plain files.
type LocalRunner struct {
	// Shell defaults to /bin/sh.
	Shell string
}

var _ Runner = LocalRunner{}

func (r LocalRunner) Run(ctx context.Context, cmd string) (string, string, error) {
	shell := r.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	c := exec.CommandContext(ctx, shell, "-c", cmd)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	if err := c.Run(); err != nil {
		return stdout.String(), stderr.String(), fmt.Errorf("command failed: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}

func (LocalRunner) Upload(ctx context.Context, data []byte, path string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}

func (LocalRunner) Download(ctx context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (LocalRunner) Remove(ctx context.Context, path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}
