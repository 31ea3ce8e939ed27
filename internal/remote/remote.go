// Package remote abstracts command execution and file transfer on tuning
// machines. The orchestrator and workers talk to an Executor and do not care
// whether the machine is local or reached over SSH.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
)

// Executor runs commands and moves files on one machine.
type Executor interface {
	// Exec runs cmd through a shell and returns combined output.
	Exec(ctx context.Context, cmd string) ([]byte, error)
	// WriteFile writes data to path on the machine.
	WriteFile(ctx context.Context, path string, data []byte, perm fs.FileMode) error
	// ReadFile reads path from the machine.
	ReadFile(ctx context.Context, path string) ([]byte, error)
}

// Local executes on the current machine.
type Local struct{}

func (Local) Exec(ctx context.Context, cmd string) ([]byte, error) {
	c := exec.CommandContext(ctx, "sh", "-c", cmd)
	var buf bytes.Buffer
	c.Stdout = &buf
	c.Stderr = &buf
	err := c.Run()
	if err != nil {
		return buf.Bytes(), fmt.Errorf("remote: exec %q: %w", cmd, err)
	}
	return buf.Bytes(), nil
}

func (Local) WriteFile(_ context.Context, path string, data []byte, perm fs.FileMode) error {
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("remote: write %s: %w", path, err)
	}
	return nil
}

func (Local) ReadFile(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("remote: read %s: %w", path, err)
	}
	return data, nil
}
