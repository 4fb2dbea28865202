package system

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// Command is a process to run on a host.
type Command struct {
	// Args is the argument vector. Args[0] is the program.
	Args []string

	// Dir is the working directory; empty uses the host default.
	Dir string

	// Env is added to the host environment.
	Env map[string]string
}

// String renders the command as a shell command line.
func (c Command) String() string {
	var b strings.Builder
	if c.Dir != "" {
		b.WriteString("cd ")
		b.WriteString(ShellQuote(c.Dir))
		b.WriteString(" && ")
	}
	if len(c.Env) > 0 {
		keys := make([]string, 0, len(c.Env))
		for k := range c.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("env")
		for _, k := range keys {
			b.WriteString(" ")
			b.WriteString(ShellQuote(k + "=" + c.Env[k]))
		}
		b.WriteString(" ")
	}
	for i, arg := range c.Args {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(ShellQuote(arg))
	}
	return b.String()
}

// ShellQuote quotes s for a POSIX shell.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,+@%", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ExecResult is the outcome of a command that ran to completion.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Host runs commands and manages files on one machine. Errors report
// failures to reach the host or start the process; a non-zero exit status
// is a result, not an error. Missing paths return errors matching
// os.ErrNotExist.
type Host interface {
	Run(ctx context.Context, cmd Command) (ExecResult, error)
	Stat(ctx context.Context, path string) (os.FileInfo, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error
	Remove(ctx context.Context, path string) error
}

// LocalHost is the machine the process runs on.
type LocalHost struct{}

var _ Host = LocalHost{}

// Run implements Host.
func (LocalHost) Run(ctx context.Context, c Command) (ExecResult, error) {
	if len(c.Args) == 0 {
		return ExecResult{}, fmt.Errorf("empty command")
	}

	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		env := os.Environ()
		for k, v := range c.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, fmt.Errorf("failed to execute %s: %w", c.Args[0], err)
	}
	return result, nil
}

// Stat implements Host.
func (LocalHost) Stat(_ context.Context, path string) (os.FileInfo, error) {
	return os.Stat(path)
}

// ReadFile implements Host.
func (LocalHost) ReadFile(_ context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}

// WriteFile implements Host. The data is written to a temporary file in the
// same directory and renamed into place.
func (LocalHost) WriteFile(_ context.Context, path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Chmod(tmpName, mode.Perm()); err != nil {
		cleanup()
		return fmt.Errorf("failed to set mode: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

// Remove implements Host.
func (LocalHost) Remove(_ context.Context, path string) error {
	return os.Remove(path)
}
