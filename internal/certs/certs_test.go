package certs

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"moosedev/internal/tactile"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingExecutor writes the pair like mkcert would and counts calls.
// With exitCode set it writes only the key before failing.
type countingExecutor struct {
	calls    int
	last     tactile.Command
	exitCode int
	dryRun   bool
	noop     bool
}

func (c *countingExecutor) Execute(ctx context.Context, cmd tactile.Command) (*tactile.ExecutionResult, error) {
	c.calls++
	c.last = cmd
	if c.dryRun || c.noop {
		return &tactile.ExecutionResult{Success: true, ExitCode: 0}, nil
	}
	args := cmd.Arguments
	for i := 0; i+1 < len(args); i++ {
		if args[i] == "-cert-file" && c.exitCode != 0 {
			break
		}
		if args[i] == "-key-file" || args[i] == "-cert-file" {
			if err := os.WriteFile(args[i+1], []byte("pem"), 0600); err != nil {
				return nil, err
			}
		}
	}
	if c.exitCode != 0 {
		return &tactile.ExecutionResult{Success: true, ExitCode: c.exitCode, Stderr: "ERROR: failed to save certificate"}, nil
	}
	return &tactile.ExecutionResult{Success: true, ExitCode: 0}, nil
}

func (c *countingExecutor) Capabilities() tactile.ExecutorCapabilities {
	return tactile.ExecutorCapabilities{Name: "counting", DryRun: c.dryRun}
}

func (c *countingExecutor) Validate(cmd tactile.Command) error { return nil }

func newProvisioner(t *testing.T, out *bytes.Buffer) *Provisioner {
	t.Helper()
	return &Provisioner{
		Root:     t.TempDir(),
		Dir:      "certs",
		Hostname: "local.example",
		Tool:     "mkcert",
		KeyFile:  "server-key.pem",
		CertFile: "server-crt.pem",
		Out:      out,
	}
}

func TestEnsureIsIdempotent(t *testing.T) {
	var out bytes.Buffer
	p := newProvisioner(t, &out)
	exec := &countingExecutor{}

	created, err := p.Ensure(context.Background(), exec)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 1, exec.calls)
	assert.Contains(t, out.String(), "Creating certificates at 'certs'")

	out.Reset()
	created, err = p.Ensure(context.Background(), exec)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 1, exec.calls, "generator must run only once")
	assert.Contains(t, out.String(), "Certificates at 'certs' already exist. Skipping cert creation.")
	assert.Contains(t, out.String(), "127.0.0.1       local.example")
}

func TestEnsureCommand(t *testing.T) {
	p := newProvisioner(t, nil)
	exec := &countingExecutor{}

	_, err := p.Ensure(context.Background(), exec)
	require.NoError(t, err)

	dir := filepath.Join(p.Root, "certs")
	assert.Equal(t, []string{
		"mkcert",
		"-key-file", filepath.Join(dir, "server-key.pem"),
		"-cert-file", filepath.Join(dir, "server-crt.pem"),
		"local.example",
	}, exec.last.Argv())
	assert.Equal(t, p.Root, exec.last.WorkingDirectory)
	assert.Nil(t, exec.last.Environment, "zero Env inherits the process environment")
}

func TestEnsureFailureRemovesDirectory(t *testing.T) {
	p := newProvisioner(t, nil)
	exec := &countingExecutor{exitCode: 1}

	created, err := p.Ensure(context.Background(), exec)
	require.Error(t, err)
	assert.False(t, created)
	assert.Contains(t, err.Error(), "failed to save certificate")
	assert.NoDirExists(t, p.Path(), "a partially written pair is removed")

	exec.exitCode = 0
	created, err = p.Ensure(context.Background(), exec)
	require.NoError(t, err)
	assert.True(t, created, "a failed attempt does not block the next one")
}

func TestEnsureDryRunCreatesNothing(t *testing.T) {
	t.Run("dry-run executor", func(t *testing.T) {
		var out bytes.Buffer
		p := newProvisioner(t, &out)

		created, err := p.Ensure(context.Background(), &countingExecutor{dryRun: true})
		require.NoError(t, err)
		assert.False(t, created)
		assert.NoDirExists(t, p.Path())
		assert.Contains(t, out.String(), "+ mkdir -p certs")
	})

	t.Run("dry-run flag", func(t *testing.T) {
		p := newProvisioner(t, nil)
		p.DryRun = true

		_, err := p.Ensure(context.Background(), &countingExecutor{noop: true})
		require.NoError(t, err)
		assert.NoDirExists(t, p.Path())

		p.DryRun = false
		exec := &countingExecutor{}
		created, err := p.Ensure(context.Background(), exec)
		require.NoError(t, err)
		assert.True(t, created, "a real run after a dry run still provisions")
		assert.Equal(t, 1, exec.calls)
		assert.True(t, p.Status().Complete())
	})
}

func TestEnsureWarnsAboutIncompletePair(t *testing.T) {
	var out bytes.Buffer
	p := newProvisioner(t, &out)
	require.NoError(t, os.MkdirAll(p.Path(), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(p.Path(), "server-key.pem"), nil, 0600))

	exec := &countingExecutor{}
	created, err := p.Ensure(context.Background(), exec)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Zero(t, exec.calls)
	assert.Contains(t, out.String(), "WARNING: 'certs' is missing server-crt.pem.")
}

func TestEnsureRejectsFile(t *testing.T) {
	p := newProvisioner(t, nil)
	require.NoError(t, os.WriteFile(p.Path(), nil, 0644))

	_, err := p.Ensure(context.Background(), &countingExecutor{})
	assert.Error(t, err)
}

func TestStatus(t *testing.T) {
	p := newProvisioner(t, nil)

	st := p.Status()
	assert.False(t, st.DirExists)
	assert.False(t, st.Complete())

	require.NoError(t, os.MkdirAll(p.Path(), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(p.Path(), "server-key.pem"), nil, 0600))
	st = p.Status()
	assert.True(t, st.DirExists)
	assert.True(t, st.KeyPresent)
	assert.False(t, st.Complete())

	require.NoError(t, os.WriteFile(filepath.Join(p.Path(), "server-crt.pem"), nil, 0600))
	assert.True(t, p.Status().Complete())
}

func TestNoticeMarkdown(t *testing.T) {
	p := newProvisioner(t, nil)
	assert.Contains(t, p.Notice(), "mkcert -install")

	p.Markdown = true
	assert.Contains(t, p.Notice(), "mkcert")
}
