package tasks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalogNames(t *testing.T) {
	c := DefaultCatalog()

	assert.Equal(t, []string{
		"build", "certs", "check", "clean", "create-app",
		"db-destroy", "db-init", "db-status", "huey",
		"run-docker", "run-server", "shell",
		"test-list", "test-one", "test-pytest", "test-unittest",
		"type-check",
	}, c.Names())
}

func TestCatalogLookup(t *testing.T) {
	c := DefaultCatalog()

	tests := map[string]string{
		"run-server":                "run-server",
		"run-dockerized-server":     "run-docker",
		"run_dockerized_server":     "run-docker",
		"initialize_local_database": "db-init",
		"django-admin-check":        "check",
		"test_run_one_unittest":     "test-one",
		"run-huey-consumer":         "huey",
	}
	for name, want := range tests {
		task, err := c.Lookup(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, task.Name, name)
	}

	_, err := c.Lookup("nope")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestNewCatalogRejectsDuplicates(t *testing.T) {
	_, err := NewCatalog(
		&Task{Name: "build"},
		&Task{Name: "package", Aliases: []string{"build"}},
	)
	assert.Error(t, err)
}

func TestCatalogPolicies(t *testing.T) {
	c := DefaultCatalog()

	policies := map[string]DBPolicy{
		"run-server":    DBRequire,
		"test-list":     DBRequire,
		"test-pytest":   DBRequire,
		"test-unittest": DBBootstrap,
		"test-one":      DBBootstrap,
		"run-docker":    DBRequireIfConfigured,
		"build":         DBIgnore,
		"huey":          DBIgnore,
	}
	for name, want := range policies {
		task, err := c.Lookup(name)
		require.NoError(t, err)
		assert.Equal(t, want, task.Database, name)
	}

	shell, err := c.Lookup("shell")
	require.NoError(t, err)
	assert.Equal(t, EnvDebugReplace, shell.Env)

	docker, err := c.Lookup("run-docker")
	require.NoError(t, err)
	assert.True(t, docker.Certs)
	assert.Equal(t, DirProject, docker.Dir)
}
