package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tabclip/internal/config"
)

type fakeRunner struct {
	ran bool
	err error
}

func (f *fakeRunner) Run(context.Context) error {
	f.ran = true
	return f.err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// These tests swap the package-level factory and so run serially.

func TestServeBuildsAndRuns(t *testing.T) {
	fake := &fakeRunner{}
	var got *config.Config
	orig := buildApp
	buildApp = func(_ context.Context, cfg *config.Config) (runner, error) {
		got = cfg
		return fake, nil
	}
	defer func() { buildApp = orig }()

	cmd := newRootCmd()
	cmd.SetArgs([]string{"serve", "--config", writeConfig(t, "server:\n  port: 9191\n")})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	require.True(t, fake.ran)
	require.Equal(t, 9191, got.Server.Port)
}

func TestServeIgnoresCancellation(t *testing.T) {
	orig := buildApp
	buildApp = func(context.Context, *config.Config) (runner, error) {
		return &fakeRunner{err: context.Canceled}, nil
	}
	defer func() { buildApp = orig }()

	cmd := newRootCmd()
	cmd.SetArgs([]string{"serve"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
}

func TestServeBuildFailure(t *testing.T) {
	orig := buildApp
	buildApp = func(context.Context, *config.Config) (runner, error) {
		return nil, errors.New("no chrome")
	}
	defer func() { buildApp = orig }()

	cmd := newRootCmd()
	cmd.SetArgs([]string{"serve"})
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "no chrome")
}

func TestInvalidConfigStopsBeforeBuild(t *testing.T) {
	called := false
	orig := buildApp
	buildApp = func(context.Context, *config.Config) (runner, error) {
		called = true
		return &fakeRunner{}, nil
	}
	defer func() { buildApp = orig }()

	cmd := newRootCmd()
	cmd.SetArgs([]string{"serve", "--config", writeConfig(t, "storage:\n  backend: s3\n")})
	cmd.SetErr(&bytes.Buffer{})
	require.ErrorContains(t, cmd.ExecuteContext(context.Background()), "storage.backend")
	require.False(t, called)
}

func TestConfigCommandRedactsSecrets(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "--config", writeConfig(t, "auth:\n  enabled: true\n  api_key: hunter2\n")})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	require.Contains(t, out.String(), "api_key: REDACTED")
	require.NotContains(t, out.String(), "hunter2")
	require.Contains(t, out.String(), "port: 8080")
}
