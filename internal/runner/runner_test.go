package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamchainz/auxlib/internal/envdir"
	"github.com/adamchainz/auxlib/internal/model"
)

// testEnv builds a runnable environment rooted in a fresh temp directory.
// No create command and skip_install keep the tests independent of any
// interpreter or package installer being present; externals are fully
// whitelisted because the shell utilities the tests run with live outside
// the (empty) environment directory.
func testEnv(t *testing.T, name string, commands ...model.Command) model.Environment {
	t.Helper()
	dir := t.TempDir()
	return model.Environment{
		Name:               name,
		EnvDir:             filepath.Join(dir, ".tox", name),
		BasePython:         "python",
		Commands:           commands,
		Changedir:          dir,
		ConfigDir:          dir,
		SkipInstall:        true,
		WhitelistExternals: []string{"*"},
	}
}

func newTestRunner(opts Options) (*Runner, *bytes.Buffer) {
	var buf bytes.Buffer
	opts.Output = &buf
	return New(envdir.NewManager(), nil, opts), &buf
}

func TestRun_Passed(t *testing.T) {
	env := testEnv(t, "ok",
		model.Command{Argv: []string{"true"}},
		model.Command{Argv: []string{"sh", "-c", "echo hello"}},
	)
	r, buf := newTestRunner(Options{})

	results := r.Run(context.Background(), []model.Environment{env})

	require.Len(t, results, 1)
	assert.Equal(t, model.RunPassed, results[0].Status)
	assert.Equal(t, 0, results[0].ExitCode)
	assert.Contains(t, buf.String(), "hello")

	// A successful run marks the directory ready so the next run reuses it.
	assert.Equal(t, model.StateCreated, envdir.NewManager().State(env))
}

func TestRun_FailedStopsSequence(t *testing.T) {
	sentinel := filepath.Join(t.TempDir(), "after-failure.txt")
	env := testEnv(t, "bad",
		model.Command{Argv: []string{"false"}},
		model.Command{Argv: []string{"touch", sentinel}},
	)
	r, _ := newTestRunner(Options{})

	results := r.Run(context.Background(), []model.Environment{env})

	require.Len(t, results, 1)
	assert.Equal(t, model.RunFailed, results[0].Status)
	assert.Equal(t, 1, results[0].ExitCode)
	assert.Equal(t, "false", results[0].FailedCommand)
	assert.NoFileExists(t, sentinel, "commands after a failure must not run")
}

func TestRun_IgnoreExitContinues(t *testing.T) {
	sentinel := filepath.Join(t.TempDir(), "after-ignored.txt")
	env := testEnv(t, "soft",
		model.Command{Argv: []string{"false"}, IgnoreExit: true},
		model.Command{Argv: []string{"touch", sentinel}},
	)
	r, buf := newTestRunner(Options{})

	results := r.Run(context.Background(), []model.Environment{env})

	require.Len(t, results, 1)
	assert.Equal(t, model.RunPassed, results[0].Status)
	assert.FileExists(t, sentinel)
	assert.Contains(t, buf.String(), "ignored exit code 1")
}

func TestRun_ProcessEnvironment(t *testing.T) {
	env := testEnv(t, "vars",
		model.Command{Argv: []string{"sh", "-c", `printf '%s\n%s\n%s\n' "$GREETING" "$VIRTUAL_ENV" "$AUXRUN_ENV" > probe.txt`}},
	)
	env.Setenv = map[string]string{"GREETING": "bonjour"}
	r, _ := newTestRunner(Options{})

	results := r.Run(context.Background(), []model.Environment{env})
	require.Equal(t, model.RunPassed, results[0].Status)

	content, err := os.ReadFile(filepath.Join(env.Changedir, "probe.txt"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "bonjour", lines[0])
	assert.Equal(t, env.EnvDir, lines[1])
	assert.Equal(t, "vars", lines[2])
}

func TestRun_PassenvFiltering(t *testing.T) {
	t.Setenv("AUXRUN_TEST_SECRET", "hunter2")
	t.Setenv("AUXRUN_TEST_ALLOWED", "visible")

	env := testEnv(t, "filter",
		model.Command{Argv: []string{"sh", "-c", `printf '%s|%s' "$AUXRUN_TEST_SECRET" "$AUXRUN_TEST_ALLOWED" > probe.txt`}},
	)
	env.Passenv = []string{"AUXRUN_TEST_ALLOWED"}
	r, _ := newTestRunner(Options{})

	results := r.Run(context.Background(), []model.Environment{env})
	require.Equal(t, model.RunPassed, results[0].Status)

	content, err := os.ReadFile(filepath.Join(env.Changedir, "probe.txt"))
	require.NoError(t, err)
	assert.Equal(t, "|visible", string(content))
}

func TestRun_Changedir(t *testing.T) {
	env := testEnv(t, "cwd",
		model.Command{Argv: []string{"sh", "-c", "pwd > probe.txt"}},
	)
	sub := filepath.Join(env.ConfigDir, "docs")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	env.Changedir = sub
	r, _ := newTestRunner(Options{})

	results := r.Run(context.Background(), []model.Environment{env})
	require.Equal(t, model.RunPassed, results[0].Status)

	content, err := os.ReadFile(filepath.Join(sub, "probe.txt"))
	require.NoError(t, err)
	assert.Contains(t, strings.TrimSpace(string(content)), "docs")
}

func TestRun_InstallStep(t *testing.T) {
	t.Run("deps install runs on first build", func(t *testing.T) {
		env := testEnv(t, "deps", model.Command{Argv: []string{"true"}})
		env.Deps = []string{"pytest"}
		env.InstallCommand = []string{"true", "{packages}"}
		r, buf := newTestRunner(Options{})

		results := r.Run(context.Background(), []model.Environment{env})
		require.Equal(t, model.RunPassed, results[0].Status)
		assert.Contains(t, buf.String(), "installing dependencies")
	})

	t.Run("failed install is a setup error", func(t *testing.T) {
		env := testEnv(t, "deps-broken", model.Command{Argv: []string{"true"}})
		env.Deps = []string{"pytest"}
		env.InstallCommand = []string{"false"}
		r, _ := newTestRunner(Options{})

		results := r.Run(context.Background(), []model.Environment{env})
		require.Equal(t, model.RunError, results[0].Status)
		assert.Contains(t, results[0].Message, "dependency installation failed")

		// The directory must not be marked ready after a failed install.
		assert.Equal(t, model.StateStale, envdir.NewManager().State(env))
	})

	t.Run("fresh directory skips installation", func(t *testing.T) {
		env := testEnv(t, "cached", model.Command{Argv: []string{"true"}})
		env.Deps = []string{"pytest"}
		env.InstallCommand = []string{"sh", "-c", "echo install >> install.log"}
		r, _ := newTestRunner(Options{})

		// Two runs with an unchanged configuration: the second reuses the
		// directory, so the install command executes exactly once.
		results := r.Run(context.Background(), []model.Environment{env})
		require.Equal(t, model.RunPassed, results[0].Status)
		results = r.Run(context.Background(), []model.Environment{env})
		require.Equal(t, model.RunPassed, results[0].Status)

		content, err := os.ReadFile(filepath.Join(env.Changedir, "install.log"))
		require.NoError(t, err)
		assert.Equal(t, "install\n", string(content))
	})
}

func TestRun_Parallel(t *testing.T) {
	envs := []model.Environment{
		testEnv(t, "a", model.Command{Argv: []string{"sh", "-c", "echo env-a"}}),
		testEnv(t, "b", model.Command{Argv: []string{"false"}}),
		testEnv(t, "c", model.Command{Argv: []string{"sh", "-c", "echo env-c"}}),
	}
	r, buf := newTestRunner(Options{Parallel: 2})

	results := r.Run(context.Background(), envs)

	require.Len(t, results, 3)
	// Results stay in input order regardless of completion order.
	assert.Equal(t, "a", results[0].Name)
	assert.Equal(t, "b", results[1].Name)
	assert.Equal(t, "c", results[2].Name)
	assert.Equal(t, model.RunPassed, results[0].Status)
	assert.Equal(t, model.RunFailed, results[1].Status)
	assert.Equal(t, model.RunPassed, results[2].Status)
	assert.Contains(t, buf.String(), "env-a")
	assert.Contains(t, buf.String(), "env-c")
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	envs := []model.Environment{
		testEnv(t, "one", model.Command{Argv: []string{"true"}}),
		testEnv(t, "two", model.Command{Argv: []string{"true"}}),
	}
	r, _ := newTestRunner(Options{})

	results := r.Run(ctx, envs)

	require.Len(t, results, 2)
	assert.Equal(t, model.RunSkipped, results[0].Status)
	assert.Equal(t, model.RunSkipped, results[1].Status)
	assert.Equal(t, model.ExitInterrupted, ExitCode(results))
}

// TestRun_CancelledMidCommand covers cancellation landing while a command
// is running: the killed command is an interruption, not a failure, and
// the aggregate exit code reflects that.
func TestRun_CancelledMidCommand(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	envs := []model.Environment{
		testEnv(t, "slow", model.Command{Argv: []string{"sleep", "5"}}),
		testEnv(t, "never", model.Command{Argv: []string{"true"}}),
	}
	r, _ := newTestRunner(Options{})

	results := r.Run(ctx, envs)

	require.Len(t, results, 2)
	assert.Equal(t, model.RunInterrupted, results[0].Status)
	assert.Equal(t, model.RunSkipped, results[1].Status)
	assert.Equal(t, model.ExitInterrupted, ExitCode(results))
}

func TestRun_Externals(t *testing.T) {
	t.Run("warns about non-whitelisted commands", func(t *testing.T) {
		env := testEnv(t, "warned", model.Command{Argv: []string{"true"}})
		env.WhitelistExternals = nil
		r, buf := newTestRunner(Options{})

		results := r.Run(context.Background(), []model.Environment{env})
		assert.Equal(t, model.RunPassed, results[0].Status)
		assert.Contains(t, buf.String(), "external to the environment")
	})

	t.Run("strict mode fails the environment", func(t *testing.T) {
		env := testEnv(t, "strict", model.Command{Argv: []string{"true"}})
		env.WhitelistExternals = nil
		r, _ := newTestRunner(Options{StrictExternals: true})

		results := r.Run(context.Background(), []model.Environment{env})
		require.Equal(t, model.RunError, results[0].Status)
		assert.Contains(t, results[0].Message, "whitelist_externals")
	})

	t.Run("whitelisted externals are silent", func(t *testing.T) {
		env := testEnv(t, "allowed", model.Command{Argv: []string{"true"}})
		env.WhitelistExternals = []string{"true"}
		r, buf := newTestRunner(Options{StrictExternals: true})

		results := r.Run(context.Background(), []model.Environment{env})
		assert.Equal(t, model.RunPassed, results[0].Status)
		assert.NotContains(t, buf.String(), "external to the environment")
	})
}

// fakeContainerExec records the environments it was asked to run.
type fakeContainerExec struct {
	exitCode int
	err      error
	ran      []string
}

func (f *fakeContainerExec) Run(_ context.Context, env model.Environment, output io.Writer) (int, error) {
	f.ran = append(f.ran, env.Name)
	_, _ = io.WriteString(output, "container output\n")
	return f.exitCode, f.err
}

func TestRun_Container(t *testing.T) {
	containerEnv := func(t *testing.T) model.Environment {
		env := testEnv(t, "boxed", model.Command{Argv: []string{"pytest"}})
		env.ContainerImage = "python:3.12-slim"
		return env
	}

	t.Run("delegates to the backend", func(t *testing.T) {
		fake := &fakeContainerExec{}
		var buf bytes.Buffer
		r := New(envdir.NewManager(), fake, Options{Output: &buf})

		results := r.Run(context.Background(), []model.Environment{containerEnv(t)})
		require.Equal(t, model.RunPassed, results[0].Status)
		assert.Equal(t, []string{"boxed"}, fake.ran)
		assert.Contains(t, buf.String(), "container output")
	})

	t.Run("non-zero exit is a failure", func(t *testing.T) {
		fake := &fakeContainerExec{exitCode: 2}
		r := New(envdir.NewManager(), fake, Options{Output: io.Discard})

		results := r.Run(context.Background(), []model.Environment{containerEnv(t)})
		assert.Equal(t, model.RunFailed, results[0].Status)
		assert.Equal(t, 2, results[0].ExitCode)
	})

	t.Run("backend error is a setup error", func(t *testing.T) {
		fake := &fakeContainerExec{err: errors.New("image pull failed")}
		r := New(envdir.NewManager(), fake, Options{Output: io.Discard})

		results := r.Run(context.Background(), []model.Environment{containerEnv(t)})
		assert.Equal(t, model.RunError, results[0].Status)
		assert.Contains(t, results[0].Message, "image pull failed")
	})

	t.Run("missing backend is a setup error", func(t *testing.T) {
		r := New(envdir.NewManager(), nil, Options{Output: io.Discard})

		results := r.Run(context.Background(), []model.Environment{containerEnv(t)})
		require.Equal(t, model.RunError, results[0].Status)
		assert.Contains(t, results[0].Message, "Docker is not available")
	})
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name    string
		results []model.RunResult
		want    model.ExitCode
	}{
		{"all passed", []model.RunResult{{Status: model.RunPassed}}, model.ExitSuccess},
		{"one failed", []model.RunResult{{Status: model.RunPassed}, {Status: model.RunFailed}}, model.ExitEnvFailed},
		{"setup error", []model.RunResult{{Status: model.RunError}}, model.ExitEnvFailed},
		{"skipped", []model.RunResult{{Status: model.RunPassed}, {Status: model.RunSkipped}}, model.ExitInterrupted},
		{"interrupted mid-command", []model.RunResult{{Status: model.RunInterrupted}}, model.ExitInterrupted},
		{"interruption wins over failure", []model.RunResult{{Status: model.RunFailed}, {Status: model.RunInterrupted}}, model.ExitInterrupted},
		{"empty", nil, model.ExitSuccess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.results))
		})
	}
}

func TestReport(t *testing.T) {
	t.Run("success summary congratulates", func(t *testing.T) {
		var buf bytes.Buffer
		Report(&buf, []model.RunResult{{Name: "local", Status: model.RunPassed}})
		assert.Contains(t, buf.String(), "local: commands succeeded")
		assert.Contains(t, buf.String(), "congratulations")
	})

	t.Run("failure summary names the command", func(t *testing.T) {
		var buf bytes.Buffer
		Report(&buf, []model.RunResult{
			{Name: "pep8", Status: model.RunFailed, ExitCode: 1, FailedCommand: "flake8 auxlib"},
		})
		assert.Contains(t, buf.String(), `pep8: failed: "flake8 auxlib" exited with code 1`)
		assert.NotContains(t, buf.String(), "congratulations")
	})
}
