// Package runner executes resolved environments.
//
// For each selected environment the runner prepares the environment
// directory, installs dependencies when the directory was (re)built, and
// then executes the configured command sequence with the environment's
// bin directory on PATH. Container-backed environments are delegated to a
// ContainerExec implementation instead.
//
// Environments run sequentially by default. With a parallel worker count,
// a fixed pool of goroutines drains the selection while each environment's
// output is buffered and flushed as a unit, so interleaved output from
// concurrent environments never mixes on the terminal.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adamchainz/auxlib/internal/envdir"
	"github.com/adamchainz/auxlib/internal/model"
)

// defaultPassenv lists the variables copied from the invoking process
// environment when no passenv is configured. Everything else is withheld
// so environment runs do not silently depend on the caller's shell state.
var defaultPassenv = []string{
	"PATH", "HOME", "USER", "LANG", "LC_ALL", "TMPDIR", "TEMP", "TMP",
	"HTTP_PROXY", "HTTPS_PROXY", "NO_PROXY",
}

// ContainerExec runs an environment's command sequence inside a container.
// It is implemented by the docker package; the runner only needs this one
// operation.
type ContainerExec interface {
	// Run executes the environment in a container and returns the exit
	// code of the first failing command (0 when all passed).
	Run(ctx context.Context, env model.Environment, output io.Writer) (int, error)
}

// Options configures a run.
type Options struct {
	// Recreate forces every selected environment directory to be wiped
	// and rebuilt, regardless of freshness.
	Recreate bool

	// Parallel is the worker count. Values below 2 mean sequential
	// execution with output streamed directly.
	Parallel int

	// StrictExternals turns the external-command warning into an error:
	// a command resolving outside the environment directory fails the
	// environment unless its name is whitelisted.
	StrictExternals bool

	// Output receives command output and per-environment progress lines.
	// Defaults to os.Stderr.
	Output io.Writer

	// Verbose, when non-nil, receives diagnostic log lines.
	Verbose func(format string, args ...any)
}

// Runner executes environments against an envdir.Manager and an optional
// container backend.
type Runner struct {
	dirs       *envdir.Manager
	containers ContainerExec
	opts       Options

	mu sync.Mutex // guards opts.Output in parallel mode
}

// New creates a Runner. containers may be nil when no container-backed
// environment is selected; selecting one anyway yields a setup error for
// that environment rather than a crash.
func New(dirs *envdir.Manager, containers ContainerExec, opts Options) *Runner {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	if opts.Verbose == nil {
		opts.Verbose = func(string, ...any) {}
	}
	return &Runner{dirs: dirs, containers: containers, opts: opts}
}

// Run executes the given environments and returns one result per
// environment, in input order. A cancelled context marks environments that
// never started as skipped; the in-flight environment reports interrupted.
func (r *Runner) Run(ctx context.Context, envs []model.Environment) []model.RunResult {
	if r.opts.Parallel > 1 && len(envs) > 1 {
		return r.runParallel(ctx, envs)
	}

	results := make([]model.RunResult, len(envs))
	for i, env := range envs {
		if ctx.Err() != nil {
			results[i] = model.RunResult{Name: env.Name, Status: model.RunSkipped, Message: "run interrupted"}
			continue
		}
		results[i] = r.runOne(ctx, env, r.opts.Output)
	}
	return results
}

// runParallel drains the environments with a fixed worker pool. Each
// worker buffers its environment's output and flushes it in one piece.
func (r *Runner) runParallel(ctx context.Context, envs []model.Environment) []model.RunResult {
	workers := r.opts.Parallel
	if workers > len(envs) {
		workers = len(envs)
	}
	r.opts.Verbose("running %d environments with %d workers", len(envs), workers)

	results := make([]model.RunResult, len(envs))
	indexes := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indexes {
				env := envs[i]
				if ctx.Err() != nil {
					results[i] = model.RunResult{Name: env.Name, Status: model.RunSkipped, Message: "run interrupted"}
					continue
				}

				var buf bytes.Buffer
				results[i] = r.runOne(ctx, env, &buf)

				r.mu.Lock()
				_, _ = io.Copy(r.opts.Output, &buf)
				r.mu.Unlock()
			}
		}()
	}

	for i := range envs {
		indexes <- i
	}
	close(indexes)
	wg.Wait()

	return results
}

// Setup prepares the environment directory and installs dependencies
// without running any commands. This is the "devenv" path: build a
// persistent environment for interactive use.
func (r *Runner) Setup(ctx context.Context, env model.Environment) error {
	if env.IsContainer() {
		return fmt.Errorf("environment %q is container-backed and has no local directory to set up", env.Name)
	}

	built, err := r.dirs.Prepare(ctx, env, r.opts.Recreate, r.opts.Output)
	if err != nil {
		return err
	}
	if !built {
		r.opts.Verbose("environment %s is up to date", env.Name)
		return nil
	}
	if err := r.install(ctx, env, r.opts.Output); err != nil {
		return err
	}
	return r.dirs.MarkReady(env)
}

// runOne executes a single environment end to end.
func (r *Runner) runOne(ctx context.Context, env model.Environment, output io.Writer) model.RunResult {
	start := time.Now()
	result := model.RunResult{Name: env.Name, Status: model.RunPassed}

	finish := func(res model.RunResult) model.RunResult {
		res.Duration = time.Since(start)
		return res
	}
	setupError := func(err error) model.RunResult {
		if ctx.Err() != nil {
			return finish(model.RunResult{Name: env.Name, Status: model.RunInterrupted, Err: err, Message: "run interrupted"})
		}
		return finish(model.RunResult{Name: env.Name, Status: model.RunError, Err: err, Message: err.Error()})
	}

	fmt.Fprintf(output, "%s: start\n", env.Name)

	if env.IsContainer() {
		return finish(r.runContainer(ctx, env, output))
	}

	built, err := r.dirs.Prepare(ctx, env, r.opts.Recreate, output)
	if err != nil {
		return setupError(err)
	}

	if built {
		if err := r.install(ctx, env, output); err != nil {
			return setupError(err)
		}
		if err := r.dirs.MarkReady(env); err != nil {
			return setupError(err)
		}
	}

	procEnv := r.processEnv(env)
	for _, cmd := range env.Commands {
		if err := r.checkExternal(env, cmd, output); err != nil {
			return setupError(err)
		}

		fmt.Fprintf(output, "%s: %s\n", env.Name, cmd.String())
		exitCode, err := r.execute(ctx, env, cmd.Argv, procEnv, output)
		if err != nil {
			return setupError(err)
		}
		if exitCode != 0 {
			// A cancelled context kills the child process, which then
			// reports a non-zero exit it did not earn. That is an
			// interruption, not a command failure.
			if ctx.Err() != nil {
				return finish(model.RunResult{Name: env.Name, Status: model.RunInterrupted, Message: "run interrupted"})
			}
			if cmd.IgnoreExit {
				fmt.Fprintf(output, "%s: ignored exit code %d from %s\n", env.Name, exitCode, cmd.String())
				continue
			}
			result.Status = model.RunFailed
			result.ExitCode = exitCode
			result.FailedCommand = cmd.String()
			return finish(result)
		}
	}

	return finish(result)
}

// runContainer delegates to the container backend.
func (r *Runner) runContainer(ctx context.Context, env model.Environment, output io.Writer) model.RunResult {
	if r.containers == nil {
		err := fmt.Errorf("environment %q requires a container backend but Docker is not available", env.Name)
		return model.RunResult{Name: env.Name, Status: model.RunError, Err: err, Message: err.Error()}
	}

	exitCode, err := r.containers.Run(ctx, env, output)
	if err != nil {
		return model.RunResult{Name: env.Name, Status: model.RunError, Err: err, Message: err.Error()}
	}
	if exitCode != 0 {
		return model.RunResult{Name: env.Name, Status: model.RunFailed, ExitCode: exitCode}
	}
	return model.RunResult{Name: env.Name, Status: model.RunPassed}
}

// install runs the dependency install step and, unless skip_install is
// set, installs the project itself (editable when usedevelop is set).
func (r *Runner) install(ctx context.Context, env model.Environment, output io.Writer) error {
	if len(env.InstallCommand) == 0 {
		return nil
	}
	procEnv := r.processEnv(env)

	if len(env.Deps) > 0 {
		argv := model.ExpandPackages(env.InstallCommand, env.Deps)
		fmt.Fprintf(output, "%s: installing dependencies\n", env.Name)
		exitCode, err := r.execute(ctx, env, argv, procEnv, output)
		if err != nil {
			return err
		}
		if exitCode != 0 {
			return fmt.Errorf("dependency installation failed with exit code %d", exitCode)
		}
	}

	if !env.SkipInstall {
		target := []string{env.ConfigDir}
		if env.UseDevelop {
			target = []string{"-e", env.ConfigDir}
		}
		argv := model.ExpandPackages(env.InstallCommand, target)
		fmt.Fprintf(output, "%s: installing project\n", env.Name)
		exitCode, err := r.execute(ctx, env, argv, procEnv, output)
		if err != nil {
			return err
		}
		if exitCode != 0 {
			return fmt.Errorf("project installation failed with exit code %d", exitCode)
		}
	}

	return nil
}

// execute runs one argv and returns its exit code. A non-zero exit is not
// an error here — the caller decides how it affects the environment. An
// error return means the command could not run at all.
func (r *Runner) execute(ctx context.Context, env model.Environment, argv, procEnv []string, output io.Writer) (int, error) {
	// #nosec G204 — argv comes from the resolved configuration, not raw user input
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = env.Changedir
	cmd.Env = procEnv
	cmd.Stdout = output
	cmd.Stderr = output

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, fmt.Errorf("command %q: %w", strings.Join(argv, " "), err)
}

// checkExternal verifies that the command resolves inside the environment
// directory. External commands produce a warning, or an error in strict
// mode, unless whitelisted.
func (r *Runner) checkExternal(env model.Environment, cmd model.Command, output io.Writer) error {
	name := cmd.Argv[0]
	if strings.ContainsRune(name, os.PathSeparator) {
		return nil
	}

	candidate := filepath.Join(r.dirs.BinDir(env), name)
	if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
		return nil
	}

	for _, allowed := range env.WhitelistExternals {
		if allowed == name || allowed == "*" {
			return nil
		}
	}

	if r.opts.StrictExternals {
		return fmt.Errorf("command %q is external to the environment and not in whitelist_externals", name)
	}
	fmt.Fprintf(output, "%s: warning: %q is external to the environment (add it to whitelist_externals to silence)\n", env.Name, name)
	return nil
}

// processEnv builds the variable set commands run with: the passenv
// selection from the invoking process, the environment's bin directory
// prepended to PATH, VIRTUAL_ENV pointing at the environment directory,
// and setenv entries applied last so they win.
func (r *Runner) processEnv(env model.Environment) []string {
	vars := make(map[string]string)

	passAll := false
	allowed := make(map[string]bool, len(env.Passenv)+len(defaultPassenv))
	for _, name := range defaultPassenv {
		allowed[name] = true
	}
	for _, name := range env.Passenv {
		if name == "*" {
			passAll = true
			continue
		}
		allowed[name] = true
	}

	for _, kv := range os.Environ() {
		key, value, _ := strings.Cut(kv, "=")
		if passAll || allowed[key] {
			vars[key] = value
		}
	}

	vars["PATH"] = r.dirs.BinDir(env) + string(os.PathListSeparator) + vars["PATH"]
	vars["VIRTUAL_ENV"] = env.EnvDir
	vars["AUXRUN_ENV"] = env.Name

	for key, value := range env.Setenv {
		vars[key] = value
	}

	keys := make([]string, 0, len(vars))
	for key := range vars {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := make([]string, 0, len(keys))
	for _, key := range keys {
		result = append(result, key+"="+vars[key])
	}
	return result
}

// ExitCode aggregates per-environment results into the process exit code.
// An interruption wins over ordinary failures: the run was cut short, so
// the failure picture is incomplete anyway.
func ExitCode(results []model.RunResult) model.ExitCode {
	failed := false
	for i := range results {
		switch results[i].Status {
		case model.RunInterrupted, model.RunSkipped:
			return model.ExitInterrupted
		}
		if results[i].Failed() {
			failed = true
		}
	}
	if failed {
		return model.ExitEnvFailed
	}
	return model.ExitSuccess
}

// Report writes the human-readable run summary.
func Report(w io.Writer, results []model.RunResult) {
	fmt.Fprintln(w, "_________________________________ summary _________________________________")
	for i := range results {
		res := &results[i]
		switch res.Status {
		case model.RunPassed:
			fmt.Fprintf(w, "  %s: commands succeeded (%s)\n", res.Name, res.Duration.Round(time.Millisecond))
		case model.RunFailed:
			fmt.Fprintf(w, "  %s: failed: %q exited with code %d (%s)\n", res.Name, res.FailedCommand, res.ExitCode, res.Duration.Round(time.Millisecond))
		case model.RunSkipped:
			fmt.Fprintf(w, "  %s: skipped: %s\n", res.Name, res.Message)
		case model.RunInterrupted:
			fmt.Fprintf(w, "  %s: interrupted\n", res.Name)
		case model.RunError:
			fmt.Fprintf(w, "  %s: error: %s\n", res.Name, res.Message)
		}
	}
	if ExitCode(results) == model.ExitSuccess {
		fmt.Fprintln(w, "  congratulations :)")
	}
}
