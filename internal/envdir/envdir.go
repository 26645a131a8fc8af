// Package envdir manages the lifecycle of environment directories.
//
// An environment directory is the isolated workspace an environment's
// commands run against: typically an interpreter-managed virtual
// environment built by env_create_command, but a plain directory when
// creation is disabled. The package tracks freshness with a dependency
// fingerprint file written inside the directory, so a change to the
// configured dependency set (or interpreter) is detected on the next run
// and the directory is rebuilt instead of reused in a half-matching state.
//
// Design decisions:
//   - Creation shells out to the configured env_create_command rather than
//     building the environment in-process. The command is interpreter-
//     specific (venv, virtualenv, conda) and the configuration owns it.
//   - The fingerprint is written only after dependency installation
//     succeeds (via MarkReady), so a directory whose install was
//     interrupted reads as stale and is rebuilt, never trusted.
package envdir

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/adamchainz/auxlib/internal/model"
)

// fingerprintFile is the name of the freshness marker written inside each
// environment directory. Its content is the fingerprint of the
// configuration inputs the directory was built from.
const fingerprintFile = "auxrun-deps.txt"

// Manager provides environment directory operations.
//
// It is stateless — all methods receive the environment as a parameter.
// The struct exists as a receiver to support future extensions such as a
// configurable fingerprint location or logging middleware.
type Manager struct{}

// NewManager creates a new envdir Manager instance.
func NewManager() *Manager {
	return &Manager{}
}

// State reports the on-disk lifecycle state of the environment directory.
//
// A directory that exists but whose fingerprint file is absent or does not
// match the current configuration is stale: it was built from different
// inputs (or its setup never completed) and must be rebuilt before use.
// Container-backed environments have no local directory and always report
// missing; their state is tracked through the container runtime instead.
func (m *Manager) State(env model.Environment) model.EnvState {
	if env.IsContainer() {
		return model.StateMissing
	}
	info, err := os.Stat(env.EnvDir)
	if err != nil || !info.IsDir() {
		return model.StateMissing
	}

	content, err := os.ReadFile(filepath.Join(env.EnvDir, fingerprintFile))
	if err != nil {
		return model.StateStale
	}
	if strings.TrimSpace(string(content)) != Fingerprint(env) {
		return model.StateStale
	}
	return model.StateCreated
}

// Prepare ensures the environment directory exists and was built from the
// current configuration. It returns true when the directory was (re)built,
// which tells the caller that dependency installation must run before the
// environment's commands.
//
// The directory is removed and rebuilt when forceRecreate is set (the
// --recreate flag), when the environment configures recreate = true, or
// when the fingerprint no longer matches. An existing fresh directory is
// reused untouched.
//
// Output from the create command is streamed to the output writer.
func (m *Manager) Prepare(ctx context.Context, env model.Environment, forceRecreate bool, output io.Writer) (bool, error) {
	if env.IsContainer() {
		return false, nil
	}

	state := m.State(env)
	if state != model.StateMissing && (forceRecreate || env.Recreate || state == model.StateStale) {
		if err := m.Remove(env); err != nil {
			return false, err
		}
		state = model.StateMissing
	}

	if state == model.StateCreated {
		return false, nil
	}

	if err := m.create(ctx, env, output); err != nil {
		return false, err
	}
	return true, nil
}

// MarkReady records the environment's fingerprint inside the directory.
//
// Callers invoke this after dependency installation succeeds; until then
// the directory reads as stale and a subsequent run rebuilds it.
func (m *Manager) MarkReady(env model.Environment) error {
	path := filepath.Join(env.EnvDir, fingerprintFile)
	if err := os.WriteFile(path, []byte(Fingerprint(env)+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// Remove deletes the environment directory.
//
// The path is sanity-checked before removal: it must be absolute and
// non-root, so a resolution bug can never translate into removing the
// caller's working tree.
func (m *Manager) Remove(env model.Environment) error {
	dir := filepath.Clean(env.EnvDir)
	if !filepath.IsAbs(dir) || dir == string(filepath.Separator) {
		return fmt.Errorf("refusing to remove suspicious environment directory %q", env.EnvDir)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing environment directory %s: %w", dir, err)
	}
	return nil
}

// BinDir returns the directory prepended to PATH when running the
// environment's commands.
func (m *Manager) BinDir(env model.Environment) string {
	return filepath.Join(env.EnvDir, "bin")
}

// Fingerprint computes the freshness fingerprint for the environment: a
// hex-encoded digest over every configuration input that affects what the
// directory contains. Dependency order is preserved — reordering deps is a
// legitimate reason to rebuild, since installers apply them in order.
func Fingerprint(env model.Environment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "basepython=%s\n", env.BasePython)
	fmt.Fprintf(&b, "sitepackages=%t\n", env.SitePackages)
	fmt.Fprintf(&b, "usedevelop=%t\n", env.UseDevelop)
	fmt.Fprintf(&b, "skip_install=%t\n", env.SkipInstall)
	fmt.Fprintf(&b, "env_create_command=%s\n", strings.Join(env.CreateCommand, " "))
	fmt.Fprintf(&b, "install_command=%s\n", strings.Join(env.InstallCommand, " "))
	for _, dep := range env.Deps {
		fmt.Fprintf(&b, "dep=%s\n", dep)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// create builds the environment directory.
//
// With a configured create command, the parent directory is ensured and
// the command is executed from the configuration directory. Without one
// (env_create_command set to the empty string), a plain directory with a
// bin/ subdirectory is created so PATH handling works uniformly.
func (m *Manager) create(ctx context.Context, env model.Environment, output io.Writer) error {
	if len(env.CreateCommand) == 0 {
		if err := os.MkdirAll(m.BinDir(env), 0o755); err != nil {
			return fmt.Errorf("creating environment directory %s: %w", env.EnvDir, err)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(env.EnvDir), 0o755); err != nil {
		return fmt.Errorf("creating work directory for %s: %w", env.EnvDir, err)
	}

	// #nosec G204 — argv comes from the resolved configuration, not raw user input
	cmd := exec.CommandContext(ctx, env.CreateCommand[0], env.CreateCommand[1:]...)
	cmd.Dir = env.ConfigDir
	cmd.Stdout = output
	cmd.Stderr = output

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("env_create_command %q failed: %w", strings.Join(env.CreateCommand, " "), err)
	}
	return nil
}
