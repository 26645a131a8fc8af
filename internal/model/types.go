// Package model defines the domain types for the auxrun CLI.
//
// All entities in this package represent the resolved form of the
// configuration file: an Environment is a fully-substituted, validated
// execution context, and a RunResult captures the outcome of executing one.
// These types are used throughout the application for passing data between
// components.
//
// Key design decision: resolution happens once, up front. By the time an
// Environment reaches the runner it contains no substitution tokens and no
// inherited-but-unresolved keys, so downstream packages never consult the
// configuration file again.
package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// EnvState represents the on-disk lifecycle state of an environment
// directory. The state transitions are:
//
//	missing → created → stale → (recreated) → created
//	created → running (container-backed environments only)
type EnvState string

const (
	// StateMissing indicates the environment directory does not exist yet.
	StateMissing EnvState = "missing"

	// StateCreated indicates the environment directory exists and its
	// dependency fingerprint matches the current configuration.
	StateCreated EnvState = "created"

	// StateStale indicates the environment directory exists but its
	// dependency fingerprint no longer matches the configuration.
	// Stale environments are removed and rebuilt before use.
	StateStale EnvState = "stale"

	// StateRunning indicates a container-backed environment whose
	// container is currently running.
	StateRunning EnvState = "running"
)

// String returns the string representation of EnvState.
// This method satisfies the fmt.Stringer interface, enabling
// human-readable output in CLI commands.
func (s EnvState) String() string {
	return string(s)
}

// IsValid checks whether the EnvState value is one of the
// predefined valid states.
func (s EnvState) IsValid() bool {
	switch s {
	case StateMissing, StateCreated, StateStale, StateRunning:
		return true
	default:
		return false
	}
}

// ParseEnvState converts a string to an EnvState.
// Returns an error if the string does not match any valid state.
func ParseEnvState(s string) (EnvState, error) {
	state := EnvState(strings.ToLower(s))
	if !state.IsValid() {
		return "", fmt.Errorf("invalid environment state: %q (valid: missing, created, stale, running)", s)
	}
	return state, nil
}

// RunStatus represents the outcome of executing a single environment.
//
// The distinction between "failed" and "error" follows the convention of
// test orchestration tools: failed means a configured command exited
// non-zero, error means the environment could not even be set up
// (directory creation, dependency installation, container start).
type RunStatus string

const (
	// RunPassed indicates every command in the environment exited zero.
	RunPassed RunStatus = "passed"

	// RunFailed indicates a command exited non-zero.
	RunFailed RunStatus = "failed"

	// RunSkipped indicates the environment was never started, typically
	// because the run was interrupted before its turn.
	RunSkipped RunStatus = "skipped"

	// RunInterrupted indicates the run was cancelled while the environment
	// was in flight: the running command was killed before it could finish.
	RunInterrupted RunStatus = "interrupted"

	// RunError indicates environment setup failed before any command ran.
	RunError RunStatus = "error"
)

// String returns the string representation of RunStatus.
func (s RunStatus) String() string {
	return string(s)
}

// Command is a single resolved command line: an argv vector plus the
// ignore-exit-status marker (a leading "-" on the configuration line, the
// same convention make uses).
type Command struct {
	// Argv is the program and its arguments. Never empty after validation.
	Argv []string `json:"argv" yaml:"argv,flow"`

	// IgnoreExit suppresses a non-zero exit status: the command still
	// runs to completion and its output is shown, but it cannot fail
	// the environment.
	IgnoreExit bool `json:"ignoreExit,omitempty" yaml:"ignore_exit,omitempty"`
}

// String renders the command the way it would be typed in a shell,
// for log lines and failure reports.
func (c Command) String() string {
	return strings.Join(c.Argv, " ")
}

// Environment is a fully-resolved execution context: a named, isolated
// working directory with its own dependency set and command sequence.
// This is the primary aggregate entity in the domain.
//
// Every string field has already been through inheritance resolution and
// substitution — an Environment handed to the runner is self-contained.
type Environment struct {
	// Name is the unique identifier for this environment, as written in
	// the section header ("[testenv:pep8]" → "pep8").
	Name string `json:"name" yaml:"name"`

	// Description is optional human-readable text shown by "auxrun list".
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Deps lists the dependency specifications installed into the
	// environment before any command runs. The specifications are opaque
	// to auxrun — they are handed verbatim to InstallCommand.
	Deps []string `json:"deps,omitempty" yaml:"deps,omitempty"`

	// Commands is the ordered sequence of commands to execute.
	// Must be non-empty for any environment selected to run.
	Commands []Command `json:"commands" yaml:"commands"`

	// InstallCommand is the argv used to install Deps. The literal
	// element "{packages}" is replaced by the dependency list at install
	// time; it is the only placeholder that survives resolution.
	InstallCommand []string `json:"installCommand,omitempty" yaml:"install_command,omitempty"`

	// CreateCommand is the argv that builds the environment directory.
	// Nil means no interpreter-managed environment: a plain directory
	// with a bin/ subdirectory is created instead.
	CreateCommand []string `json:"createCommand,omitempty" yaml:"env_create_command,omitempty"`

	// EnvDir is the absolute path of the environment's isolated directory.
	EnvDir string `json:"envDir" yaml:"envdir"`

	// BasePython is the interpreter or executable used to create the
	// environment. Empty means no interpreter-managed environment is
	// created; commands run with the environment directory on PATH only.
	BasePython string `json:"basePython,omitempty" yaml:"basepython,omitempty"`

	// SitePackages, when true, lets the created environment see the
	// system-wide package installation instead of starting empty.
	SitePackages bool `json:"sitePackages,omitempty" yaml:"sitepackages,omitempty"`

	// Recreate forces the environment directory to be removed and rebuilt
	// on every run, regardless of fingerprint freshness.
	Recreate bool `json:"recreate,omitempty" yaml:"recreate,omitempty"`

	// UseDevelop installs the project itself in editable/development form
	// instead of a built distribution.
	UseDevelop bool `json:"useDevelop,omitempty" yaml:"usedevelop,omitempty"`

	// SkipInstall skips the project-install step entirely (the "skipsdist"
	// behavior). Dependency installation still happens.
	SkipInstall bool `json:"skipInstall,omitempty" yaml:"skip_install,omitempty"`

	// WhitelistExternals lists command basenames that are allowed to
	// resolve to binaries outside the environment directory without a
	// warning (e.g. "make").
	WhitelistExternals []string `json:"whitelistExternals,omitempty" yaml:"whitelist_externals,omitempty"`

	// Setenv holds environment variables set for every command.
	Setenv map[string]string `json:"setenv,omitempty" yaml:"setenv,omitempty"`

	// Passenv lists names of variables copied from the invoking process
	// environment. "*" passes everything through.
	Passenv []string `json:"passenv,omitempty" yaml:"passenv,omitempty"`

	// Changedir is the absolute working directory for command execution.
	Changedir string `json:"changedir" yaml:"changedir"`

	// ContainerImage, when non-empty, runs the environment inside a
	// container of this image instead of a local environment directory.
	ContainerImage string `json:"containerImage,omitempty" yaml:"container_image,omitempty"`

	// ConfigDir is the absolute directory containing the configuration
	// file this environment was resolved from (the "{toxinidir}" value).
	ConfigDir string `json:"configDir" yaml:"-"`
}

// nameRegex validates environment names: must start with an alphanumeric
// character, followed by alphanumerics, dots, underscores or hyphens.
var nameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// ValidateName checks if the given name is a valid environment name.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("environment name must not be empty")
	}
	if !nameRegex.MatchString(name) {
		return fmt.Errorf("invalid environment name %q: must start with an alphanumeric character and contain only alphanumerics, dots, underscores and hyphens", name)
	}
	return nil
}

// Validate checks whether the Environment satisfies the structural rules
// the runner depends on. The one property every selected environment must
// hold is a non-empty, well-formed command list; the remaining checks catch
// resolution bugs early rather than at execution time.
func (e *Environment) Validate() error {
	if err := ValidateName(e.Name); err != nil {
		return err
	}
	if len(e.Commands) == 0 {
		return fmt.Errorf("environment %q: command list must not be empty", e.Name)
	}
	for i, cmd := range e.Commands {
		if len(cmd.Argv) == 0 || cmd.Argv[0] == "" {
			return fmt.Errorf("environment %q: command %d is empty", e.Name, i+1)
		}
	}
	if e.EnvDir == "" && e.ContainerImage == "" {
		return fmt.Errorf("environment %q: envdir must not be empty", e.Name)
	}
	if e.Changedir == "" {
		return fmt.Errorf("environment %q: changedir must not be empty", e.Name)
	}
	if len(e.Deps) > 0 && len(e.InstallCommand) == 0 {
		return fmt.Errorf("environment %q: deps present but install_command is empty", e.Name)
	}
	for _, dep := range e.Deps {
		if strings.TrimSpace(dep) == "" {
			return fmt.Errorf("environment %q: blank dependency specification", e.Name)
		}
	}
	return nil
}

// IsContainer reports whether the environment runs inside a container
// rather than a local environment directory.
func (e *Environment) IsContainer() bool {
	return e.ContainerImage != ""
}

// RunResult captures the outcome of executing one environment.
type RunResult struct {
	// Name is the environment name.
	Name string `json:"name"`

	// Status is the execution outcome.
	Status RunStatus `json:"status"`

	// ExitCode is the exit code of the failing command, or 0.
	ExitCode int `json:"exitCode"`

	// FailedCommand is the rendered argv of the failing command, if any.
	FailedCommand string `json:"failedCommand,omitempty"`

	// Err holds the setup error for RunError results. Not serialized;
	// Message carries the text for JSON output.
	Err error `json:"-"`

	// Message is a human-readable summary (setup error text, or empty).
	Message string `json:"message,omitempty"`

	// Duration is the wall-clock time spent on the environment.
	Duration time.Duration `json:"durationNs"`
}

// Failed reports whether the result counts against the aggregate exit code.
// Interrupted and skipped results are not failures; they map to the
// interrupted exit code instead.
func (r *RunResult) Failed() bool {
	return r.Status == RunFailed || r.Status == RunError
}

// PackagesPlaceholder is the install_command element replaced by the
// package list at install time. It is the only substitution token that
// survives configuration resolution.
const PackagesPlaceholder = "{packages}"

// ExpandPackages splices packages into the install command at the
// {packages} placeholder. Without a placeholder the packages are appended.
func ExpandPackages(installCommand, packages []string) []string {
	argv := make([]string, 0, len(installCommand)+len(packages))
	replaced := false
	for _, arg := range installCommand {
		if arg == PackagesPlaceholder {
			argv = append(argv, packages...)
			replaced = true
			continue
		}
		argv = append(argv, arg)
	}
	if !replaced {
		argv = append(argv, packages...)
	}
	return argv
}

// ContainerInfo holds runtime information about a managed container
// backing an environment. This data is fetched dynamically from the
// Docker API, not persisted.
type ContainerInfo struct {
	// ContainerID is the unique Docker container identifier.
	ContainerID string `json:"containerId"`

	// ContainerName is the human-readable Docker container name.
	ContainerName string `json:"containerName"`

	// EnvName is the auxrun environment the container belongs to,
	// read from the container's labels.
	EnvName string `json:"envName"`

	// Status is the Docker container status (e.g., "running", "exited").
	Status string `json:"status"`

	// Labels is the full set of Docker labels on the container,
	// including the auxrun management labels (auxrun.* prefix).
	Labels map[string]string `json:"labels,omitempty"`
}

// ExitCode defines standard CLI exit codes. These codes allow scripts and
// CI systems to programmatically determine the outcome of a command.
type ExitCode int

const (
	// ExitSuccess indicates the command completed successfully.
	ExitSuccess ExitCode = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError ExitCode = 1

	// ExitConfigError indicates the configuration file was not found
	// or failed to parse or validate.
	ExitConfigError ExitCode = 2

	// ExitDockerNotRunning indicates the Docker daemon is not accessible
	// while a container-backed environment was selected.
	ExitDockerNotRunning ExitCode = 3

	// ExitEnvFailed indicates one or more environments failed.
	ExitEnvFailed ExitCode = 4

	// ExitGitError indicates a git invocation failed during version
	// detection.
	ExitGitError ExitCode = 5

	// ExitEnvNotFound indicates a requested environment name does not
	// exist in the configuration.
	ExitEnvNotFound ExitCode = 6

	// ExitInterrupted indicates the run was cancelled before completion.
	ExitInterrupted ExitCode = 7
)

// CLIError is a custom error type that carries an exit code.
// This allows the CLI layer to translate domain errors into
// appropriate process exit codes.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface. It returns the human-readable
// error message, optionally including the underlying error.
func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
// This follows Go's error wrapping convention introduced in Go 1.13.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a new CLIError that wraps an existing error.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}
