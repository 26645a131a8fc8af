// Package cli implements the cobra-based CLI commands for auxrun.
//
// Each subcommand (run, list, config, devenv, clean) is defined in its own
// file within this package. This file defines the root command that serves
// as the parent for all subcommands and handles global flags.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/adamchainz/auxlib/internal/config"
	"github.com/adamchainz/auxlib/internal/gitver"
	"github.com/adamchainz/auxlib/internal/model"
)

// Global flag variables shared across all subcommands.
// These are bound to cobra persistent flags on the root command,
// which makes them available to every subcommand automatically.
var (
	// jsonOutput controls whether command output is formatted as JSON.
	jsonOutput bool

	// verbose enables detailed logging output for debugging.
	verbose bool

	// configPath is the explicit configuration file given with -c.
	// Empty means upward discovery from the working directory.
	configPath string
)

// version, commit, and date are set at build time via ldflags.
// They are injected from the main package to display version information.
var (
	// Version is the semantic version of the binary (e.g., "1.0.0").
	Version = "dev"

	// Commit is the Git commit hash the binary was built from.
	Commit = "none"

	// Date is the build timestamp.
	Date = "unknown"
)

// NewRootCommand creates and configures the root cobra command.
// This is the entry point for the entire CLI application.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "auxrun",
		Short: "Isolated test environment orchestration",
		Long: `auxrun reads a tox.ini-style configuration file and, for each selected
environment, prepares an isolated working directory, installs its
dependency set and runs its command sequence.

Running auxrun with no subcommand is equivalent to "auxrun run".`,

		// Errors are formatted by Execute (text or JSON per --json), so
		// cobra's automatic usage/error printing is silenced.
		SilenceUsage:  true,
		SilenceErrors: true,

		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),
	}

	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (default: discovered upward from the working directory)")

	rootCmd.AddCommand(NewRunCommand())
	rootCmd.AddCommand(NewListCommand())
	rootCmd.AddCommand(NewConfigCommand())
	rootCmd.AddCommand(NewDevenvCommand())
	rootCmd.AddCommand(NewCleanCommand())

	return rootCmd
}

// DefaultToRun reports whether the given command-line arguments should be
// routed to the "run" subcommand. Bare "auxrun" and invocations starting
// with a run flag (e.g. "auxrun -e pep8") default to run; known
// subcommands, help and version requests do not.
func DefaultToRun(root *cobra.Command, args []string) bool {
	if len(args) == 0 {
		return true
	}

	first := args[0]
	switch first {
	case "help", "completion", "-h", "--help", "--version":
		return false
	}
	if !strings.HasPrefix(first, "-") {
		// A bare word: either a known subcommand or a usage error that
		// cobra should report as such.
		return false
	}

	for _, cmd := range root.Commands() {
		if cmd.Name() == first {
			return false
		}
	}
	return true
}

// Execute runs the root command and handles exit codes.
// This is the main entry point called from main.go.
//
// It inspects errors returned by cobra commands and translates them
// into appropriate OS exit codes. CLIError types carry their own
// exit codes; other errors default to exit code 1.
func Execute(rootCmd *cobra.Command) {
	if err := rootCmd.Execute(); err != nil {
		var cliErr *model.CLIError
		if errors.As(err, &cliErr) {
			printError(cliErr.Message, cliErr.Err)
			os.Exit(int(cliErr.Code))
		}

		printError(err.Error(), nil)
		os.Exit(int(model.ExitGeneralError))
	}
}

// printError outputs an error message in the appropriate format
// (JSON or text) based on the --json global flag.
func printError(message string, underlying error) {
	if jsonOutput {
		errObj := map[string]interface{}{
			"error": map[string]interface{}{
				"message": message,
			},
		}
		if underlying != nil {
			if errMap, ok := errObj["error"].(map[string]interface{}); ok {
				errMap["detail"] = underlying.Error()
			}
		}
		// Errors go to stderr even in JSON mode, because stdout is
		// reserved for successful command output.
		data, _ := json.MarshalIndent(errObj, "", "  ")
		fmt.Fprintln(os.Stderr, string(data))
	} else {
		if underlying != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", message, underlying)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %s\n", message)
		}
	}
}

// VerboseLog prints a message to stderr only when verbose mode is enabled.
func VerboseLog(format string, args ...interface{}) {
	if verbose {
		fmt.Fprintf(os.Stderr, "[verbose] "+format+"\n", args...)
	}
}

// IsJSONOutput returns whether the --json flag is set.
// Subcommands use this to decide their output format.
func IsJSONOutput() bool {
	return jsonOutput
}

// loadResolved locates, loads and resolves the configuration file,
// honoring the -c flag. posArgs feed the {posargs} substitution; the
// {version} token is populated from git describe when the configuration
// directory is inside a repository.
func loadResolved(posArgs []string) (*config.Resolved, error) {
	path := configPath
	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, model.WrapCLIError(model.ExitGeneralError, "cannot determine working directory", err)
		}
		path, err = config.Discover(cwd)
		if err != nil {
			return nil, err
		}
	}

	file, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	VerboseLog("Using configuration file %s", file.Path)

	tokens := map[string]string{}
	if ver, verErr := gitver.Describe(file.Dir); verErr == nil {
		tokens["version"] = ver.String()
	} else if !errors.Is(verErr, gitver.ErrNotRepo) {
		VerboseLog("version detection failed: %v", verErr)
	}

	resolved, err := file.Resolve(config.ResolveOptions{PosArgs: posArgs, Tokens: tokens})
	if err != nil {
		return nil, err
	}

	if resolved.MinVersion != "" && versionLess(Version, resolved.MinVersion) {
		fmt.Fprintf(os.Stderr, "Warning: configuration requires auxrun >= %s, this is %s\n",
			resolved.MinVersion, Version)
	}

	return resolved, nil
}

// versionLess compares two dotted numeric version strings. Non-numeric
// segments (like the development build's "dev") compare as zero, which
// intentionally suppresses the minversion warning for dev builds only
// when the comparison cannot be made meaningful.
func versionLess(a, b string) bool {
	if a == "dev" {
		return false
	}
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		av, bv := 0, 0
		if i < len(as) {
			av = numericPrefix(as[i])
		}
		if i < len(bs) {
			bv = numericPrefix(bs[i])
		}
		if av != bv {
			return av < bv
		}
	}
	return false
}

// numericPrefix parses the leading digits of a version segment, so
// "2rc1" compares as 2.
func numericPrefix(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int(r-'0')
	}
	return n
}
