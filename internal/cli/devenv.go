// Package cli — devenv.go implements the "auxrun devenv" command.
//
// devenv builds a persistent development environment: the selected
// environment's directory is created and its dependencies installed, with
// the project itself installed in editable form, but no commands run. The
// directory can be placed anywhere with the DIR argument, so it survives
// "auxrun clean" of the work directory.
package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/adamchainz/auxlib/internal/envdir"
	"github.com/adamchainz/auxlib/internal/model"
	"github.com/adamchainz/auxlib/internal/pathutil"
	"github.com/adamchainz/auxlib/internal/runner"
)

// devenvFlags holds the flag values for the devenv command.
type devenvFlags struct {
	// env is the environment to materialize. The conventional section
	// for this is named "devenv", hence the default.
	env string

	// recreate wipes an existing directory first.
	recreate bool
}

// NewDevenvCommand creates the "devenv" cobra command.
func NewDevenvCommand() *cobra.Command {
	flags := &devenvFlags{}

	cmd := &cobra.Command{
		Use:   "devenv [-e NAME] [DIR]",
		Short: "Create a persistent development environment",
		Long: `Create a persistent development environment: build the environment
directory, install its dependencies and install the project in editable
form. No commands are run.

DIR overrides the configured environment directory.

Examples:
  auxrun devenv
  auxrun devenv ./devenv
  auxrun devenv -e py312 ~/envs/auxlib`,

		Args: cobra.MaximumNArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}
			return runDevenv(cmd.Context(), flags, dir)
		},
	}

	cmd.Flags().StringVarP(&flags.env, "env", "e", "devenv", "Environment to materialize")
	cmd.Flags().BoolVar(&flags.recreate, "recreate", false, "Recreate the environment directory")

	return cmd
}

// runDevenv is the main logic function for the devenv command.
//
// The environment is fetched directly rather than through Select: a
// devenv section does not need commands, only deps, and Select would
// reject a command-less environment.
func runDevenv(ctx context.Context, flags *devenvFlags, dir string) error {
	resolved, err := loadResolved(nil)
	if err != nil {
		return err
	}

	env, ok := resolved.Environments[flags.env]
	if !ok {
		return model.NewCLIError(model.ExitEnvNotFound,
			fmt.Sprintf("no environment named %q (defined: %s)", flags.env, strings.Join(resolved.Names(), ", ")))
	}
	if env.IsContainer() {
		return model.NewCLIError(model.ExitGeneralError,
			fmt.Sprintf("environment %q is container-backed; devenv requires a local environment", flags.env))
	}

	if dir != "" {
		abs, err := filepath.Abs(pathutil.Expand(dir))
		if err != nil {
			return model.WrapCLIError(model.ExitGeneralError, fmt.Sprintf("invalid directory %q", dir), err)
		}
		env.EnvDir = abs
	}
	env.UseDevelop = true

	r := runner.New(envdir.NewManager(), nil, runner.Options{
		Recreate: flags.recreate,
		Output:   os.Stdout,
		Verbose:  VerboseLog,
	})
	if err := r.Setup(ctx, env); err != nil {
		return model.WrapCLIError(model.ExitGeneralError,
			fmt.Sprintf("setting up environment %q", flags.env), err)
	}

	fmt.Printf("Development environment ready: %s\n", env.EnvDir)
	fmt.Printf("Activate with: source %s\n", filepath.Join(env.EnvDir, "bin", "activate"))
	return nil
}
