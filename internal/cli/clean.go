// Package cli — clean.go implements the "auxrun clean" command.
//
// clean removes environment directories and, for container-backed
// environments, the managed Docker containers attributed to this
// configuration by their labels. An unreachable Docker daemon only skips
// the container half with a warning: local directories are removed either
// way.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/adamchainz/auxlib/internal/docker"
	"github.com/adamchainz/auxlib/internal/envdir"
	"github.com/adamchainz/auxlib/internal/model"
)

// cleanFlags holds the flag values for the clean command.
type cleanFlags struct {
	// envs is the -e selection of environments to clean.
	envs []string

	// all cleans every defined environment and removes the work
	// directory itself.
	all bool
}

// NewCleanCommand creates the "clean" cobra command.
func NewCleanCommand() *cobra.Command {
	flags := &cleanFlags{}

	cmd := &cobra.Command{
		Use:   "clean [-e NAME,...] [--all]",
		Short: "Remove environment directories and managed containers",
		Long: `Remove environment directories and the Docker containers auxrun
created for container-backed environments.

Examples:
  auxrun clean -e local
  auxrun clean --all`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runClean(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringSliceVarP(&flags.envs, "env", "e", nil, "Environments to clean")
	cmd.Flags().BoolVar(&flags.all, "all", false, "Clean every environment and the work directory")

	return cmd
}

// runClean is the main logic function for the clean command.
func runClean(ctx context.Context, flags *cleanFlags) error {
	if len(flags.envs) == 0 && !flags.all {
		return model.NewCLIError(model.ExitGeneralError,
			"nothing selected: pass -e NAME or --all")
	}

	resolved, err := loadResolved(nil)
	if err != nil {
		return err
	}

	names := flags.envs
	if flags.all {
		names = resolved.Names()
	}

	dirs := envdir.NewManager()
	targets := make(map[string]bool, len(names))
	anyContainer := false
	for _, name := range names {
		env, ok := resolved.Environments[name]
		if !ok {
			return model.NewCLIError(model.ExitEnvNotFound,
				fmt.Sprintf("no environment named %q", name))
		}
		targets[name] = true
		if env.IsContainer() {
			anyContainer = true
			continue
		}

		if dirs.State(env) == model.StateMissing {
			VerboseLog("environment %s has no directory, nothing to remove", name)
			continue
		}
		if err := dirs.Remove(env); err != nil {
			return model.WrapCLIError(model.ExitGeneralError,
				fmt.Sprintf("cleaning environment %q", name), err)
		}
		fmt.Printf("Removed %s\n", env.EnvDir)
	}

	if anyContainer {
		if err := removeManagedContainers(ctx, resolved.Path, targets); err != nil {
			// Local cleanup already succeeded; a dead Docker daemon
			// should not fail the command.
			fmt.Fprintf(os.Stderr, "Warning: skipping container cleanup: %v\n", err)
		}
	}

	if flags.all {
		if err := os.RemoveAll(resolved.WorkDir); err != nil {
			return model.WrapCLIError(model.ExitGeneralError, "removing work directory", err)
		}
		fmt.Printf("Removed %s\n", resolved.WorkDir)
	}

	return nil
}

// removeManagedContainers force-removes every managed container that
// belongs to this configuration file and one of the target environments.
func removeManagedContainers(ctx context.Context, configPath string, targets map[string]bool) error {
	cli, err := docker.NewClient()
	if err != nil {
		return err
	}
	defer func() { _ = cli.Close() }()

	containers, err := docker.ListManagedContainers(ctx, cli)
	if err != nil {
		return err
	}

	for _, c := range containers {
		envName, cfg, err := docker.ParseLabels(c.Labels)
		if err != nil {
			VerboseLog("skipping container %s: %v", c.ContainerID, err)
			continue
		}
		if cfg != configPath || !targets[envName] {
			continue
		}
		if err := docker.RemoveContainer(ctx, cli, c.ContainerID, true); err != nil {
			return err
		}
		fmt.Printf("Removed container %s (environment %s)\n", c.ContainerName, envName)
	}
	return nil
}
