// Package cli — list.go implements the "auxrun list" command.
//
// The list command shows every defined environment with its on-disk state,
// dependency count and command count. Container-backed environments derive
// their state from the labels on managed Docker containers instead of a
// local directory; when Docker is unreachable they are reported as missing
// rather than failing the whole listing.
package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/adamchainz/auxlib/internal/docker"
	"github.com/adamchainz/auxlib/internal/envdir"
	"github.com/adamchainz/auxlib/internal/model"
)

// listFlags holds the flag values for the list command.
type listFlags struct {
	// state filters environments by lifecycle state.
	// Valid values: "missing", "created", "stale", "running", "all".
	state string
}

// NewListCommand creates the "list" cobra command.
func NewListCommand() *cobra.Command {
	flags := &listFlags{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List environments and their state",
		Long: `List every environment defined in the configuration, with its
directory state, dependency count and command count.

Examples:
  auxrun list
  auxrun list --state stale
  auxrun list --json`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.state, "state", "all",
		"Filter by state: missing, created, stale, running, all (default: all)")

	return cmd
}

// listEntry is one row of list output; it doubles as the JSON shape.
type listEntry struct {
	Name        string `json:"name"`
	State       string `json:"state"`
	Deps        int    `json:"deps"`
	Commands    int    `json:"commands"`
	Container   string `json:"containerImage,omitempty"`
	Description string `json:"description,omitempty"`
}

// runList is the main logic function for the list command.
func runList(ctx context.Context, flags *listFlags) error {
	if flags.state != "all" {
		if _, err := model.ParseEnvState(flags.state); err != nil {
			return model.WrapCLIError(model.ExitGeneralError,
				fmt.Sprintf("invalid state filter %q: valid values are missing, created, stale, running, all", flags.state), nil)
		}
	}

	resolved, err := loadResolved(nil)
	if err != nil {
		return err
	}

	containerStates := containerStatesFor(ctx, resolved.Environments)

	dirs := envdir.NewManager()
	entries := make([]listEntry, 0, len(resolved.Environments))
	for _, name := range resolved.Names() {
		env := resolved.Environments[name]

		state := dirs.State(env)
		if env.IsContainer() {
			state = containerStates[name]
		}
		if flags.state != "all" && state.String() != flags.state {
			continue
		}

		entries = append(entries, listEntry{
			Name:        name,
			State:       state.String(),
			Deps:        len(env.Deps),
			Commands:    len(env.Commands),
			Container:   env.ContainerImage,
			Description: env.Description,
		})
	}

	printListResult(entries)
	return nil
}

// containerStatesFor derives the state of every container-backed
// environment from the labels on managed containers. An unreachable
// Docker daemon degrades all container-backed environments to missing —
// the listing itself must not fail over it.
func containerStatesFor(ctx context.Context, envs map[string]model.Environment) map[string]model.EnvState {
	states := make(map[string]model.EnvState)
	any := false
	for name, env := range envs {
		if env.IsContainer() {
			states[name] = model.StateMissing
			any = true
		}
	}
	if !any {
		return states
	}

	cli, err := docker.NewClient()
	if err != nil {
		VerboseLog("Docker unavailable, container-backed environments reported as missing: %v", err)
		return states
	}
	defer func() { _ = cli.Close() }()

	containers, err := docker.ListManagedContainers(ctx, cli)
	if err != nil {
		VerboseLog("listing containers failed: %v", err)
		return states
	}

	for name, group := range docker.GroupContainersByEnv(containers) {
		if _, tracked := states[name]; !tracked {
			continue
		}
		states[name] = model.StateCreated
		for _, c := range group {
			if c.Status == "running" {
				states[name] = model.StateRunning
				break
			}
		}
	}
	return states
}

// printListResult outputs the entries in text or JSON format, depending
// on the global --json flag.
func printListResult(entries []listEntry) {
	if IsJSONOutput() {
		type resultJSON struct {
			Environments []listEntry `json:"environments"`
		}
		data, _ := json.MarshalIndent(resultJSON{Environments: entries}, "", "  ")
		fmt.Println(string(data))
		return
	}

	if len(entries) == 0 {
		fmt.Println("No environments defined.")
		return
	}

	fmt.Printf("%-16s %-9s %5s %9s  %s\n", "NAME", "STATE", "DEPS", "COMMANDS", "DESCRIPTION")
	for _, e := range entries {
		desc := e.Description
		if e.Container != "" {
			desc = fmt.Sprintf("[%s] %s", e.Container, desc)
		}
		fmt.Printf("%-16s %-9s %5d %9d  %s\n", e.Name, e.State, e.Deps, e.Commands, desc)
	}
}
