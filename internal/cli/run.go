// Package cli — run.go implements the "auxrun run" command, which is also
// what a bare "auxrun" invocation dispatches to.
//
// The run command selects environments (-e, or the configured envlist),
// prepares each one's directory, installs dependencies when needed and
// executes the command sequences. Arguments after "--" are passed through
// to the {posargs} substitution.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/adamchainz/auxlib/internal/docker"
	"github.com/adamchainz/auxlib/internal/envdir"
	"github.com/adamchainz/auxlib/internal/model"
	"github.com/adamchainz/auxlib/internal/runner"
)

// runFlags holds the flag values for the run command.
type runFlags struct {
	// envs is the -e selection. Empty means the configured envlist.
	envs []string

	// recreate wipes and rebuilds every selected environment directory.
	recreate bool

	// parallel is the worker count; values below 2 run sequentially.
	parallel int

	// strictExternals fails an environment whose command resolves outside
	// the environment directory without being whitelisted.
	strictExternals bool
}

// NewRunCommand creates the "run" cobra command.
func NewRunCommand() *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run [-e NAME,...] [flags] [-- posargs...]",
		Short: "Run environments",
		Long: `Run the selected environments: prepare each environment directory,
install its dependency set when the directory was (re)built, then execute
its command sequence. Without -e the configured envlist runs.

Arguments after "--" are substituted for {posargs} in commands.

Examples:
  auxrun run
  auxrun run -e pep8
  auxrun run -e local -- -k test_entity
  auxrun run --parallel 4 --recreate`,

		RunE: func(cmd *cobra.Command, args []string) error {
			posArgs, err := posArgsFrom(cmd, args)
			if err != nil {
				return err
			}
			return runRun(cmd.Context(), flags, posArgs)
		},
	}

	cmd.Flags().StringSliceVarP(&flags.envs, "env", "e", nil, "Environments to run (default: envlist)")
	cmd.Flags().BoolVar(&flags.recreate, "recreate", false, "Recreate environment directories before running")
	cmd.Flags().IntVar(&flags.parallel, "parallel", 1, "Number of environments to run concurrently")
	cmd.Flags().BoolVar(&flags.strictExternals, "strict-externals", false, "Treat non-whitelisted external commands as errors")

	return cmd
}

// posArgsFrom extracts the arguments following "--". Positional arguments
// without the separator are a usage error — they are too easy to confuse
// with environment names.
func posArgsFrom(cmd *cobra.Command, args []string) ([]string, error) {
	at := cmd.ArgsLenAtDash()
	if at < 0 {
		if len(args) > 0 {
			return nil, model.NewCLIError(model.ExitGeneralError,
				fmt.Sprintf("unexpected argument %q (positional arguments go after \"--\")", args[0]))
		}
		return nil, nil
	}
	if at > 0 {
		return nil, model.NewCLIError(model.ExitGeneralError,
			fmt.Sprintf("unexpected argument %q (positional arguments go after \"--\")", args[0]))
	}
	return args[at:], nil
}

// runRun is the main logic function for the run command.
func runRun(ctx context.Context, flags *runFlags, posArgs []string) error {
	resolved, err := loadResolved(posArgs)
	if err != nil {
		return err
	}

	envs, err := resolved.Select(flags.envs)
	if err != nil {
		return err
	}
	VerboseLog("Selected %d environments", len(envs))

	// The Docker client is only dialed when a selected environment
	// actually needs a container.
	var backend runner.ContainerExec
	for _, env := range envs {
		if env.IsContainer() {
			cli, err := docker.NewClient()
			if err != nil {
				return err
			}
			defer func() { _ = cli.Close() }()
			if err := cli.Ping(ctx); err != nil {
				return err
			}
			backend = docker.NewBackend(cli, resolved.Path)
			break
		}
	}

	// SIGINT/SIGTERM cancel the context: the running child process is
	// killed and environments that have not started are marked skipped.
	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := runner.New(envdir.NewManager(), backend, runner.Options{
		Recreate:        flags.recreate,
		Parallel:        flags.parallel,
		StrictExternals: flags.strictExternals,
		Output:          os.Stdout,
		Verbose:         VerboseLog,
	})
	results := r.Run(runCtx, envs)

	printRunResults(results)

	switch code := runner.ExitCode(results); code {
	case model.ExitSuccess:
		return nil
	case model.ExitInterrupted:
		return model.NewCLIError(code, "run interrupted")
	default:
		return model.NewCLIError(code, "one or more environments failed")
	}
}

// printRunResults outputs the per-environment results in text or JSON
// format, depending on the global --json flag.
func printRunResults(results []model.RunResult) {
	if !IsJSONOutput() {
		runner.Report(os.Stdout, results)
		return
	}

	type resultJSON struct {
		Results []model.RunResult `json:"results"`
	}
	// An empty slice rather than nil keeps the JSON output as [] instead
	// of null when nothing ran.
	out := resultJSON{Results: make([]model.RunResult, 0, len(results))}
	out.Results = append(out.Results, results...)

	data, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(data))
}
