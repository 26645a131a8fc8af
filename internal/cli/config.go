// Package cli — config.go implements the "auxrun config" command.
//
// The config command dumps the fully-resolved configuration: defaults
// applied, inheritance flattened and every substitution token expanded.
// It is the debugging tool for "why did my environment run that" — what
// it prints is exactly what the runner executes.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/adamchainz/auxlib/internal/config"
	"github.com/adamchainz/auxlib/internal/model"
)

// configFlags holds the flag values for the config command.
type configFlags struct {
	// env limits the dump to a single environment.
	env string

	// format selects the output format: text, json or yaml.
	format string
}

// NewConfigCommand creates the "config" cobra command.
func NewConfigCommand() *cobra.Command {
	flags := &configFlags{}

	cmd := &cobra.Command{
		Use:   "config [-e NAME] [--format text|json|yaml]",
		Short: "Show the resolved configuration",
		Long: `Show the fully-resolved configuration: inheritance applied, defaults
filled in and substitution tokens expanded.

Examples:
  auxrun config
  auxrun config -e pep8
  auxrun config --format yaml`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfig(flags)
		},
	}

	cmd.Flags().StringVarP(&flags.env, "env", "e", "", "Show a single environment")
	cmd.Flags().StringVar(&flags.format, "format", "text", "Output format: text, json, yaml")

	return cmd
}

// runConfig is the main logic function for the config command.
func runConfig(flags *configFlags) error {
	format := flags.format
	if IsJSONOutput() {
		format = "json"
	}
	switch format {
	case "text", "json", "yaml":
	default:
		return model.NewCLIError(model.ExitGeneralError,
			fmt.Sprintf("invalid format %q: valid values are text, json, yaml", flags.format))
	}

	resolved, err := loadResolved(nil)
	if err != nil {
		return err
	}

	if flags.env != "" {
		env, ok := resolved.Environments[flags.env]
		if !ok {
			return model.NewCLIError(model.ExitEnvNotFound,
				fmt.Sprintf("no environment named %q (defined: %s)", flags.env, strings.Join(resolved.Names(), ", ")))
		}
		resolved.EnvList = nil
		resolved.Environments = map[string]model.Environment{flags.env: env}
	}

	switch format {
	case "json":
		data, err := json.MarshalIndent(resolved, "", "  ")
		if err != nil {
			return model.WrapCLIError(model.ExitGeneralError, "encoding configuration as JSON", err)
		}
		fmt.Println(string(data))
	case "yaml":
		data, err := yaml.Marshal(resolved)
		if err != nil {
			return model.WrapCLIError(model.ExitGeneralError, "encoding configuration as YAML", err)
		}
		fmt.Print(string(data))
	default:
		writeConfigText(os.Stdout, resolved)
	}
	return nil
}

// writeConfigText renders the resolved configuration in the style of the
// source file: a core section followed by one section per environment.
func writeConfigText(w io.Writer, resolved *config.Resolved) {
	fmt.Fprintf(w, "[%s]\n", config.CoreSection)
	fmt.Fprintf(w, "config = %s\n", resolved.Path)
	fmt.Fprintf(w, "toxworkdir = %s\n", resolved.WorkDir)
	if len(resolved.EnvList) > 0 {
		fmt.Fprintf(w, "envlist = %s\n", strings.Join(resolved.EnvList, ", "))
	}
	fmt.Fprintf(w, "skipsdist = %t\n", resolved.SkipSDist)
	if resolved.MinVersion != "" {
		fmt.Fprintf(w, "minversion = %s\n", resolved.MinVersion)
	}

	for _, name := range resolved.Names() {
		env := resolved.Environments[name]

		fmt.Fprintf(w, "\n[%s:%s]\n", config.BaseEnvSection, name)
		if env.Description != "" {
			fmt.Fprintf(w, "description = %s\n", env.Description)
		}
		fmt.Fprintf(w, "envdir = %s\n", env.EnvDir)
		fmt.Fprintf(w, "basepython = %s\n", env.BasePython)
		fmt.Fprintf(w, "changedir = %s\n", env.Changedir)
		if env.ContainerImage != "" {
			fmt.Fprintf(w, "container_image = %s\n", env.ContainerImage)
		}
		fmt.Fprintf(w, "sitepackages = %t\n", env.SitePackages)
		fmt.Fprintf(w, "recreate = %t\n", env.Recreate)
		fmt.Fprintf(w, "usedevelop = %t\n", env.UseDevelop)
		fmt.Fprintf(w, "skip_install = %t\n", env.SkipInstall)
		writeListValue(w, "deps", env.Deps)
		writeListValue(w, "whitelist_externals", env.WhitelistExternals)
		writeListValue(w, "passenv", env.Passenv)
		if len(env.Setenv) > 0 {
			fmt.Fprintln(w, "setenv =")
			for _, key := range sortedStringKeys(env.Setenv) {
				fmt.Fprintf(w, "  %s=%s\n", key, env.Setenv[key])
			}
		}
		if len(env.InstallCommand) > 0 {
			fmt.Fprintf(w, "install_command = %s\n", strings.Join(env.InstallCommand, " "))
		}
		if len(env.CreateCommand) > 0 {
			fmt.Fprintf(w, "env_create_command = %s\n", strings.Join(env.CreateCommand, " "))
		}
		fmt.Fprintln(w, "commands =")
		for _, cmd := range env.Commands {
			prefix := "  "
			if cmd.IgnoreExit {
				prefix = "  - "
			}
			fmt.Fprintf(w, "%s%s\n", prefix, cmd.String())
		}
	}
}

func writeListValue(w io.Writer, key string, values []string) {
	if len(values) == 0 {
		return
	}
	fmt.Fprintf(w, "%s =\n", key)
	for _, v := range values {
		fmt.Fprintf(w, "  %s\n", v)
	}
}

func sortedStringKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
