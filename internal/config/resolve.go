// resolve.go implements the resolution phase: turning raw sections into
// fully-substituted model.Environment values.
//
// Resolution order per environment mirrors the dependency order of the
// substitution tokens: the work directory first, then the environment
// directory (which may reference the work directory), then every other
// key with the complete token table available.
package config

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/adamchainz/auxlib/internal/model"
)

// Built-in defaults for keys absent from both the environment's section
// and [testenv].
const (
	// defaultWorkDir is the {toxworkdir} default, relative to {toxinidir}.
	defaultWorkDir = ".tox"

	// defaultBasePython is the interpreter used when no basepython is
	// configured anywhere.
	defaultBasePython = "python"

	// defaultInstallCommand installs dependency specifications with the
	// configured interpreter's package installer. {packages} is replaced
	// by the runner at install time.
	defaultInstallCommand = "{basepython} -m pip install {opts} {packages}"

	// defaultCreateCommand builds the isolated environment directory.
	// Setting env_create_command to the empty string skips creation and
	// leaves just a plain directory.
	defaultCreateCommand = "{basepython} -m venv {envdir}"

	// defaultSitePackagesCreateCommand is the default create command when
	// sitepackages is enabled. It only applies when env_create_command is
	// not configured explicitly.
	defaultSitePackagesCreateCommand = "{basepython} -m venv --system-site-packages {envdir}"
)

// ResolveOptions supplies per-invocation inputs to resolution.
type ResolveOptions struct {
	// PosArgs holds trailing CLI arguments, substituted for {posargs}.
	PosArgs []string

	// Tokens adds extra substitution tokens (e.g. "version" from git
	// describe). Built-in tokens win on collision.
	Tokens map[string]string
}

// Resolved is the fully-interpreted configuration: the core settings plus
// every defined environment in validated, token-free form.
type Resolved struct {
	// Path and Dir identify the source file.
	Path string `json:"path" yaml:"path"`
	Dir  string `json:"dir" yaml:"dir"`

	// EnvList is the default selection for "auxrun run", factor-expanded.
	EnvList []string `json:"envlist" yaml:"envlist"`

	// WorkDir is the absolute {toxworkdir}.
	WorkDir string `json:"workDir" yaml:"toxworkdir"`

	// SkipSDist is the [tox] skipsdist flag: the default for every
	// environment's project-install step.
	SkipSDist bool `json:"skipSdist" yaml:"skipsdist"`

	// MinVersion is the declared minimum tool version, recorded verbatim.
	// The CLI warns when it cannot honor the comparison; resolution does
	// not reject the file over it.
	MinVersion string `json:"minVersion,omitempty" yaml:"minversion,omitempty"`

	// Environments maps every defined environment name to its resolved
	// form. Defined means: named in envlist, or carrying its own section.
	Environments map[string]model.Environment `json:"environments" yaml:"environments"`
}

// Resolve interprets the raw file. Every defined environment is resolved
// to token-free form; the non-empty-command-list requirement is checked at
// Select time, so an unselected environment that only overrides settings
// (and inherits no commands) does not break unrelated runs.
func (f *File) Resolve(opts ResolveOptions) (*Resolved, error) {
	workDirRaw := f.coreValue("toxworkdir", filepath.Join("{toxinidir}", defaultWorkDir))

	// Core tokens shared by every environment.
	baseTokens := map[string]string{
		"toxinidir": f.Dir,
		// {packages} and {opts} pass through resolution untouched; the
		// runner fills them at install time.
		"packages": "{packages}",
		"opts":     "",
	}
	for name, value := range opts.Tokens {
		if _, exists := baseTokens[name]; !exists {
			baseTokens[name] = value
		}
	}

	coreCtx := newSubContext(baseTokens, opts.PosArgs, f.sections)
	workDir, err := coreCtx.substitute(workDirRaw)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError, "invalid toxworkdir", err)
	}
	workDir = absAgainst(f.Dir, workDir)
	baseTokens["toxworkdir"] = workDir

	skipSDist, err := parseBoolValue(f.coreValue("skipsdist", "false"))
	if err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError, "invalid skipsdist", err)
	}

	envList, err := f.resolveEnvList(coreCtx)
	if err != nil {
		return nil, err
	}

	resolved := &Resolved{
		Path:         f.Path,
		Dir:          f.Dir,
		EnvList:      envList,
		WorkDir:      workDir,
		SkipSDist:    skipSDist,
		MinVersion:   f.coreValue("minversion", ""),
		Environments: make(map[string]model.Environment),
	}

	for _, name := range definedEnvNames(envList, f.EnvSectionNames()) {
		env, err := f.resolveEnv(name, baseTokens, opts.PosArgs, skipSDist)
		if err != nil {
			return nil, err
		}
		resolved.Environments[name] = *env
	}

	return resolved, nil
}

// resolveEnvList reads, substitutes and factor-expands the [tox] envlist.
func (f *File) resolveEnvList(ctx *subContext) ([]string, error) {
	raw, err := ctx.substitute(f.coreValue("envlist", ""))
	if err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError, "invalid envlist", err)
	}

	var envList []string
	seen := make(map[string]bool)
	for _, item := range splitList(raw) {
		expanded, err := expandFactors(item)
		if err != nil {
			return nil, model.WrapCLIError(model.ExitConfigError, "invalid envlist", err)
		}
		for _, name := range expanded {
			if err := model.ValidateName(name); err != nil {
				return nil, model.WrapCLIError(model.ExitConfigError, "invalid envlist", err)
			}
			// Factor expansion can produce duplicates; first wins.
			if !seen[name] {
				seen[name] = true
				envList = append(envList, name)
			}
		}
	}
	return envList, nil
}

// resolveEnv builds one model.Environment with full inheritance,
// substitution and default application.
func (f *File) resolveEnv(name string, baseTokens map[string]string, posArgs []string, skipSDist bool) (*model.Environment, error) {
	fail := func(key string, err error) error {
		return model.WrapCLIError(model.ExitConfigError,
			fmt.Sprintf("environment %q: invalid %s", name, key), err)
	}

	// Per-environment token table; envdir-dependent tokens are added as
	// soon as the directory is known.
	tokens := make(map[string]string, len(baseTokens)+4)
	for k, v := range baseTokens {
		tokens[k] = v
	}
	tokens["envname"] = name

	ctx := newSubContext(tokens, posArgs, f.sections)

	basePython, err := ctx.substitute(f.lookup(name, "basepython", defaultBasePython))
	if err != nil {
		return nil, fail("basepython", err)
	}
	tokens["basepython"] = basePython

	envDir, err := ctx.substitute(f.lookup(name, "envdir", filepath.Join("{toxworkdir}", name)))
	if err != nil {
		return nil, fail("envdir", err)
	}
	envDir = absAgainst(f.Dir, envDir)
	tokens["envdir"] = envDir
	tokens["envbindir"] = filepath.Join(envDir, "bin")

	env := &model.Environment{
		Name:       name,
		EnvDir:     envDir,
		BasePython: basePython,
		ConfigDir:  f.Dir,
	}

	if env.Description, err = ctx.substitute(f.lookup(name, "description", "")); err != nil {
		return nil, fail("description", err)
	}
	if env.ContainerImage, err = ctx.substitute(f.lookup(name, "container_image", "")); err != nil {
		return nil, fail("container_image", err)
	}

	changedir, err := ctx.substitute(f.lookup(name, "changedir", "{toxinidir}"))
	if err != nil {
		return nil, fail("changedir", err)
	}
	env.Changedir = absAgainst(f.Dir, changedir)

	// Boolean keys.
	boolKeys := []struct {
		key      string
		fallback string
		dest     *bool
	}{
		{"sitepackages", "false", &env.SitePackages},
		{"recreate", "false", &env.Recreate},
		{"usedevelop", "false", &env.UseDevelop},
		{"skip_install", fmt.Sprintf("%t", skipSDist), &env.SkipInstall},
	}
	for _, bk := range boolKeys {
		value, err := ctx.substitute(f.lookup(name, bk.key, bk.fallback))
		if err != nil {
			return nil, fail(bk.key, err)
		}
		if *bk.dest, err = parseBoolValue(value); err != nil {
			return nil, fail(bk.key, err)
		}
	}

	// List keys.
	if env.Deps, err = substituteList(ctx, f.lookup(name, "deps", "")); err != nil {
		return nil, fail("deps", err)
	}
	if env.WhitelistExternals, err = substituteList(ctx, f.lookup(name, "whitelist_externals", "")); err != nil {
		return nil, fail("whitelist_externals", err)
	}
	if env.Passenv, err = substituteList(ctx, f.lookup(name, "passenv", "")); err != nil {
		return nil, fail("passenv", err)
	}

	// setenv: KEY=VALUE lines.
	setenvRaw := f.lookup(name, "setenv", "")
	if strings.TrimSpace(setenvRaw) != "" {
		env.Setenv = make(map[string]string)
		for _, line := range splitLines(setenvRaw) {
			substituted, err := ctx.substitute(line)
			if err != nil {
				return nil, fail("setenv", err)
			}
			key, value, found := strings.Cut(substituted, "=")
			key = strings.TrimSpace(key)
			if !found || key == "" {
				return nil, fail("setenv", fmt.Errorf("line %q is not KEY=VALUE", line))
			}
			env.Setenv[key] = strings.TrimSpace(value)
		}
	}

	// Command-valued keys.
	if env.InstallCommand, err = substituteArgv(ctx, f.lookup(name, "install_command", defaultInstallCommand)); err != nil {
		return nil, fail("install_command", err)
	}

	createDefault := defaultCreateCommand
	if env.SitePackages {
		createDefault = defaultSitePackagesCreateCommand
	}
	if env.CreateCommand, err = substituteArgv(ctx, f.lookup(name, "env_create_command", createDefault)); err != nil {
		return nil, fail("env_create_command", err)
	}

	commandsRaw := f.lookup(name, "commands", "")
	for _, line := range joinContinuations(splitLines(commandsRaw)) {
		ignoreExit := false
		if strings.HasPrefix(line, "- ") || line == "-" || (strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "--")) {
			// A leading "-" marks the command's exit status as ignorable.
			// "--long-flag" openings cannot occur: a command line starts
			// with a program name.
			ignoreExit = true
			line = strings.TrimSpace(strings.TrimPrefix(line, "-"))
		}
		argv, err := substituteArgv(ctx, line)
		if err != nil {
			return nil, fail("commands", err)
		}
		if len(argv) == 0 {
			return nil, fail("commands", fmt.Errorf("line %q resolves to an empty command", line))
		}
		env.Commands = append(env.Commands, model.Command{Argv: argv, IgnoreExit: ignoreExit})
	}

	return env, nil
}

// Select returns the environments to run, in order. An empty names slice
// selects the envlist. Unknown names yield a CLIError with ExitEnvNotFound
// listing what is available.
func (r *Resolved) Select(names []string) ([]model.Environment, error) {
	if len(names) == 0 {
		names = r.EnvList
	}
	if len(names) == 0 {
		return nil, model.NewCLIError(model.ExitConfigError,
			"no environments selected: envlist is empty and no -e flag was given")
	}

	envs := make([]model.Environment, 0, len(names))
	for _, name := range names {
		env, ok := r.Environments[name]
		if !ok {
			return nil, model.NewCLIError(model.ExitEnvNotFound,
				fmt.Sprintf("no environment named %q (defined: %s)", name, strings.Join(r.Names(), ", ")))
		}
		// The defining validity rule: a selected environment must resolve
		// to a non-empty, well-formed command list.
		if err := env.Validate(); err != nil {
			return nil, model.WrapCLIError(model.ExitConfigError,
				fmt.Sprintf("invalid configuration in %s", r.Path), err)
		}
		envs = append(envs, env)
	}
	return envs, nil
}

// Names returns all defined environment names: envlist order first, then
// section-only environments sorted.
func (r *Resolved) Names() []string {
	return definedEnvNames(r.EnvList, sortedKeys(r.Environments))
}

// definedEnvNames merges the envlist with explicitly declared sections,
// envlist order winning, extras appended in sorted order.
func definedEnvNames(envList, sectionNames []string) []string {
	seen := make(map[string]bool, len(envList))
	names := make([]string, 0, len(envList)+len(sectionNames))
	for _, name := range envList {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	for _, name := range sectionNames {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

func sortedKeys(m map[string]model.Environment) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// substituteList substitutes a raw list value and splits it on newlines
// only, dropping blanks. Commas are not separators here: a dependency
// specification like "Django>=1.8,<1.9" is one entry. Only envlist
// treats commas as separators.
func substituteList(ctx *subContext, raw string) ([]string, error) {
	substituted, err := ctx.substitute(raw)
	if err != nil {
		return nil, err
	}
	return splitLines(substituted), nil
}

// substituteArgv substitutes a raw command line and splits it into argv.
// A line that resolves to all whitespace yields a nil argv — that is how
// install_command and env_create_command are disabled.
func substituteArgv(ctx *subContext, raw string) ([]string, error) {
	substituted, err := ctx.substitute(raw)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(substituted) == "" {
		return nil, nil
	}
	return splitCommand(strings.TrimSpace(substituted))
}

// splitList splits on newlines and commas, trimming whitespace and
// dropping empty entries and comment lines. Used for envlist only;
// other list keys are newline-separated.
func splitList(raw string) []string {
	var items []string
	for _, line := range splitLines(raw) {
		for _, item := range strings.Split(line, ",") {
			item = strings.TrimSpace(item)
			if item != "" {
				items = append(items, item)
			}
		}
	}
	return items
}

// splitLines splits a multiline value into trimmed, non-empty,
// non-comment lines.
func splitLines(raw string) []string {
	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// joinContinuations merges lines ending in a backslash with their
// successor, so long command lines can be wrapped.
func joinContinuations(lines []string) []string {
	var joined []string
	var pending string
	for _, line := range lines {
		if strings.HasSuffix(line, "\\") {
			pending += strings.TrimSuffix(line, "\\") + " "
			continue
		}
		joined = append(joined, strings.TrimSpace(pending+line))
		pending = ""
	}
	if strings.TrimSpace(pending) != "" {
		joined = append(joined, strings.TrimSpace(pending))
	}
	return joined
}

// parseBoolValue accepts the boolean spellings found in real
// configuration files: true/false, yes/no, on/off, 1/0, and the
// capitalized Python forms.
func parseBoolValue(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "yes", "on", "1":
		return true, nil
	case "false", "no", "off", "0", "":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value %q", raw)
	}
}

// absAgainst makes path absolute relative to base when it is not already.
func absAgainst(base, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(base, path)
}
