// container.go implements Docker container operations for auxrun: keeping
// one persistent container per container-backed environment, running the
// install step and the command sequence inside it, and the listing and
// removal that "auxrun list" and "auxrun clean" build on.
//
// Container creation and command execution shell out to the docker CLI
// rather than using the SDK's ContainerCreate + ContainerStart workflow:
// the CLI flags map directly onto the environment's resolved settings.
// Lookup, restart and removal use the SDK, which filters server-side by
// label.
package docker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"

	"github.com/adamchainz/auxlib/internal/model"
)

// workMount is the container path the configuration directory is mounted
// at. Changedir values inside the configuration directory are remapped
// under it; anything outside falls back to the mount root.
const workMount = "/work"

// keepAliveArgv keeps the environment's container alive between command
// invocations. sleep ships in every image auxrun targets.
var keepAliveArgv = []string{"sleep", "infinity"}

// runningState is the Docker container state string for a live container.
const runningState = "running"

// Backend runs container-backed environments. It satisfies the runner's
// ContainerExec interface.
type Backend struct {
	cli        *Client
	configPath string
}

// NewBackend creates a Backend for environments resolved from the given
// configuration file. The path is recorded on every container via the
// auxrun.config label.
func NewBackend(cli *Client, configPath string) *Backend {
	return &Backend{cli: cli, configPath: configPath}
}

// Run executes the environment inside its persistent container. The
// container is created, and dependencies installed into it, on first use;
// later runs exec straight into the existing container, restarting it when
// stopped. "auxrun clean" removes the container, which also forces a fresh
// install on the next run.
//
// Returns the exit code of the first failing command whose exit status is
// not ignored, or 0 when every command passed.
func (b *Backend) Run(ctx context.Context, env model.Environment, output io.Writer) (int, error) {
	created, err := b.ensureContainer(ctx, env, output)
	if err != nil {
		return 0, err
	}
	if created {
		if err := b.install(ctx, env, output); err != nil {
			return 0, err
		}
	}

	for _, cmd := range env.Commands {
		fmt.Fprintf(output, "%s: %s (in %s)\n", env.Name, cmd.String(), env.ContainerImage)

		exitCode, err := b.exec(ctx, env, cmd.Argv, output)
		if err != nil {
			return 0, err
		}
		if exitCode != 0 {
			if cmd.IgnoreExit {
				fmt.Fprintf(output, "%s: ignored exit code %d from %s\n", env.Name, exitCode, cmd.String())
				continue
			}
			return exitCode, nil
		}
	}

	return 0, nil
}

// ensureContainer finds the environment's container and restarts it when
// stopped, or creates a fresh one. Reports whether a fresh container was
// created, which is what decides whether the install step runs.
func (b *Backend) ensureContainer(ctx context.Context, env model.Environment, output io.Writer) (bool, error) {
	existing, err := b.findContainer(ctx, env.Name)
	if err != nil {
		return false, err
	}
	if existing != nil {
		if existing.Status != runningState {
			err := b.cli.Inner().ContainerStart(ctx, existing.ContainerID, container.StartOptions{})
			if err != nil {
				return false, model.WrapCLIError(
					model.ExitDockerNotRunning,
					fmt.Sprintf("failed to start container for environment %q", env.Name),
					err,
				)
			}
		}
		return false, nil
	}

	fmt.Fprintf(output, "%s: creating container from %s\n", env.Name, env.ContainerImage)
	exitCode, err := b.docker(ctx, createArgs(&env, b.configPath, time.Now()), output)
	if err != nil {
		return false, err
	}
	if exitCode != 0 {
		return false, model.NewCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("docker run exited with code %d creating the container for environment %q", exitCode, env.Name),
		)
	}
	return true, nil
}

// findContainer looks up the managed container for the environment, if
// any. Attribution goes through the auxrun labels so containers created
// for other projects, or by hand, are never picked up.
func (b *Backend) findContainer(ctx context.Context, envName string) (*model.ContainerInfo, error) {
	infos, err := ListManagedContainers(ctx, b.cli)
	if err != nil {
		return nil, err
	}
	for i := range infos {
		name, configPath, err := ParseLabels(infos[i].Labels)
		if err == nil && name == envName && configPath == b.configPath {
			return &infos[i], nil
		}
	}
	return nil, nil
}

// install runs the install steps inside the freshly created container.
func (b *Backend) install(ctx context.Context, env model.Environment, output io.Writer) error {
	for _, argv := range installArgvs(&env) {
		fmt.Fprintf(output, "%s: %s (in %s)\n", env.Name, strings.Join(argv, " "), env.ContainerImage)
		exitCode, err := b.exec(ctx, env, argv, output)
		if err != nil {
			return err
		}
		if exitCode != 0 {
			return fmt.Errorf("install step %q failed with exit code %d", strings.Join(argv, " "), exitCode)
		}
	}
	return nil
}

// installArgvs returns the argv sequence the install step execs inside
// the container: dependencies first, then the project itself unless
// skip_install is set (editable when usedevelop is set). The project
// installs from the mount path, where it lives inside the container.
func installArgvs(env *model.Environment) [][]string {
	if len(env.InstallCommand) == 0 {
		return nil
	}
	var argvs [][]string
	if len(env.Deps) > 0 {
		argvs = append(argvs, model.ExpandPackages(env.InstallCommand, env.Deps))
	}
	if !env.SkipInstall {
		target := []string{workMount}
		if env.UseDevelop {
			target = []string{"-e", workMount}
		}
		argvs = append(argvs, model.ExpandPackages(env.InstallCommand, target))
	}
	return argvs
}

// exec runs one argv inside the environment's container and returns its
// exit code.
func (b *Backend) exec(ctx context.Context, env model.Environment, argv []string, output io.Writer) (int, error) {
	return b.docker(ctx, execArgs(containerName(env.Name, b.configPath), &env, argv), output)
}

// docker runs one docker CLI invocation. A non-zero exit comes back as the
// exit code; an error return means the CLI could not run at all, which is
// treated as the daemon being unreachable.
func (b *Backend) docker(ctx context.Context, args []string, output io.Writer) (int, error) {
	// #nosec G204 — argv comes from the resolved configuration, not raw user input
	proc := exec.CommandContext(ctx, "docker", args...)
	proc.Stdout = output
	proc.Stderr = output

	err := proc.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, model.WrapCLIError(
		model.ExitDockerNotRunning,
		fmt.Sprintf("docker %s failed", args[0]),
		err,
	)
}

// containerName derives a stable container name for the environment. The
// configuration path is hashed in so two projects with environments of the
// same name never collide on the daemon's flat namespace.
func containerName(envName, configPath string) string {
	sum := sha256.Sum256([]byte(configPath))
	return fmt.Sprintf("auxrun-%s-%s", envName, hex.EncodeToString(sum[:4]))
}

// createArgs builds the "docker run" argument list that creates the
// environment's persistent container: detached on a keep-alive command,
// management labels, the configuration directory mount, the remapped
// working directory, setenv variables and the image. The variables are set
// at creation; "docker exec" inherits them on every later command.
func createArgs(env *model.Environment, configPath string, now time.Time) []string {
	args := []string{"run", "-d", "--name", containerName(env.Name, configPath)}

	labels := BuildLabels(env, configPath, now)
	for _, key := range sortedLabelKeys(labels) {
		args = append(args, "--label", key+"="+labels[key])
	}

	args = append(args, "-v", env.ConfigDir+":"+workMount)
	args = append(args, "-w", containerWorkdir(env))

	args = append(args, "-e", "AUXRUN_ENV="+env.Name)
	envKeys := make([]string, 0, len(env.Setenv))
	for key := range env.Setenv {
		envKeys = append(envKeys, key)
	}
	sort.Strings(envKeys)
	for _, key := range envKeys {
		args = append(args, "-e", key+"="+env.Setenv[key])
	}

	args = append(args, env.ContainerImage)
	return append(args, keepAliveArgv...)
}

// execArgs builds the "docker exec" argument list for one command inside
// the named container.
func execArgs(name string, env *model.Environment, argv []string) []string {
	args := []string{"exec", "-w", containerWorkdir(env), name}
	return append(args, argv...)
}

// containerWorkdir maps the environment's changedir into the mounted
// configuration directory. A changedir outside the configuration
// directory cannot be remapped and falls back to the mount root.
func containerWorkdir(env *model.Environment) string {
	rel, err := filepath.Rel(env.ConfigDir, env.Changedir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return workMount
	}
	return path.Join(workMount, filepath.ToSlash(rel))
}

func sortedLabelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for key := range labels {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// ListManagedContainers queries the Docker daemon for all containers
// carrying the auxrun management label, including stopped ones. All
// attribution state is derived from the labels rather than any external
// database.
func ListManagedContainers(ctx context.Context, cli *Client) ([]model.ContainerInfo, error) {
	// Filtering server-side by label is cheaper than listing everything
	// and filtering in Go.
	filterArgs := filters.NewArgs(
		filters.Arg("label", FilterLabel()),
	)

	containers, err := cli.Inner().ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, model.WrapCLIError(
			model.ExitDockerNotRunning,
			"failed to list Docker containers",
			err,
		)
	}

	result := make([]model.ContainerInfo, 0, len(containers))
	for _, c := range containers {
		result = append(result, containerToInfo(c))
	}

	return result, nil
}

// containerToInfo converts a Docker API Container struct to the domain
// model ContainerInfo, decoupling the rest of the application from the
// Docker SDK types.
func containerToInfo(c types.Container) model.ContainerInfo {
	// Docker returns names as a slice with a leading "/" that is an
	// artifact of the API, not meaningful to users.
	name := ""
	if len(c.Names) > 0 {
		name = strings.TrimPrefix(c.Names[0], "/")
	}

	return model.ContainerInfo{
		ContainerID:   c.ID,
		ContainerName: name,
		EnvName:       c.Labels[LabelEnv],
		Status:        c.State,
		Labels:        c.Labels,
	}
}

// GroupContainersByEnv groups containers by their auxrun.env label, for
// attributing containers to environments in "auxrun list". Containers
// without the label are skipped — they cannot be attributed, and
// ListManagedContainers already filters for managed containers.
func GroupContainersByEnv(containers []model.ContainerInfo) map[string][]model.ContainerInfo {
	groups := make(map[string][]model.ContainerInfo)
	for _, c := range containers {
		if c.EnvName == "" {
			continue
		}
		groups[c.EnvName] = append(groups[c.EnvName], c)
	}
	return groups
}

// RemoveContainer removes a container by its ID. When force is true,
// Docker kills a still-running container before removing it, which is
// what "auxrun clean" wants — graceful shutdown is not required for
// throwaway test containers.
func RemoveContainer(ctx context.Context, cli *Client, containerID string, force bool) error {
	err := cli.Inner().ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force: force,
	})
	if err != nil {
		return model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("failed to remove container %q", containerID),
			err,
		)
	}
	return nil
}
