package docker

import (
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamchainz/auxlib/internal/model"
)

func sandboxEnv() *model.Environment {
	return &model.Environment{
		Name:           "sandbox",
		ContainerImage: "python:3.12-slim",
		ConfigDir:      "/home/dev/project",
		Changedir:      "/home/dev/project",
	}
}

func TestContainerName(t *testing.T) {
	name := containerName("sandbox", "/home/dev/project/tox.ini")

	assert.True(t, strings.HasPrefix(name, "auxrun-sandbox-"))
	assert.Equal(t, name, containerName("sandbox", "/home/dev/project/tox.ini"),
		"name must be deterministic")
	assert.NotEqual(t, name, containerName("sandbox", "/elsewhere/tox.ini"),
		"same environment name in another project must not collide")
}

func TestCreateArgs(t *testing.T) {
	env := sandboxEnv()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	args := createArgs(env, "/home/dev/project/tox.ini", now)

	assert.Equal(t, []string{
		"run", "-d",
		"--name", containerName("sandbox", "/home/dev/project/tox.ini"),
		"--label", "auxrun.config=/home/dev/project/tox.ini",
		"--label", "auxrun.created-at=2026-03-01T12:00:00Z",
		"--label", "auxrun.env=sandbox",
		"--label", "auxrun.managed-by=auxrun",
		"-v", "/home/dev/project:/work",
		"-w", "/work",
		"-e", "AUXRUN_ENV=sandbox",
		"python:3.12-slim",
		"sleep", "infinity",
	}, args)
}

func TestCreateArgs_Setenv(t *testing.T) {
	env := sandboxEnv()
	env.Setenv = map[string]string{
		"PYTHONHASHSEED": "0",
		"COVERAGE_FILE":  "/tmp/.coverage",
	}

	args := createArgs(env, "/p/tox.ini", time.Now())

	// Setenv flags are emitted in sorted key order so the argument list
	// is deterministic.
	var envFlags []string
	for i := 0; i < len(args)-1; i++ {
		if args[i] == "-e" {
			envFlags = append(envFlags, args[i+1])
		}
	}
	assert.Equal(t, []string{
		"AUXRUN_ENV=sandbox",
		"COVERAGE_FILE=/tmp/.coverage",
		"PYTHONHASHSEED=0",
	}, envFlags)
}

// TestInstallArgvs covers the in-container install sequence: dependencies
// first, then the project from the /work mount.
func TestInstallArgvs(t *testing.T) {
	installCmd := []string{"pip", "install", "{packages}"}

	t.Run("deps then project", func(t *testing.T) {
		env := sandboxEnv()
		env.InstallCommand = installCmd
		env.Deps = []string{"pytest", "pytest-cov"}

		assert.Equal(t, [][]string{
			{"pip", "install", "pytest", "pytest-cov"},
			{"pip", "install", "/work"},
		}, installArgvs(env))
	})

	t.Run("skip_install drops the project step", func(t *testing.T) {
		env := sandboxEnv()
		env.InstallCommand = installCmd
		env.Deps = []string{"flake8"}
		env.SkipInstall = true

		assert.Equal(t, [][]string{
			{"pip", "install", "flake8"},
		}, installArgvs(env))
	})

	t.Run("usedevelop installs editable", func(t *testing.T) {
		env := sandboxEnv()
		env.InstallCommand = installCmd

		env.UseDevelop = true
		assert.Equal(t, [][]string{
			{"pip", "install", "-e", "/work"},
		}, installArgvs(env))
	})

	t.Run("no install command means no steps", func(t *testing.T) {
		env := sandboxEnv()
		env.Deps = []string{"pytest"}

		assert.Empty(t, installArgvs(env))
	})
}

func TestExecArgs(t *testing.T) {
	env := sandboxEnv()
	env.Changedir = "/home/dev/project/tests"

	args := execArgs("auxrun-sandbox-deadbeef", env, []string{"pytest", "-x"})

	assert.Equal(t, []string{
		"exec", "-w", "/work/tests",
		"auxrun-sandbox-deadbeef",
		"pytest", "-x",
	}, args)
}

func TestContainerWorkdir(t *testing.T) {
	tests := []struct {
		name      string
		changedir string
		want      string
	}{
		{"config directory itself", "/home/dev/project", "/work"},
		{"subdirectory", "/home/dev/project/docs", "/work/docs"},
		{"nested subdirectory", "/home/dev/project/tests/unit", "/work/tests/unit"},
		{"outside the config directory", "/tmp/elsewhere", "/work"},
		{"parent directory", "/home/dev", "/work"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := sandboxEnv()
			env.Changedir = tt.changedir
			assert.Equal(t, tt.want, containerWorkdir(env))
		})
	}
}

func TestContainerToInfo(t *testing.T) {
	c := types.Container{
		ID:    "abc123",
		Names: []string{"/auxrun-sandbox-1"},
		State: "exited",
		Labels: map[string]string{
			LabelManagedBy: ManagedByValue,
			LabelEnv:       "sandbox",
		},
	}

	info := containerToInfo(c)

	assert.Equal(t, "abc123", info.ContainerID)
	assert.Equal(t, "auxrun-sandbox-1", info.ContainerName, "leading slash must be stripped")
	assert.Equal(t, "sandbox", info.EnvName)
	assert.Equal(t, "exited", info.Status)
}

func TestGroupContainersByEnv(t *testing.T) {
	containers := []model.ContainerInfo{
		{ContainerID: "a", EnvName: "sandbox"},
		{ContainerID: "b", EnvName: "integration"},
		{ContainerID: "c", EnvName: "sandbox"},
		{ContainerID: "d"}, // unattributable, skipped
	}

	groups := GroupContainersByEnv(containers)

	require.Len(t, groups, 2)
	assert.Len(t, groups["sandbox"], 2)
	assert.Len(t, groups["integration"], 1)
}
