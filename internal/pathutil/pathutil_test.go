package pathutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestExpand_EnvironmentVariables verifies that $VAR and ${VAR} references
// are substituted before cleaning.
func TestExpand_EnvironmentVariables(t *testing.T) {
	t.Setenv("AUXRUN_TEST_DIR", "/srv/builds")

	assert.Equal(t, "/srv/builds/report", Expand("$AUXRUN_TEST_DIR/report"))
	assert.Equal(t, "/srv/builds/report", Expand("${AUXRUN_TEST_DIR}//report/."))
}

// TestExpand_Home verifies "~" expansion against the real home directory.
func TestExpand_Home(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, home, Expand("~"))
	assert.Equal(t, filepath.Join(home, ".cache"), Expand("~/.cache"))

	// A "~" that is not a path prefix is left alone — "~user" syntax is
	// not supported, matching os.UserHomeDir's scope.
	assert.Equal(t, "/tmp/~backup", Expand("/tmp/~backup"))
}

func TestAbsDirname(t *testing.T) {
	dir, err := AbsDirname("/var/log/auxrun/run.log")
	require.NoError(t, err)
	assert.Equal(t, "/var/log/auxrun", dir)
}

// TestFindUpward verifies the nearest-directory-wins walk and the
// name-preference order within a single directory.
func TestFindUpward(t *testing.T) {
	// Layout:
	//   root/tox.ini
	//   root/sub/auxrun.ini
	//   root/sub/deeper/        (empty)
	root := t.TempDir()
	sub := filepath.Join(root, "sub")
	deeper := filepath.Join(sub, "deeper")
	require.NoError(t, os.MkdirAll(deeper, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "tox.ini"), []byte("[tox]\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "auxrun.ini"), []byte("[tox]\n"), 0o644))

	// From deeper: sub/auxrun.ini is nearer than root/tox.ini even though
	// tox.ini is listed first.
	found, err := FindUpward(deeper, "tox.ini", "auxrun.ini")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(sub, "auxrun.ini"), found)

	// From root: tox.ini wins directly.
	found, err = FindUpward(root, "tox.ini", "auxrun.ini")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "tox.ini"), found)
}

func TestFindUpward_NotFound(t *testing.T) {
	_, err := FindUpward(t.TempDir(), "definitely-not-here.ini")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "definitely-not-here.ini")
}

// TestFindUpward_SkipsDirectories verifies that a directory with a matching
// name does not satisfy the search — only regular files count.
func TestFindUpward_SkipsDirectories(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub", "tox.ini"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "tox.ini"), []byte("[tox]\n"), 0o644))

	found, err := FindUpward(filepath.Join(root, "sub"), "tox.ini")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "tox.ini"), found)
}

func TestFirstExisting(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "present.txt")
	require.NoError(t, os.WriteFile(present, []byte("x"), 0o644))

	found, err := FirstExisting([]string{
		filepath.Join(dir, "missing.txt"),
		present,
	})
	require.NoError(t, err)
	assert.Equal(t, present, found)

	_, err = FirstExisting([]string{filepath.Join(dir, "missing.txt")})
	assert.Error(t, err)
}
