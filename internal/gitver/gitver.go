// Package gitver detects the project version from the working tree.
//
// The lookup order is:
//  1. A ".version" file in the project directory (exact contents win;
//     this is how release tarballs without git metadata carry a version).
//  2. "git describe --tags" on the project directory, augmented with a
//     dirty-tree marker.
//
// Outside a git repository, and without a .version file, detection fails
// with ErrNotRepo rather than inventing a value.
//
// Design decisions:
//   - We shell out to `git` rather than using a Go Git library because
//     describe/status output must match what developers see on the command
//     line, tags included.
//   - All errors from git commands other than "not a repository" are
//     wrapped in model.CLIError with ExitGitError.
package gitver

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/adamchainz/auxlib/internal/model"
)

// ErrNotRepo is returned when the directory is not inside a git repository
// and no .version file is present.
var ErrNotRepo = errors.New("not a git repository")

// versionFileName is the plain-text version override file. Its presence
// short-circuits git entirely.
const versionFileName = ".version"

// Version describes the detected project version.
type Version struct {
	// Tag is the most recent reachable tag (e.g. "0.4.2"), or the full
	// contents of the .version file.
	Tag string

	// Distance is the number of commits since Tag. Zero when HEAD is
	// exactly on the tag, and always zero for .version-file versions.
	Distance int

	// Hash is the abbreviated commit hash (7 characters), empty for
	// .version-file versions.
	Hash string

	// Dirty reports uncommitted changes in the working tree.
	Dirty bool
}

// String renders the version in describe style: "0.4.2", or
// "0.4.2+3.g1a2b3c4" when ahead of the tag, with a ".dirty" suffix for
// modified trees.
func (v Version) String() string {
	s := v.Tag
	if v.Distance > 0 {
		s = fmt.Sprintf("%s+%d.g%s", v.Tag, v.Distance, v.Hash)
	}
	if v.Dirty {
		s += ".dirty"
	}
	return s
}

// Describe detects the version of the project rooted at dir.
//
// A .version file takes precedence over git metadata. When neither source
// is available the error is ErrNotRepo, which callers treat as "no version
// known" rather than a failure.
func Describe(dir string) (Version, error) {
	// Step 1: .version file override.
	data, err := os.ReadFile(filepath.Join(dir, versionFileName))
	if err == nil {
		tag := strings.TrimSpace(string(data))
		if tag != "" {
			return Version{Tag: tag}, nil
		}
		// An empty .version file is ignored and git is consulted instead.
	}

	// Step 2: git describe.
	if !IsRepo(dir) {
		return Version{}, ErrNotRepo
	}

	// --long forces the "<tag>-<distance>-g<hash>" form even when HEAD is
	// exactly on a tag, which keeps parsing uniform.
	out, err := runGit(dir, "describe", "--tags", "--long", "--abbrev=7")
	if err != nil {
		return Version{}, err
	}

	v, err := parseDescribe(strings.TrimSpace(out))
	if err != nil {
		return Version{}, model.WrapCLIError(model.ExitGitError, "unparseable git describe output", err)
	}

	dirty, err := isDirty(dir)
	if err != nil {
		return Version{}, err
	}
	v.Dirty = dirty

	return v, nil
}

// IsRepo reports whether dir is inside a git working tree.
//
// Uses `git rev-parse --is-inside-work-tree`, which exits non-zero outside
// a repository. The output is checked as well because rev-parse prints
// "false" inside a bare .git directory.
func IsRepo(dir string) bool {
	out, err := runGit(dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// Hash returns the abbreviated (7 character) commit hash of HEAD.
func Hash(dir string) (string, error) {
	if !IsRepo(dir) {
		return "", ErrNotRepo
	}
	out, err := runGit(dir, "rev-parse", "--short=7", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// isDirty reports whether the working tree has uncommitted changes,
// untracked files excluded.
func isDirty(dir string) (bool, error) {
	out, err := runGit(dir, "status", "--porcelain", "--untracked-files=no")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// parseDescribe splits "0.4.2-3-g1a2b3c4" into its tag, distance and hash
// parts. Tags may themselves contain hyphens, so the split is anchored on
// the last two separators.
func parseDescribe(out string) (Version, error) {
	// Split from the right: ...-<distance>-g<hash>.
	lastDash := strings.LastIndex(out, "-")
	if lastDash < 0 {
		return Version{}, fmt.Errorf("missing hash segment in %q", out)
	}
	hashPart := out[lastDash+1:]
	rest := out[:lastDash]

	secondDash := strings.LastIndex(rest, "-")
	if secondDash < 0 {
		return Version{}, fmt.Errorf("missing distance segment in %q", out)
	}
	distancePart := rest[secondDash+1:]
	tag := rest[:secondDash]

	if !strings.HasPrefix(hashPart, "g") {
		return Version{}, fmt.Errorf("hash segment %q does not start with 'g'", hashPart)
	}
	distance, err := strconv.Atoi(distancePart)
	if err != nil {
		return Version{}, fmt.Errorf("distance segment %q is not a number", distancePart)
	}
	if tag == "" {
		return Version{}, fmt.Errorf("empty tag in %q", out)
	}

	return Version{
		Tag:      tag,
		Distance: distance,
		Hash:     strings.TrimPrefix(hashPart, "g"),
	}, nil
}

// runGit executes a git command with the given arguments against the
// specified directory.
//
// The dir parameter is passed to git via the -C flag, which causes git to
// change to that directory before doing anything else. This avoids the
// need to change the process's working directory.
func runGit(dir string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", dir}, args...)

	// #nosec G204 — args are constructed internally, not from user input
	cmd := exec.Command("git", fullArgs...)

	// Capture stdout and stderr separately so we can include stderr
	// in error messages while returning stdout on success.
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		stderrStr := strings.TrimSpace(stderr.String())
		message := fmt.Sprintf("git %s failed", strings.Join(args, " "))
		if stderrStr != "" {
			message = fmt.Sprintf("%s: %s", message, stderrStr)
		}
		return "", model.WrapCLIError(model.ExitGitError, message, err)
	}

	return stdout.String(), nil
}
