// Package pathutil provides path expansion and file discovery helpers.
//
// Configuration values and CLI flags may contain "~" and environment
// variable references ("$HOME", "${CI_PROJECT_DIR}"); Expand normalizes
// them into clean absolute-friendly paths. FindUpward implements the
// configuration file discovery walk used at startup.
package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Expand normalizes a user-supplied path: environment variables are
// substituted, a leading "~" or "~/" is replaced with the home directory,
// and the result is cleaned.
//
// Expansion order matters: variables first, so a value like "$WORKDIR"
// that itself expands to "~/builds" still gets the home directory applied.
func Expand(path string) string {
	expanded := os.ExpandEnv(path)

	if expanded == "~" || strings.HasPrefix(expanded, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			expanded = filepath.Join(home, strings.TrimPrefix(expanded, "~"))
		}
		// If the home directory cannot be determined the "~" is left
		// in place; downstream file operations will surface the error.
	}

	return filepath.Clean(expanded)
}

// AbsDirname returns the absolute path of the directory containing path,
// with "~" and environment variables expanded.
func AbsDirname(path string) (string, error) {
	dir := filepath.Dir(Expand(path))
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve directory of %q: %w", path, err)
	}
	return abs, nil
}

// FindUpward searches for the first of names that exists as a regular file
// in start or any of its parent directories, checking names in order within
// each directory before moving up. It returns the absolute path of the
// match.
//
// This is the configuration discovery rule: the nearest directory wins,
// and within a directory the caller's name preference wins.
func FindUpward(start string, names ...string) (string, error) {
	dir, err := filepath.Abs(Expand(start))
	if err != nil {
		return "", fmt.Errorf("failed to resolve search start %q: %w", start, err)
	}

	for {
		for _, name := range names {
			candidate := filepath.Join(dir, name)
			if info, statErr := os.Stat(candidate); statErr == nil && info.Mode().IsRegular() {
				return candidate, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached the filesystem root without a match.
			return "", fmt.Errorf("none of %v found in %s or any parent directory", names, start)
		}
		dir = parent
	}
}

// FirstExisting returns the first path in paths that exists on the
// filesystem, or an error naming all probed paths. Callers list paths from
// most-preferred to least-preferred.
func FirstExisting(paths []string) (string, error) {
	for _, path := range paths {
		expanded := Expand(path)
		if _, err := os.Stat(expanded); err == nil {
			return expanded, nil
		}
	}
	return "", fmt.Errorf("no file found at any of: %v", paths)
}
