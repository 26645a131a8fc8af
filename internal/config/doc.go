// Package config loads and resolves the auxrun configuration file.
//
// The canonical format is the tox.ini INI grammar: a [tox] core section,
// a [testenv] base section, and [testenv:NAME] override sections. A JSONC
// alternative (auxrun.json) carries the same data for projects that prefer
// commented JSON.
//
// Loading and resolution are separate phases:
//   - Load parses the file into raw sections without interpreting values.
//   - Resolve applies section inheritance ([testenv:NAME] → [testenv] →
//     built-in default), expands envlist factors, runs brace substitution
//     on every value, splits command lines into argv vectors, and
//     validates the result.
//
// The output of Resolve is a set of model.Environment values that contain
// no substitution tokens — downstream packages never see the raw file.
package config
