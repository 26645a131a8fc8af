// config.go implements the loading phase: discovering the configuration
// file and parsing it into raw, uninterpreted sections.
//
// Two formats are supported. The canonical tox.ini INI grammar is parsed
// with gopkg.in/ini.v1 (Python-style multiline values enabled, since
// dependency and command lists are conventionally written as indented
// continuation lines). The auxrun.json alternative is JSONC — JSON with
// comments — stripped with github.com/tidwall/jsonc before parsing with
// the standard encoding/json, the same approach the format's consumers
// use elsewhere.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/ini.v1"

	"github.com/adamchainz/auxlib/internal/model"
	"github.com/adamchainz/auxlib/internal/pathutil"
)

// CoreSection is the name of the tool-level section ("[tox]").
const CoreSection = "tox"

// BaseEnvSection is the name of the shared environment section
// ("[testenv]") that every named environment inherits from.
const BaseEnvSection = "testenv"

// envSectionPrefix prefixes per-environment sections ("[testenv:pep8]").
const envSectionPrefix = BaseEnvSection + ":"

// DefaultFileNames lists the configuration file names probed during
// discovery, in preference order within each directory.
var DefaultFileNames = []string{"tox.ini", "auxrun.ini", "auxrun.json"}

// File is the raw, parsed-but-uninterpreted configuration file.
// Values still contain substitution tokens; sections have not been merged.
type File struct {
	// Path is the absolute path of the configuration file.
	Path string

	// Dir is the directory containing the file — the {toxinidir} value.
	Dir string

	// sections maps full section names ("tox", "testenv", "testenv:pep8",
	// arbitrary extra sections) to their raw key/value pairs. Extra
	// sections are kept because {[section]key} references may target them.
	sections map[string]map[string]string
}

// Discover locates the configuration file by walking upward from startDir,
// probing DefaultFileNames in each directory.
//
// Returns a CLIError with ExitConfigError when no file is found, since a
// missing configuration is unrecoverable for every command.
func Discover(startDir string) (string, error) {
	path, err := pathutil.FindUpward(startDir, DefaultFileNames...)
	if err != nil {
		return "", model.WrapCLIError(model.ExitConfigError, "no configuration file found", err)
	}
	return path, nil
}

// Load reads and parses the configuration file at path. The format is
// chosen by extension: ".json" is parsed as JSONC, everything else as INI.
func Load(path string) (*File, error) {
	abs, err := filepath.Abs(pathutil.Expand(path))
	if err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError,
			fmt.Sprintf("failed to resolve configuration path %q", path), err)
	}

	if filepath.Ext(abs) == ".json" {
		return loadJSONC(abs)
	}
	return loadINI(abs)
}

// loadINI parses a tox.ini-grammar file.
func loadINI(path string) (*File, error) {
	// AllowPythonMultilineValues accepts the indented continuation lines
	// that dependency and command lists are written with. Shadow loading
	// and booleans-without-values are deliberately NOT enabled — a key
	// must always carry a value in this grammar.
	iniFile, err := ini.LoadSources(ini.LoadOptions{
		AllowPythonMultilineValues: true,
	}, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.WrapCLIError(model.ExitConfigError,
				fmt.Sprintf("configuration file not found: %s", path), err)
		}
		return nil, model.WrapCLIError(model.ExitConfigError,
			fmt.Sprintf("failed to parse %s", path), err)
	}

	sections := make(map[string]map[string]string)
	for _, section := range iniFile.Sections() {
		name := section.Name()
		if name == ini.DefaultSection {
			// Top-of-file keys outside any section header are not part
			// of the grammar; ignore the implicit default section.
			continue
		}
		sections[name] = section.KeysHash()
	}

	return &File{
		Path:     path,
		Dir:      filepath.Dir(path),
		sections: sections,
	}, nil
}

// jsonConfig mirrors the auxrun.json document shape. Environment values
// reuse jsonSection, whose fields accept either a string or an array of
// strings for list-valued keys.
type jsonConfig struct {
	// Tox holds the core section ("[tox]" equivalent).
	Tox map[string]json.RawMessage `json:"tox"`

	// TestEnv holds the shared base section ("[testenv]" equivalent).
	TestEnv map[string]json.RawMessage `json:"testenv"`

	// Environments maps environment names to their override sections.
	Environments map[string]map[string]json.RawMessage `json:"environments"`
}

// loadJSONC parses an auxrun.json file. Comments and trailing commas are
// stripped first, so the file may be annotated freely.
func loadJSONC(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.WrapCLIError(model.ExitConfigError,
				fmt.Sprintf("configuration file not found: %s", path), err)
		}
		return nil, model.WrapCLIError(model.ExitConfigError,
			fmt.Sprintf("failed to read %s", path), err)
	}

	var doc jsonConfig
	if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError,
			fmt.Sprintf("failed to parse %s", path), err)
	}

	sections := make(map[string]map[string]string)
	if doc.Tox != nil {
		core, err := jsonSectionToRaw(doc.Tox)
		if err != nil {
			return nil, model.WrapCLIError(model.ExitConfigError,
				fmt.Sprintf("invalid \"tox\" section in %s", path), err)
		}
		sections[CoreSection] = core
	}
	if doc.TestEnv != nil {
		base, err := jsonSectionToRaw(doc.TestEnv)
		if err != nil {
			return nil, model.WrapCLIError(model.ExitConfigError,
				fmt.Sprintf("invalid \"testenv\" section in %s", path), err)
		}
		sections[BaseEnvSection] = base
	}
	for name, raw := range doc.Environments {
		section, err := jsonSectionToRaw(raw)
		if err != nil {
			return nil, model.WrapCLIError(model.ExitConfigError,
				fmt.Sprintf("invalid environment %q in %s", name, path), err)
		}
		sections[envSectionPrefix+name] = section
	}

	return &File{
		Path:     path,
		Dir:      filepath.Dir(path),
		sections: sections,
	}, nil
}

// jsonSectionToRaw normalizes a JSON section into the raw string form the
// INI path produces: arrays become newline-joined lists, booleans and
// numbers become their literal text. This lets both formats share the
// resolution code unchanged.
func jsonSectionToRaw(section map[string]json.RawMessage) (map[string]string, error) {
	out := make(map[string]string, len(section))
	for key, raw := range section {
		var asString string
		if err := json.Unmarshal(raw, &asString); err == nil {
			out[key] = asString
			continue
		}

		var asList []string
		if err := json.Unmarshal(raw, &asList); err == nil {
			out[key] = strings.Join(asList, "\n")
			continue
		}

		var asBool bool
		if err := json.Unmarshal(raw, &asBool); err == nil {
			out[key] = fmt.Sprintf("%t", asBool)
			continue
		}

		var asNumber float64
		if err := json.Unmarshal(raw, &asNumber); err == nil {
			out[key] = strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", asNumber), "0"), ".")
			continue
		}

		return nil, fmt.Errorf("key %q: value must be a string, list of strings, boolean or number", key)
	}
	return out, nil
}

// EnvSectionNames returns the names of all explicitly declared environments
// ([testenv:NAME] sections), sorted for stable output.
func (f *File) EnvSectionNames() []string {
	var names []string
	for section := range f.sections {
		if strings.HasPrefix(section, envSectionPrefix) {
			names = append(names, strings.TrimPrefix(section, envSectionPrefix))
		}
	}
	sort.Strings(names)
	return names
}

// lookup returns the raw value of key for the named environment using the
// chained first-found rule: the environment's own section wins, then the
// shared [testenv] section, then the supplied default.
//
// This is the inheritance mechanism of the grammar — a per-environment
// section only ever records deviations from the base.
func (f *File) lookup(envName, key, fallback string) string {
	if section, ok := f.sections[envSectionPrefix+envName]; ok {
		if value, ok := section[key]; ok {
			return value
		}
	}
	if section, ok := f.sections[BaseEnvSection]; ok {
		if value, ok := section[key]; ok {
			return value
		}
	}
	return fallback
}

// coreValue returns a raw value from the [tox] core section.
func (f *File) coreValue(key, fallback string) string {
	if section, ok := f.sections[CoreSection]; ok {
		if value, ok := section[key]; ok {
			return value
		}
	}
	return fallback
}
