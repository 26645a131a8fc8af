// substitute.go implements the brace substitution language used in
// configuration values, plus the two small parsers that feed it: envlist
// factor expansion and command-line splitting.
//
// Supported forms:
//
//	{toxinidir} {toxworkdir} {envname} {envdir} ...   token lookup
//	{posargs}  {posargs:default words}               CLI trailing arguments
//	{env:VAR}  {env:VAR:default}                     process environment
//	{[section]key}                                   cross-section reference
//	\{  \}                                           literal braces
//
// Unknown tokens are an error, as is a cross-section reference chain that
// never terminates.
package config

import (
	"fmt"
	"os"
	"strings"
)

// maxSubstitutionDepth bounds recursive {[section]key} expansion.
// A well-formed configuration resolves in two or three levels; hitting the
// bound means the references form a cycle.
const maxSubstitutionDepth = 16

// subContext carries everything substitution can draw on. One context is
// built per environment during resolution.
type subContext struct {
	// tokens maps bare token names ("toxinidir", "envname", ...) to their
	// replacement text.
	tokens map[string]string

	// posArgs holds the trailing CLI arguments for {posargs}. May be nil.
	posArgs []string

	// sections resolves {[section]key} references against the raw file.
	// Values fetched through it are themselves substituted.
	sections map[string]map[string]string

	// lookupEnv is os.LookupEnv, injectable for tests.
	lookupEnv func(string) (string, bool)
}

// newSubContext builds a substitution context with os.LookupEnv wired in.
func newSubContext(tokens map[string]string, posArgs []string, sections map[string]map[string]string) *subContext {
	return &subContext{
		tokens:    tokens,
		posArgs:   posArgs,
		sections:  sections,
		lookupEnv: os.LookupEnv,
	}
}

// substitute replaces every brace token in value. It is the entry point
// used by the resolver for every configuration value.
func (c *subContext) substitute(value string) (string, error) {
	return c.substituteDepth(value, 0)
}

func (c *subContext) substituteDepth(value string, depth int) (string, error) {
	if depth > maxSubstitutionDepth {
		return "", fmt.Errorf("substitution depth exceeded, cyclic {[section]key} reference?")
	}

	var out strings.Builder
	i := 0
	for i < len(value) {
		ch := value[i]

		// Backslash escapes for literal braces.
		if ch == '\\' && i+1 < len(value) && (value[i+1] == '{' || value[i+1] == '}') {
			out.WriteByte(value[i+1])
			i += 2
			continue
		}

		if ch != '{' {
			out.WriteByte(ch)
			i++
			continue
		}

		// Find the matching close brace. Tokens do not nest, so the first
		// unescaped '}' terminates the token.
		end := strings.IndexByte(value[i+1:], '}')
		if end < 0 {
			return "", fmt.Errorf("unterminated substitution token in %q", value)
		}
		token := value[i+1 : i+1+end]
		i += end + 2

		replacement, err := c.expandToken(token, depth)
		if err != nil {
			return "", err
		}
		out.WriteString(replacement)
	}

	return out.String(), nil
}

// expandToken resolves a single token body (the text between the braces).
func (c *subContext) expandToken(token string, depth int) (string, error) {
	switch {
	case token == "posargs":
		return strings.Join(c.posArgs, " "), nil

	case strings.HasPrefix(token, "posargs:"):
		// {posargs:default} — the default is used only when no trailing
		// arguments were given on the command line.
		if len(c.posArgs) > 0 {
			return strings.Join(c.posArgs, " "), nil
		}
		return c.substituteDepth(token[len("posargs:"):], depth+1)

	case strings.HasPrefix(token, "env:"):
		return c.expandEnvToken(token[len("env:"):], depth)

	case strings.HasPrefix(token, "["):
		return c.expandSectionToken(token, depth)

	default:
		if replacement, ok := c.tokens[token]; ok {
			return replacement, nil
		}
		return "", fmt.Errorf("unknown substitution token {%s}", token)
	}
}

// expandEnvToken handles {env:VAR} and {env:VAR:default}. An unset variable
// without a default is an error — silently substituting the empty string
// hides configuration mistakes.
func (c *subContext) expandEnvToken(body string, depth int) (string, error) {
	name, def, hasDefault := strings.Cut(body, ":")
	if name == "" {
		return "", fmt.Errorf("empty variable name in {env:...} token")
	}

	if val, ok := c.lookupEnv(name); ok {
		return val, nil
	}
	if hasDefault {
		return c.substituteDepth(def, depth+1)
	}
	return "", fmt.Errorf("environment variable %q is not set and {env:%s} has no default", name, name)
}

// expandSectionToken handles {[section]key} cross references. The fetched
// value is substituted recursively so sections can reference each other.
func (c *subContext) expandSectionToken(token string, depth int) (string, error) {
	closing := strings.IndexByte(token, ']')
	if closing < 0 {
		return "", fmt.Errorf("malformed section reference {%s}", token)
	}
	sectionName := token[1:closing]
	key := token[closing+1:]
	if sectionName == "" || key == "" {
		return "", fmt.Errorf("malformed section reference {%s}", token)
	}

	section, ok := c.sections[sectionName]
	if !ok {
		return "", fmt.Errorf("reference to unknown section {[%s]%s}", sectionName, key)
	}
	raw, ok := section[key]
	if !ok {
		return "", fmt.Errorf("reference to unknown key {[%s]%s}", sectionName, key)
	}

	return c.substituteDepth(raw, depth+1)
}

// expandFactors expands generative environment names like
// "py{27,34}-django{15,16}" into their cross product:
// py27-django15, py27-django16, py34-django15, py34-django16.
// A name without braces expands to itself.
func expandFactors(name string) ([]string, error) {
	open := strings.IndexByte(name, '{')
	if open < 0 {
		return []string{name}, nil
	}
	closing := strings.IndexByte(name[open:], '}')
	if closing < 0 {
		return nil, fmt.Errorf("unterminated factor group in %q", name)
	}
	closing += open

	prefix := name[:open]
	group := name[open+1 : closing]
	suffix := name[closing+1:]

	var expanded []string
	for _, alt := range strings.Split(group, ",") {
		// The suffix may contain further groups; recurse on the remainder.
		tails, err := expandFactors(suffix)
		if err != nil {
			return nil, err
		}
		for _, tail := range tails {
			expanded = append(expanded, prefix+strings.TrimSpace(alt)+tail)
		}
	}
	return expanded, nil
}

// splitCommand splits a command line into an argv vector. Single and double
// quotes group words; a backslash escapes the next character outside single
// quotes. This mirrors POSIX shell word splitting closely enough for
// configuration command lines, which by design never use shell operators
// (pipes and redirections belong in scripts, not command lists).
func splitCommand(line string) ([]string, error) {
	var argv []string
	var current strings.Builder
	inWord := false

	i := 0
	for i < len(line) {
		ch := line[i]
		switch {
		case ch == ' ' || ch == '\t':
			if inWord {
				argv = append(argv, current.String())
				current.Reset()
				inWord = false
			}
			i++

		case ch == '\'':
			inWord = true
			end := strings.IndexByte(line[i+1:], '\'')
			if end < 0 {
				return nil, fmt.Errorf("unterminated single quote in command %q", line)
			}
			current.WriteString(line[i+1 : i+1+end])
			i += end + 2

		case ch == '"':
			inWord = true
			i++
			for {
				if i >= len(line) {
					return nil, fmt.Errorf("unterminated double quote in command %q", line)
				}
				if line[i] == '\\' && i+1 < len(line) {
					current.WriteByte(line[i+1])
					i += 2
					continue
				}
				if line[i] == '"' {
					i++
					break
				}
				current.WriteByte(line[i])
				i++
			}

		case ch == '\\' && i+1 < len(line):
			inWord = true
			current.WriteByte(line[i+1])
			i += 2

		default:
			inWord = true
			current.WriteByte(ch)
			i++
		}
	}

	if inWord {
		argv = append(argv, current.String())
	}
	return argv, nil
}
