package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testContext builds a subContext with a fixed token table, posargs, raw
// sections and a stubbed environment lookup, so substitution tests never
// touch the real process environment.
func testContext(posArgs []string) *subContext {
	ctx := newSubContext(
		map[string]string{
			"toxinidir":  "/proj",
			"toxworkdir": "/proj/.tox",
			"envname":    "pep8",
			"envdir":     "/proj/.tox/pep8",
		},
		posArgs,
		map[string]map[string]string{
			"testenv":      {"deps": "pytest\npytest-cov"},
			"testenv:pep8": {"deps": "flake8"},
			"vars":         {"a": "{[vars]b}", "b": "{[vars]a}"},
		},
	)
	ctx.lookupEnv = func(name string) (string, bool) {
		if name == "CI" {
			return "true", true
		}
		return "", false
	}
	return ctx
}

func TestSubstitute_Tokens(t *testing.T) {
	ctx := testContext(nil)

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"no tokens", "flake8 auxlib tests", "flake8 auxlib tests"},
		{"single token", "--cov-report={toxworkdir}/cov", "--cov-report=/proj/.tox/cov"},
		{"multiple tokens", "{envname}:{envdir}", "pep8:/proj/.tox/pep8"},
		{"escaped braces", `\{literal\}`, "{literal}"},
		{"adjacent tokens", "{toxinidir}{envname}", "/projpep8"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ctx.substitute(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSubstitute_UnknownToken(t *testing.T) {
	ctx := testContext(nil)

	_, err := ctx.substitute("hello {nope}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown substitution token {nope}")
}

func TestSubstitute_Unterminated(t *testing.T) {
	ctx := testContext(nil)

	_, err := ctx.substitute("hello {envname")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unterminated")
}

// TestSubstitute_PosArgs covers both the bare and defaulted forms:
// trailing CLI arguments always win, and the default applies only when
// none were given.
func TestSubstitute_PosArgs(t *testing.T) {
	withArgs := testContext([]string{"tests/unit", "-x"})
	got, err := withArgs.substitute("py.test {posargs}")
	require.NoError(t, err)
	assert.Equal(t, "py.test tests/unit -x", got)

	got, err = withArgs.substitute("py.test {posargs:tests}")
	require.NoError(t, err)
	assert.Equal(t, "py.test tests/unit -x", got)

	withoutArgs := testContext(nil)
	got, err = withoutArgs.substitute("py.test {posargs}")
	require.NoError(t, err)
	assert.Equal(t, "py.test ", got)

	got, err = withoutArgs.substitute("py.test {posargs:tests -q}")
	require.NoError(t, err)
	assert.Equal(t, "py.test tests -q", got)
}

func TestSubstitute_EnvVar(t *testing.T) {
	ctx := testContext(nil)

	got, err := ctx.substitute("ci={env:CI}")
	require.NoError(t, err)
	assert.Equal(t, "ci=true", got)

	// Default used when the variable is unset.
	got, err = ctx.substitute("{env:MISSING:fallback}")
	require.NoError(t, err)
	assert.Equal(t, "fallback", got)

	// Unset without a default is an error, not an empty string.
	_, err = ctx.substitute("{env:MISSING}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MISSING")
}

// TestSubstitute_SectionReference covers {[section]key} lookup, including
// the cross-environment reuse pattern ("deps = {[testenv]deps}").
func TestSubstitute_SectionReference(t *testing.T) {
	ctx := testContext(nil)

	got, err := ctx.substitute("{[testenv]deps}")
	require.NoError(t, err)
	assert.Equal(t, "pytest\npytest-cov", got)

	got, err = ctx.substitute("{[testenv:pep8]deps}")
	require.NoError(t, err)
	assert.Equal(t, "flake8", got)

	_, err = ctx.substitute("{[nosuch]key}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown section")

	_, err = ctx.substitute("{[testenv]nosuch}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown key")
}

// TestSubstitute_CyclicReference verifies the depth bound turns a
// reference cycle into an error instead of unbounded recursion.
func TestSubstitute_CyclicReference(t *testing.T) {
	ctx := testContext(nil)

	_, err := ctx.substitute("{[vars]a}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "substitution depth exceeded")
}

// --- expandFactors tests ---

func TestExpandFactors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"plain name", "pep8", []string{"pep8"}},
		{"single group", "py{27,34}", []string{"py27", "py34"}},
		{
			"cross product",
			"py{27,34}-django{15,16}",
			[]string{"py27-django15", "py27-django16", "py34-django15", "py34-django16"},
		},
		{"group with suffix", "{a,b}-cov", []string{"a-cov", "b-cov"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := expandFactors(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExpandFactors_Unterminated(t *testing.T) {
	_, err := expandFactors("py{27,34")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unterminated factor group")
}

// --- splitCommand tests ---

func TestSplitCommand(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"simple", "flake8 auxlib tests", []string{"flake8", "auxlib", "tests"}},
		{"collapses whitespace", "pip  install   pytest", []string{"pip", "install", "pytest"}},
		{
			"double quotes",
			`python -c "print('devenv ready')"`,
			[]string{"python", "-c", "print('devenv ready')"},
		},
		{"single quotes", "echo 'a b' c", []string{"echo", "a b", "c"}},
		{"escaped space", `echo a\ b`, []string{"echo", "a b"}},
		{"empty quoted arg", `run ""`, []string{"run", ""}},
		{"escaped quote in double quotes", `echo "say \"hi\""`, []string{"echo", `say "hi"`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := splitCommand(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSplitCommand_UnterminatedQuotes(t *testing.T) {
	_, err := splitCommand(`echo "open`)
	assert.Error(t, err)

	_, err = splitCommand("echo 'open")
	assert.Error(t, err)
}
