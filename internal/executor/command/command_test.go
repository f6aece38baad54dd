package command

import (
	"errors"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLookPath resolves only the names in found, mapping each to a
// deterministic path.
func fakeLookPath(t *testing.T, found ...string) {
	t.Helper()
	orig := lookPath
	set := make(map[string]string, len(found))
	for _, name := range found {
		set[name] = "/usr/bin/" + name
	}
	lookPath = func(name string) (string, error) {
		if path, ok := set[name]; ok {
			return path, nil
		}
		return "", exec.ErrNotFound
	}
	t.Cleanup(func() { lookPath = orig })
}

func TestResolveDirect(t *testing.T) {
	fakeLookPath(t, "claude")

	inv, err := NewBuilder("claude", "-p", "--verbose").Resolve()
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/claude", inv.Path)
	assert.Equal(t, []string{"-p", "--verbose"}, inv.Args)
	assert.False(t, inv.ViaNpx)
}

func TestResolveNpxFallback(t *testing.T) {
	fakeLookPath(t, "npx")

	inv, err := NewBuilder("claude", "-p").
		WithNpmFallback("@anthropic-ai/claude-code").
		Resolve()
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/npx", inv.Path)
	assert.Equal(t, []string{"--yes", "@anthropic-ai/claude-code", "-p"}, inv.Args)
	assert.True(t, inv.ViaNpx)
}

func TestResolveNotFound(t *testing.T) {
	fakeLookPath(t)

	_, err := NewBuilder("gemini").Resolve()
	var enf *ExecutableNotFoundError
	require.True(t, errors.As(err, &enf))
	assert.Equal(t, "gemini", enf.Executable)
}

func TestResolveNotFoundWithFallbackMissing(t *testing.T) {
	fakeLookPath(t)

	_, err := NewBuilder("gemini").WithNpmFallback("@google/gemini-cli").Resolve()
	var enf *ExecutableNotFoundError
	require.True(t, errors.As(err, &enf))
	assert.Contains(t, enf.Error(), "npx fallback")
}

func TestApplyOverrides(t *testing.T) {
	fakeLookPath(t, "my-claude")

	inv, err := NewBuilder("claude", "-p").
		WithNpmFallback("@anthropic-ai/claude-code").
		Apply(Overrides{
			Executable: "my-claude",
			ExtraArgs:  []string{"--model", "opus"},
			Env:        []string{"FOO=bar"},
			Dir:        "/work",
		}).
		Resolve()
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/my-claude", inv.Path)
	assert.Equal(t, []string{"-p", "--model", "opus"}, inv.Args)
	assert.Equal(t, []string{"FOO=bar"}, inv.Env)
	assert.Equal(t, "/work", inv.Dir)
}

func TestOverriddenExecutableDisablesFallback(t *testing.T) {
	fakeLookPath(t, "npx")

	_, err := NewBuilder("claude").
		WithNpmFallback("@anthropic-ai/claude-code").
		Apply(Overrides{Executable: "custom-claude"}).
		Resolve()
	var enf *ExecutableNotFoundError
	require.True(t, errors.As(err, &enf))
	assert.Equal(t, "custom-claude", enf.Executable)
}

func TestAvailable(t *testing.T) {
	fakeLookPath(t, "npx")

	assert.False(t, NewBuilder("claude").Available())
	assert.True(t, NewBuilder("claude").WithNpmFallback("@anthropic-ai/claude-code").Available())
}
