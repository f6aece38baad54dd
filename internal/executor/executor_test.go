package executor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVariantsClosedSet(t *testing.T) {
	for _, v := range Variants() {
		assert.True(t, v.Valid(), "variant %s", v)
	}
	assert.False(t, Variant("cursor").Valid())

	_, err := CapabilitiesOf(Variant("cursor"))
	assert.ErrorIs(t, err, ErrUnknownVariant)
}

func TestCapabilities(t *testing.T) {
	claude, err := CapabilitiesOf(VariantClaude)
	require.NoError(t, err)
	assert.True(t, claude.SessionFork)
	assert.True(t, claude.ToolApprovals)
	assert.True(t, claude.MCP)

	gemini, err := CapabilitiesOf(VariantGemini)
	require.NoError(t, err)
	assert.False(t, gemini.SessionFork)
	assert.False(t, gemini.ToolApprovals)
	assert.True(t, gemini.MCP)
}

func TestBuildCommandPrecedence(t *testing.T) {
	fake := filepath.Join(t.TempDir(), "gemini")
	require.NoError(t, os.WriteFile(fake, []byte("#!/bin/sh\n"), 0o755))

	cfg := AgentConfig{
		Variant:         VariantGemini,
		CommandOverride: fake,
		ExtraArgs:       []string{"--debug"},
		Env:             []string{"GEMINI_SANDBOX=none"},
		Workdir:         "/work",
	}
	b, err := buildCommand(cfg, profiles[VariantGemini].initialArgs("do things"))
	require.NoError(t, err)

	inv, err := b.Resolve()
	require.NoError(t, err)
	assert.Equal(t, fake, inv.Path)
	assert.Equal(t, []string{"--yolo", "--prompt", "do things", "--debug"}, inv.Args)
	assert.Equal(t, []string{"GEMINI_SANDBOX=none"}, inv.Env)
	assert.Equal(t, "/work", inv.Dir)
}

func TestBuildCommandUnknownVariant(t *testing.T) {
	_, err := buildCommand(AgentConfig{Variant: "nope"}, nil)
	assert.ErrorIs(t, err, ErrUnknownVariant)
}

func TestMCPSpecPerVariant(t *testing.T) {
	spec, ok := MCPSpec(AgentConfig{Variant: VariantClaude, MCPConfigPath: "/home/u/.claude.json"})
	require.True(t, ok)
	assert.Equal(t, []string{"mcpServers"}, spec.ServersPath)

	spec, ok = MCPSpec(AgentConfig{Variant: VariantCodex, MCPConfigPath: "/home/u/.codex/config.toml"})
	require.True(t, ok)
	assert.Equal(t, []string{"mcp_servers"}, spec.ServersPath)

	_, ok = MCPSpec(AgentConfig{Variant: VariantClaude})
	assert.False(t, ok, "no path means no spec")
}

func TestConfigureMCP(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".claude.json")
	cfg := AgentConfig{Variant: VariantClaude, MCPConfigPath: path}

	require.NoError(t, ConfigureMCP(cfg, map[string]any{
		"context7": map[string]any{"command": "npx"},
	}))

	servers, err := ReadMCPServers(cfg)
	require.NoError(t, err)
	assert.Contains(t, servers, "context7")

	err = ConfigureMCP(AgentConfig{Variant: VariantGemini}, nil)
	assert.ErrorIs(t, err, ErrMCPUnsupported)
}

func TestApplySuffix(t *testing.T) {
	cfg := AgentConfig{Variant: VariantClaude, PromptSuffix: "Always run the tests."}
	assert.Equal(t, "fix the bug\n\nAlways run the tests.", applySuffix(cfg, "fix the bug"))

	assert.Equal(t, "fix the bug", applySuffix(AgentConfig{}, "fix the bug"))
}
