// Package executor launches CLI coding agents as supervised child
// processes behind one uniform contract: spawn, follow up, normalized
// patch log, tool approvals, MCP configuration.
package executor

import (
	"errors"
	"fmt"

	"github.com/agentdeck/agentdeck/internal/executor/command"
	"github.com/agentdeck/agentdeck/internal/executor/mcpconfig"
)

// Variant identifies a supported agent CLI. The set is closed: adding
// an agent means adding a variant here plus its profile below, not
// registering arbitrary implementations at runtime.
type Variant string

const (
	VariantClaude   Variant = "claude-code"
	VariantCodex    Variant = "codex"
	VariantGemini   Variant = "gemini"
	VariantOpencode Variant = "opencode"
)

// Variants lists every supported variant.
func Variants() []Variant {
	return []Variant{VariantClaude, VariantCodex, VariantGemini, VariantOpencode}
}

// Valid reports whether v names a supported agent.
func (v Variant) Valid() bool {
	_, ok := profiles[v]
	return ok
}

// Capabilities are the per-variant feature flags callers must check
// before relying on optional behavior.
type Capabilities struct {
	// SessionFork: the agent can resume a previous session from its
	// native session id.
	SessionFork bool
	// ToolApprovals: the agent asks permission for tool use over the
	// stdio protocol.
	ToolApprovals bool
	// MCP: the agent reads an MCP server map from a config file.
	MCP bool
}

// ingestMode selects the normalization strategy for a variant's stdout.
type ingestMode int

const (
	ingestLines ingestMode = iota
	ingestStructured
	ingestProtocol // structured stream with an in-band control protocol
)

var (
	// ErrUnknownVariant is returned for variants outside the closed set.
	ErrUnknownVariant = errors.New("executor: unknown agent variant")
	// ErrFollowUpNotSupported is returned when a resume is requested for
	// a variant without SessionFork, or no native session id was ever
	// captured. No process is spawned.
	ErrFollowUpNotSupported = errors.New("executor: follow-up not supported")
	// ErrMCPUnsupported is returned when MCP configuration is requested
	// for a variant without MCP support or without a config path.
	ErrMCPUnsupported = errors.New("executor: mcp not supported")
)

// AgentConfig is the resolved configuration for one run. It arrives
// fully merged from the profile layer; the executor performs no
// default/override resolution of its own.
type AgentConfig struct {
	Variant Variant `json:"variant" mapstructure:"variant"`

	// CommandOverride replaces the variant's default executable.
	CommandOverride string   `json:"command_override,omitempty" mapstructure:"command_override"`
	ExtraArgs       []string `json:"extra_args,omitempty" mapstructure:"extra_args"`
	Env             []string `json:"env,omitempty" mapstructure:"env"`

	// PromptSuffix is appended to every prompt sent in this config.
	PromptSuffix string `json:"prompt_suffix,omitempty" mapstructure:"prompt_suffix"`

	// ApprovalsEnabled turns on the permission protocol for variants
	// that support it.
	ApprovalsEnabled bool `json:"approvals_enabled,omitempty" mapstructure:"approvals_enabled"`

	// MCPConfigPath overrides the variant's default MCP config
	// location.
	MCPConfigPath string `json:"mcp_config_path,omitempty" mapstructure:"mcp_config_path"`

	// Workdir is the working directory for the child. Supplied by the
	// workspace layer; the executor creates nothing.
	Workdir string `json:"workdir,omitempty" mapstructure:"workdir"`
}

// profile is the static description of one agent variant.
type profile struct {
	executable string
	// npmPackage enables the package-runner fallback when the
	// executable is missing from PATH.
	npmPackage   string
	capabilities Capabilities
	mode         ingestMode

	// initialArgs builds argv for a fresh run. For stdin-prompt
	// variants the prompt travels over the wire instead and prompt is
	// ignored here.
	initialArgs func(prompt string) []string
	// resumeArgs builds argv for a follow-up run. Nil when SessionFork
	// is off.
	resumeArgs func(nativeID, prompt string) []string
	// promptOverStdin: deliver the prompt through the protocol client
	// rather than argv.
	promptOverStdin bool

	// mcp locates the variant's server map. Nil when MCP is off.
	mcp func(configPath string) mcpconfig.Spec
}

var profiles = map[Variant]*profile{
	VariantClaude: {
		executable: "claude",
		npmPackage: "@anthropic-ai/claude-code",
		capabilities: Capabilities{
			SessionFork:   true,
			ToolApprovals: true,
			MCP:           true,
		},
		mode:            ingestProtocol,
		promptOverStdin: true,
		initialArgs: func(string) []string {
			return []string{
				"-p",
				"--verbose",
				"--output-format=stream-json",
				"--input-format=stream-json",
			}
		},
		resumeArgs: func(nativeID, _ string) []string {
			return []string{
				"-p",
				"--verbose",
				"--output-format=stream-json",
				"--input-format=stream-json",
				"--resume", nativeID,
			}
		},
		mcp: func(configPath string) mcpconfig.Spec {
			return mcpconfig.Spec{
				Path:        configPath,
				Format:      mcpconfig.FormatJSON,
				ServersPath: []string{"mcpServers"},
			}
		},
	},
	VariantCodex: {
		executable: "codex",
		npmPackage: "@openai/codex",
		capabilities: Capabilities{
			SessionFork: true,
			MCP:         true,
		},
		mode: ingestStructured,
		initialArgs: func(prompt string) []string {
			return []string{"exec", "--json", prompt}
		},
		resumeArgs: func(nativeID, prompt string) []string {
			return []string{"exec", "--json", "resume", nativeID, prompt}
		},
		mcp: func(configPath string) mcpconfig.Spec {
			return mcpconfig.Spec{
				Path:        configPath,
				Format:      mcpconfig.FormatTOML,
				ServersPath: []string{"mcp_servers"},
			}
		},
	},
	VariantGemini: {
		executable: "gemini",
		npmPackage: "@google/gemini-cli",
		capabilities: Capabilities{
			MCP: true,
		},
		mode: ingestLines,
		initialArgs: func(prompt string) []string {
			return []string{"--yolo", "--prompt", prompt}
		},
		mcp: func(configPath string) mcpconfig.Spec {
			return mcpconfig.Spec{
				Path:        configPath,
				Format:      mcpconfig.FormatJSON,
				ServersPath: []string{"mcpServers"},
			}
		},
	},
	VariantOpencode: {
		executable: "opencode",
		npmPackage: "opencode-ai",
		capabilities: Capabilities{
			SessionFork: true,
			MCP:         true,
		},
		mode: ingestLines,
		initialArgs: func(prompt string) []string {
			return []string{"run", prompt}
		},
		resumeArgs: func(nativeID, prompt string) []string {
			return []string{"run", "--session", nativeID, prompt}
		},
		mcp: func(configPath string) mcpconfig.Spec {
			return mcpconfig.Spec{
				Path:        configPath,
				Format:      mcpconfig.FormatJSON,
				ServersPath: []string{"mcp"},
			}
		},
	},
}

// CapabilitiesOf returns the variant's feature flags.
func CapabilitiesOf(v Variant) (Capabilities, error) {
	p, ok := profiles[v]
	if !ok {
		return Capabilities{}, fmt.Errorf("%w: %s", ErrUnknownVariant, v)
	}
	return p.capabilities, nil
}

// buildCommand assembles the invocation builder for a run. Deterministic
// and side-effect free; resolution against PATH happens in Resolve.
func buildCommand(cfg AgentConfig, args []string) (*command.Builder, error) {
	p, ok := profiles[cfg.Variant]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVariant, cfg.Variant)
	}
	b := command.NewBuilder(p.executable, args...).
		WithNpmFallback(p.npmPackage).
		WithDir(cfg.Workdir)
	b.Apply(command.Overrides{
		Executable: cfg.CommandOverride,
		ExtraArgs:  cfg.ExtraArgs,
		Env:        cfg.Env,
	})
	return b, nil
}

// MCPSpec locates the MCP server map for the config's variant.
// Returns false when the variant has no MCP support or no path is
// known.
func MCPSpec(cfg AgentConfig) (mcpconfig.Spec, bool) {
	p, ok := profiles[cfg.Variant]
	if !ok || p.mcp == nil || cfg.MCPConfigPath == "" {
		return mcpconfig.Spec{}, false
	}
	return p.mcp(cfg.MCPConfigPath), true
}

// ConfigureMCP merges server definitions into the variant's MCP config
// file, preserving everything else in the document.
func ConfigureMCP(cfg AgentConfig, servers map[string]any) error {
	spec, ok := MCPSpec(cfg)
	if !ok {
		return fmt.Errorf("%w: %s", ErrMCPUnsupported, cfg.Variant)
	}
	return mcpconfig.ApplyServers(spec, servers)
}

// ReadMCPServers returns the variant's currently configured MCP
// servers.
func ReadMCPServers(cfg AgentConfig) (map[string]any, error) {
	spec, ok := MCPSpec(cfg)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMCPUnsupported, cfg.Variant)
	}
	return mcpconfig.ReadServers(spec)
}

// Available reports whether the variant's executable can be resolved,
// directly or through the package-runner fallback.
func Available(cfg AgentConfig) bool {
	b, err := buildCommand(cfg, nil)
	if err != nil {
		return false
	}
	return b.Available()
}

// applySuffix appends the config's prompt suffix.
func applySuffix(cfg AgentConfig, prompt string) string {
	if cfg.PromptSuffix == "" {
		return prompt
	}
	return prompt + "\n\n" + cfg.PromptSuffix
}
