// Package command builds the invocations used to launch coding agent
// CLIs, including per-profile overrides and a package-runner fallback
// for agents installed through npm.
package command

import (
	"fmt"
	"os/exec"
	"strings"
)

// ExecutableNotFoundError reports that an agent binary could not be
// resolved on PATH and no fallback applied.
type ExecutableNotFoundError struct {
	Executable string
	Hint       string
}

func (e *ExecutableNotFoundError) Error() string {
	if e.Hint == "" {
		return fmt.Sprintf("executable %q not found in PATH", e.Executable)
	}
	return fmt.Sprintf("executable %q not found in PATH (%s)", e.Executable, e.Hint)
}

// Builder assembles an agent command line. The zero value is not
// usable; construct with NewBuilder.
type Builder struct {
	executable string
	args       []string
	// npmPackage enables a fallback through npx when the executable is
	// missing from PATH. Empty disables the fallback.
	npmPackage string
	env        []string
	dir        string
}

// NewBuilder starts a command for the given executable.
func NewBuilder(executable string, args ...string) *Builder {
	return &Builder{executable: executable, args: args}
}

// WithArgs appends arguments.
func (b *Builder) WithArgs(args ...string) *Builder {
	b.args = append(b.args, args...)
	return b
}

// WithNpmFallback allows resolution through "npx --yes <pkg>" when the
// executable is not installed.
func (b *Builder) WithNpmFallback(pkg string) *Builder {
	b.npmPackage = pkg
	return b
}

// WithEnv appends KEY=VALUE pairs to the child environment.
func (b *Builder) WithEnv(env ...string) *Builder {
	b.env = append(b.env, env...)
	return b
}

// WithDir sets the working directory for the child.
func (b *Builder) WithDir(dir string) *Builder {
	b.dir = dir
	return b
}

// Overrides adjust a built command per agent profile without the
// profile knowing how the base command is assembled.
type Overrides struct {
	// Executable replaces the base executable entirely.
	Executable string
	// ExtraArgs are appended after the base arguments.
	ExtraArgs []string
	// Env entries are appended to the child environment.
	Env []string
	// Dir overrides the working directory.
	Dir string
}

// Apply folds the overrides into the builder.
func (b *Builder) Apply(o Overrides) *Builder {
	if o.Executable != "" {
		b.executable = o.Executable
		// A replaced executable is the operator's responsibility; the
		// npm fallback only covers the default binary.
		b.npmPackage = ""
	}
	b.args = append(b.args, o.ExtraArgs...)
	b.env = append(b.env, o.Env...)
	if o.Dir != "" {
		b.dir = o.Dir
	}
	return b
}

// Invocation is a fully resolved command line ready to spawn.
type Invocation struct {
	Path string
	Args []string
	Env  []string
	Dir  string
	// ViaNpx is true when the agent binary was missing and the command
	// was rewritten to run through the npm package runner.
	ViaNpx bool
}

// String renders the invocation for logging.
func (inv Invocation) String() string {
	return strings.Join(append([]string{inv.Path}, inv.Args...), " ")
}

// lookPath is swapped in tests.
var lookPath = exec.LookPath

// Resolve locates the executable and produces the final invocation.
// When the executable is absent and an npm fallback is configured, the
// command is rewritten as "npx --yes <pkg> <args>". With no fallback,
// Resolve fails with ExecutableNotFoundError.
func (b *Builder) Resolve() (Invocation, error) {
	path, err := lookPath(b.executable)
	if err == nil {
		return Invocation{Path: path, Args: b.args, Env: b.env, Dir: b.dir}, nil
	}

	if b.npmPackage != "" {
		npx, npxErr := lookPath("npx")
		if npxErr == nil {
			args := append([]string{"--yes", b.npmPackage}, b.args...)
			return Invocation{Path: npx, Args: args, Env: b.env, Dir: b.dir, ViaNpx: true}, nil
		}
		return Invocation{}, &ExecutableNotFoundError{
			Executable: b.executable,
			Hint:       fmt.Sprintf("npx fallback for %s also unavailable", b.npmPackage),
		}
	}
	return Invocation{}, &ExecutableNotFoundError{Executable: b.executable}
}

// Available reports whether the command can be resolved at all, either
// directly or through the npm fallback.
func (b *Builder) Available() bool {
	if _, err := lookPath(b.executable); err == nil {
		return true
	}
	if b.npmPackage == "" {
		return false
	}
	_, err := lookPath("npx")
	return err == nil
}
