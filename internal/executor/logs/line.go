package logs

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Rule classifies a plain-text line into an entry kind. Prefix and
// Regex are alternatives; the first rule that matches wins.
type Rule struct {
	Kind   EntryKind `yaml:"kind"`
	Prefix string    `yaml:"prefix,omitempty"`
	Regex  string    `yaml:"regex,omitempty"`
	// StripPrefix removes the matched prefix from the entry content.
	StripPrefix bool `yaml:"strip_prefix,omitempty"`
	// CaptureSessionID marks the first regex capture group as the
	// agent's native session id.
	CaptureSessionID bool `yaml:"capture_session_id,omitempty"`

	compiled *regexp.Regexp
}

func (r *Rule) compile() error {
	if r.Kind == "" {
		return errors.New("rule missing kind")
	}
	if r.Regex == "" {
		return nil
	}
	re, err := regexp.Compile(r.Regex)
	if err != nil {
		return fmt.Errorf("rule %q: %w", r.Regex, err)
	}
	r.compiled = re
	return nil
}

func (r *Rule) match(line string) (string, bool) {
	if r.Prefix != "" {
		if !strings.HasPrefix(line, r.Prefix) {
			return "", false
		}
		if r.StripPrefix {
			return strings.TrimSpace(strings.TrimPrefix(line, r.Prefix)), true
		}
		return line, true
	}
	if r.compiled != nil && r.compiled.MatchString(line) {
		return line, true
	}
	return "", false
}

// RuleSet is the classifier configuration for one agent variant.
type RuleSet struct {
	Variant string `yaml:"variant"`
	Rules   []Rule `yaml:"rules"`
}

// LoadRuleSets parses classifier configuration. The file maps variant
// names to ordered rule lists; unmatched lines always fall back to raw.
func LoadRuleSets(r io.Reader) (map[string][]Rule, error) {
	var sets []RuleSet
	if err := yaml.NewDecoder(r).Decode(&sets); err != nil {
		return nil, fmt.Errorf("decode classifier rules: %w", err)
	}
	out := make(map[string][]Rule, len(sets))
	for _, set := range sets {
		if set.Variant == "" {
			return nil, errors.New("rule set missing variant")
		}
		for i := range set.Rules {
			if err := set.Rules[i].compile(); err != nil {
				return nil, fmt.Errorf("variant %s: %w", set.Variant, err)
			}
		}
		out[set.Variant] = set.Rules
	}
	return out, nil
}

// DefaultRules is the built-in classifier used when a variant ships no
// configuration of its own.
func DefaultRules() []Rule {
	rules := []Rule{
		{Kind: KindCommandRun, Prefix: "Running: ", StripPrefix: true},
		{Kind: KindCommandRun, Prefix: "$ ", StripPrefix: true},
		{Kind: KindCommandOutput, Prefix: "✓"},
		{Kind: KindCommandOutput, Prefix: "✗"},
		{Kind: KindError, Prefix: "Error:"},
		{Kind: KindError, Prefix: "error:"},
	}
	for i := range rules {
		// Prefix rules never fail to compile.
		_ = rules[i].compile()
	}
	return rules
}

// LineNormalizer converts plain-text agent output into normalized
// entries, one per line. Unclassified lines become raw entries; bytes
// left without a trailing newline at stream end are flushed as one
// final raw entry, never dropped.
type LineNormalizer struct {
	rules []Rule
	emit  func(*NormalizedEntry) error
	now   func() time.Time
}

// NewLineNormalizer builds a normalizer pushing entries into emit.
func NewLineNormalizer(rules []Rule, emit func(*NormalizedEntry) error) *LineNormalizer {
	if rules == nil {
		rules = DefaultRules()
	}
	return &LineNormalizer{rules: rules, emit: emit, now: time.Now}
}

// Run consumes r until EOF. An emit failure stops the run and is
// returned; read errors other than EOF are returned as-is.
func (n *LineNormalizer) Run(r io.Reader) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		atEOF := errors.Is(err, io.EOF)
		if trimmed := strings.TrimRight(line, "\r\n"); trimmed != "" {
			var entry *NormalizedEntry
			if atEOF {
				// An undelimited tail is flushed verbatim, not
				// classified: the line may be truncated.
				entry = &NormalizedEntry{Kind: KindRaw, Timestamp: n.now().UTC(), Content: trimmed}
			} else {
				entry = n.classify(trimmed)
			}
			if emitErr := n.emit(entry); emitErr != nil {
				return emitErr
			}
		}
		if err != nil {
			if atEOF {
				return nil
			}
			return err
		}
	}
}

func (n *LineNormalizer) classify(line string) *NormalizedEntry {
	for i := range n.rules {
		rule := &n.rules[i]
		if content, ok := rule.match(line); ok {
			entry := &NormalizedEntry{
				Kind:      rule.Kind,
				Timestamp: n.now().UTC(),
				Content:   content,
			}
			if rule.CaptureSessionID && rule.compiled != nil {
				if m := rule.compiled.FindStringSubmatch(line); len(m) > 1 {
					entry.SessionIDMarker = m[1]
				}
			}
			return entry
		}
	}
	return &NormalizedEntry{Kind: KindRaw, Timestamp: n.now().UTC(), Content: line}
}
