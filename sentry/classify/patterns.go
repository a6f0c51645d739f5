package classify

import (
	"regexp"
)

// Strength grades how conclusive a single pattern hit is. Weak hits alone
// yield LOW severity; a strong hit or hits in multiple fields yield MEDIUM
// before the kind-level rules are applied.
type Strength int

const (
	StrengthWeak Strength = iota
	StrengthStrong
)

// Pattern is one compiled detection rule.
type Pattern struct {
	// Name is a stable identifier, recorded in alert metadata.
	Name string

	// Kind is the attack family this pattern detects.
	Kind Kind

	// Regex is the compiled expression. Compilation happens once at
	// package init; Classify never compiles.
	Regex *regexp.Regexp

	// Strength grades how conclusive a hit is.
	Strength Strength

	// Description explains what the pattern detects.
	Description string
}

// PatternSet holds the compiled detection rules, grouped by kind.
type PatternSet struct {
	patterns []*Pattern
	byKind   map[Kind][]*Pattern
}

// NewPatternSet creates a pattern set with the built-in rules.
func NewPatternSet() *PatternSet {
	return newPatternSet(defaultPatterns())
}

func newPatternSet(patterns []*Pattern) *PatternSet {
	ps := &PatternSet{
		patterns: patterns,
		byKind:   make(map[Kind][]*Pattern),
	}
	for _, p := range patterns {
		ps.byKind[p.Kind] = append(ps.byKind[p.Kind], p)
	}
	return ps
}

// Patterns returns all patterns in the set.
func (ps *PatternSet) Patterns() []*Pattern {
	return ps.patterns
}

// PatternsForKind returns the patterns for one attack family.
func (ps *PatternSet) PatternsForKind(kind Kind) []*Pattern {
	return ps.byKind[kind]
}

// defaultPatterns returns the built-in detection rules. Detection runs over
// decoded text, so the rules target plain payloads; encoded variants are
// normalized away before matching.
func defaultPatterns() []*Pattern {
	return []*Pattern{
		// Cross-site scripting
		{
			Name:        "script_tag",
			Kind:        KindXSS,
			Regex:       regexp.MustCompile(`(?i)<\s*script\b`),
			Strength:    StrengthStrong,
			Description: "Detects opening script tags",
		},
		{
			Name:        "iframe_tag",
			Kind:        KindXSS,
			Regex:       regexp.MustCompile(`(?i)<\s*iframe\b`),
			Strength:    StrengthStrong,
			Description: "Detects iframe injection",
		},
		{
			Name:        "event_handler",
			Kind:        KindXSS,
			Regex:       regexp.MustCompile(`(?i)<[^>]+\bon(load|error|click|mouseover|focus|submit)\s*=`),
			Strength:    StrengthStrong,
			Description: "Detects inline event handlers inside a tag",
		},
		{
			Name:        "bare_event_handler",
			Kind:        KindXSS,
			Regex:       regexp.MustCompile(`(?i)\bon(load|error|click|mouseover|focus|submit)\s*=\s*['"]`),
			Strength:    StrengthWeak,
			Description: "Detects event handler assignments outside a full tag",
		},
		{
			Name:        "javascript_scheme",
			Kind:        KindXSS,
			Regex:       regexp.MustCompile(`(?i)javascript\s*:`),
			Strength:    StrengthStrong,
			Description: "Detects javascript: URL scheme",
		},
		{
			Name:        "img_src_injection",
			Kind:        KindXSS,
			Regex:       regexp.MustCompile(`(?i)<\s*img\b[^>]*\bsrc\s*=`),
			Strength:    StrengthWeak,
			Description: "Detects injected image tags, commonly paired with onerror",
		},

		// SQL injection
		{
			Name:        "boolean_tautology",
			Kind:        KindSQLInjection,
			Regex:       regexp.MustCompile(`(?i)['"]\s*or\s+['"]?\d+['"]?\s*=\s*['"]?\d+`),
			Strength:    StrengthStrong,
			Description: "Detects OR with always-true comparison after a quote (' OR 1=1)",
		},
		{
			Name:        "or_true_condition",
			Kind:        KindSQLInjection,
			Regex:       regexp.MustCompile(`(?i)\bor\s+1\s*=\s*1\b`),
			Strength:    StrengthStrong,
			Description: "Detects bare OR 1=1 tautology",
		},
		{
			Name:        "union_select",
			Kind:        KindSQLInjection,
			Regex:       regexp.MustCompile(`(?i)\bunion\s+(all\s+)?select\b`),
			Strength:    StrengthStrong,
			Description: "Detects UNION SELECT data extraction",
		},
		{
			Name:        "drop_table",
			Kind:        KindSQLInjection,
			Regex:       regexp.MustCompile(`(?i)\bdrop\s+table\b`),
			Strength:    StrengthStrong,
			Description: "Detects DROP TABLE statements",
		},
		{
			Name:        "information_schema",
			Kind:        KindSQLInjection,
			Regex:       regexp.MustCompile(`(?i)\binformation_schema\b`),
			Strength:    StrengthStrong,
			Description: "Detects schema enumeration",
		},
		{
			Name:        "sleep_function",
			Kind:        KindSQLInjection,
			Regex:       regexp.MustCompile(`(?i)\bsleep\s*\(\s*\d+\s*\)`),
			Strength:    StrengthStrong,
			Description: "Detects time-based blind injection via SLEEP()",
		},
		{
			Name:        "stacked_statement",
			Kind:        KindSQLInjection,
			Regex:       regexp.MustCompile(`(?i);\s*(select|insert|update|delete|drop|exec|execute)\b`),
			Strength:    StrengthStrong,
			Description: "Detects stacked statements after a semicolon",
		},
		{
			Name:        "comment_terminator",
			Kind:        KindSQLInjection,
			Regex:       regexp.MustCompile(`(?i)['"]\s*(--|#)`),
			Strength:    StrengthWeak,
			Description: "Detects quote followed by a SQL comment terminator",
		},

		// Command injection
		{
			Name:        "shell_chain",
			Kind:        KindCommandInjection,
			Regex:       regexp.MustCompile(`(?i)(;|\|\||&&|\|)\s*(rm|cat|ls|sh|bash|powershell|curl|wget|nc)\b`),
			Strength:    StrengthStrong,
			Description: "Detects shell metacharacters chained to known binaries",
		},
		{
			Name:        "subshell",
			Kind:        KindCommandInjection,
			Regex:       regexp.MustCompile(`\$\([^)]*\)|` + "`[^`]+`"),
			Strength:    StrengthStrong,
			Description: "Detects $() and backtick subshell expansion",
		},
		{
			Name:        "path_binary",
			Kind:        KindCommandInjection,
			Regex:       regexp.MustCompile(`(?i)/(bin|usr/bin)/(rm|cat|ls|sh|bash)\b`),
			Strength:    StrengthWeak,
			Description: "Detects absolute paths to shell binaries",
		},
	}
}

// scannerAgents is the fixed case-insensitive list of known penetration
// testing and scanning tool User-Agent substrings.
var scannerAgents = []string{
	"sqlmap",
	"nikto",
	"nmap",
	"masscan",
	"gobuster",
	"dirbuster",
	"wpscan",
	"burpsuite",
	"burp suite",
	"owasp zap",
	"zaproxy",
	"metasploit",
	"hydra",
	"acunetix",
	"nessus",
	"w3af",
}
