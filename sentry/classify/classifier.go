package classify

import (
	"strings"
)

// Default scanning bounds.
const (
	// DefaultMaxScanBytes caps the total decoded input the classifier will
	// pattern-match. Anything larger is flagged as API abuse without
	// further work, keeping worst-case CPU bounded.
	DefaultMaxScanBytes = 256 * 1024

	// maxFragmentLen caps the offending fragment captured into a finding.
	maxFragmentLen = 256
)

// Request is the captured view of one HTTP request handed to the classifier.
// The caller strips the port from RemoteAddr and sets Malformed when the
// body could not be read or is not valid text.
type Request struct {
	Method     string
	Route      string // route template, not the concrete path
	RemoteAddr string
	UserAgent  string
	Referer    string
	Query      string // raw query string
	Body       string
	Malformed  bool
}

// Finding is one classified offense on a request.
type Finding struct {
	Kind      Kind     `json:"kind"`
	Severity  Severity `json:"severity"`
	RiskScore int      `json:"risk_score"`
	Signature string   `json:"signature"`
	Fragment  string   `json:"fragment"`
	Pattern   string   `json:"pattern,omitempty"`
}

// NewFinding builds a finding for kinds that are emitted by other pipeline
// stages rather than by pattern matching (brute force, rate limiting,
// unauthorized access, internal errors). Signature and risk score are
// derived the same way as for pattern hits.
func NewFinding(kind Kind, severity Severity, fragment string) Finding {
	fragment = capFragment(fragment)
	return Finding{
		Kind:      kind,
		Severity:  severity,
		RiskScore: RiskScore(kind, severity, len(fragment)),
		Signature: Signature(kind, fragment),
		Fragment:  fragment,
	}
}

// Classifier pattern-matches requests against the attack families. It is
// pure and side-effect-free: all regexes are compiled once at construction
// and every call with the same input yields the same findings.
type Classifier struct {
	patterns       *PatternSet
	whitelist      map[string]bool
	testing        bool
	readOnlyRoutes map[string]bool
	writeRoutes    map[string]bool
	maxScanBytes   int
	agents         []string
}

// Option configures the Classifier.
type Option func(*Classifier)

// WithWhitelist sets the remote addresses the classifier never fires for.
func WithWhitelist(addrs []string) Option {
	return func(c *Classifier) {
		c.whitelist = make(map[string]bool, len(addrs))
		for _, a := range addrs {
			a = strings.TrimSpace(a)
			if a != "" {
				c.whitelist[a] = true
			}
		}
	}
}

// WithTestingMode suppresses all classification when enabled. Used by the
// TESTING environment flag so test traffic never generates alerts.
func WithTestingMode(enabled bool) Option {
	return func(c *Classifier) {
		c.testing = enabled
	}
}

// WithReadOnlyRoutes marks route templates on which write methods count as
// API abuse.
func WithReadOnlyRoutes(routes []string) Option {
	return func(c *Classifier) {
		c.readOnlyRoutes = make(map[string]bool, len(routes))
		for _, r := range routes {
			c.readOnlyRoutes[r] = true
		}
	}
}

// WithWriteRoutes marks route templates that mutate data. A lone injection
// hit on one of these escalates to CRITICAL.
func WithWriteRoutes(routes []string) Option {
	return func(c *Classifier) {
		c.writeRoutes = make(map[string]bool, len(routes))
		for _, r := range routes {
			c.writeRoutes[r] = true
		}
	}
}

// WithMaxScanBytes overrides the decoded input cap.
func WithMaxScanBytes(n int) Option {
	return func(c *Classifier) {
		if n > 0 {
			c.maxScanBytes = n
		}
	}
}

// WithPatternSet sets a custom pattern set (useful for testing).
func WithPatternSet(ps *PatternSet) Option {
	return func(c *Classifier) {
		c.patterns = ps
	}
}

// NewClassifier creates a classifier with the built-in patterns and the
// given options.
func NewClassifier(opts ...Option) *Classifier {
	c := &Classifier{
		patterns:       NewPatternSet(),
		whitelist:      map[string]bool{},
		readOnlyRoutes: map[string]bool{},
		writeRoutes:    map[string]bool{},
		maxScanBytes:   DefaultMaxScanBytes,
		agents:         scannerAgents,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Whitelisted reports whether the address is in the configured loopback or
// test set. Suppression applies before scoring, not after.
func (c *Classifier) Whitelisted(addr string) bool {
	return c.whitelist[addr]
}

// kindHit accumulates pattern matches for one attack family across fields.
type kindHit struct {
	fields   map[string]bool
	strength Strength
	fragment string
	pattern  string
}

// Classify pattern-matches the request and returns the ordered findings.
// It never returns an error and never panics: malformed input degrades to a
// LOW API_ABUSE finding.
func (c *Classifier) Classify(req Request) []Finding {
	if c.testing || c.whitelist[req.RemoteAddr] {
		return nil
	}

	fields := []struct {
		name string
		raw  string
	}{
		{"query", req.Query},
		{"body", req.Body},
		{"user_agent", req.UserAgent},
		{"referer", req.Referer},
	}

	decoded := make([]struct {
		name string
		text string
	}, 0, len(fields))
	total := 0
	budgetExceeded := false
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		res := decodeField(f.raw)
		if res.budgetExceeded {
			budgetExceeded = true
		}
		total += len(res.text)
		decoded = append(decoded, struct {
			name string
			text string
		}{f.name, res.text})
	}

	// Oversized or explosively-encoded input is flagged and never
	// pattern-matched, so scanning work stays bounded.
	if total > c.maxScanBytes || budgetExceeded {
		f := NewFinding(KindAPIAbuse, SeverityHigh, "decoded payload exceeds scan limit")
		return []Finding{f}
	}

	hits := make(map[Kind]*kindHit)
	record := func(kind Kind, field, fragment, pattern string, strength Strength) {
		h, ok := hits[kind]
		if !ok {
			h = &kindHit{fields: map[string]bool{}, strength: strength, fragment: fragment, pattern: pattern}
			hits[kind] = h
		}
		h.fields[field] = true
		if strength > h.strength {
			h.strength = strength
			h.fragment = fragment
			h.pattern = pattern
		}
	}

	for _, f := range decoded {
		for _, p := range c.patterns.Patterns() {
			if m := p.Regex.FindString(f.text); m != "" {
				record(p.Kind, f.name, capFragment(m), p.Name, p.Strength)
			}
		}
	}

	// Scanner User-Agents are a fixed substring list, not regexes.
	if ua := strings.ToLower(req.UserAgent); ua != "" {
		for _, agent := range c.agents {
			if strings.Contains(ua, agent) {
				record(KindPenTestTool, "user_agent", capFragment(req.UserAgent), "scanner_agent", StrengthStrong)
				break
			}
		}
	}

	// Protocol abuse heuristics.
	if c.readOnlyRoutes[req.Route] && isWriteMethod(req.Method) {
		record(KindAPIAbuse, "method", req.Method+" "+req.Route, "write_on_readonly_route", StrengthStrong)
	}
	if (req.Method == "GET" || req.Method == "HEAD") && req.Body != "" {
		record(KindAPIAbuse, "body", "body on "+req.Method+" request", "body_on_safe_method", StrengthWeak)
	}
	if req.Malformed {
		record(KindAPIAbuse, "body", "undecodable request body", "malformed_body", StrengthWeak)
	}

	if len(hits) == 0 {
		return nil
	}

	// Attack kinds (not protocol noise) count toward the multi-kind
	// escalation rule.
	attackKinds := 0
	for kind := range hits {
		if kind != KindAPIAbuse {
			attackKinds++
		}
	}

	findings := make([]Finding, 0, len(hits))
	for _, kind := range []Kind{KindSQLInjection, KindCommandInjection, KindXSS, KindPenTestTool, KindAPIAbuse} {
		h, ok := hits[kind]
		if !ok {
			continue
		}
		sev := severityFor(kind, h, c.writeRoutes[req.Route], attackKinds)
		findings = append(findings, Finding{
			Kind:      kind,
			Severity:  sev,
			RiskScore: RiskScore(kind, sev, len(h.fragment)),
			Signature: Signature(kind, h.fragment),
			Fragment:  h.fragment,
			Pattern:   h.pattern,
		})
	}
	return findings
}

// severityFor applies the grading rules: LOW for a single weak hit, MEDIUM
// for a strong hit or hits in multiple fields, HIGH for high-base kinds or
// statement terminators in the payload, CRITICAL when several attack kinds
// fire together or an injection kind hits a write route.
func severityFor(kind Kind, h *kindHit, writeRoute bool, attackKinds int) Severity {
	sev := SeverityLow
	if h.strength == StrengthStrong || len(h.fields) > 1 {
		sev = SeverityMedium
	}
	if kind.ScoreBase() >= 70 || hasStacking(h.fragment) {
		sev = SeverityHigh
	}
	injection := kind == KindSQLInjection || kind == KindCommandInjection
	if attackKinds >= 2 && kind != KindAPIAbuse {
		sev = SeverityCritical
	} else if injection && writeRoute {
		sev = SeverityCritical
	}
	return sev
}

// hasStacking reports whether the fragment carries statement terminators or
// stacked-query markers.
func hasStacking(fragment string) bool {
	return strings.Contains(fragment, ";") ||
		strings.Contains(fragment, "--") ||
		strings.Contains(fragment, "/*")
}

func isWriteMethod(method string) bool {
	switch method {
	case "POST", "PUT", "PATCH", "DELETE":
		return true
	default:
		return false
	}
}

func capFragment(fragment string) string {
	if len(fragment) > maxFragmentLen {
		return fragment[:maxFragmentLen]
	}
	return fragment
}
