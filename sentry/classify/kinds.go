package classify

import (
	"fmt"
	"math"
)

// Kind identifies the attack family a finding belongs to.
// The set is closed: new kinds are additive only, existing values never change
// meaning because they are persisted in the alerts table.
type Kind string

const (
	// KindXSS covers script injection into HTML contexts.
	KindXSS Kind = "XSS"

	// KindSQLInjection covers SQL tautologies, UNION extraction, stacked
	// statements and schema enumeration.
	KindSQLInjection Kind = "SQL_INJECTION"

	// KindCommandInjection covers shell metacharacters adjacent to known
	// binaries and subshell constructs.
	KindCommandInjection Kind = "COMMAND_INJECTION"

	// KindBruteForce is emitted by the auth path on failed credential
	// checks. It is never produced by pattern matching.
	KindBruteForce Kind = "BRUTE_FORCE"

	// KindUnauthorizedAccess covers invalid or expired session tokens
	// presented against protected routes.
	KindUnauthorizedAccess Kind = "UNAUTHORIZED_ACCESS"

	// KindRateLimitExceeded is emitted by the rate limiter.
	KindRateLimitExceeded Kind = "RATE_LIMIT_EXCEEDED"

	// KindAPIAbuse covers unusual methods on read-only routes, impossible
	// header combinations and oversized or malformed payloads.
	KindAPIAbuse Kind = "API_ABUSE"

	// KindPenTestTool covers User-Agent strings of known scanners.
	KindPenTestTool Kind = "PEN_TEST_TOOL"

	// KindInternal is reserved for pipeline self-reporting (store glitches,
	// fail-open events). Never produced by pattern matching.
	KindInternal Kind = "INTERNAL"

	// KindForwarderOverflow is emitted when the forwarder queue drops an
	// item under backpressure.
	KindForwarderOverflow Kind = "FORWARDER_OVERFLOW"
)

// ValidKinds returns every kind the pipeline can persist.
func ValidKinds() []Kind {
	return []Kind{
		KindXSS, KindSQLInjection, KindCommandInjection, KindBruteForce,
		KindUnauthorizedAccess, KindRateLimitExceeded, KindAPIAbuse,
		KindPenTestTool, KindInternal, KindForwarderOverflow,
	}
}

// IsValid checks whether the kind is a known attack family.
func (k Kind) IsValid() bool {
	switch k {
	case KindXSS, KindSQLInjection, KindCommandInjection, KindBruteForce,
		KindUnauthorizedAccess, KindRateLimitExceeded, KindAPIAbuse,
		KindPenTestTool, KindInternal, KindForwarderOverflow:
		return true
	default:
		return false
	}
}

// String returns the persisted representation of the kind.
func (k Kind) String() string {
	return string(k)
}

// ParseKind parses a string into a Kind, returning an error if unknown.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.IsValid() {
		return "", fmt.Errorf("invalid alert kind: %q", s)
	}
	return k, nil
}

// ScoreBase returns the base risk contribution of the kind before the
// severity multiplier and payload bonus are applied.
func (k Kind) ScoreBase() int {
	switch k {
	case KindXSS:
		return 60
	case KindSQLInjection:
		return 80
	case KindCommandInjection:
		return 90
	case KindBruteForce:
		return 50
	case KindUnauthorizedAccess:
		return 70
	case KindRateLimitExceeded:
		return 40
	case KindAPIAbuse:
		return 40
	case KindPenTestTool:
		return 50
	default:
		return 20
	}
}

// Severity grades how dangerous a finding is.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// IsValid checks whether the severity is one of the four grades.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	default:
		return false
	}
}

// String returns the persisted representation of the severity.
func (s Severity) String() string {
	return string(s)
}

// ParseSeverity parses a string into a Severity, returning an error if unknown.
func ParseSeverity(v string) (Severity, error) {
	s := Severity(v)
	if !s.IsValid() {
		return "", fmt.Errorf("invalid severity: %q, valid values are: LOW, MEDIUM, HIGH, CRITICAL", v)
	}
	return s, nil
}

// Rank orders severities for threshold comparisons (LOW=0 .. CRITICAL=3).
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return -1
	}
}

// AtLeast reports whether s is at least as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= min.Rank()
}

// multiplier returns the severity weight used in the risk score.
func (s Severity) multiplier() float64 {
	switch s {
	case SeverityLow:
		return 0.5
	case SeverityMedium:
		return 0.75
	case SeverityHigh:
		return 1.0
	case SeverityCritical:
		return 1.25
	default:
		return 0.5
	}
}

// RiskScore computes the persisted risk score for a finding:
// round(score_base * severity_multiplier + payload_bonus), clamped to [0,100].
// The payload bonus rewards longer offending fragments, capped at 20.
func RiskScore(kind Kind, severity Severity, fragmentLen int) int {
	bonus := fragmentLen / 32
	if bonus > 20 {
		bonus = 20
	}
	score := int(math.Round(float64(kind.ScoreBase())*severity.multiplier())) + bonus
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
