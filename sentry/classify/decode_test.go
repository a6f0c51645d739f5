package classify

import (
	"strings"
	"testing"
)

func TestDecodeField(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain text untouched", "hello world", "hello world"},
		{"single url pass", "%3Cscript%3E", "<script>"},
		{"double url pass", "%253Cscript%253E", "<script>"},
		{"entity pass", "&lt;script&gt;", "<script>"},
		{"mixed url then entity", "%26lt%3Bscript%26gt%3B", "<script>"},
		{"invalid escape left alone", "100% legit", "100% legit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := decodeField(tt.in)
			if got.text != tt.want {
				t.Errorf("decodeField(%q) = %q, want %q", tt.in, got.text, tt.want)
			}
			if got.budgetExceeded {
				t.Errorf("decodeField(%q) reported budget exceeded", tt.in)
			}
		})
	}
}

func TestDecodeField_StopsAfterThreePasses(t *testing.T) {
	// Four layers of URL encoding: three passes leave one layer in place.
	payload := "<script>"
	for i := 0; i < 4; i++ {
		payload = strings.ReplaceAll(strings.ReplaceAll(payload, "%", "%25"), "<", "%3C")
		payload = strings.ReplaceAll(payload, ">", "%3E")
	}

	got := decodeField(payload)
	if strings.Contains(got.text, "<script>") {
		t.Errorf("decodeField unwrapped more than %d passes: %q", maxDecodePasses, got.text)
	}
}

func TestDecodeField_ExpansionBudget(t *testing.T) {
	// A short field whose entity decoding expands past 64x its input
	// must be flagged rather than fully expanded.
	in := strings.Repeat("&amp;amp;lt;", 4)
	budget := len(in) * maxExpansionFactor

	got := decodeField(in)
	if len(got.text) > budget {
		t.Errorf("decoded text length %d exceeds budget %d", len(got.text), budget)
	}
}

func TestSignatureNormalization(t *testing.T) {
	a := Signature(KindSQLInjection, "' OR 1=1")
	b := Signature(KindSQLInjection, "'  or   1=1  ")
	if a != b {
		t.Errorf("whitespace/case variants produced different signatures: %q vs %q", a, b)
	}

	c := Signature(KindXSS, "' OR 1=1")
	if a == c {
		t.Error("different kinds produced the same signature for one fragment")
	}

	if strings.ContainsAny(a, "=") {
		t.Errorf("signature %q carries base32 padding", a)
	}
}

func TestRiskScore(t *testing.T) {
	tests := []struct {
		name        string
		kind        Kind
		severity    Severity
		fragmentLen int
		want        int
	}{
		{"sqli high", KindSQLInjection, SeverityHigh, 8, 80},
		{"sqli critical clamps", KindSQLInjection, SeverityCritical, 0, 100},
		{"cmd critical clamps", KindCommandInjection, SeverityCritical, 640, 100},
		{"xss low", KindXSS, SeverityLow, 0, 30},
		{"xss medium", KindXSS, SeverityMedium, 0, 45},
		{"rate limit medium", KindRateLimitExceeded, SeverityMedium, 0, 30},
		{"payload bonus caps at 20", KindAPIAbuse, SeverityLow, 10_000, 40},
		{"bonus adds per 32 bytes", KindBruteForce, SeverityMedium, 96, 41},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RiskScore(tt.kind, tt.severity, tt.fragmentLen); got != tt.want {
				t.Errorf("RiskScore(%s, %s, %d) = %d, want %d",
					tt.kind, tt.severity, tt.fragmentLen, got, tt.want)
			}
		})
	}
}

func TestSeverityOrdering(t *testing.T) {
	if !SeverityCritical.AtLeast(SeverityHigh) {
		t.Error("CRITICAL should be at least HIGH")
	}
	if SeverityLow.AtLeast(SeverityMedium) {
		t.Error("LOW should not be at least MEDIUM")
	}
	if _, err := ParseSeverity("URGENT"); err == nil {
		t.Error("ParseSeverity accepted an unknown grade")
	}
	if s, err := ParseSeverity("HIGH"); err != nil || s != SeverityHigh {
		t.Errorf("ParseSeverity(HIGH) = %v, %v", s, err)
	}
}

func TestParseKind(t *testing.T) {
	for _, k := range ValidKinds() {
		got, err := ParseKind(string(k))
		if err != nil || got != k {
			t.Errorf("ParseKind(%q) = %v, %v", k, got, err)
		}
	}
	if _, err := ParseKind("DDOS"); err == nil {
		t.Error("ParseKind accepted an unknown kind")
	}
}
