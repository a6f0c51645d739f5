package classify

import (
	"strings"
	"testing"
)

func TestClassify_AttackFamilies(t *testing.T) {
	c := NewClassifier()

	tests := []struct {
		name     string
		req      Request
		wantKind Kind
		wantSev  Severity
		minRisk  int
	}{
		{
			name: "quoted tautology in body",
			req: Request{
				Method:     "POST",
				Route:      "/auth/login",
				RemoteAddr: "203.0.113.9",
				Body:       `{"email":"u@x","password":"' OR 1=1 --"}`,
			},
			wantKind: KindSQLInjection,
			wantSev:  SeverityHigh,
			minRisk:  60,
		},
		{
			name: "union select in query",
			req: Request{
				Method:     "GET",
				Route:      "/api/tickets",
				RemoteAddr: "203.0.113.9",
				Query:      "q=admin' UNION SELECT * FROM users--",
			},
			wantKind: KindSQLInjection,
			wantSev:  SeverityHigh,
			minRisk:  60,
		},
		{
			name: "script tag in query",
			req: Request{
				Method:     "GET",
				Route:      "/api/search",
				RemoteAddr: "203.0.113.9",
				Query:      "q=<script>alert(1)</script>",
			},
			wantKind: KindXSS,
			wantSev:  SeverityMedium,
			minRisk:  40,
		},
		{
			name: "entity encoded script tag",
			req: Request{
				Method:     "GET",
				Route:      "/api/search",
				RemoteAddr: "203.0.113.9",
				Query:      "q=&lt;script&gt;alert(1)&lt;/script&gt;",
			},
			wantKind: KindXSS,
			wantSev:  SeverityMedium,
			minRisk:  40,
		},
		{
			name: "double url encoded script tag",
			req: Request{
				Method:     "GET",
				Route:      "/api/search",
				RemoteAddr: "203.0.113.9",
				Query:      "q=%253Cscript%253Ealert(1)%253C/script%253E",
			},
			wantKind: KindXSS,
			wantSev:  SeverityMedium,
			minRisk:  40,
		},
		{
			name: "javascript scheme",
			req: Request{
				Method:     "GET",
				Route:      "/api/search",
				RemoteAddr: "203.0.113.9",
				Query:      "redirect=javascript:alert(document.cookie)",
			},
			wantKind: KindXSS,
			wantSev:  SeverityMedium,
			minRisk:  40,
		},
		{
			name: "shell chain in body",
			req: Request{
				Method:     "POST",
				Route:      "/api/upload",
				RemoteAddr: "203.0.113.9",
				Body:       `{"filename":"x; rm -rf /tmp"}`,
			},
			wantKind: KindCommandInjection,
			wantSev:  SeverityHigh,
			minRisk:  80,
		},
		{
			name: "subshell expansion",
			req: Request{
				Method:     "POST",
				Route:      "/api/upload",
				RemoteAddr: "203.0.113.9",
				Body:       `{"name":"$(cat /etc/passwd)"}`,
			},
			wantKind: KindCommandInjection,
			wantSev:  SeverityHigh,
			minRisk:  80,
		},
		{
			name: "scanner user agent",
			req: Request{
				Method:     "GET",
				Route:      "/api/tickets",
				RemoteAddr: "203.0.113.9",
				UserAgent:  "sqlmap/1.7.2#stable (http://sqlmap.org)",
			},
			wantKind: KindPenTestTool,
			wantSev:  SeverityMedium,
			minRisk:  30,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			findings := c.Classify(tt.req)
			f, ok := findingFor(findings, tt.wantKind)
			if !ok {
				t.Fatalf("Classify() = %v, want a %s finding", findings, tt.wantKind)
			}
			if f.Severity != tt.wantSev {
				t.Errorf("severity = %s, want %s", f.Severity, tt.wantSev)
			}
			if f.RiskScore < tt.minRisk {
				t.Errorf("risk score = %d, want >= %d", f.RiskScore, tt.minRisk)
			}
			if f.Signature == "" {
				t.Error("finding has empty signature")
			}
			if f.Fragment == "" {
				t.Error("finding has empty fragment")
			}
		})
	}
}

func TestClassify_CleanRequests(t *testing.T) {
	c := NewClassifier()

	tests := []struct {
		name string
		req  Request
	}{
		{"plain login", Request{
			Method: "POST", Route: "/auth/login", RemoteAddr: "203.0.113.9",
			Body: `{"email":"alice@example.com","password":"hunter2-but-longer"}`,
		}},
		{"plain search", Request{
			Method: "GET", Route: "/api/search", RemoteAddr: "203.0.113.9",
			Query: "q=weekend+concerts&limit=20",
		}},
		{"browser user agent", Request{
			Method: "GET", Route: "/api/tickets", RemoteAddr: "203.0.113.9",
			UserAgent: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if findings := c.Classify(tt.req); len(findings) != 0 {
				t.Errorf("Classify() = %v, want no findings", findings)
			}
		})
	}
}

func TestClassify_TwoKindsEscalateToCritical(t *testing.T) {
	c := NewClassifier()

	findings := c.Classify(Request{
		Method:     "POST",
		Route:      "/auth/login",
		RemoteAddr: "203.0.113.9",
		Body:       `{"email":"<script>alert(1)</script>","password":"' OR 1=1 --"}`,
	})

	if len(findings) < 2 {
		t.Fatalf("Classify() returned %d findings, want at least 2", len(findings))
	}
	for _, f := range findings {
		if f.Kind == KindAPIAbuse {
			continue
		}
		if f.Severity != SeverityCritical {
			t.Errorf("%s severity = %s, want CRITICAL when two kinds fire", f.Kind, f.Severity)
		}
	}
}

func TestClassify_InjectionOnWriteRoute(t *testing.T) {
	c := NewClassifier(WithWriteRoutes([]string{"/api/orders"}))

	findings := c.Classify(Request{
		Method:     "POST",
		Route:      "/api/orders",
		RemoteAddr: "203.0.113.9",
		Body:       `{"note":"x' UNION SELECT card FROM payments--"}`,
	})

	f, ok := findingFor(findings, KindSQLInjection)
	if !ok {
		t.Fatalf("Classify() = %v, want a SQL_INJECTION finding", findings)
	}
	if f.Severity != SeverityCritical {
		t.Errorf("severity = %s, want CRITICAL on a write route", f.Severity)
	}
	if f.RiskScore != 100 {
		t.Errorf("risk score = %d, want 100", f.RiskScore)
	}
}

func TestClassify_WhitelistSilence(t *testing.T) {
	c := NewClassifier(WithWhitelist([]string{"127.0.0.1", "::1"}))

	req := Request{
		Method:     "POST",
		Route:      "/auth/login",
		RemoteAddr: "127.0.0.1",
		Body:       `{"password":"' OR 1=1 --"}`,
	}
	if findings := c.Classify(req); findings != nil {
		t.Errorf("Classify() = %v, want nil for whitelisted address", findings)
	}
	if !c.Whitelisted("127.0.0.1") {
		t.Error("Whitelisted(127.0.0.1) = false, want true")
	}

	req.RemoteAddr = "203.0.113.9"
	if findings := c.Classify(req); len(findings) == 0 {
		t.Error("Classify() found nothing for non-whitelisted address")
	}
}

func TestClassify_TestingModeSilence(t *testing.T) {
	c := NewClassifier(WithTestingMode(true))

	findings := c.Classify(Request{
		Method:     "POST",
		Route:      "/auth/login",
		RemoteAddr: "203.0.113.9",
		Body:       `{"password":"' OR 1=1 --"}`,
	})
	if findings != nil {
		t.Errorf("Classify() = %v, want nil in testing mode", findings)
	}
}

func TestClassify_OversizedInput(t *testing.T) {
	c := NewClassifier()

	findings := c.Classify(Request{
		Method:     "POST",
		Route:      "/api/upload",
		RemoteAddr: "203.0.113.9",
		Body:       strings.Repeat("a", 300*1024) + "' OR 1=1 --",
	})

	if len(findings) != 1 {
		t.Fatalf("Classify() returned %d findings, want exactly 1", len(findings))
	}
	f := findings[0]
	if f.Kind != KindAPIAbuse || f.Severity != SeverityHigh {
		t.Errorf("finding = %s/%s, want API_ABUSE/HIGH for oversized input", f.Kind, f.Severity)
	}
}

func TestClassify_MalformedBody(t *testing.T) {
	c := NewClassifier()

	findings := c.Classify(Request{
		Method:     "POST",
		Route:      "/api/tickets",
		RemoteAddr: "203.0.113.9",
		Malformed:  true,
	})

	f, ok := findingFor(findings, KindAPIAbuse)
	if !ok {
		t.Fatalf("Classify() = %v, want an API_ABUSE finding", findings)
	}
	if f.Severity != SeverityLow {
		t.Errorf("severity = %s, want LOW for malformed body", f.Severity)
	}
}

func TestClassify_WriteOnReadOnlyRoute(t *testing.T) {
	c := NewClassifier(WithReadOnlyRoutes([]string{"/api/tickets"}))

	findings := c.Classify(Request{
		Method:     "POST",
		Route:      "/api/tickets",
		RemoteAddr: "203.0.113.9",
		Body:       `{"title":"totally legitimate"}`,
	})

	if _, ok := findingFor(findings, KindAPIAbuse); !ok {
		t.Errorf("Classify() = %v, want API_ABUSE for write on read-only route", findings)
	}
}

func TestClassify_DistinctSignaturesPerPayload(t *testing.T) {
	c := NewClassifier()

	first := c.Classify(Request{
		Method: "POST", Route: "/auth/login", RemoteAddr: "203.0.113.9",
		Body: `{"password":"' OR 1=1 --"}`,
	})
	second := c.Classify(Request{
		Method: "POST", Route: "/auth/login", RemoteAddr: "203.0.113.9",
		Body: `{"password":"admin' UNION SELECT * FROM users--"}`,
	})

	f1, ok1 := findingFor(first, KindSQLInjection)
	f2, ok2 := findingFor(second, KindSQLInjection)
	if !ok1 || !ok2 {
		t.Fatal("expected SQL_INJECTION findings for both payloads")
	}
	if f1.Signature == f2.Signature {
		t.Errorf("distinct payloads produced the same signature %q", f1.Signature)
	}

	// Same payload again must be stable.
	repeat := c.Classify(Request{
		Method: "POST", Route: "/auth/login", RemoteAddr: "203.0.113.9",
		Body: `{"password":"' OR 1=1 --"}`,
	})
	f3, _ := findingFor(repeat, KindSQLInjection)
	if f1.Signature != f3.Signature {
		t.Errorf("same payload produced signatures %q and %q", f1.Signature, f3.Signature)
	}
}

func TestNewFinding(t *testing.T) {
	f := NewFinding(KindBruteForce, SeverityMedium, "failed login for victim@example.com")
	if f.Kind != KindBruteForce {
		t.Errorf("kind = %s, want BRUTE_FORCE", f.Kind)
	}
	if f.Signature == "" {
		t.Error("manual finding has empty signature")
	}
	want := RiskScore(KindBruteForce, SeverityMedium, len(f.Fragment))
	if f.RiskScore != want {
		t.Errorf("risk score = %d, want %d", f.RiskScore, want)
	}
}

func findingFor(findings []Finding, kind Kind) (Finding, bool) {
	for _, f := range findings {
		if f.Kind == kind {
			return f, true
		}
	}
	return Finding{}, false
}
