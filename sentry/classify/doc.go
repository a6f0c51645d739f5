// Package classify pattern-matches HTTP requests against known attack
// families and grades each hit with a severity and a risk score.
//
// The classifier is the first stage of the enforcement pipeline: it is pure,
// never raises, and performs bounded work. All regexes are compiled once at
// construction; query string, body and relevant headers are unwrapped through
// up to three passes of URL and HTML-entity decoding (with an expansion
// budget) before matching, so nested encodings do not hide payloads.
//
// # Usage
//
//	c := classify.NewClassifier(
//	    classify.WithWhitelist([]string{"127.0.0.1", "::1"}),
//	    classify.WithWriteRoutes([]string{"/api/orders"}),
//	)
//	findings := c.Classify(classify.Request{
//	    Method:     "POST",
//	    Route:      "/auth/login",
//	    RemoteAddr: "203.0.113.9",
//	    Body:       `{"email":"u@x","password":"' OR 1=1 --"}`,
//	})
//	for _, f := range findings {
//	    log.Printf("%s %s score=%d", f.Kind, f.Severity, f.RiskScore)
//	}
//
// Kinds that other pipeline stages emit directly (BRUTE_FORCE,
// RATE_LIMIT_EXCEEDED, UNAUTHORIZED_ACCESS, INTERNAL) are built with
// NewFinding so that signatures and risk scores stay uniform.
//
// # Suppression
//
// Requests from whitelisted addresses, and all requests when testing mode is
// active, produce no findings. Suppression applies before scoring; it is the
// only way to silence the classifier.
package classify
