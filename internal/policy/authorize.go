package policy

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Authorizer validates the access credential presented at the transport
// handshake. Tokens are static shared secrets; an empty token set means the
// gateway runs open (local/dev).
type Authorizer struct {
	tokens []string
}

func NewAuthorizer(tokens []string) *Authorizer {
	var clean []string
	for _, t := range tokens {
		t = strings.TrimSpace(t)
		if t != "" {
			clean = append(clean, t)
		}
	}
	return &Authorizer{tokens: clean}
}

// Open reports whether the gateway accepts unauthenticated connections.
func (a *Authorizer) Open() bool { return len(a.tokens) == 0 }

// Allow checks a bearer token in constant time against the configured set.
func (a *Authorizer) Allow(token string) bool {
	if a.Open() {
		return true
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return false
	}
	ok := false
	for _, t := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			ok = true
		}
	}
	return ok
}

// TokenFromRequest extracts the credential from the Authorization header or
// the token query parameter (browsers cannot set WS headers).
func TokenFromRequest(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("bearer "):])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
