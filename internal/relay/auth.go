package relay

import (
	"crypto/sha512"
	"encoding/hex"
	"strings"
)

// DeriveToken returns the admin token for a username/password pair.
func DeriveToken(username, password string) string {
	sum := sha512.Sum512([]byte(username + "§" + password))
	return hex.EncodeToString(sum[:])
}

// Authenticator checks captain credentials against a fixed token list.
type Authenticator struct {
	tokens map[string]struct{}
}

func NewAuthenticator(tokens []string) *Authenticator {
	a := &Authenticator{tokens: make(map[string]struct{}, len(tokens))}
	for _, t := range tokens {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			a.tokens[t] = struct{}{}
		}
	}
	return a
}

// Check resolves the request to a token and reports whether it belongs to
// an admin. A token in the request wins over username and password.
func (a *Authenticator) Check(req request) (string, bool) {
	var token string
	switch {
	case req.Token != nil:
		token = *req.Token
	case req.Username != nil && req.Password != nil:
		token = DeriveToken(*req.Username, *req.Password)
	default:
		return "", false
	}
	if _, ok := a.tokens[token]; !ok {
		return "", false
	}
	return token, true
}
