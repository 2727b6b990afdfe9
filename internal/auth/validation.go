package auth

import (
	"fmt"
	"regexp"
)

// CredentialRules performs server-side syntactic validation of identifiers and
// secrets before any network call, so malformed credentials never reach a
// fragile backend.
type CredentialRules struct {
	identifier *regexp.Regexp
	secret     *regexp.Regexp
}

// NewCredentialRules compiles the configured patterns. An empty pattern
// accepts anything non-empty for the identifier and anything at all for the
// secret (some ILSes use blank PINs).
func NewCredentialRules(identifierPattern, secretPattern string) (*CredentialRules, error) {
	rules := &CredentialRules{}
	var err error
	if identifierPattern != "" {
		if rules.identifier, err = regexp.Compile(identifierPattern); err != nil {
			return nil, fmt.Errorf("auth: identifier regex: %w", err)
		}
	}
	if secretPattern != "" {
		if rules.secret, err = regexp.Compile(secretPattern); err != nil {
			return nil, fmt.Errorf("auth: secret regex: %w", err)
		}
	}
	return rules, nil
}

// Valid reports whether the pair passes syntactic validation.
func (r *CredentialRules) Valid(identifier, secret string) bool {
	if identifier == "" {
		return false
	}
	if r.identifier != nil && !r.identifier.MatchString(identifier) {
		return false
	}
	if r.secret != nil && !r.secret.MatchString(secret) {
		return false
	}
	return true
}
