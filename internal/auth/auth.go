package auth

import (
	"context"
	"errors"
)

var (
	ErrKeyNotFound        = errors.New("key not found")
	ErrKeyFetch           = errors.New("key set unavailable")
	ErrEmptyKeySet        = errors.New("jwks contained no keys")
	ErrUnsupportedKeyType = errors.New("unsupported key type")
	ErrInvalidKeyMaterial = errors.New("invalid key material")
)

// Claims is the decoded payload of a verified token.
type Claims map[string]any

// Subject returns the "sub" claim, or "" if absent.
func (c Claims) Subject() string {
	sub, _ := c["sub"].(string)
	return sub
}

// Reason identifies why a request was denied.
type Reason string

const (
	ReasonMissingToken          Reason = "missing_token"
	ReasonMalformedHeader       Reason = "malformed_header"
	ReasonMalformedToken        Reason = "malformed_token"
	ReasonMissingKid            Reason = "missing_kid"
	ReasonUnknownKey            Reason = "unknown_key"
	ReasonKeyServiceUnavailable Reason = "key_service_unavailable"
	ReasonInvalidKeyMaterial    Reason = "invalid_key_material"
	ReasonUnsupportedAlgorithm  Reason = "unsupported_algorithm"
	ReasonTokenExpired          Reason = "token_expired"
	ReasonTokenNotYetValid      Reason = "token_not_yet_valid"
	ReasonInvalidClaims         Reason = "invalid_claims"
	ReasonInvalidSignature      Reason = "invalid_signature"
)

// Message returns the human-readable denial text for the reason.
// detail is appended for reasons that fall under "Invalid token".
func (r Reason) Message(detail string) string {
	switch r {
	case ReasonMissingToken:
		return "Token is missing"
	case ReasonMalformedHeader:
		return "Invalid Authorization header"
	case ReasonMissingKid:
		return "Token header missing kid"
	case ReasonUnknownKey:
		return "Public key for kid not found"
	case ReasonTokenExpired:
		return "Token expired"
	}
	if detail == "" {
		detail = string(r)
	}
	return "Invalid token: " + detail
}

type claimsContextKey struct{}

// WithClaims returns a copy of ctx carrying the verified claims.
func WithClaims(ctx context.Context, claims Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// ClaimsFromContext retrieves the verified claims from the request context.
func ClaimsFromContext(ctx context.Context) Claims {
	claims, _ := ctx.Value(claimsContextKey{}).(Claims)
	return claims
}
