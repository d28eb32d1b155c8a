package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru"
)

// Outcome is the result of verifying one token. Exactly one of Claims or
// Reason is set.
type Outcome struct {
	Claims Claims
	Reason Reason
	// Detail is a short diagnostic for the rejection. It never contains key material.
	Detail string
}

// Valid reports whether the token was accepted.
func (o Outcome) Valid() bool { return o.Reason == "" && o.Claims != nil }

func reject(reason Reason, detail string) Outcome {
	return Outcome{Reason: reason, Detail: detail}
}

// KeyResolver resolves a key id to its descriptor.
type KeyResolver interface {
	Lookup(ctx context.Context, kid string) (JWK, error)
}

// VerifierConfig holds token validation settings.
type VerifierConfig struct {
	// Leeway is the clock skew tolerance applied to exp and nbf.
	Leeway time.Duration
	// RequireExpiry rejects tokens that carry no exp claim.
	RequireExpiry bool
	// KeyCacheSize bounds the number of materialized keys kept. Zero uses 64.
	KeyCacheSize int
	// Now overrides the clock used for time-based claims.
	Now func() time.Time
}

// Verifier authenticates RS256 bearer tokens against keys from a KeyResolver.
// Audience is not checked.
type Verifier struct {
	keys   KeyResolver
	cfg    VerifierConfig
	pubs   *lru.Cache
	parser *jwt.Parser
}

// NewVerifier creates a verifier backed by the given key resolver.
func NewVerifier(keys KeyResolver, cfg VerifierConfig) (*Verifier, error) {
	if keys == nil {
		return nil, errors.New("key resolver is required")
	}
	size := cfg.KeyCacheSize
	if size <= 0 {
		size = 64
	}
	pubs, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("creating key cache: %w", err)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.RequireExpiry {
		opts = append(opts, jwt.WithExpirationRequired())
	}
	if cfg.Now != nil {
		opts = append(opts, jwt.WithTimeFunc(cfg.Now))
	}

	return &Verifier{
		keys:   keys,
		cfg:    cfg,
		pubs:   pubs,
		parser: jwt.NewParser(opts...),
	}, nil
}

// Verify runs the full decision procedure for a raw token. Checks run in a
// fixed order and the first failure ends verification.
func (v *Verifier) Verify(ctx context.Context, tokenString string) Outcome {
	header, err := parseHeader(tokenString)
	if err != nil {
		return reject(ReasonMalformedToken, err.Error())
	}

	kid, _ := header["kid"].(string)
	if kid == "" {
		return reject(ReasonMissingKid, "")
	}

	jwk, err := v.keys.Lookup(ctx, kid)
	if err != nil {
		if errors.Is(err, ErrKeyFetch) {
			return reject(ReasonKeyServiceUnavailable, "key service unavailable")
		}
		return reject(ReasonUnknownKey, "")
	}

	pub, err := v.publicKey(jwk)
	if err != nil {
		return reject(ReasonInvalidKeyMaterial, "invalid key material for kid")
	}

	// Only RS256 is accepted; reject before touching the signature.
	if alg, _ := header["alg"].(string); alg != jwt.SigningMethodRS256.Alg() {
		return reject(ReasonUnsupportedAlgorithm, fmt.Sprintf("unsupported algorithm %q", alg))
	}

	claims := jwt.MapClaims{}
	_, err = v.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return pub, nil
	})
	if err != nil {
		return classifyParseError(err)
	}

	return Outcome{Claims: Claims(claims)}
}

func classifyParseError(err error) Outcome {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return reject(ReasonMalformedToken, err.Error())
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return reject(ReasonInvalidSignature, "signature verification failed")
	case errors.Is(err, jwt.ErrTokenExpired):
		return reject(ReasonTokenExpired, "")
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return reject(ReasonTokenNotYetValid, "token is not valid yet")
	case errors.Is(err, jwt.ErrTokenInvalidClaims):
		return reject(ReasonInvalidClaims, err.Error())
	default:
		return reject(ReasonInvalidSignature, "signature verification failed")
	}
}

// publicKey materializes jwk, reusing a previous result for identical key material.
func (v *Verifier) publicKey(jwk JWK) (*rsa.PublicKey, error) {
	cacheKey := jwk.Kid + "|" + jwk.Kty + "|" + jwk.N + "|" + jwk.E
	if cached, ok := v.pubs.Get(cacheKey); ok {
		return cached.(*rsa.PublicKey), nil
	}
	pub, err := MaterializeRSA(jwk)
	if err != nil {
		return nil, err
	}
	v.pubs.Add(cacheKey, pub)
	return pub, nil
}

// parseHeader decodes the JOSE header of a compact JWS without verifying it.
func parseHeader(tokenString string) (map[string]any, error) {
	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 {
		return nil, errors.New("token contains an invalid number of segments")
	}
	raw, err := jwt.NewParser().DecodeSegment(parts[0])
	if err != nil {
		return nil, fmt.Errorf("could not decode header: %w", err)
	}
	var header map[string]any
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, errors.New("could not parse header")
	}
	if header == nil {
		return nil, errors.New("empty header")
	}
	return header, nil
}
