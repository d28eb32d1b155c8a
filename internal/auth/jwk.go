package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// JWK is a single entry of a JSON Web Key Set. Only RSA keys are usable.
type JWK struct {
	Kid string `json:"kid,omitempty"`
	Kty string `json:"kty,omitempty"`
	Alg string `json:"alg,omitempty"`
	Use string `json:"use,omitempty"`
	N   string `json:"n,omitempty"` // base64url, padding optional
	E   string `json:"e,omitempty"` // base64url, padding optional
}

// KeySet is an immutable snapshot of the identity authority's published keys.
type KeySet struct {
	Keys      []JWK
	FetchedAt time.Time
}

// Empty reports whether the set holds no keys. A nil set is empty.
func (s *KeySet) Empty() bool {
	return s == nil || len(s.Keys) == 0
}

// Find returns the first key whose kid matches.
func (s *KeySet) Find(kid string) (JWK, bool) {
	if s == nil {
		return JWK{}, false
	}
	for _, k := range s.Keys {
		if k.Kid == kid {
			return k, true
		}
	}
	return JWK{}, false
}

// MaterializeRSA builds an RSA public key from a JWK's modulus and exponent.
func MaterializeRSA(k JWK) (*rsa.PublicKey, error) {
	if k.Kty != "RSA" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKeyType, k.Kty)
	}
	if k.N == "" || k.E == "" {
		return nil, fmt.Errorf("%w: missing modulus or exponent", ErrInvalidKeyMaterial)
	}

	nBytes, err := decodeBase64URL(k.N)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding n: %v", ErrInvalidKeyMaterial, err)
	}
	eBytes, err := decodeBase64URL(k.E)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding e: %v", ErrInvalidKeyMaterial, err)
	}

	n := new(big.Int).SetBytes(nBytes)
	if n.Sign() == 0 {
		return nil, fmt.Errorf("%w: zero modulus", ErrInvalidKeyMaterial)
	}
	e := new(big.Int).SetBytes(eBytes)
	if !e.IsInt64() || e.Int64() > int64(^uint32(0)>>1) {
		return nil, fmt.Errorf("%w: exponent out of range", ErrInvalidKeyMaterial)
	}
	if e.Int64() < 3 || e.Bit(0) == 0 {
		return nil, fmt.Errorf("%w: bad exponent %d", ErrInvalidKeyMaterial, e.Int64())
	}

	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

// decodeBase64URL accepts base64url input with or without trailing padding.
func decodeBase64URL(s string) ([]byte, error) {
	if m := len(s) % 4; m != 0 {
		s += strings.Repeat("=", 4-m)
	}
	return base64.URLEncoding.DecodeString(s)
}
