package auth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "github.com/epc-wordpress/panel-connect/internal/auth"

// maxJWKSBody bounds how much of a JWKS response is read.
const maxJWKSBody = 1 << 20

// Fetcher retrieves the current key set from the identity authority.
type Fetcher interface {
	Fetch(ctx context.Context) (*KeySet, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context) (*KeySet, error)

func (f FetcherFunc) Fetch(ctx context.Context) (*KeySet, error) { return f(ctx) }

// HTTPFetcher fetches a JWKS document with a single GET. It does not retry.
type HTTPFetcher struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

// NewHTTPFetcher creates a fetcher for the given JWKS URL. A nil client uses
// http.DefaultClient; timeout <= 0 defaults to 10 seconds.
func NewHTTPFetcher(url string, client *http.Client, timeout time.Duration) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPFetcher{url: url, client: client, timeout: timeout}
}

// URL returns the JWKS endpoint this fetcher targets.
func (f *HTTPFetcher) URL() string { return f.url }

func (f *HTTPFetcher) Fetch(ctx context.Context) (*KeySet, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "jwks.fetch")
	defer span.End()
	span.SetAttributes(attribute.String("jwks.url", f.url))

	set, err := f.fetch(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("jwks.key_count", len(set.Keys)))
	return set, nil
}

func (f *HTTPFetcher) fetch(ctx context.Context) (*KeySet, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request for %s: %w", f.url, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", f.url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("GET %s: status %d: %s", f.url, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBody))
	if err != nil {
		return nil, fmt.Errorf("reading JWKS: %w", err)
	}
	keys, err := parseJWKS(body)
	if err != nil {
		return nil, err
	}
	return &KeySet{Keys: keys, FetchedAt: time.Now()}, nil
}

// parseJWKS decodes a {"keys": [...]} document. Entries without a kid are
// dropped; any other shape is an error.
func parseJWKS(body []byte) ([]JWK, error) {
	var doc struct {
		Keys json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decoding JWKS: %w", err)
	}
	if len(doc.Keys) == 0 || string(doc.Keys) == "null" {
		return nil, fmt.Errorf("decoding JWKS: missing keys")
	}

	var raw []JWK
	if err := json.Unmarshal(doc.Keys, &raw); err != nil {
		return nil, fmt.Errorf("decoding JWKS keys: %w", err)
	}

	keys := make([]JWK, 0, len(raw))
	for _, k := range raw {
		if k.Kid == "" {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return nil, ErrEmptyKeySet
	}
	return keys, nil
}
