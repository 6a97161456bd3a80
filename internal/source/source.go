// Package source turns download URIs into fetchable HTTP requests.
package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/italolelis/batch_downloader/internal/storage"
)

var (
	// ErrUnsupportedScheme is returned for URIs no resolver handles.
	ErrUnsupportedScheme = errors.New("unsupported uri scheme")
	// ErrNotFound is returned when the remote object does not exist.
	ErrNotFound = errors.New("source not found")
	// ErrInvalidURI is returned for URIs that cannot name a source.
	ErrInvalidURI = errors.New("invalid uri")
)

// Resolved is a URI ready to be fetched over HTTP.
type Resolved struct {
	URL string
	// Headers are added to the download's own headers.
	Headers []storage.Header
	// FilenameHint and MimeType are suggestions from the source's metadata.
	FilenameHint string
	MimeType     string
	// Size is storage.UnknownBytes when the source does not tell.
	Size int64
}

// Resolver resolves URIs of one scheme.
type Resolver interface {
	Resolve(ctx context.Context, u *url.URL) (Resolved, error)
}

// Expander turns a URI naming a collection into the URIs of its members.
type Expander interface {
	Expand(ctx context.Context, u *url.URL) ([]string, error)
}

// Registry dispatches URIs to resolvers by scheme. http and https are
// passed through unchanged.
type Registry struct {
	resolvers map[string]Resolver
}

// NewRegistry returns a registry handling http and https.
func NewRegistry() *Registry {
	r := &Registry{resolvers: make(map[string]Resolver)}
	r.Register("http", passthrough{})
	r.Register("https", passthrough{})

	return r
}

// Register installs res for scheme, replacing any previous one.
func (r *Registry) Register(scheme string, res Resolver) {
	r.resolvers[strings.ToLower(scheme)] = res
}

// Supports reports whether a resolver exists for the URI's scheme.
func (r *Registry) Supports(rawURI string) bool {
	u, err := url.Parse(rawURI)
	if err != nil {
		return false
	}

	_, ok := r.resolvers[strings.ToLower(u.Scheme)]

	return ok
}

// Resolve resolves rawURI.
func (r *Registry) Resolve(ctx context.Context, rawURI string) (Resolved, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return Resolved{}, fmt.Errorf("%w %q: %v", ErrInvalidURI, rawURI, err)
	}

	res, ok := r.resolvers[strings.ToLower(u.Scheme)]
	if !ok {
		return Resolved{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	return res.Resolve(ctx, u)
}

// Expand returns the member URIs of rawURI when its resolver can expand
// collections, or rawURI itself otherwise.
func (r *Registry) Expand(ctx context.Context, rawURI string) ([]string, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidURI, rawURI, err)
	}

	res, ok := r.resolvers[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	if e, ok := res.(Expander); ok {
		return e.Expand(ctx, u)
	}

	return []string{rawURI}, nil
}

type passthrough struct{}

func (passthrough) Resolve(_ context.Context, u *url.URL) (Resolved, error) {
	if u.Host == "" {
		return Resolved{}, fmt.Errorf("%w %q: missing host", ErrInvalidURI, u.String())
	}

	return Resolved{URL: u.String(), Size: storage.UnknownBytes}, nil
}
