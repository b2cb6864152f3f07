// Package registry implements access to remote definition registries.
//
// # Layout
//
// A registry is a tree of JSON objects, served over HTTP(S) or stored in an
// S3-compatible bucket:
//
//	<root>/manifest.json
//	<root>/definitions/<kind>/<name>/<version>.json
//
// The [Manifest] lists every kind/name with its versions and the integrity
// hash of each version. Artifacts are the flat JSON form of a definition.
//
// # Transports
//
// A [Transport] fetches raw bytes for a [Directive]. [HTTPTransport] and
// [S3Transport] are the two implementations; [NewTransport] picks one from
// the registry URL scheme. Transports classify failures with forge error
// codes: NOT_FOUND for missing objects, UNAUTHORIZED for rejected
// credentials, and NETWORK_ERROR (wrapped in [httputil.RetryableError]) for
// connection failures and 5xx responses.
//
// # Serving
//
// [Server] exposes a filesystem tier as a registry; it backs `forge serve`.
package registry

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/matzehuels/forge/pkg/definition"
	"github.com/matzehuels/forge/pkg/errors"
)

// Transport fetches registry objects.
type Transport interface {
	// Fetch returns the raw bytes for d.
	Fetch(ctx context.Context, d Directive) ([]byte, error)
}

// Directive names one registry object: the manifest (zero value) or one
// artifact version.
type Directive struct {
	Kind    definition.Kind
	Name    string
	Version string
}

// ManifestDirective selects the registry manifest.
func ManifestDirective() Directive { return Directive{} }

// ArtifactDirective selects one published definition version.
func ArtifactDirective(kind definition.Kind, name, ver string) Directive {
	return Directive{Kind: kind, Name: name, Version: ver}
}

// IsManifest reports whether d selects the manifest.
func (d Directive) IsManifest() bool { return d.Name == "" }

// Path returns the object path relative to the registry root.
func (d Directive) Path() string {
	if d.IsManifest() {
		return ManifestPath
	}
	return path.Join("definitions", string(d.Kind), d.Name, d.Version+".json")
}

// String describes the directive for logs and errors.
func (d Directive) String() string {
	if d.IsManifest() {
		return "manifest"
	}
	return fmt.Sprintf("%s@%s", definition.ID(d.Kind, d.Name), d.Version)
}

func (d Directive) validate() error {
	if d.IsManifest() {
		return nil
	}
	if err := errors.ValidateName(d.Name); err != nil {
		return err
	}
	if strings.ContainsAny(d.Version, "/\\") || strings.Contains(d.Version, "..") || d.Version == "" {
		return errors.New(errors.ErrCodeInvalidInput, "invalid version %q", d.Version)
	}
	return nil
}

// TransportOptions carries what a transport may need besides its URL.
type TransportOptions struct {
	Auth AuthProvider
	S3   S3Config
}

// NewTransport creates the transport for a registry URL: s3:// URLs use
// [S3Transport], http(s):// URLs use [HTTPTransport].
func NewTransport(rawURL string, opts TransportOptions) (Transport, error) {
	if err := errors.ValidateRegistryURL(rawURL); err != nil {
		return nil, err
	}
	if strings.HasPrefix(strings.ToLower(rawURL), "s3://") {
		return NewS3Transport(rawURL, opts.S3)
	}
	return NewHTTPTransport(rawURL, opts.Auth, nil), nil
}
