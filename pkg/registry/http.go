package registry

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/matzehuels/forge/pkg/buildinfo"
	"github.com/matzehuels/forge/pkg/errors"
	"github.com/matzehuels/forge/pkg/httputil"
	"github.com/matzehuels/forge/pkg/observability"
)

// maxObjectSize bounds a single manifest or artifact download.
const maxObjectSize = 32 << 20

// HTTPTransport fetches registry objects over HTTP(S).
type HTTPTransport struct {
	base   string
	host   string
	client *http.Client
	auth   AuthProvider
}

// NewHTTPTransport creates a transport rooted at baseURL. A nil auth sends no
// credentials; a nil client uses [httputil.NewClient].
func NewHTTPTransport(baseURL string, auth AuthProvider, client *http.Client) *HTTPTransport {
	if auth == nil {
		auth = NoAuth
	}
	if client == nil {
		client = httputil.NewClient()
	}
	host := baseURL
	if u, err := url.Parse(baseURL); err == nil {
		host = u.Host
	}
	return &HTTPTransport{
		base:   strings.TrimRight(baseURL, "/"),
		host:   host,
		client: client,
		auth:   auth,
	}
}

// Fetch performs a GET for the directive's object.
func (t *HTTPTransport) Fetch(ctx context.Context, d Directive) ([]byte, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	objPath := d.Path()
	target := t.base + "/" + objPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidInput, err, "build request for %s", target)
	}
	headers, err := t.auth.Headers(ctx)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", buildinfo.UserAgent())

	hooks := observability.HTTP()
	hooks.OnRequest(ctx, http.MethodGet, t.host, objPath)
	start := time.Now()

	resp, err := t.client.Do(req)
	if err != nil {
		hooks.OnError(ctx, http.MethodGet, t.host, objPath, err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, httputil.Retryable(classifyTransportError(err, target))
	}
	defer resp.Body.Close()
	hooks.OnResponse(ctx, http.MethodGet, t.host, objPath, resp.StatusCode, time.Since(start))

	if err := checkStatus(resp.StatusCode, target, d); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxObjectSize+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, httputil.Retryable(errors.Wrap(errors.ErrCodeNetwork, err, "read %s", target))
	}
	if len(data) > maxObjectSize {
		return nil, errors.New(errors.ErrCodeNetwork, "%s exceeds %d bytes", target, maxObjectSize)
	}
	return data, nil
}

func classifyTransportError(err error, target string) error {
	var netErr interface{ Timeout() bool }
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrap(errors.ErrCodeTimeout, err, "request to %s timed out", target)
	}
	return errors.Wrap(errors.ErrCodeNetwork, err, "request to %s failed", target)
}

func checkStatus(code int, target string, d Directive) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusNotFound:
		return errors.New(errors.ErrCodeNotFound, "%s not found in registry", d).WithDetail("url", target)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return errors.New(errors.ErrCodeUnauthorized, "registry rejected credentials (status %d)", code).WithDetail("url", target)
	case code == http.StatusTooManyRequests || code >= 500:
		return httputil.Retryable(errors.New(errors.ErrCodeNetwork, "registry returned status %d", code).WithDetail("url", target))
	default:
		return errors.New(errors.ErrCodeNetwork, "registry returned status %d", code).WithDetail("url", target)
	}
}

var _ Transport = (*HTTPTransport)(nil)
