package registry

import (
	"context"
	"os"

	"github.com/matzehuels/forge/pkg/errors"
)

// AuthProvider supplies request headers for a registry. Transports attach
// the headers as-is and never inspect them.
type AuthProvider interface {
	Headers(ctx context.Context) (map[string]string, error)
}

// AuthFunc adapts a function to [AuthProvider].
type AuthFunc func(ctx context.Context) (map[string]string, error)

// Headers calls f.
func (f AuthFunc) Headers(ctx context.Context) (map[string]string, error) { return f(ctx) }

// NoAuth sends no credentials.
var NoAuth AuthProvider = AuthFunc(func(context.Context) (map[string]string, error) { return nil, nil })

// BearerToken sends a fixed bearer token.
func BearerToken(token string) AuthProvider {
	return AuthFunc(func(context.Context) (map[string]string, error) {
		return map[string]string{"Authorization": "Bearer " + token}, nil
	})
}

// EnvToken reads a bearer token from the environment variable name on every
// request. An unset variable is an UNAUTHORIZED error.
func EnvToken(name string) AuthProvider {
	return AuthFunc(func(context.Context) (map[string]string, error) {
		token := os.Getenv(name)
		if token == "" {
			return nil, errors.New(errors.ErrCodeUnauthorized, "registry token variable %s is not set", name)
		}
		return map[string]string{"Authorization": "Bearer " + token}, nil
	})
}

// TokenAuth picks the provider for a configured registry: an explicit token
// wins over a token variable; neither means no credentials.
func TokenAuth(token, tokenEnv string) AuthProvider {
	switch {
	case token != "":
		return BearerToken(token)
	case tokenEnv != "":
		return EnvToken(tokenEnv)
	default:
		return NoAuth
	}
}
