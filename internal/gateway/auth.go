package gateway

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/roasbeef/lattice/internal/wire"
)

// Scheme identifies how credentials were presented.
type Scheme string

const (
	SchemeBearer Scheme = "bearer"
	SchemeAPIKey Scheme = "apikey"
	SchemeBasic  Scheme = "basic"
	SchemeCustom Scheme = "custom"
)

// Credentials are the raw secrets extracted from an invocation before the
// provider has vouched for them.
type Credentials struct {
	Scheme Scheme

	// Token carries the bearer token or API key.
	Token string

	// Username and Password are set for basic credentials.
	Username string
	Password string

	// Custom carries scheme-specific fields for SchemeCustom.
	Custom map[string]string
}

// AuthErrorKind enumerates authentication failure modes.
type AuthErrorKind int

const (
	AuthInvalidCredentials AuthErrorKind = iota
	AuthExpired
	AuthMalformed
	AuthUnavailable
)

// AuthError is an authentication failure.
type AuthError struct {
	Kind   AuthErrorKind
	Reason string
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	switch e.Kind {
	case AuthInvalidCredentials:
		return "invalid credentials"
	case AuthExpired:
		return "credentials expired"
	case AuthMalformed:
		return fmt.Sprintf("malformed credentials: %s", e.Reason)
	case AuthUnavailable:
		return "authentication unavailable"
	default:
		return "authentication error"
	}
}

// AuthenticationProvider validates credentials and produces the principal
// they identify.
type AuthenticationProvider interface {
	Authenticate(ctx context.Context,
		creds Credentials) (*Principal, error)
}

// MetadataKeyAuthorization is the metadata key credentials are extracted
// from by default.
const MetadataKeyAuthorization = "authorization"

// AuthConfig tunes the authentication middleware.
type AuthConfig struct {
	// Provider vouches for extracted credentials.
	Provider AuthenticationProvider

	// MetadataKey overrides where credentials are read from.
	MetadataKey string

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

// AuthMiddleware extracts credentials from envelope metadata, authenticates
// them, and stores the resulting principal on the request context.
type AuthMiddleware struct {
	cfg AuthConfig
}

// NewAuthMiddleware creates the middleware.
func NewAuthMiddleware(cfg AuthConfig) *AuthMiddleware {
	if cfg.MetadataKey == "" {
		cfg.MetadataKey = MetadataKeyAuthorization
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &AuthMiddleware{cfg: cfg}
}

// Process implements Middleware.
func (m *AuthMiddleware) Process(ctx context.Context, gctx *Context,
	inv wire.Invocation, next Handler) ([]byte, error) {

	raw, ok := gctx.Metadata[m.cfg.MetadataKey]
	if !ok || raw == "" {
		return nil, &AuthError{
			Kind:   AuthMalformed,
			Reason: "no credentials presented",
		}
	}

	creds, err := ParseCredentials(raw)
	if err != nil {
		return nil, err
	}

	principal, err := m.cfg.Provider.Authenticate(ctx, creds)
	if err != nil {
		return nil, err
	}

	if principal.IsExpired(m.cfg.Now()) {
		return nil, &AuthError{Kind: AuthExpired}
	}

	if principal.Type == "" {
		principal.Type = PrincipalUser
	}
	if principal.AuthenticatedAt.IsZero() {
		principal.AuthenticatedAt = m.cfg.Now()
	}

	gctx.Principal = principal

	return next(ctx, gctx, inv)
}

// ParseCredentials splits a credential string of the form "<scheme> <value>"
// into typed credentials.
func ParseCredentials(raw string) (Credentials, error) {
	scheme, value, found := strings.Cut(raw, " ")
	if !found || value == "" {
		return Credentials{}, &AuthError{
			Kind:   AuthMalformed,
			Reason: "expected '<scheme> <value>'",
		}
	}

	switch strings.ToLower(scheme) {
	case "bearer":
		return Credentials{Scheme: SchemeBearer, Token: value}, nil

	case "apikey":
		return Credentials{Scheme: SchemeAPIKey, Token: value}, nil

	case "basic":
		decoded, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return Credentials{}, &AuthError{
				Kind:   AuthMalformed,
				Reason: "basic credentials not base64",
			}
		}

		user, pass, found := strings.Cut(string(decoded), ":")
		if !found {
			return Credentials{}, &AuthError{
				Kind:   AuthMalformed,
				Reason: "basic credentials missing separator",
			}
		}

		return Credentials{
			Scheme:   SchemeBasic,
			Username: user,
			Password: pass,
		}, nil

	default:
		return Credentials{
			Scheme: SchemeCustom,
			Custom: map[string]string{
				"scheme": scheme,
				"value":  value,
			},
		}, nil
	}
}
