package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/roasbeef/lattice/internal/metrics"
	"github.com/roasbeef/lattice/internal/wire"
	"github.com/stretchr/testify/require"
)

// staticProvider authenticates a fixed token-to-principal table.
type staticProvider struct {
	principals map[string]*Principal
}

func (p *staticProvider) Authenticate(_ context.Context,
	creds Credentials) (*Principal, error) {

	principal, ok := p.principals[creds.Token]
	if !ok {
		return nil, &AuthError{Kind: AuthInvalidCredentials}
	}

	return principal, nil
}

func testInvocation(metadata map[string]string) wire.Invocation {
	return wire.Invocation{
		CallID:   uuid.New(),
		Actor:    wire.NewActorID("counter-7f3a"),
		Target:   "getValue",
		Args:     [][]byte{[]byte(`1`)},
		Metadata: metadata,
	}
}

// passNext is a server dispatch stub that records it ran.
func passNext(called *bool) func(context.Context,
	wire.Invocation) ([]byte, error) {

	return func(context.Context, wire.Invocation) ([]byte, error) {
		*called = true
		return []byte(`"ok"`), nil
	}
}

func TestPrincipalRoles(t *testing.T) {
	t.Parallel()

	p := &Principal{ID: "alice", Roles: []string{"reader", "writer"}}

	require.True(t, p.HasRole("reader"))
	require.False(t, p.HasRole("admin"))
	require.True(t, p.HasAnyRole("admin", "writer"))
	require.False(t, p.HasAnyRole("admin", "root"))
	require.True(t, p.HasAllRoles("reader", "writer"))
	require.False(t, p.HasAllRoles("reader", "admin"))
}

func TestPrincipalExpiry(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.False(t, (&Principal{}).IsExpired(now))
	require.False(t, (&Principal{
		ExpiresAt: now.Add(time.Minute),
	}).IsExpired(now))
	require.True(t, (&Principal{
		ExpiresAt: now.Add(-time.Minute),
	}).IsExpired(now))
}

func TestParseCredentials(t *testing.T) {
	t.Parallel()

	basic := base64.StdEncoding.EncodeToString([]byte("alice:hunter2"))

	tests := []struct {
		name string
		raw  string
		want Credentials
	}{
		{
			name: "bearer",
			raw:  "Bearer tok123",
			want: Credentials{Scheme: SchemeBearer, Token: "tok123"},
		},
		{
			name: "api key",
			raw:  "ApiKey key456",
			want: Credentials{Scheme: SchemeAPIKey, Token: "key456"},
		},
		{
			name: "basic",
			raw:  "Basic " + basic,
			want: Credentials{
				Scheme:   SchemeBasic,
				Username: "alice",
				Password: "hunter2",
			},
		},
		{
			name: "custom scheme",
			raw:  "hmac sig=abc",
			want: Credentials{
				Scheme: SchemeCustom,
				Custom: map[string]string{
					"scheme": "hmac",
					"value":  "sig=abc",
				},
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseCredentials(tc.raw)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestParseCredentialsMalformed(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		"",
		"bearer",
		"bearer ",
		"basic not-base64!!",
		"basic " + base64.StdEncoding.EncodeToString([]byte("nosep")),
	} {
		_, err := ParseCredentials(raw)

		var authErr *AuthError
		require.ErrorAs(t, err, &authErr, "raw=%q", raw)
		require.Equal(t, AuthMalformed, authErr.Kind, "raw=%q", raw)
	}
}

func TestAuthMiddlewareSetsPrincipal(t *testing.T) {
	t.Parallel()

	mw := NewAuthMiddleware(AuthConfig{
		Provider: &staticProvider{principals: map[string]*Principal{
			"tok123": {ID: "alice", Roles: []string{"reader"}},
		}},
	})

	gctx := NewContext(map[string]string{
		MetadataKeyAuthorization: "bearer tok123",
	})

	var seen *Principal
	_, err := mw.Process(
		context.Background(), gctx, testInvocation(nil),
		func(_ context.Context, gctx *Context,
			_ wire.Invocation) ([]byte, error) {

			seen = gctx.Principal
			return nil, nil
		},
	)
	require.NoError(t, err)
	require.NotNil(t, seen)
	require.Equal(t, "alice", seen.ID)
	require.Equal(t, PrincipalUser, seen.Type)
	require.False(t, seen.AuthenticatedAt.IsZero())
}

func TestAuthMiddlewareRejections(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	provider := &staticProvider{principals: map[string]*Principal{
		"fresh": {ID: "alice"},
		"stale": {ID: "bob", ExpiresAt: clock.Now().Add(-time.Hour)},
	}}
	mw := NewAuthMiddleware(AuthConfig{Provider: provider, Now: clock.Now})

	next := func(context.Context, *Context,
		wire.Invocation) ([]byte, error) {

		t.Fatal("next should not run")
		return nil, nil
	}

	tests := []struct {
		name     string
		metadata map[string]string
		wantKind AuthErrorKind
	}{
		{
			name:     "no credentials",
			metadata: nil,
			wantKind: AuthMalformed,
		},
		{
			name: "unknown token",
			metadata: map[string]string{
				MetadataKeyAuthorization: "bearer nope",
			},
			wantKind: AuthInvalidCredentials,
		},
		{
			name: "expired principal",
			metadata: map[string]string{
				MetadataKeyAuthorization: "bearer stale",
			},
			wantKind: AuthExpired,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			gctx := NewContext(tc.metadata)
			_, err := mw.Process(
				context.Background(), gctx,
				testInvocation(nil), next,
			)

			var authErr *AuthError
			require.ErrorAs(t, err, &authErr)
			require.Equal(t, tc.wantKind, authErr.Kind)
		})
	}
}

func TestAuthzMiddleware(t *testing.T) {
	t.Parallel()

	mw := NewAuthzMiddleware(AuthzConfig{Policy: RolePolicy("admin")})

	called := false
	next := func(context.Context, *Context,
		wire.Invocation) ([]byte, error) {

		called = true
		return nil, nil
	}

	// Anonymous requests never reach the policy.
	_, err := mw.Process(
		context.Background(), NewContext(nil), testInvocation(nil),
		next,
	)

	var authzErr *AuthzError
	require.ErrorAs(t, err, &authzErr)
	require.Equal(t, "anonymous", authzErr.Principal)

	// A principal without the role is denied, and the action names the
	// actor type prefix and method.
	gctx := NewContext(nil)
	gctx.Principal = &Principal{ID: "bob", Roles: []string{"reader"}}
	_, err = mw.Process(
		context.Background(), gctx, testInvocation(nil), next,
	)
	require.ErrorAs(t, err, &authzErr)
	require.Equal(t, "bob", authzErr.Principal)
	require.Equal(t, Action{
		ActorType: "counter",
		Method:    "getValue",
	}, authzErr.Action)
	require.False(t, called)

	// The role holder passes.
	gctx.Principal = &Principal{ID: "alice", Roles: []string{"admin"}}
	_, err = mw.Process(
		context.Background(), gctx, testInvocation(nil), next,
	)
	require.NoError(t, err)
	require.True(t, called)
}

func TestAuthzAllowAnonymous(t *testing.T) {
	t.Parallel()

	var sawNil bool
	mw := NewAuthzMiddleware(AuthzConfig{
		AllowAnonymous: true,
		Policy: AuthorizationPolicyFunc(func(_ context.Context,
			principal *Principal, _ Action,
			_ Resource) (bool, error) {

			sawNil = principal == nil
			return true, nil
		}),
	})

	_, err := mw.Process(
		context.Background(), NewContext(nil), testInvocation(nil),
		func(context.Context, *Context,
			wire.Invocation) ([]byte, error) {

			return nil, nil
		},
	)
	require.NoError(t, err)
	require.True(t, sawNil)
}

func TestValidationPresets(t *testing.T) {
	t.Parallel()

	ok := testInvocation(nil)

	big := testInvocation(nil)
	big.Args = make([][]byte, 10)
	for i := range big.Args {
		big.Args[i] = make([]byte, 100<<10)
	}

	noActor := testInvocation(nil)
	noActor.Actor.ID = ""

	noTarget := testInvocation(nil)
	noTarget.Target = ""

	tests := []struct {
		name    string
		cfg     ValidationConfig
		inv     wire.Invocation
		wantErr bool
	}{
		{"default accepts normal", DefaultValidation(), ok, false},
		{"default accepts big", DefaultValidation(), big, false},
		{"strict rejects big", StrictValidation(), big, true},
		{"permissive accepts big", PermissiveValidation(), big, false},
		{"empty actor id", PermissiveValidation(), noActor, true},
		{"empty target", PermissiveValidation(), noTarget, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mw := NewValidationMiddleware(tc.cfg)
			_, err := mw.Process(
				context.Background(), NewContext(nil), tc.inv,
				func(context.Context, *Context,
					wire.Invocation) ([]byte, error) {

					return nil, nil
				},
			)

			if tc.wantErr {
				var validErr *ValidationError
				require.ErrorAs(t, err, &validErr)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestRateLimitMiddlewareKeysByPrincipal(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	limiter := NewTokenBucketLimiter(1, 0.001, WithClock(clock.Now))
	mw := NewRateLimitMiddleware(RateLimitConfig{Limiter: limiter})

	next := func(context.Context, *Context,
		wire.Invocation) ([]byte, error) {

		return nil, nil
	}

	alice := NewContext(nil)
	alice.Principal = &Principal{ID: "alice"}

	_, err := mw.Process(
		context.Background(), alice, testInvocation(nil), next,
	)
	require.NoError(t, err)

	_, err = mw.Process(
		context.Background(), alice, testInvocation(nil), next,
	)

	var rateErr *RateLimitError
	require.ErrorAs(t, err, &rateErr)
	require.Equal(t, "alice", rateErr.Key)

	// A different principal has its own bucket.
	bob := NewContext(nil)
	bob.Principal = &Principal{ID: "bob"}
	_, err = mw.Process(
		context.Background(), bob, testInvocation(nil), next,
	)
	require.NoError(t, err)

	// Anonymous requests share one global key.
	_, err = mw.Process(
		context.Background(), NewContext(nil), testInvocation(nil),
		next,
	)
	require.NoError(t, err)
	_, err = mw.Process(
		context.Background(), NewContext(nil), testInvocation(nil),
		next,
	)
	require.ErrorAs(t, err, &rateErr)
	require.Equal(t, AnonymousKey, rateErr.Key)
}

func TestChainRunsOutermostFirst(t *testing.T) {
	t.Parallel()

	var order []string
	tag := func(name string) Middleware {
		return MiddlewareFunc(func(ctx context.Context, gctx *Context,
			inv wire.Invocation, next Handler) ([]byte, error) {

			order = append(order, name+":before")
			payload, err := next(ctx, gctx, inv)
			order = append(order, name+":after")

			return payload, err
		})
	}

	g := New([]Middleware{tag("outer"), tag("inner")})

	called := false
	payload, err := g.Dispatch(
		context.Background(), testInvocation(nil), passNext(&called),
	)
	require.NoError(t, err)
	require.True(t, called)
	require.Equal(t, []byte(`"ok"`), payload)
	require.Equal(t, []string{
		"outer:before", "inner:before", "inner:after", "outer:after",
	}, order)
}

func TestDispatchShapesErrors(t *testing.T) {
	t.Parallel()

	fail := func(err error) Middleware {
		return MiddlewareFunc(func(context.Context, *Context,
			wire.Invocation, Handler) ([]byte, error) {

			return nil, err
		})
	}

	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "authentication",
			err:  &AuthError{Kind: AuthInvalidCredentials},
			want: "Authentication failed: invalid credentials",
		},
		{
			name: "authorization",
			err: &AuthzError{
				Principal: "bob",
				Action: Action{
					ActorType: "counter",
					Method:    "getValue",
				},
			},
			want: "Authorization failed: access denied for " +
				"bob on counter.getValue",
		},
		{
			name: "rate limit",
			err:  &RateLimitError{Key: "bob"},
			want: "Rate limit exceeded: too many requests for bob",
		},
		{
			name: "validation",
			err:  &ValidationError{Reason: "empty target"},
			want: "Validation failed: empty target",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			g := New([]Middleware{fail(tc.err)})

			called := false
			_, err := g.Dispatch(
				context.Background(), testInvocation(nil),
				passNext(&called),
			)
			require.False(t, called)
			require.EqualError(t, err, tc.want)
		})
	}
}

func TestDispatchPassesActorNotFoundThrough(t *testing.T) {
	t.Parallel()

	g := New(nil)

	want := wire.NewActorNotFoundError("counter-7f3a")
	_, err := g.Dispatch(
		context.Background(), testInvocation(nil),
		func(context.Context, wire.Invocation) ([]byte, error) {
			return nil, want
		},
	)
	require.ErrorIs(t, err, wire.ErrActorNotFound)
}

func TestDispatchShapesHandlerErrors(t *testing.T) {
	t.Parallel()

	g := New(nil)

	_, err := g.Dispatch(
		context.Background(), testInvocation(nil),
		func(context.Context, wire.Invocation) ([]byte, error) {
			return nil, errors.New("boom")
		},
	)
	require.EqualError(t, err, "Invocation failed: boom")
}

func TestDispatchRecordsMetrics(t *testing.T) {
	t.Parallel()

	collector := metrics.NewCollector()
	g := New([]Middleware{
		MiddlewareFunc(func(ctx context.Context, gctx *Context,
			inv wire.Invocation, next Handler) ([]byte, error) {

			if gctx.Metadata["deny"] != "" {
				return nil, &AuthError{
					Kind: AuthInvalidCredentials,
				}
			}

			return next(ctx, gctx, inv)
		}),
	}, WithCollector(collector))

	called := false
	_, err := g.Dispatch(
		context.Background(), testInvocation(nil), passNext(&called),
	)
	require.NoError(t, err)

	_, err = g.Dispatch(
		context.Background(),
		testInvocation(map[string]string{"deny": "1"}),
		passNext(&called),
	)
	require.Error(t, err)

	snap := collector.Flush()
	require.Equal(t, float64(1), snap.Counters[
		metrics.MetricInvocations+"|status=success|target=getValue"])
	require.Equal(t, float64(1), snap.Counters[
		metrics.MetricInvocations+"|status=error|target=getValue"])
	require.Equal(t, float64(1), snap.Counters[
		metrics.MetricInvocationErrors+"|reason="+
			metrics.ReasonAuthentication])

	var sawLatency bool
	for _, h := range snap.Histograms {
		if h.Name == metrics.MetricInvocationLatency {
			sawLatency = true
			require.Equal(t, uint64(2), h.Count)
		}
	}
	require.True(t, sawLatency)
}

func TestTracingMiddlewareSeedsTraceContext(t *testing.T) {
	t.Parallel()

	mw := NewTracingMiddleware(TracingConfig{})

	var seen *wire.TraceContext
	_, err := mw.Process(
		context.Background(), NewContext(nil), testInvocation(nil),
		func(_ context.Context, _ *Context,
			inv wire.Invocation) ([]byte, error) {

			seen = inv.Trace
			return nil, nil
		},
	)
	require.NoError(t, err)
	require.NotNil(t, seen)
	require.Len(t, seen.TraceID, 32)
	require.Len(t, seen.SpanID, 16)

	// An existing trace context is preserved.
	inv := testInvocation(nil)
	inv.Trace = &wire.TraceContext{TraceID: "abc", SpanID: "def"}
	_, err = mw.Process(
		context.Background(), NewContext(nil), inv,
		func(_ context.Context, _ *Context,
			inv wire.Invocation) ([]byte, error) {

			seen = inv.Trace
			return nil, nil
		},
	)
	require.NoError(t, err)
	require.Equal(t, "abc", seen.TraceID)
}
