package snapshot

import (
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/xraph/flowbridge/id"
)

// RequestIDHeader is read for the request ID before one is generated.
const RequestIDHeader = "X-Request-ID"

// DefaultHeaders is the header allow-list used when none is configured.
// Authorization is deliberately absent; see WithAuthorizationHeader.
var DefaultHeaders = []string{"Content-Type", "Accept", "Accept-Language"}

// DefaultClaims is the claim allow-list used when none is configured.
var DefaultClaims = []string{"name", "email", "role", "sub"}

// ClaimsFunc extracts the authenticated caller's claims from a request.
// It returns nil for anonymous requests.
type ClaimsFunc func(r *http.Request) map[string]string

// UserIDFunc derives the user ID from a request and its unfiltered claims.
type UserIDFunc func(r *http.Request, claims map[string]string) string

type options struct {
	headers []string
	claims  []string
	claimsF ClaimsFunc
	userF   UserIDFunc
	now     func() time.Time
}

// Option configures Capture and Middleware.
type Option func(*options)

// WithHeaders replaces the header allow-list.
func WithHeaders(names ...string) Option {
	return func(o *options) { o.headers = names }
}

// WithAuthorizationHeader adds Authorization to the header allow-list. The
// header value then travels with the job payload and lands in whatever
// store holds it.
func WithAuthorizationHeader() Option {
	return func(o *options) { o.headers = append(slices.Clone(o.headers), "Authorization") }
}

// WithClaims replaces the claim allow-list.
func WithClaims(names ...string) Option {
	return func(o *options) { o.claims = names }
}

// WithClaimsFunc sets how claims are read from a request.
func WithClaimsFunc(fn ClaimsFunc) Option {
	return func(o *options) { o.claimsF = fn }
}

// WithUserIDFunc sets how the user ID is derived. By default it is the
// "sub" claim.
func WithUserIDFunc(fn UserIDFunc) Option {
	return func(o *options) { o.userF = fn }
}

func newOptions(opts []Option) *options {
	o := &options{
		headers: DefaultHeaders,
		claims:  DefaultClaims,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Capture builds a snapshot of r. It returns nil for a nil request.
func Capture(r *http.Request, opts ...Option) *ContextSnapshot {
	if r == nil {
		return nil
	}
	return capture(r, newOptions(opts))
}

func capture(r *http.Request, o *options) *ContextSnapshot {
	s := &ContextSnapshot{
		Method:        r.Method,
		RemoteAddress: remoteHost(r.RemoteAddr),
		UserAgent:     r.UserAgent(),
		RequestID:     r.Header.Get(RequestIDHeader),
		Headers:       make(map[string]string),
		Claims:        make(map[string]string),
		CreatedAt:     o.now().UTC(),
	}
	if r.URL != nil {
		s.RequestPath = r.URL.Path
	}
	if s.RequestID == "" {
		s.RequestID = id.NewRequestID().String()
	}

	for _, name := range o.headers {
		if v := r.Header.Get(name); v != "" {
			s.Headers[canonicalHeader(name)] = v
		}
	}

	var claims map[string]string
	if o.claimsF != nil {
		claims = o.claimsF(r)
	}
	for _, name := range o.claims {
		if v, ok := claims[name]; ok {
			s.Claims[name] = v
		}
	}
	if o.userF != nil {
		s.UserID = o.userF(r, claims)
	} else {
		s.UserID = claims["sub"]
	}
	return s
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func canonicalHeader(name string) string {
	return http.CanonicalHeaderKey(name)
}

// Middleware captures a snapshot of every request and stores it in the
// request context, where ContextProvider finds it.
func Middleware(next http.Handler, opts ...Option) http.Handler {
	o := newOptions(opts)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := capture(r, o)
		next.ServeHTTP(w, r.WithContext(WithSnapshot(r.Context(), snap)))
	})
}
