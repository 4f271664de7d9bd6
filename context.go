package authkit

import "context"

type requestMetaContextKey struct{}
type principalContextKey struct{}

// WithRequestMeta attaches the per-request metadata (request id, client
// ip, user agent) to ctx. The engine reads it for audit events and
// session fingerprints; handlers set it once at the top of the request.
func WithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaContextKey{}, meta)
}

// RequestMetaFromContext returns the metadata set by [WithRequestMeta],
// or a zero value when none was set.
func RequestMetaFromContext(ctx context.Context) RequestMeta {
	if ctx == nil {
		return RequestMeta{}
	}
	meta, _ := ctx.Value(requestMetaContextKey{}).(RequestMeta)
	return meta
}

// WithPrincipal attaches the authenticated caller to ctx after access
// token validation.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext returns the authenticated caller, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	p, ok := ctx.Value(principalContextKey{}).(Principal)
	return p, ok
}
