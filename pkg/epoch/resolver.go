package epoch

import "context"

// Resolver is the interface form of ResolveFunc. Most callers just pass a
// closure through ResolveFunc directly; Resolver exists so an embedder
// (or a test) can hand the registry an object instead, e.g. one backed by
// an external placement/leadership query.
//
//go:generate mockgen -destination=mocks/resolver_mock.go -package=mocks github.com/cuemby/vos/pkg/epoch Resolver
type Resolver interface {
	Resolve(ctx context.Context, id DTXID) (commit bool, err error)
}

// AsResolveFunc adapts a Resolver to the plain ResolveFunc NewRegistry
// takes.
func AsResolveFunc(r Resolver) ResolveFunc {
	return r.Resolve
}
