package adapter

import (
	"context"
	"sync"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/gatehouse/offline-sdk/pkg/remote"
)

// ScopeResolver answers which account scope the session operates in. The
// answer comes from the server exactly once and is cached for the session
// lifetime; there are no client-side fallback identifiers. A failed
// resolution (for example at offline startup) stays unresolved and is
// retried on the next call.
type ScopeResolver struct {
	remote remote.Client

	mu       sync.Mutex
	scope    string
	resolved bool
}

func NewScopeResolver(rc remote.Client) *ScopeResolver {
	return &ScopeResolver{remote: rc}
}

func (r *ScopeResolver) Scope(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved {
		return r.scope, nil
	}

	scope, err := r.remote.ResolveScope(ctx)
	if err != nil {
		return "", err
	}

	r.scope = scope
	r.resolved = true
	ctxzap.Extract(ctx).Info("session scope resolved", zap.String("scope", scope))
	return scope, nil
}
