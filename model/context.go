package model

import (
	"context"
	"errors"
	"fmt"
)

// RequestContext carries identity and tenancy information for the lifetime of
// an authenticated request. It is immutable after construction and safe for
// concurrent reads.
//
// ClientAccountID and EngagementID together form the tenant scope: every
// flow read and write is constrained to them.
type RequestContext struct {
	SubjectID       string
	Email           string
	ClientAccountID string
	EngagementID    string
	Roles           []string
	Claims          map[string]any
	CorrelationID   string
	TraceID         string
}

// Validate checks that the mandatory identity and tenancy fields are present.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.SubjectID == "" {
		errs = append(errs, fmt.Errorf("SubjectID is required"))
	}
	if rc.ClientAccountID == "" {
		errs = append(errs, fmt.Errorf("ClientAccountID is required"))
	}
	if rc.EngagementID == "" {
		errs = append(errs, fmt.Errorf("EngagementID is required"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// HasRole returns true if the RequestContext contains the given role.
func (rc *RequestContext) HasRole(role string) bool {
	for _, r := range rc.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// TenantScope is the composite tenant key used for store scoping and logging.
type TenantScope struct {
	ClientAccountID string
	EngagementID    string
}

// Scope returns the tenant scope of this request.
func (rc *RequestContext) Scope() TenantScope {
	return TenantScope{
		ClientAccountID: rc.ClientAccountID,
		EngagementID:    rc.EngagementID,
	}
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns
// nil if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}

// MustRequestContext extracts the RequestContext from the context, panicking
// if it is not present. Safe to call in handlers that are guaranteed to run
// behind the authentication middleware.
func MustRequestContext(ctx context.Context) *RequestContext {
	rctx := RequestContextFrom(ctx)
	if rctx == nil {
		panic("model: RequestContext not found in context")
	}
	return rctx
}
