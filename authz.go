package nestmq

import "context"

// AuthzAction is the operation being authorized.
type AuthzAction int

const (
	// AuthzActionPublish authorizes a PUBLISH to a topic.
	AuthzActionPublish AuthzAction = iota
	// AuthzActionSubscribe authorizes a SUBSCRIBE to a filter.
	AuthzActionSubscribe
)

// AuthzRequest carries the facts an external authorizer decides on.
// Authentication itself happens outside the engine; by the time a
// packet reaches the broker its identity is already established.
type AuthzRequest struct {
	ClientID string
	Username string
	Topic    string
	Action   AuthzAction
	QoS      byte
	Retain   bool
}

// AuthzResult is the external collaborator's verdict.
type AuthzResult struct {
	Allowed    bool
	ReasonCode ReasonCode
}

// Authorizer is the external authorization collaborator, invoked before
// Publish and Subscribe operations are admitted to the engine.
type Authorizer interface {
	Authorize(ctx context.Context, req *AuthzRequest) (*AuthzResult, error)
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, req *AuthzRequest) (*AuthzResult, error)

// Authorize calls the wrapped function.
func (f AuthorizerFunc) Authorize(ctx context.Context, req *AuthzRequest) (*AuthzResult, error) {
	return f(ctx, req)
}

// AllowAllAuthorizer permits every operation.
type AllowAllAuthorizer struct{}

// Authorize always allows.
func (a *AllowAllAuthorizer) Authorize(_ context.Context, _ *AuthzRequest) (*AuthzResult, error) {
	return &AuthzResult{Allowed: true, ReasonCode: ReasonSuccess}, nil
}
