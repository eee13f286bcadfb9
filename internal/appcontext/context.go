package appcontext

import (
	"context"
)

type EXECUTION_CONTEXT string

var (
	ExecutionKey      EXECUTION_CONTEXT = "executionKey"
	AuthenticatedUser EXECUTION_CONTEXT = "authenticatedUser"
)

// User is the caller an operation is executed for.
type User struct {
	Id     string
	Groups []string
}

func GetExecutionContext(ctx context.Context) (int64, bool) {
	executionContextKey := ctx.Value(ExecutionKey)
	if executionContextKey == nil {
		return 0, false
	}
	return executionContextKey.(int64), true
}

// WithExecutionKey marks the context as running inside the job with the given key.
func WithExecutionKey(ctx context.Context, jobKey int64) context.Context {
	return context.WithValue(ctx, ExecutionKey, jobKey)
}

func WithUser(ctx context.Context, user User) context.Context {
	return context.WithValue(ctx, AuthenticatedUser, user)
}

// UserFromContext returns the authenticated caller. Work driven by the job executor has none.
func UserFromContext(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(AuthenticatedUser).(User)
	if !ok || u.Id == "" {
		return User{}, false
	}
	return u, true
}
