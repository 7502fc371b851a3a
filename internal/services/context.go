package services

import "context"

type contextKey int

const (
	jobScopeKey contextKey = iota
	requestIDKey
)

// JobScope identifies the job and stage a goroutine is working on.
type JobScope struct {
	JobID    string
	SourceID string
	Stage    string
}

// WithJob attaches scope to ctx. A scope without a job id leaves ctx untouched.
func WithJob(ctx context.Context, scope JobScope) context.Context {
	if scope.JobID == "" {
		return ctx
	}
	return context.WithValue(ctx, jobScopeKey, scope)
}

// JobFromContext returns the job scope set by WithJob.
func JobFromContext(ctx context.Context) (JobScope, bool) {
	scope, ok := ctx.Value(jobScopeKey).(JobScope)
	return scope, ok
}

// WithRequestID tags ctx with the API request correlation id.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, id)
}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestIDKey).(string)
	return v, ok && v != ""
}
