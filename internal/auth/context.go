// ABOUTME: Request context helpers carrying the authenticated token subject
// ABOUTME: Set by RequireBearer and read by handlers for logging

package auth

import "context"

type subjectKey struct{}

// WithSubject returns a copy of ctx carrying subject.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext returns the authenticated subject, or "" when absent.
func SubjectFromContext(ctx context.Context) string {
	sub, _ := ctx.Value(subjectKey{}).(string)
	return sub
}
