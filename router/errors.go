package router

import "strings"

// ValidationError is the "Validation failure" taxonomy entry (spec.md §7):
// input did not satisfy a custom mutation's declared validator. Error()
// joins every issue as "path: message" the way a REJECT envelope's message
// field is built.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Issues, "; ")
}

// AuthorizationError is the "Authorization failure" taxonomy entry: a route
// policy (read, insert, update.preMutation, update.postMutation) refused the
// request. The wire message is always the literal "Not authorized" spec.md
// §7 specifies.
type AuthorizationError struct{}

func (e *AuthorizationError) Error() string { return "Not authorized" }

// PreconditionError is the "State precondition failure" taxonomy entry:
// "Resource already exists" (INSERT), "Resource not found" (UPDATE),
// "Mutation rejected" (every field lost LWW).
type PreconditionError struct {
	Message string
}

func (e *PreconditionError) Error() string { return e.Message }

func errResourceExists() error   { return &PreconditionError{Message: "Resource already exists"} }
func errResourceNotFound() error { return &PreconditionError{Message: "Resource not found"} }
func errMutationRejected() error { return &PreconditionError{Message: "Mutation rejected"} }
func errNotAuthorized() error    { return &AuthorizationError{} }
