// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package errors defines typed errors with categories for user-friendly reporting.
// Every failure that can leave the routing pipeline carries a stable Kind so that
// callers (the gRPC surface, the CLI) can branch on it without parsing messages.
//
// Message is safe to show to an end user. Err holds the underlying cause and is
// only ever logged, never returned across the process boundary.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind is a machine-readable error category.
type Kind string

const (
	// SchemaUnavailable indicates no schema snapshot has ever been fetched.
	SchemaUnavailable Kind = "schema_unavailable"
	// SchemaMismatch indicates a generated query references unknown tables or columns.
	SchemaMismatch Kind = "schema_mismatch"
	// ForbiddenOperation indicates a generated statement would mutate the store.
	ForbiddenOperation Kind = "forbidden_operation"
	// ExecutionFailed indicates the structured store rejected or timed out a query.
	ExecutionFailed Kind = "execution_failed"
	// UpstreamUnavailable indicates the language model or search index is unreachable.
	UpstreamUnavailable Kind = "upstream_unavailable"
	// CacheUnavailable indicates the cache backend failed; callers bypass the cache.
	CacheUnavailable Kind = "cache_unavailable"
	// InternalError is any unexpected fault.
	InternalError Kind = "internal_error"
)

// E wraps an error with kind and human-friendly message.
type E struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *E) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *E) Unwrap() error { return e.Err }

func Wrap(kind Kind, msg string, err error) *E { return &E{Kind: kind, Message: msg, Err: err} }
func New(kind Kind, msg string) *E             { return &E{Kind: kind, Message: msg} }

// KindOf returns the Kind of the first *E in err's chain, or InternalError.
func KindOf(err error) Kind {
	var e *E
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return InternalError
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// Public converts any error into the shape shown to callers.
// Untyped errors collapse to InternalError with a generic message.
func Public(err error) *E {
	if err == nil {
		return nil
	}
	var e *E
	if stderrors.As(err, &e) && e.Kind != InternalError {
		return &E{Kind: e.Kind, Message: e.Message}
	}
	return &E{Kind: InternalError, Message: "an internal error occurred"}
}

// UserMessage returns the message safe to show to an end user.
func UserMessage(err error) string {
	if p := Public(err); p != nil {
		return p.Message
	}
	return ""
}
