// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "typed", err: New(SchemaMismatch, "unknown column"), want: SchemaMismatch},
		{name: "wrapped by fmt", err: fmt.Errorf("outer: %w", New(ForbiddenOperation, "delete")), want: ForbiddenOperation},
		{name: "untyped", err: stderrors.New("boom"), want: InternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPublicHidesInternalDetail(t *testing.T) {
	cause := stderrors.New("dial tcp 10.0.0.5:5432: connection refused")

	pub := Public(Wrap(ExecutionFailed, "the query could not be executed", cause))
	if pub.Err != nil {
		t.Errorf("Public() kept cause %v", pub.Err)
	}
	if pub.Message != "the query could not be executed" {
		t.Errorf("Public() message = %q", pub.Message)
	}

	pub = Public(cause)
	if pub.Kind != InternalError || pub.Message != "an internal error occurred" {
		t.Errorf("Public(untyped) = %+v", pub)
	}

	pub = Public(Wrap(InternalError, "panic in handler: nil map", nil))
	if pub.Message != "an internal error occurred" {
		t.Errorf("Public(internal) leaked %q", pub.Message)
	}
}

func TestUnwrap(t *testing.T) {
	cause := stderrors.New("timeout")
	err := Wrap(UpstreamUnavailable, "model unreachable", cause)
	if !stderrors.Is(err, cause) {
		t.Error("errors.Is should see the wrapped cause")
	}
	if !Is(err, UpstreamUnavailable) {
		t.Error("Is() should match kind")
	}
	if Is(nil, UpstreamUnavailable) {
		t.Error("Is(nil) must be false")
	}
}

func TestUserMessage(t *testing.T) {
	if got := UserMessage(New(SchemaMismatch, "unknown column cost")); got != "unknown column cost" {
		t.Errorf("UserMessage() = %q", got)
	}
	if got := UserMessage(nil); got != "" {
		t.Errorf("UserMessage(nil) = %q", got)
	}
}
