// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package dsn parses and normalizes the connection strings tagrouter accepts:
// PostgreSQL for the structured store and Redis for the shared cache and
// session store. Passwords pasted without URL encoding are accepted.
package dsn

import "fmt"

// Kind is the store a DSN points at.
type Kind string

const (
	KindPostgres Kind = "postgresql"
	KindRedis    Kind = "redis"
	KindUnknown  Kind = "unknown"
)

// Info is a parsed DSN.
type Info struct {
	Kind     Kind
	Scheme   string
	Host     string
	Port     string
	User     string
	Password string
	Database string
	Params   map[string]string
	Original string
}

// Resolver parses and normalizes DSNs of one Kind.
type Resolver interface {
	Parse(dsn string) (*Info, error)
	// Normalize renders info as a URL with every component encoded.
	Normalize(info *Info) (string, error)
	Validate(dsn string) error
}

// ParseError is returned for malformed DSNs. It never includes the password.
type ParseError struct {
	Reason string
	Hint   string
}

func (e *ParseError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("invalid DSN format: %s\nHint: %s", e.Reason, e.Hint)
	}
	return fmt.Sprintf("invalid DSN format: %s", e.Reason)
}

func parseError(reason, hint string) *ParseError {
	return &ParseError{Reason: reason, Hint: hint}
}
