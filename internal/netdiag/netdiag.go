// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package netdiag turns connection failures to the database, Redis, the
// model provider or a remote router into short troubleshooting text.
package netdiag

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/pterm/pterm"
)

// Problem is the broad cause of a connection failure.
type Problem int

const (
	Unknown Problem = iota
	Timeout
	DNS
	Refused
	TLS
	Auth
)

func (p Problem) String() string {
	switch p {
	case Timeout:
		return "timeout"
	case DNS:
		return "dns"
	case Refused:
		return "refused"
	case TLS:
		return "tls"
	case Auth:
		return "auth"
	}
	return "unknown"
}

// Classify inspects err and its chain.
func Classify(err error) Problem {
	if err == nil {
		return Unknown
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return DNS
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return Refused
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return Timeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such host"):
		return DNS
	case strings.Contains(msg, "connection refused"):
		return Refused
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return Timeout
	case strings.Contains(msg, "password authentication failed"),
		strings.Contains(msg, "wrongpass"),
		strings.Contains(msg, "noauth"),
		strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "incorrect api key"),
		strings.Contains(msg, "401"):
		return Auth
	case strings.Contains(msg, "tls"), strings.Contains(msg, "ssl"),
		strings.Contains(msg, "certificate"), strings.Contains(msg, "handshake"):
		return TLS
	}
	return Unknown
}

var hints = map[Problem][]string{
	Timeout: {
		"The server took too long to respond. Check that:",
		"  • the host and port are correct",
		"  • no firewall or VPN is dropping the connection",
	},
	DNS: {
		"The host name could not be resolved. Check that:",
		"  • the host in the connection string is spelled correctly",
		"  • your DNS settings work for internal names",
	},
	Refused: {
		"Nothing is listening at that address. Check that:",
		"  • the service is running",
		"  • the port is correct",
	},
	TLS: {
		"The secure connection could not be established. Try:",
		"  • sslmode=disable for a local PostgreSQL, or rediss:// vs redis:// for Redis",
		"  • checking your system date and proxy settings",
	},
	Auth: {
		"The credentials were rejected.",
		"  • Re-enter them with 'tagrouter connect'",
	},
}

// Explain returns a headline plus troubleshooting lines for a failure while
// doing what, for example "connecting to the database".
func Explain(err error, what string) string {
	p := Classify(err)
	var b strings.Builder
	b.WriteString(pterm.NewStyle(pterm.FgRed, pterm.Bold).Sprint("Connection failed"))
	b.WriteString(" while " + what)
	b.WriteString("\n")
	for _, line := range hints[p] {
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}
