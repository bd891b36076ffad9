// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package logging

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	errs "tagrouter/cli/internal/errors"
)

// PresentError formats an error for user display with masking.
func PresentError(context string, err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", context, Mask(err.Error()))
}

// FormatRouterError renders a routing failure for the terminal.
// Transport failures from a remote router are mapped by their gRPC code.
func FormatRouterError(err error) string {
	kind, msg := classify(err)

	var b strings.Builder
	b.WriteString(pterm.NewStyle(pterm.FgRed, pterm.Bold).Sprint("Query failed"))
	b.WriteString(pterm.NewStyle(pterm.FgGray).Sprintf(" (%s)", kind))
	b.WriteString("\n\n")
	b.WriteString(Mask(msg))
	b.WriteString("\n")

	if hint := hintFor(kind); hint != "" {
		b.WriteString("\n")
		b.WriteString(pterm.NewStyle(pterm.FgYellow).Sprint("→ " + hint))
		b.WriteString("\n")
	}
	return b.String()
}

func classify(err error) (errs.Kind, string) {
	if st, ok := status.FromError(err); ok && st.Code() != codes.OK && st.Code() != codes.Unknown {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded:
			return errs.UpstreamUnavailable, "the router could not be reached: " + st.Message()
		case codes.Unauthenticated, codes.PermissionDenied:
			return errs.InternalError, "the router rejected the request: " + st.Message()
		default:
			return errs.InternalError, st.Message()
		}
	}
	pub := errs.Public(err)
	return pub.Kind, pub.Message
}

func hintFor(kind errs.Kind) string {
	switch kind {
	case errs.SchemaUnavailable:
		return "Check the database connection with 'tagrouter dbinfo'"
	case errs.SchemaMismatch:
		return "Try rephrasing the question using table or column names from 'tagrouter schema'"
	case errs.ForbiddenOperation:
		return "Only read-only questions can be answered from the database"
	case errs.ExecutionFailed:
		return "The database rejected the query or it timed out; try a narrower question"
	case errs.UpstreamUnavailable:
		return "The language model or search index is unreachable; try again shortly"
	default:
		return ""
	}
}
