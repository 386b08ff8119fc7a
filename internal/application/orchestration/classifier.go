package orchestration

import (
	"context"
	"errors"
	"strings"

	"github.com/firmflow/engine/internal/domain"
)

// maxSummaryLength bounds persisted error summaries.
const maxSummaryLength = 500

// Signal marker lists for the ordered classifier match. Matching is
// case-insensitive substring search over the error text; the order of the
// checks below is part of the contract, the order within a list is not.
var (
	timeoutMarkers = []string{
		"timed out", "timeout", "deadline exceeded",
	}
	rateLimitMarkers = []string{
		"429", "rate limit", "rate-limit", "too many requests",
	}
	nonRetryableMarkers = []string{
		"permission denied", "unauthorized", "forbidden", "access denied",
		"validation", "invalid", "bad request", "malformed", "not allowed",
		"400", "401", "403", "404", "422",
	}
	connectionMarkers = []string{
		"connection", "network", "socket", "broken pipe", "reset by peer",
		"no such host", "unreachable",
	}
	dependencyMarkers = []string{
		"500", "502", "503", "504", "unavailable", "upstream",
		"internal server error", "bad gateway",
	}
)

// Classify maps a handler failure to an error class and a bounded summary.
//
// The match list is fixed and ordered: an explicit *domain.HandlerError
// always wins, then timeout signals, rate-limit markers, permission and
// validation markers, connection markers, upstream-failure markers, and
// finally the RETRYABLE default. COMPENSATION_REQUIRED never arises from
// signals; handlers must raise it explicitly.
func Classify(err error) (domain.ErrorClass, string) {
	if err == nil {
		return "", ""
	}

	var handlerErr *domain.HandlerError
	if errors.As(err, &handlerErr) {
		summary := handlerErr.Summary
		if summary == "" {
			summary = handlerErr.Error()
		}
		return handlerErr.Class, truncateSummary(summary)
	}

	summary := truncateSummary(err.Error())

	if errors.Is(err, domain.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrorClassTransient, summary
	}

	text := strings.ToLower(err.Error())
	switch {
	case matchesAny(text, timeoutMarkers):
		return domain.ErrorClassTransient, summary
	case matchesAny(text, rateLimitMarkers):
		return domain.ErrorClassRateLimited, summary
	case matchesAny(text, nonRetryableMarkers):
		return domain.ErrorClassNonRetryable, summary
	case matchesAny(text, connectionMarkers):
		return domain.ErrorClassTransient, summary
	case matchesAny(text, dependencyMarkers):
		return domain.ErrorClassDependencyFailed, summary
	default:
		return domain.ErrorClassRetryable, summary
	}
}

func matchesAny(text string, markers []string) bool {
	for _, marker := range markers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

func truncateSummary(s string) string {
	if len(s) <= maxSummaryLength {
		return s
	}
	return s[:maxSummaryLength]
}
