package ai

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrFatal marks provider errors no retry can fix: bad credentials,
	// exhausted provider quota, billing problems. The enclosing job aborts.
	ErrFatal = errors.New("ai: fatal provider error")
	// ErrRetryable marks transient provider errors.
	ErrRetryable = errors.New("ai: retryable provider error")
	// ErrLimitReached means the tenant consumed its AI budget. The LLM is
	// never called; the message stays unread for the next quota cycle.
	ErrLimitReached = errors.New("ai: tenant quota reached")
	// ErrRemision means the document is a delivery note, not an invoice.
	ErrRemision = errors.New("ai: document is a remision, not an invoice")
)

var fatalMarkers = []string{
	"invalid api key",
	"incorrect api key",
	"authentication",
	"insufficient quota",
	"insufficient_quota",
	"billing",
}

var retryableMarkers = []string{
	"timeout",
	"deadline exceeded",
	"rate limit",
	"rate_limit",
	"429",
	"connection",
	"500",
	"502",
	"503",
	"bad gateway",
	"service unavailable",
}

// classifyProviderError wraps a raw provider error into the taxonomy.
// Unknown errors are treated as retryable so a flaky provider does not kill
// jobs permanently.
func classifyProviderError(err error) error {
	msg := strings.ToLower(err.Error())
	for _, m := range fatalMarkers {
		if strings.Contains(msg, m) {
			return fmt.Errorf("%w: %v", ErrFatal, err)
		}
	}
	for _, m := range retryableMarkers {
		if strings.Contains(msg, m) {
			return fmt.Errorf("%w: %v", ErrRetryable, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrRetryable, err)
}
