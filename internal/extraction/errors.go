package extraction

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an extraction failure for retry handling.
type Kind string

const (
	// KindTransient covers timeouts and 5xx responses. Retried with
	// exponential backoff up to the attempt cap, then escalated to
	// KindPermanent for the chunk.
	KindTransient Kind = "Transient"

	// KindRateLimited is retried with the provider-advised delay when
	// present; it does not consume the chunk's permanent-failure budget
	// until rateLimitBudget consecutive hits.
	KindRateLimited Kind = "RateLimited"

	// KindInvalidOutput means the model's response failed schema
	// validation. Retried once with a strict-reminder prompt, then
	// permanent.
	KindInvalidOutput Kind = "InvalidOutput"

	// KindPermanent fails the chunk.
	KindPermanent Kind = "Permanent"
)

// Error carries the failure kind and, for rate limits, the delay the
// provider asked for.
type Error struct {
	Kind       Kind
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extraction %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("extraction %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf reports the failure kind of err. Unclassified errors are
// permanent: only failures the boundary explicitly tagged get retried.
func KindOf(err error) Kind {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return KindPermanent
}

func transientErr(err error) error {
	return &Error{Kind: KindTransient, Err: err}
}

func rateLimitedErr(err error, retryAfter time.Duration) error {
	return &Error{Kind: KindRateLimited, RetryAfter: retryAfter, Err: err}
}

func invalidOutputErr(err error) error {
	return &Error{Kind: KindInvalidOutput, Err: err}
}

func permanentErr(err error) error {
	return &Error{Kind: KindPermanent, Err: err}
}
