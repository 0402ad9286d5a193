// ABOUTME: Translator capability interface and failure classification
// ABOUTME: Includes a rate-limited wrapper throttling external vendor calls

package translate

import (
	"context"

	"golang.org/x/time/rate"
)

// Translator is the narrow capability through which the external
// translation vendor is reached. Implementations classify failures by
// returning *TransientError (retryable) or *PermanentError (not).
type Translator interface {
	Translate(ctx context.Context, text, targetLanguage string) (string, error)
}

// TransientError marks a recoverable translation failure, e.g. a network
// timeout or vendor rate limit. The pipeline retries these per the backoff
// policy.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient translation error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a non-recoverable translation failure, e.g. an
// unsupported language. The pipeline abandons the job immediately.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent translation error: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// rateLimitedTranslator wraps a Translator with a token bucket so bursts of
// appended messages don't hammer the vendor.
type rateLimitedTranslator struct {
	inner   Translator
	limiter *rate.Limiter
}

// RateLimited wraps t so invocations are throttled to perSec calls per
// second with the given burst. A wait cut short by context cancellation is
// a transient failure.
func RateLimited(t Translator, perSec float64, burst int) Translator {
	if burst <= 0 {
		burst = 1
	}
	return &rateLimitedTranslator{
		inner:   t,
		limiter: rate.NewLimiter(rate.Limit(perSec), burst),
	}
}

func (r *rateLimitedTranslator) Translate(ctx context.Context, text, targetLanguage string) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", &TransientError{Err: err}
	}
	return r.inner.Translate(ctx, text, targetLanguage)
}
