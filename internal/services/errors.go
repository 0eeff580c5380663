package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

var (
	ErrTransient     = errors.New("transient failure")
	ErrPermanent     = errors.New("permanent failure")
	ErrRateLimited   = errors.New("rate limited")
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
)

// Outcome is the failure class workers act on after calling Classify.
type Outcome int

const (
	OutcomeTransient Outcome = iota
	OutcomePermanent
	OutcomeRateLimited
)

// Wrap builds an error message that includes component context while tagging
// it with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Classify maps an error to the outcome a worker should apply. Unknown
// errors classify as transient.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeTransient
	case errors.Is(err, ErrRateLimited):
		return OutcomeRateLimited
	case errors.Is(err, ErrPermanent),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrConfiguration),
		errors.Is(err, ErrNotFound):
		return OutcomePermanent
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeTransient
	default:
		return OutcomeTransient
	}
}

// IsPermanent reports whether the error should not be retried.
func IsPermanent(err error) bool {
	return Classify(err) == OutcomePermanent
}

// ClassifyHTTPStatus maps an HTTP response status to the sentinel marker the
// caller should wrap with. 429 is surfaced separately so rate-limit buckets
// can retreat.
func ClassifyHTTPStatus(status int) error {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusRequestTimeout:
		return ErrTransient
	case status >= http.StatusInternalServerError:
		return ErrTransient
	case status >= http.StatusBadRequest:
		return ErrPermanent
	default:
		return nil
	}
}

// ClassifyNetworkError tags connection-level failures. Timeouts and refused
// connections retry; context cancellation passes through untouched so
// shutdown is not misread as a provider fault.
func ClassifyNetworkError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Wrap(ErrTransient, "", op, "network error", err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return Wrap(ErrTransient, "", op, "request error", err)
	}
	return Wrap(ErrTransient, "", op, "", err)
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
