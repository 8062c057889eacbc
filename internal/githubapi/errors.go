package githubapi

import (
	"errors"
	"fmt"
	"net/http"
)

// EndpointStatus represents a normalized GitHub API endpoint outcome.
type EndpointStatus string

const (
	// EndpointStatusOK indicates a successful response.
	EndpointStatusOK EndpointStatus = "ok"
	// EndpointStatusForbidden indicates authorization failure or restricted access.
	EndpointStatusForbidden EndpointStatus = "forbidden"
	// EndpointStatusNotFound indicates the resource does not exist or is hidden.
	EndpointStatusNotFound EndpointStatus = "not_found"
	// EndpointStatusRateLimited indicates a primary or secondary rate limit.
	EndpointStatusRateLimited EndpointStatus = "rate_limited"
	// EndpointStatusUnavailable indicates a temporary service-side failure.
	EndpointStatusUnavailable EndpointStatus = "unavailable"
	// EndpointStatusEmptyBody indicates a 200 response without a body.
	EndpointStatusEmptyBody EndpointStatus = "empty_body"
	// EndpointStatusTransport indicates the request never produced a response.
	EndpointStatusTransport EndpointStatus = "transport"
	// EndpointStatusUnknown indicates an unclassified non-success status.
	EndpointStatusUnknown EndpointStatus = "unknown"
)

// UpstreamError is returned for every failed upstream call.
type UpstreamError struct {
	Op         string
	URL        string
	StatusCode int
	Status     EndpointStatus
	Err        error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode > 0:
		return fmt.Sprintf("%s: status %d (%s): %v", e.Op, e.StatusCode, e.Status, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Status, e.Err)
	default:
		return fmt.Sprintf("%s: status %d (%s)", e.Op, e.StatusCode, e.Status)
	}
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// IsRateLimited reports whether err carries an upstream rate-limit outcome.
func IsRateLimited(err error) bool {
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		return false
	}
	return upstream.Status == EndpointStatusRateLimited
}

// StatusOf returns the endpoint status carried by err, or EndpointStatusUnknown.
func StatusOf(err error) EndpointStatus {
	if err == nil {
		return EndpointStatusOK
	}
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		return EndpointStatusUnknown
	}
	return upstream.Status
}

func endpointStatusFromHTTP(statusCode int, headers RateLimitHeaders) EndpointStatus {
	if headers.SecondaryLimited || headers.PrimaryExhausted {
		return EndpointStatusRateLimited
	}
	switch statusCode {
	case http.StatusForbidden:
		return EndpointStatusForbidden
	case http.StatusNotFound:
		return EndpointStatusNotFound
	case http.StatusTooManyRequests:
		return EndpointStatusRateLimited
	}
	if statusCode >= 200 && statusCode <= 299 {
		return EndpointStatusOK
	}
	if statusCode >= 500 {
		return EndpointStatusUnavailable
	}
	return EndpointStatusUnknown
}
