package leaseclient

import "fmt"

// APIError is the server's error payload: a stable machine code plus
// the HTTP status it arrived with.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("leaseserver: %s (%d): %s", e.Code, e.Status, e.Message)
}

// Retryable reports whether the caller should retry with backoff.
func (e *APIError) Retryable() bool {
	return e.Code == "LOCK_HELD" || e.Code == "BUSY"
}

type UnexpectedStatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("unexpected status: %s %s -> %d body=%q", e.Method, e.Path, e.Code, e.Body)
}
