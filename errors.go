package chatsync

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrEmptyMessage is returned when a text body or image URL is blank.
	ErrEmptyMessage = errors.New("chatsync: message content is empty")

	// ErrViewClosed is returned by sends on a conversation view that has
	// been closed.
	ErrViewClosed = errors.New("chatsync: conversation view closed")

	// ErrNotConnected is returned by transport operations when no live
	// transport exists.
	ErrNotConnected = errors.New("chatsync: not connected")
)

// APIError is a non-OK response from the chat backend.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("chat api: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("chat api: HTTP %d: %s", e.StatusCode, e.Message)
}

// IsRateLimited reports whether err is the backend rejecting a send for
// arriving too soon after the previous one.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
