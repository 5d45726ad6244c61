package telegram

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds. Match with errors.Is against a *SendError.
var (
	ErrTransient         = errors.New("transient send failure")
	ErrPermanent         = errors.New("permanent send failure")
	ErrMalformedResponse = errors.New("malformed bot api response")
	ErrPayloadTooLarge   = errors.New("media payload too large")
)

// SendError describes a failed bot API call or media download
type SendError struct {
	Kind        error
	StatusCode  int
	RetryAfter  time.Duration
	Description string
	Err         error
}

func (e *SendError) Error() string {
	msg := e.Kind.Error()
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SendError) Is(target error) bool {
	return target == e.Kind
}

func (e *SendError) Unwrap() error {
	return e.Err
}

func (e *SendError) retryable() bool {
	return e.Kind == ErrTransient || e.Kind == ErrMalformedResponse
}

func transient(status int, desc string, err error) *SendError {
	return &SendError{Kind: ErrTransient, StatusCode: status, Description: desc, Err: err}
}

func permanent(status int, desc string, err error) *SendError {
	return &SendError{Kind: ErrPermanent, StatusCode: status, Description: desc, Err: err}
}

func malformed(status int, desc string) *SendError {
	return &SendError{Kind: ErrMalformedResponse, StatusCode: status, Description: desc}
}

// classifyStatus maps a non-success HTTP status to a send error kind.
// 429 and 5xx are retryable; other 4xx (blocked bot, missing chat) are not.
func classifyStatus(status int, desc string) *SendError {
	if status == 429 || status >= 500 {
		return transient(status, desc, nil)
	}
	if status >= 400 {
		return permanent(status, desc, nil)
	}
	return malformed(status, desc)
}
