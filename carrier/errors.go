// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package carrier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/twilio/twilio-go/client"
)

// ErrorKind classifies a failed carrier request
type ErrorKind string

const (
	KindAuthorization ErrorKind = "authorization"
	KindPermission    ErrorKind = "permission"
	KindInvalidNumber ErrorKind = "invalid_number"
	KindTimeout       ErrorKind = "timeout"
	KindOther         ErrorKind = "other"
)

// Carrier REST error codes
const (
	ErrorCodeAuthenticate        = 20003
	ErrorCodeResourceNotFound    = 20404
	ErrorCodeCallerIDNotVerified = 21210
	ErrorCodeInvalidTo           = 21211
	ErrorCodeInvalidFrom         = 21212
	ErrorCodeNumberUnreachable   = 21214
	ErrorCodeGeoPermission       = 21215
	ErrorCodeNumberBlocked       = 21216
	ErrorCodeNumberNotValid      = 21217
	ErrorCodeTrialUnverified     = 21219
	ErrorCodeInvalidPhoneNumber  = 21401
	ErrorCodeDialGeoPermission   = 13227
)

// Error is a carrier failure surfaced to callers. Only KindAuthorization is
// retried with the alternate credential set.
type Error struct {
	Kind    ErrorKind
	Code    int
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("carrier %s error %d: %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("carrier %s error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify converts an error returned by the carrier SDK into an *Error.
// Errors that are already classified are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}

	var restErr *client.TwilioRestError
	if errors.As(err, &restErr) {
		return &Error{
			Kind:    restErrorKind(restErr),
			Code:    restErr.Code,
			Status:  restErr.Status,
			Message: restErr.Message,
			Err:     err,
		}
	}

	if isTimeout(err) {
		return &Error{Kind: KindTimeout, Message: err.Error(), Err: err}
	}
	return &Error{Kind: KindOther, Message: err.Error(), Err: err}
}

// KindOf returns the classification of err, or "" for nil.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(Classify(err), &ce) {
		return ce.Kind
	}
	return KindOther
}

// IsAuthorization reports whether the carrier rejected the credentials.
func IsAuthorization(err error) bool {
	return KindOf(err) == KindAuthorization
}

func restErrorKind(e *client.TwilioRestError) ErrorKind {
	switch e.Code {
	case ErrorCodeAuthenticate:
		return KindAuthorization
	case ErrorCodeCallerIDNotVerified, ErrorCodeGeoPermission, ErrorCodeNumberBlocked,
		ErrorCodeTrialUnverified, ErrorCodeDialGeoPermission:
		return KindPermission
	case ErrorCodeInvalidTo, ErrorCodeInvalidFrom, ErrorCodeNumberUnreachable,
		ErrorCodeNumberNotValid, ErrorCodeInvalidPhoneNumber:
		return KindInvalidNumber
	}
	switch e.Status {
	case http.StatusUnauthorized:
		return KindAuthorization
	case http.StatusForbidden:
		return KindPermission
	}
	return KindOther
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
