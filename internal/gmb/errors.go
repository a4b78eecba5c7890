package gmb

import (
	"errors"
	"fmt"
)

// Status messages recorded in the posting log.
const (
	MsgPostSuccessful      = "Post Successful"
	MsgTokenMissing        = "Failed - Required token missing."
	MsgListingNotFound     = "Failed - Issue with locating listing post from ID."
	MsgValidationFailed    = "Final check before posting failed, verify both photo and page URL links work and that a summary is included."
	MsgNoLocations         = "No posting locations available."
	MsgNoLocationsSelected = "Oops! Post Unsuccessful - No locations selected."
	MsgTransport           = "Oops! Post Unsuccessful - WP_Error returned."

	msgInvalidURL    = "Oops! Post Unsuccessful - Invalid photo or page URL provided."
	msgNotAuthorized = "Oops! Post Unsuccessful - Creating/Updating a local post is not authorized for this location. Check with Google on the status of verifying your business location."

	// NotAuthorizedForLocation is the error message Google returns with 403
	// for locations that are not verified.
	NotAuthorizedForLocation = "Creating/Updating a local post is not authorized for this location."
)

// Outcome kinds used for metrics and attempt history.
const (
	KindSuccess      = "success"
	KindAuth         = "auth"
	KindValidation   = "validation"
	KindTransport    = "transport"
	KindRejected     = "rejected"
	KindNoRecipients = "no_recipients"
)

// AuthError means no usable access token could be obtained.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return "gmb: access token unavailable"
	}
	return fmt.Sprintf("gmb: access token unavailable: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) StatusMessage() string { return MsgTokenMissing }

// ValidationError means composed content is incomplete and nothing was sent.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "gmb: " + e.Msg }

func (e *ValidationError) StatusMessage() string { return e.Msg }

// TransportError is a network-level failure talking to an external API.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("gmb: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) StatusMessage() string { return MsgTransport }

// RemoteRejection is a non-200 answer from the local post endpoint.
type RemoteRejection struct {
	StatusCode int
	// Message is the error.message field of Google's response, if any.
	Message string
	PostID  *int64
}

func (e *RemoteRejection) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gmb: local post rejected with %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("gmb: local post rejected with %d", e.StatusCode)
}

func (e *RemoteRejection) StatusMessage() string {
	var msg string
	switch {
	case e.StatusCode == 400:
		msg = msgInvalidURL
	case e.StatusCode == 403 && e.Message == NotAuthorizedForLocation:
		msg = msgNotAuthorized
	default:
		msg = fmt.Sprintf("Oops! Post Unsuccessful - Response code received from Google: %d.", e.StatusCode)
	}
	if e.PostID != nil {
		msg += fmt.Sprintf(" Post ID: %d", *e.PostID)
	}
	return msg
}

// NoRecipientsError means there was no location to post to.
type NoRecipientsError struct {
	Msg string
}

func (e *NoRecipientsError) Error() string { return "gmb: " + e.Msg }

func (e *NoRecipientsError) StatusMessage() string { return e.Msg }

// StatusMessage renders err as the posting log line.
func StatusMessage(err error) string {
	if err == nil {
		return MsgPostSuccessful
	}
	var sm interface{ StatusMessage() string }
	if errors.As(err, &sm) {
		return sm.StatusMessage()
	}
	return MsgTransport
}

// Retryable reports whether a failed attempt should be retried in 12 hours
// rather than waiting for the normal interval. An AuthError is never
// retryable, whatever caused it.
func Retryable(err error) bool {
	var ae *AuthError
	if errors.As(err, &ae) {
		return false
	}
	var te *TransportError
	var rr *RemoteRejection
	return errors.As(err, &te) || errors.As(err, &rr)
}

// Kind classifies err for metrics labels.
func Kind(err error) string {
	var (
		ae *AuthError
		ve *ValidationError
		te *TransportError
		rr *RemoteRejection
		ne *NoRecipientsError
	)
	switch {
	case err == nil:
		return KindSuccess
	case errors.As(err, &ae):
		return KindAuth
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &rr):
		return KindRejected
	case errors.As(err, &ne):
		return KindNoRecipients
	case errors.As(err, &te):
		return KindTransport
	default:
		return KindTransport
	}
}
