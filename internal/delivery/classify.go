package delivery

import (
	"errors"
	"net/http"

	"push-delivery-go/internal/ece"
	"push-delivery-go/internal/vapid"
)

// OutcomeKind is the classification of one delivery attempt.
type OutcomeKind string

const (
	Delivered     OutcomeKind = "delivered"
	Gone          OutcomeKind = "gone"
	Transient     OutcomeKind = "transient"
	Configuration OutcomeKind = "configuration"
)

// Outcome is the result of delivering to one subscription.
type Outcome struct {
	Endpoint   string      `json:"endpoint"`
	Kind       OutcomeKind `json:"outcome"`
	StatusCode int         `json:"status_code,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// Classify maps a push-service response status, or the error that prevented
// one, to an outcome kind.
func Classify(status int, err error) OutcomeKind {
	if err != nil {
		// The registration itself is unusable; no retry can fix it.
		if errors.Is(err, ece.ErrInvalidSubscriptionKeys) || errors.Is(err, vapid.ErrInvalidEndpoint) {
			return Gone
		}
		return Transient
	}
	switch {
	case status >= 200 && status < 300:
		return Delivered
	case status == http.StatusNotFound, status == http.StatusGone:
		return Gone
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return Configuration
	default:
		// 408, 413, 429, 5xx and anything unexpected are worth another try.
		return Transient
	}
}
