package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrValidation marks bad input to the notify trigger. Nothing is dispatched.
var ErrValidation = errors.New("validation failed")

type PushSubscription struct {
	ID         int64     `json:"id"`
	UserID     string    `json:"user_id"`
	Endpoint   string    `json:"endpoint"`
	P256dh     string    `json:"keys_p256dh"` // base64url as issued by the browser
	Auth       string    `json:"keys_auth"`   // base64url as issued by the browser
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// Category is the kind of notification, used by the preference gate.
type Category string

const (
	CategoryApproval           Category = "approval"
	CategoryRejection          Category = "rejection"
	CategoryNewEvent           Category = "new_event"
	CategoryDeadlineReminder   Category = "deadline_reminder"
	CategoryLowSlots           Category = "low_slots"
	CategorySubmissionReceived Category = "submission_received"
	CategoryGoalReached        Category = "goal_reached"
	CategoryGuestList          Category = "guest_list"
	CategoryBilling            Category = "billing"
	CategorySystem             Category = "system"
)

var knownCategories = map[Category]struct{}{
	CategoryApproval:           {},
	CategoryRejection:          {},
	CategoryNewEvent:           {},
	CategoryDeadlineReminder:   {},
	CategoryLowSlots:           {},
	CategorySubmissionReceived: {},
	CategoryGoalReached:        {},
	CategoryGuestList:          {},
	CategoryBilling:            {},
	CategorySystem:             {},
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	_, ok := knownCategories[c]
	return ok
}

// Preferences maps a category to its opt-in flag. A missing key means enabled.
type Preferences map[Category]bool

// Allows reports whether notifications of category c may be delivered.
func (p Preferences) Allows(c Category) bool {
	if c == "" {
		return true
	}
	enabled, ok := p[c]
	return !ok || enabled
}

type NotificationRequest struct {
	UserID           string          `json:"userId"`
	Title            string          `json:"title"`
	Body             string          `json:"body"`
	Data             json.RawMessage `json:"data,omitempty"`
	NotificationType Category        `json:"notificationType,omitempty"`
}

// Validate checks the required fields and the category.
func (r NotificationRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.UserID) == "":
		return fmt.Errorf("%w: userId is required", ErrValidation)
	case strings.TrimSpace(r.Title) == "":
		return fmt.Errorf("%w: title is required", ErrValidation)
	case strings.TrimSpace(r.Body) == "":
		return fmt.Errorf("%w: body is required", ErrValidation)
	}
	if r.NotificationType != "" && !r.NotificationType.Valid() {
		return fmt.Errorf("%w: unknown notificationType %q", ErrValidation, r.NotificationType)
	}
	if len(r.Data) > 0 && !json.Valid(r.Data) {
		return fmt.Errorf("%w: data is not valid JSON", ErrValidation)
	}
	return nil
}

// Payload is the JSON document the service worker receives after decryption.
func (r NotificationRequest) Payload() ([]byte, error) {
	return json.Marshal(struct {
		Title string          `json:"title"`
		Body  string          `json:"body"`
		Type  Category        `json:"type,omitempty"`
		Data  json.RawMessage `json:"data,omitempty"`
	}{
		Title: r.Title,
		Body:  r.Body,
		Type:  r.NotificationType,
		Data:  r.Data,
	})
}
