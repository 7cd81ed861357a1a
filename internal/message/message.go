// Package message defines the record exchanged with the backend, both as
// paginated history over REST and as live events over publish/subscribe.
package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Type tags the payload kind of a record.
type Type string

const (
	TypeText Type = "TEXT"
)

// Destinations on the publish/subscribe boundary.
const (
	OutgoingDestination = "/app/messages"
	RecentChatsTopic    = "/topic/recent-chats"
	topicPrefix         = "/topic/messages/"
)

// Topic returns the live topic addressed to username.
func Topic(username string) string {
	return topicPrefix + username
}

// Record is a single chat message.
type Record struct {
	Type              Type       `json:"type" validate:"required"`
	Content           string     `json:"content"`
	SenderUsername    string     `json:"senderUsername" validate:"required"`
	RecipientUsername string     `json:"recipientUsername" validate:"required"`
	SendingTime       *time.Time `json:"sendingTime,omitempty"`
	// ClientID correlates an outgoing record with its echo; empty on records
	// the backend produced without one.
	ClientID string `json:"clientId,omitempty"`
}

// Acknowledged reports whether the backend stamped the record.
func (r Record) Acknowledged() bool {
	return r.SendingTime != nil && !r.SendingTime.IsZero()
}

// Page is the backend's paginated response envelope.
type Page[T any] struct {
	Content       []T `json:"content"`
	TotalElements int `json:"totalElements"`
	TotalPages    int `json:"totalPages"`
	Number        int `json:"number"`
	Size          int `json:"size"`
}

// RecentChat is one entry of the conversation index.
type RecentChat struct {
	Username   string `json:"username"`
	FullName   string `json:"fullName"`
	Bio        string `json:"bio"`
	AvatarPath string `json:"avatarPath"`
}

var validate = validator.New()

// Validate checks the required identity and type fields.
func (r Record) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid message record: %w", err)
	}
	return nil
}

// Decode parses and validates a live event payload.
func Decode(payload []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(payload, &r); err != nil {
		return Record{}, fmt.Errorf("decode message record: %w", err)
	}
	if err := r.Validate(); err != nil {
		return Record{}, err
	}
	return r, nil
}
