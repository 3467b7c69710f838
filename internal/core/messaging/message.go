// Package messaging defines the direct message model and the transport contract
// used to exchange messages with the backend broker.
package messaging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// UserID is an opaque participant identifier assigned by the backend.
type UserID string

// String returns the id as a plain string.
func (id UserID) String() string {
	return string(id)
}

// IsZero reports whether the id is unset.
func (id UserID) IsZero() bool {
	return strings.TrimSpace(string(id)) == ""
}

// MarshalJSON writes canonical decimal ids as JSON numbers so the backend
// receives the same numeric identifiers it handed out. Other ids, including
// digit strings with a leading zero such as "007", are written as strings.
func (id UserID) MarshalJSON() ([]byte, error) {
	if isCanonicalDecimal(string(id)) {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// UnmarshalJSON accepts either a JSON number or a JSON string.
func (id *UserID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = UserID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("user id must be a string or number: %w", err)
	}
	*id = UserID(n.String())
	return nil
}

// isCanonicalDecimal reports whether s is a valid JSON integer literal
// without sign: digits only and no leading zero unless s is "0".
func isCanonicalDecimal(s string) bool {
	if s == "" || (len(s) > 1 && s[0] == '0') {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Message is a single direct message as exchanged on the wire. Messages are
// values and are never mutated after creation.
type Message struct {
	Body        string    `json:"body"`
	SenderID    UserID    `json:"senderId"`
	RecipientID UserID    `json:"recipientId"`
	DateSent    time.Time `json:"dateSent"`
}

// IsFrom reports whether the message was sent by the given participant.
func (m Message) IsFrom(id UserID) bool {
	return m.SenderID == id
}

// Encode serializes the message for publishing.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses an inbound frame body.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}
