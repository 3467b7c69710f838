package messaging

import "time"

// ActivityType represents the type of messaging activity.
type ActivityType string

const (
	ActivityConnect        ActivityType = "connect"
	ActivitySubscribe      ActivityType = "subscribe"
	ActivityUnsubscribe    ActivityType = "unsubscribe"
	ActivityPublish        ActivityType = "publish"
	ActivityReceive        ActivityType = "receive"
	ActivityDiscard        ActivityType = "discard"
	ActivityDisconnect     ActivityType = "disconnect"
	ActivityConnectionLost ActivityType = "connection_lost"
	ActivityReconnect      ActivityType = "reconnect"
)

// Activity represents a messaging activity event. Message bodies are never
// recorded.
type Activity struct {
	ID        string       `json:"id"`
	Type      ActivityType `json:"type"`
	Topic     string       `json:"topic,omitempty"`
	Peer      string       `json:"peer,omitempty"`
	Sender    UserID       `json:"sender,omitempty"`
	Epoch     uint64       `json:"epoch,omitempty"`
	Detail    string       `json:"detail,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// ActivityRecorder records activity events.
type ActivityRecorder interface {
	Record(activity Activity) error
}

// ActivityFilter narrows activity listings.
type ActivityFilter struct {
	// Topic is a glob pattern matched against the activity topic. Empty
	// matches everything.
	Topic string
	// Since excludes events at or before this time when non-zero.
	Since time.Time
	// Limit caps the number of results. Zero returns all events.
	Limit int
}

// ActivityStore defines persistence operations for activity events.
type ActivityStore interface {
	ActivityRecorder
	// List returns activity events matching the filter, newest first.
	List(filter ActivityFilter) ([]Activity, error)
}

// NopRecorder discards every activity.
type NopRecorder struct{}

// Record implements ActivityRecorder.
func (NopRecorder) Record(Activity) error { return nil }
