package models

import "time"

// MediaKind is the type of a story payload
type MediaKind string

const (
	MediaPhoto MediaKind = "photo"
	MediaVideo MediaKind = "video"
)

// Valid reports whether k is a known media kind
func (k MediaKind) Valid() bool {
	return k == MediaPhoto || k == MediaVideo
}

// RawItem is a story record as reported by the item source
type RawItem struct {
	RemoteID  string    `json:"remote_id,omitempty"`
	URL       string    `json:"url"`
	Kind      MediaKind `json:"kind"`
	Timestamp int64     `json:"timestamp,omitempty"`
}

// Item is a single discovered story with a stable identifier
type Item struct {
	ID         string    `json:"id" bson:"id" dynamodbav:"id"`
	URL        string    `json:"url" bson:"url" dynamodbav:"url"`
	Kind       MediaKind `json:"kind" bson:"kind" dynamodbav:"kind"`
	CapturedAt int64     `json:"captured_at" bson:"captured_at" dynamodbav:"captured_at"`
	// Pending marks an item seen as new but not yet delivered
	Pending bool `json:"pending,omitempty" bson:"pending" dynamodbav:"pending"`
}

// ProcessedRecord marks an item as successfully delivered for a target
type ProcessedRecord struct {
	Target      string    `json:"target" bson:"target"`
	ItemID      string    `json:"item_id" bson:"item_id"`
	URL         string    `json:"url" bson:"url"`
	Kind        MediaKind `json:"kind" bson:"kind"`
	ProcessedAt time.Time `json:"processed_at" bson:"processed_at"`
}

// DeliveryReceipt is returned by the outbound channel for a delivered item
type DeliveryReceipt struct {
	MessageID int64     `json:"message_id"`
	ChatID    string    `json:"chat_id"`
	SentAt    time.Time `json:"sent_at"`
}

// CacheStats summarizes the dedup state for one target
type CacheStats struct {
	Target         string    `json:"target"`
	SnapshotSize   int       `json:"snapshot_size"`
	PendingCount   int       `json:"pending_count"`
	ProcessedCount int64     `json:"processed_count"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
}

// ActivityLevel buckets recent new-item volume
type ActivityLevel string

const (
	ActivityLow    ActivityLevel = "low"
	ActivityMedium ActivityLevel = "medium"
	ActivityHigh   ActivityLevel = "high"
)

// ErrorClass identifies which stage of a poll cycle failed
type ErrorClass string

const (
	ErrorNone     ErrorClass = ""
	ErrorFetch    ErrorClass = "fetch"
	ErrorCache    ErrorClass = "cache"
	ErrorDispatch ErrorClass = "dispatch"
	ErrorPanic    ErrorClass = "panic"
)

// CycleResult reports the outcome of one poll cycle
type CycleResult struct {
	Target        string        `json:"target"`
	Forced        bool          `json:"forced"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
	Fetched       int           `json:"fetched"`
	New           int           `json:"new"`
	Sent          int           `json:"sent"`
	Failed        int           `json:"failed"`
	Skipped       int           `json:"skipped"`
	Committed     bool          `json:"committed"`
	ActivityLevel ActivityLevel `json:"activity_level"`
	NextInterval  time.Duration `json:"next_interval"`
	ErrorClass    ErrorClass    `json:"error_class,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
}

// Aborted reports whether the cycle stopped before dispatch
func (r CycleResult) Aborted() bool {
	return r.ErrorClass == ErrorFetch || r.ErrorClass == ErrorPanic
}
