// Package delivery defines the unit of work that moves through the
// delivery queue: one payload bound for one webhook, with its retry
// accounting. The queue, dispatcher, history, and dead-letter components
// all speak these types.
package delivery

import (
	"strings"
	"time"

	"github.com/rs/xid"
)

// Priority orders items in the delivery queue. Lower values are served
// first.
type Priority int

const (
	High   Priority = 1
	Medium Priority = 2
	Low    Priority = 3
)

// ParsePriority maps a classifier priority name onto its queue ordinal.
// Unknown names map to Low.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return High
	case "medium":
		return Medium
	}
	return Low
}

func (p Priority) String() string {
	switch p {
	case High:
		return "high"
	case Medium:
		return "medium"
	case Low:
		return "low"
	}
	return "low"
}

// Valid reports whether p is one of the three defined priorities.
func (p Priority) Valid() bool {
	return p >= High && p <= Low
}

// Status is the lifecycle state of a delivery item.
type Status string

const (
	// StatusQueued means the item is eligible and waiting in a sub-queue.
	StatusQueued Status = "queued"
	// StatusScheduled means the item is waiting in a sub-queue with a
	// next-attempt time in the future.
	StatusScheduled Status = "scheduled"
	// StatusProcessing means a worker currently owns the item.
	StatusProcessing Status = "processing"
	// StatusCompleted means the receiver acknowledged the delivery.
	StatusCompleted Status = "completed"
	// StatusDeadLettered means retries were exhausted.
	StatusDeadLettered Status = "dead_lettered"
)

// RetryPolicy controls rescheduling of failed attempts. It is the
// in-memory resolution of a subscription's persisted policy.
type RetryPolicy struct {
	MaxAttempts       int
	BackoffMultiplier float64
	InitialDelay      time.Duration
}

// Item is one delivery: a payload bound for one webhook endpoint.
//
// The payload bytes are an immutable snapshot; no component may modify
// them after enqueue. The queue owns the item exclusively from enqueue
// until a terminal outcome.
type Item struct {
	ID          string `bson:"id" json:"id"`
	WebhookID   string `bson:"webhookId" json:"webhookId"`
	WebhookName string `bson:"webhookName" json:"webhookName"`
	EventID     string `bson:"eventId" json:"eventId"`
	EventType   string `bson:"eventType" json:"eventType"`

	// Payload is the serialized JSON body to send.
	Payload []byte `bson:"payload" json:"payload"`
	URL     string `bson:"url" json:"url"`
	// Headers are the merged request headers, reserved names excluded.
	Headers map[string]string `bson:"headers,omitempty" json:"headers,omitempty"`
	// Secret signs the payload. Empty means unsigned delivery. Never
	// persisted or exposed; replays re-resolve it from the subscription.
	Secret  string        `bson:"-" json:"-"`
	Timeout time.Duration `bson:"-" json:"-"`

	Priority Priority    `bson:"priority" json:"priority"`
	Retry    RetryPolicy `bson:"-" json:"-"`

	Attempts      int       `bson:"attempts" json:"attempts"`
	CreatedAt     time.Time `bson:"createdAt" json:"createdAt"`
	NextAttemptAt time.Time `bson:"nextAttemptAt" json:"nextAttemptAt"`
	LastError     string    `bson:"lastError,omitempty" json:"lastError,omitempty"`
	Status        Status    `bson:"status" json:"status"`

	// RetryFromDeadLetter marks items re-armed by an operator replay.
	RetryFromDeadLetter bool `bson:"retryFromDeadLetter,omitempty" json:"retryFromDeadLetter,omitempty"`
}

// NewID mints a delivery id.
func NewID() string {
	return "dlv_" + xid.New().String()
}

// Eligible reports whether the item may be attempted at time now.
func (it *Item) Eligible(now time.Time) bool {
	return !it.NextAttemptAt.After(now)
}

// Exhausted reports whether the item has consumed all its attempts.
func (it *Item) Exhausted() bool {
	return it.Attempts >= it.Retry.MaxAttempts
}

// Outcome is the result of one HTTP delivery attempt.
type Outcome struct {
	Success    bool
	StatusCode int
	Duration   time.Duration
	// Headers are the response headers of interest for auditing.
	Headers map[string]string
	// BodyPrefix holds at most the first kilobyte of the response body.
	BodyPrefix string
	// Error describes the failure. Empty on success.
	Error string
	// ErrorKind is a coarse category for auditing: timeout, dns,
	// invalid-url, response-size-exceeded, connection, http-<status>.
	ErrorKind string
	// Retryable reports whether the failure class is worth retrying.
	Retryable bool
}

// reservedHeaders are request headers the relay owns. Subscriptions may
// not declare them and the dispatcher never overrides them with
// subscription headers.
var reservedHeaders = map[string]bool{
	"host":            true,
	"content-length":  true,
	"user-agent":      true,
	"accept-encoding": true,
}

// ReservedHeader reports whether name is a reserved request header.
// The comparison is case-insensitive.
func ReservedHeader(name string) bool {
	return reservedHeaders[strings.ToLower(name)]
}

// Attempt is the append-only audit record of one delivery attempt.
type Attempt struct {
	DeliveryID  string     `bson:"deliveryId" json:"deliveryId"`
	WebhookID   string     `bson:"webhookId" json:"webhookId"`
	EventID     string     `bson:"eventId" json:"eventId"`
	EventType   string     `bson:"eventType" json:"eventType"`
	Attempt     int        `bson:"attempt" json:"attempt"`
	StartedAt   time.Time  `bson:"startedAt" json:"startedAt"`
	DurationMs  int64      `bson:"durationMs" json:"durationMs"`
	Success     bool       `bson:"success" json:"success"`
	StatusCode  int        `bson:"statusCode,omitempty" json:"statusCode,omitempty"`
	Error       string     `bson:"error,omitempty" json:"error,omitempty"`
	ErrorKind   string     `bson:"errorKind,omitempty" json:"errorKind,omitempty"`
	NextRetryAt *time.Time `bson:"nextRetryAt,omitempty" json:"nextRetryAt,omitempty"`
	BodyPrefix  string     `bson:"bodyPrefix,omitempty" json:"bodyPrefix,omitempty"`
}
