// Package subscription defines webhook subscriptions and the in-memory
// registry the router matches against.
//
// Subscriptions are persisted in the document store and hydrated into the
// registry at startup. All writes go through the registry so the cached
// view and the store never drift.
package subscription

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rs/xid"

	"hookrelay.dev/internal/delivery"
	"hookrelay.dev/internal/errs"
)

// Payload filter modes. Empty means detailed.
const (
	FilterDetailed  = "detailed"
	FilterMinimal   = "minimal"
	FilterSensitive = "sensitive"
)

// Subscription is one webhook registration: where to deliver, which events
// to deliver, and how hard to try.
type Subscription struct {
	ID   string `bson:"_id" json:"id"`
	Name string `bson:"name" json:"name"`
	URL  string `bson:"url" json:"url"`
	// Secret signs outbound payloads. Never exposed through the API.
	Secret string `bson:"secret,omitempty" json:"-"`

	// Events is the set of event-type patterns this subscription selects:
	// exact ("issue.created"), entity wildcard ("issue.*"), or "*".
	Events  []string `bson:"events" json:"events"`
	Filters Filters  `bson:"filters,omitempty" json:"filters,omitempty"`

	Active bool `bson:"active" json:"active"`

	Retry          RetryPolicy       `bson:"retry" json:"retry"`
	TimeoutSeconds int               `bson:"timeoutSeconds" json:"timeoutSeconds"`
	Headers        map[string]string `bson:"headers,omitempty" json:"headers,omitempty"`
	// PayloadFilter selects the payload shape: detailed (default),
	// minimal, or sensitive.
	PayloadFilter string `bson:"payloadFilter,omitempty" json:"payloadFilter,omitempty"`

	CreatedAt  time.Time `bson:"createdAt" json:"createdAt"`
	ModifiedAt time.Time `bson:"modifiedAt" json:"modifiedAt"`

	Stats DeliveryStats `bson:"stats" json:"stats"`
}

// Filters narrow which mutations a subscription receives beyond its event
// patterns. Filter kinds combine with AND; values within one kind with OR.
type Filters struct {
	Projects    []string `bson:"projects,omitempty" json:"projects,omitempty"`
	Statuses    []string `bson:"statuses,omitempty" json:"statuses,omitempty"`
	Priorities  []string `bson:"priorities,omitempty" json:"priorities,omitempty"`
	Assignees   []string `bson:"assignees,omitempty" json:"assignees,omitempty"`
	Tags        []string `bson:"tags,omitempty" json:"tags,omitempty"`
	Collections []string `bson:"collections,omitempty" json:"collections,omitempty"`
}

// Empty reports whether no filter kind is declared.
func (f Filters) Empty() bool {
	return len(f.Projects) == 0 && len(f.Statuses) == 0 && len(f.Priorities) == 0 &&
		len(f.Assignees) == 0 && len(f.Tags) == 0 && len(f.Collections) == 0
}

// RetryPolicy is the persisted form of a subscription's retry settings.
type RetryPolicy struct {
	MaxAttempts       int     `bson:"maxAttempts" json:"maxAttempts"`
	BackoffMultiplier float64 `bson:"backoffMultiplier" json:"backoffMultiplier"`
	InitialDelayMs    int     `bson:"initialDelayMs" json:"initialDelayMs"`
}

// Resolve converts the persisted policy into the queue's in-memory form.
func (p RetryPolicy) Resolve() delivery.RetryPolicy {
	return delivery.RetryPolicy{
		MaxAttempts:       p.MaxAttempts,
		BackoffMultiplier: p.BackoffMultiplier,
		InitialDelay:      time.Duration(p.InitialDelayMs) * time.Millisecond,
	}
}

// DeliveryStats are the running per-subscription delivery counters.
type DeliveryStats struct {
	TotalDeliveries int64      `bson:"totalDeliveries" json:"totalDeliveries"`
	TotalSucceeded  int64      `bson:"totalSucceeded" json:"totalSucceeded"`
	TotalFailed     int64      `bson:"totalFailed" json:"totalFailed"`
	LastDeliveryAt  *time.Time `bson:"lastDeliveryAt,omitempty" json:"lastDeliveryAt,omitempty"`
	LastError       string     `bson:"lastError,omitempty" json:"lastError,omitempty"`
}

// NewID mints a subscription id.
func NewID() string {
	return "whk_" + xid.New().String()
}

// Timeout reports the per-attempt HTTP timeout as a duration.
func (s *Subscription) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// Clone returns a deep copy of s. The registry hands out shared pointers,
// so any caller that wants to mutate a subscription must clone it first.
func (s *Subscription) Clone() *Subscription {
	c := *s
	c.Events = append([]string(nil), s.Events...)
	c.Filters = Filters{
		Projects:    append([]string(nil), s.Filters.Projects...),
		Statuses:    append([]string(nil), s.Filters.Statuses...),
		Priorities:  append([]string(nil), s.Filters.Priorities...),
		Assignees:   append([]string(nil), s.Filters.Assignees...),
		Tags:        append([]string(nil), s.Filters.Tags...),
		Collections: append([]string(nil), s.Filters.Collections...),
	}
	if s.Headers != nil {
		c.Headers = make(map[string]string, len(s.Headers))
		for k, v := range s.Headers {
			c.Headers[k] = v
		}
	}
	if s.Stats.LastDeliveryAt != nil {
		t := *s.Stats.LastDeliveryAt
		c.Stats.LastDeliveryAt = &t
	}
	return &c
}

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9 ._-]+$`)

// Validate reports the first problem with the subscription. It checks
// everything except name uniqueness, which the registry enforces.
func (s *Subscription) Validate() error {
	if s.ID == "" {
		return errs.B().Code(errs.InvalidArgument).Msg("subscription id must be set").Err()
	}
	if n := len(s.Name); n < 1 || n > 100 {
		return errs.B().Code(errs.InvalidArgument).Msg("name must be between 1 and 100 characters").Err()
	}
	if !nameRe.MatchString(s.Name) {
		return errs.B().Code(errs.InvalidArgument).
			Msg("name may only contain letters, digits, spaces, dots, underscores, and hyphens").Err()
	}

	u, err := url.Parse(s.URL)
	if err != nil {
		return errs.B().Code(errs.InvalidArgument).Cause(err).Msgf("invalid url %q", s.URL).Err()
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errs.B().Code(errs.InvalidArgument).Msgf("url %q must be http or https", s.URL).Err()
	}

	if s.Secret != "" {
		if n := len(s.Secret); n < 8 || n > 255 {
			return errs.B().Code(errs.InvalidArgument).Msg("secret must be between 8 and 255 characters").Err()
		}
	}

	if len(s.Events) == 0 {
		return errs.B().Code(errs.InvalidArgument).Msg("at least one event pattern is required").Err()
	}
	for _, p := range s.Events {
		if err := ValidatePattern(p); err != nil {
			return err
		}
	}

	if s.Retry.MaxAttempts < 1 || s.Retry.MaxAttempts > 10 {
		return errs.B().Code(errs.InvalidArgument).Msg("retry.maxAttempts must be within [1,10]").Err()
	}
	if s.Retry.BackoffMultiplier < 1 || s.Retry.BackoffMultiplier > 10 {
		return errs.B().Code(errs.InvalidArgument).Msg("retry.backoffMultiplier must be within [1,10]").Err()
	}
	if s.Retry.InitialDelayMs < 100 {
		return errs.B().Code(errs.InvalidArgument).Msg("retry.initialDelayMs must be at least 100").Err()
	}

	if s.TimeoutSeconds < 1 || s.TimeoutSeconds > 120 {
		return errs.B().Code(errs.InvalidArgument).Msg("timeoutSeconds must be within [1,120]").Err()
	}

	for name := range s.Headers {
		if strings.TrimSpace(name) == "" {
			return errs.B().Code(errs.InvalidArgument).Msg("header names must not be empty").Err()
		}
		if delivery.ReservedHeader(name) {
			return errs.B().Code(errs.InvalidArgument).
				Msgf("header %q is reserved and cannot be overridden", name).Err()
		}
	}

	switch s.PayloadFilter {
	case "", FilterDetailed, FilterMinimal, FilterSensitive:
	default:
		return errs.B().Code(errs.InvalidArgument).
			Msgf("payloadFilter %q must be one of detailed, minimal, sensitive", s.PayloadFilter).Err()
	}
	return nil
}
