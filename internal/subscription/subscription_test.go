package subscription

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"hookrelay.dev/internal/errs"
)

func valid() *Subscription {
	return &Subscription{
		ID:     NewID(),
		Name:   "ci notifications",
		URL:    "https://hooks.example.com/ci",
		Secret: "s3cr3t-s3cr3t",
		Events: []string{"issue.*"},
		Active: true,
		Retry: RetryPolicy{
			MaxAttempts:       3,
			BackoffMultiplier: 2,
			InitialDelayMs:    1000,
		},
		TimeoutSeconds: 30,
		CreatedAt:      time.Now(),
		ModifiedAt:     time.Now(),
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	c := qt.New(t)

	c.Assert(valid().Validate(), qt.IsNil)

	tests := []struct {
		name   string
		mutate func(*Subscription)
	}{
		{"empty name", func(s *Subscription) { s.Name = "" }},
		{"overlong name", func(s *Subscription) {
			s.Name = string(make([]byte, 101))
		}},
		{"name charset", func(s *Subscription) { s.Name = "bad/name" }},
		{"ftp url", func(s *Subscription) { s.URL = "ftp://example.com/x" }},
		{"relative url", func(s *Subscription) { s.URL = "/just/a/path" }},
		{"short secret", func(s *Subscription) { s.Secret = "short" }},
		{"no events", func(s *Subscription) { s.Events = nil }},
		{"bad pattern", func(s *Subscription) { s.Events = []string{"a.b.c"} }},
		{"zero attempts", func(s *Subscription) { s.Retry.MaxAttempts = 0 }},
		{"excessive attempts", func(s *Subscription) { s.Retry.MaxAttempts = 11 }},
		{"multiplier too small", func(s *Subscription) { s.Retry.BackoffMultiplier = 0.5 }},
		{"initial delay too small", func(s *Subscription) { s.Retry.InitialDelayMs = 50 }},
		{"timeout too small", func(s *Subscription) { s.TimeoutSeconds = 0 }},
		{"timeout too large", func(s *Subscription) { s.TimeoutSeconds = 121 }},
		{"reserved header", func(s *Subscription) {
			s.Headers = map[string]string{"User-Agent": "spoofed"}
		}},
		{"reserved header case-insensitive", func(s *Subscription) {
			s.Headers = map[string]string{"CONTENT-LENGTH": "0"}
		}},
		{"unknown payload filter", func(s *Subscription) { s.PayloadFilter = "tiny" }},
	}

	for _, test := range tests {
		sub := valid()
		test.mutate(sub)
		err := sub.Validate()
		c.Assert(err, qt.IsNotNil, qt.Commentf("%s", test.name))
		c.Assert(errs.Code(err), qt.Equals, errs.InvalidArgument, qt.Commentf("%s", test.name))
	}

	// Custom non-reserved headers are fine.
	sub := valid()
	sub.Headers = map[string]string{"X-Team": "platform", "Authorization": "Bearer t"}
	c.Assert(sub.Validate(), qt.IsNil)

	// A missing secret is fine; signing is optional.
	sub = valid()
	sub.Secret = ""
	c.Assert(sub.Validate(), qt.IsNil)
}

func TestMatchPattern(t *testing.T) {
	t.Parallel()
	c := qt.New(t)

	tests := []struct {
		pattern string
		event   string
		want    bool
	}{
		{"*", "issue.created", true},
		{"*", "anything.at_all", true},
		{"issue.created", "issue.created", true},
		{"issue.created", "issue.updated", false},
		{"issue.*", "issue.created", true},
		{"issue.*", "issue.status_changed", true},
		{"issue.*", "issues.created", false},
		{"issue.*", "project.created", false},
		{"issue.*", "issue", false},
		{"project.*", "project.created", true},
		{"", "issue.created", false},
	}
	for _, test := range tests {
		got := MatchPattern(test.pattern, test.event)
		c.Assert(got, qt.Equals, test.want,
			qt.Commentf("matches(%q, %q)", test.pattern, test.event))
	}
}

func TestValidatePattern(t *testing.T) {
	t.Parallel()
	c := qt.New(t)

	for _, p := range []string{"*", "issue.*", "issue.created", "project.status_changed"} {
		c.Assert(ValidatePattern(p), qt.IsNil, qt.Commentf("%q", p))
	}
	for _, p := range []string{"", "issue", ".", "issue.", ".created", "a.b.c", "*.created", "*.*"} {
		err := ValidatePattern(p)
		c.Assert(err, qt.IsNotNil, qt.Commentf("%q", p))
		c.Assert(errs.Code(err), qt.Equals, errs.InvalidArgument, qt.Commentf("%q", p))
	}
}

func TestResolveRetryPolicy(t *testing.T) {
	t.Parallel()
	c := qt.New(t)

	p := RetryPolicy{MaxAttempts: 5, BackoffMultiplier: 3, InitialDelayMs: 250}
	got := p.Resolve()
	c.Assert(got.MaxAttempts, qt.Equals, 5)
	c.Assert(got.BackoffMultiplier, qt.Equals, 3.0)
	c.Assert(got.InitialDelay, qt.Equals, 250*time.Millisecond)
}

func TestClone(t *testing.T) {
	t.Parallel()
	c := qt.New(t)

	orig := valid()
	orig.Headers = map[string]string{"X-A": "1"}
	orig.Filters.Projects = []string{"P1"}

	cp := orig.Clone()
	cp.Headers["X-A"] = "2"
	cp.Filters.Projects[0] = "P2"
	cp.Events[0] = "project.*"

	c.Assert(orig.Headers["X-A"], qt.Equals, "1")
	c.Assert(orig.Filters.Projects[0], qt.Equals, "P1")
	c.Assert(orig.Events[0], qt.Equals, "issue.*")
}
