// Package dispatch executes HTTP delivery attempts.
//
// One attempt is one POST of a payload to a webhook endpoint: sign the
// body, send, read a bounded response, and classify the outcome so the
// queue can decide between completion, retry, and dead-lettering.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"hookrelay.dev/internal/delivery"
	"hookrelay.dev/internal/signature"
)

// Outcome error kinds.
const (
	KindInvalidURL   = "invalid-url"
	KindTimeout      = "timeout"
	KindDNS          = "dns"
	KindConnection   = "connection"
	KindBodyTooLarge = "response-size-exceeded"
)

// bodyPrefixCap bounds the response body excerpt kept for auditing.
const bodyPrefixCap = 1000

// Config carries the dispatcher tunables.
type Config struct {
	// UserAgent is sent on every request.
	UserAgent string
	// MaxRedirects bounds how many redirects a single attempt follows.
	MaxRedirects int
	// MaxResponseSize caps how much of the response body is read before
	// the attempt fails with response-size-exceeded.
	MaxResponseSize int64
	// RetryableStatuses is the set of HTTP status codes worth retrying.
	RetryableStatuses []int
	// SecretSalt derives a signing secret for subscriptions without one.
	// Empty disables fallback signing.
	SecretSalt string
}

// Dispatcher sends delivery attempts. It is safe for concurrent use.
type Dispatcher struct {
	cfg       Config
	client    *http.Client
	retryable map[int]bool
	log       zerolog.Logger
}

// New returns a dispatcher. The caller bounds each attempt through the
// context passed to Attempt; the client itself carries no timeout.
func New(cfg Config, log zerolog.Logger) *Dispatcher {
	retryable := make(map[int]bool, len(cfg.RetryableStatuses))
	for _, code := range cfg.RetryableStatuses {
		retryable[code] = true
	}

	d := &Dispatcher{
		cfg:       cfg,
		retryable: retryable,
		log:       log.With().Str("component", "dispatch").Logger(),
	}
	d.client = &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return errors.New("too many redirects")
			}
			return nil
		},
	}
	return d
}

// Attempt performs one delivery attempt for item. The context bounds the
// whole attempt including the response read; expiry is reported as a
// retryable timeout outcome, never as a panic or a hang.
func (d *Dispatcher) Attempt(ctx context.Context, item *delivery.Item) delivery.Outcome {
	start := time.Now()

	u, err := url.Parse(item.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		// Validation should have caught this at subscription time;
		// reject rather than hand an arbitrary scheme to the transport.
		return delivery.Outcome{
			Success:   false,
			Duration:  time.Since(start),
			Error:     "invalid webhook url: " + item.URL,
			ErrorKind: KindInvalidURL,
			Retryable: false,
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, item.URL, bytes.NewReader(item.Payload))
	if err != nil {
		return delivery.Outcome{
			Success:   false,
			Duration:  time.Since(start),
			Error:     "building request: " + err.Error(),
			ErrorKind: KindInvalidURL,
			Retryable: false,
		}
	}
	d.setHeaders(req, item)

	resp, err := d.client.Do(req)
	if err != nil {
		return d.transportOutcome(err, time.Since(start))
	}
	defer resp.Body.Close()

	// Read one byte past the cap so overflow is detectable without
	// draining an unbounded body.
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, d.cfg.MaxResponseSize+1))
	duration := time.Since(start)

	out := delivery.Outcome{
		StatusCode: resp.StatusCode,
		Duration:   duration,
		Headers:    headerMap(resp.Header),
		BodyPrefix: bodyPrefix(body),
	}

	if int64(len(body)) > d.cfg.MaxResponseSize {
		out.Success = false
		out.Error = "response body exceeds " + strconv.FormatInt(d.cfg.MaxResponseSize, 10) + " bytes"
		out.ErrorKind = KindBodyTooLarge
		out.Retryable = false
		return out
	}
	if readErr != nil {
		out.Success = false
		out.Error = "reading response: " + readErr.Error()
		out.ErrorKind = KindConnection
		out.Retryable = true
		return out
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		out.Success = true
		return out
	}

	out.Success = false
	out.Error = "endpoint returned HTTP " + strconv.Itoa(resp.StatusCode)
	out.ErrorKind = "http-" + strconv.Itoa(resp.StatusCode)
	out.Retryable = d.retryable[resp.StatusCode]
	return out
}

// setHeaders stamps the relay headers, signs the body, and merges the
// subscription's custom headers last. Reserved names never come from the
// subscription; validation rejects them and this skip is the backstop.
func (d *Dispatcher) setHeaders(req *http.Request, item *delivery.Item) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.cfg.UserAgent)
	req.Header.Set("X-Webhook-Id", item.WebhookID)
	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	req.Header.Set("X-Webhook-Event", item.EventType)

	if secret := d.signingSecret(item); secret != "" {
		req.Header.Set("X-Webhook-Signature", signature.Sign([]byte(secret), item.Payload))
	}

	for name, value := range item.Headers {
		if delivery.ReservedHeader(name) {
			continue
		}
		req.Header.Set(name, value)
	}
}

// signingSecret resolves the secret used to sign the payload: the
// subscription's own secret, or one derived from the deployment salt
// when the subscription has none.
func (d *Dispatcher) signingSecret(item *delivery.Item) string {
	if item.Secret != "" {
		return item.Secret
	}
	if d.cfg.SecretSalt != "" {
		return signature.DeriveSecret(d.cfg.SecretSalt, item.WebhookID)
	}
	return ""
}

// transportOutcome classifies an error from the HTTP client. DNS
// name-not-found is the one non-retryable transport failure; timeouts,
// refused connections, and resets are all worth retrying.
func (d *Dispatcher) transportOutcome(err error, duration time.Duration) delivery.Outcome {
	out := delivery.Outcome{
		Success:  false,
		Duration: duration,
		Error:    err.Error(),
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		out.ErrorKind = KindDNS
		// Transient resolver failures retry; a name that does not
		// exist will not start existing between attempts.
		out.Retryable = !dnsErr.IsNotFound
		return out
	}

	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		out.ErrorKind = KindTimeout
		out.Retryable = true
		return out
	}

	out.ErrorKind = KindConnection
	out.Retryable = true
	return out
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// headerMap flattens response headers for the audit record. Multi-valued
// headers join with a comma, matching their on-the-wire equivalence.
func headerMap(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		out[name] = strings.Join(values, ", ")
	}
	return out
}

func bodyPrefix(body []byte) string {
	if len(body) > bodyPrefixCap {
		body = body[:bodyPrefixCap]
	}
	return string(body)
}
