package dispatcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxDrain bounds how much of a receiver's response body is read before the
// connection is returned to the pool.
const maxDrain = 64 << 10

// Message is one signed outbound delivery.
type Message struct {
	URL     string
	Body    []byte
	Headers http.Header
}

// Response is what a Sender observed. StatusCode is zero when the request
// never produced a response.
type Response struct {
	StatusCode int
	Latency    time.Duration
}

// OK reports whether the receiver acknowledged the message.
func (r Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Sender is a transport capability, selected by endpoint kind.
type Sender interface {
	Send(ctx context.Context, msg Message) (Response, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) (Response, error)

func (f SenderFunc) Send(ctx context.Context, msg Message) (Response, error) { return f(ctx, msg) }

// WebhookSender POSTs messages over HTTP with a hard per-request timeout and
// an optional per-host rate limit.
type WebhookSender struct {
	client  *http.Client
	timeout time.Duration

	perHost rate.Limit
	burst   int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// WebhookOption configures a WebhookSender.
type WebhookOption func(*WebhookSender)

// WithHTTPClient replaces the default client. Its redirect policy is
// overridden; see noRedirects.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(s *WebhookSender) { s.client = c }
}

// WithHostRate limits requests per receiver host. perSecond <= 0 disables it.
func WithHostRate(perSecond float64, burst int) WebhookOption {
	return func(s *WebhookSender) {
		if perSecond <= 0 {
			s.perHost = rate.Inf
			return
		}
		if burst < 1 {
			burst = 1
		}
		s.perHost = rate.Limit(perSecond)
		s.burst = burst
	}
}

// NewWebhookSender returns a sender whose requests are cut off after timeout.
func NewWebhookSender(timeout time.Duration, opts ...WebhookOption) *WebhookSender {
	s := &WebhookSender{
		client:   &http.Client{Timeout: timeout},
		timeout:  timeout,
		perHost:  rate.Inf,
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(s)
	}
	c := *s.client
	c.CheckRedirect = noRedirects
	s.client = &c
	return s
}

// noRedirects hands 3xx responses back to the caller. Following one would
// re-issue the POST as a bodyless GET, and a 200 from the new location would
// count as a delivery the receiver never accepted.
func noRedirects(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

func (s *WebhookSender) Send(ctx context.Context, msg Message) (Response, error) {
	u, err := url.Parse(msg.URL)
	if err != nil {
		return Response{}, fmt.Errorf("parse endpoint url: %w", err)
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if lim := s.limiter(u.Host); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return Response{}, fmt.Errorf("rate limit %s: %w", u.Host, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(msg.Body))
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range msg.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return Response{Latency: latency}, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrain))
	_ = resp.Body.Close()
	return Response{StatusCode: resp.StatusCode, Latency: latency}, nil
}

func (s *WebhookSender) limiter(host string) *rate.Limiter {
	if s.perHost == rate.Inf {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[host]
	if !ok {
		lim = rate.NewLimiter(s.perHost, s.burst)
		s.limiters[host] = lim
	}
	return lim
}
