package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/munisanluis/billing-service/pkg/gatewayclient"
	"github.com/shopspring/decimal"
)

type stubGateway struct {
	mu       sync.Mutex
	requests []gatewayclient.CheckoutRequest
	err      error
}

func (g *stubGateway) CreateCheckoutSession(_ context.Context, req gatewayclient.CheckoutRequest) (*gatewayclient.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return nil, g.err
	}
	return &gatewayclient.CheckoutSession{ID: "ch_test", CheckoutURL: "https://pay.example/ch_test"}, nil
}

type publishedEvent struct {
	exchange   string
	routingKey string
	body       interface{}
}

type stubPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
	panics bool
}

func (p *stubPublisher) Publish(_ context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.panics {
		panic("broker exploded")
	}
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, publishedEvent{exchange: exchange, routingKey: routingKey, body: body})
	return nil
}

func (p *stubPublisher) byKey(routingKey string) []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedEvent
	for _, e := range p.events {
		if e.routingKey == routingKey {
			out = append(out, e)
		}
	}
	return out
}

type stubLimiter struct {
	count      int
	retryAfter int
	err        error
}

func (l *stubLimiter) ConsumeRateLimit(context.Context, string, string, int, time.Duration) (int, int, error) {
	return l.count, l.retryAfter, l.err
}

const testWebhookSecret = "whsec_dGVzdC1zaWduaW5nLXNlY3JldA=="

type testEnv struct {
	repo      *memRepo
	gateway   *stubGateway
	publisher *stubPublisher
	service   *Service
}

// newTestEnv builds a service whose clock reads today.
func newTestEnv(t *testing.T, today time.Time) *testEnv {
	t.Helper()
	env := &testEnv{
		repo:      newMemRepo(),
		gateway:   &stubGateway{},
		publisher: &stubPublisher{},
	}
	env.service = NewService(env.repo, env.gateway, env.publisher, Options{
		Timezone:      "UTC",
		Currency:      "GTQ",
		FeeRate:       decimal.RequireFromString("0.045"),
		FeeFixed:      decimal.RequireFromString("2.00"),
		SuccessURL:    "https://muni.example/billing/checkout/success",
		CancelURL:     "https://muni.example/billing/checkout/cancel",
		WebhookSecret: testWebhookSecret,
		DevMode:       true,
	})
	env.service.now = func() time.Time { return today }
	return env
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertAmount(t *testing.T, what string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(dec(want)) {
		t.Fatalf("expected %s %s, got %s", what, want, got.StringFixed(2))
	}
}
