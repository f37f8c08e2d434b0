package llm

import (
	"context"
	"time"
)

// Gateway wraps a Provider with a client-side rate limiter. The
// wrapped providers already retry on 429s from the vendor side
// (doPost in openai_compat.go); Gateway additionally throttles
// outbound calls so a bursty caller (the extraction gleaning loop,
// the map-reduce map phase) doesn't generate the 429s in the first
// place when talking to a hosted vendor with a known RPM budget.
type Gateway struct {
	Provider
	tokens chan struct{}
	ticker *time.Ticker
	done   chan struct{}
}

// NewGateway wraps p with a token bucket refilled at rpm requests per
// minute. rpm <= 0 disables throttling (token bucket sized 0 means no
// limiter is installed — every call passes straight through).
func NewGateway(p Provider, rpm int) *Gateway {
	g := &Gateway{Provider: p}
	if rpm <= 0 {
		return g
	}

	g.tokens = make(chan struct{}, rpm)
	for i := 0; i < rpm; i++ {
		g.tokens <- struct{}{}
	}
	interval := time.Minute / time.Duration(rpm)
	g.ticker = time.NewTicker(interval)
	g.done = make(chan struct{})

	go func() {
		for {
			select {
			case <-g.ticker.C:
				select {
				case g.tokens <- struct{}{}:
				default:
				}
			case <-g.done:
				return
			}
		}
	}()

	return g
}

// Close stops the refill goroutine. Safe to call on an unthrottled Gateway.
func (g *Gateway) Close() {
	if g.ticker != nil {
		g.ticker.Stop()
		close(g.done)
	}
}

func (g *Gateway) acquire(ctx context.Context) error {
	if g.tokens == nil {
		return nil
	}
	select {
	case <-g.tokens:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Chat acquires a rate-limit token before delegating to the wrapped provider.
func (g *Gateway) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := g.acquire(ctx); err != nil {
		return nil, err
	}
	return g.Provider.Chat(ctx, req)
}

// Embed acquires a rate-limit token before delegating to the wrapped provider.
func (g *Gateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := g.acquire(ctx); err != nil {
		return nil, err
	}
	return g.Provider.Embed(ctx, texts)
}
