package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sandwichfarm/zapfeed/internal/config"
	"github.com/sandwichfarm/zapfeed/internal/ops"
)

// Querier issues bounded queries against the relay set. Results are
// at-least-once and may contain duplicates across relays.
type Querier interface {
	Query(ctx context.Context, filters nostr.Filters) ([]*nostr.Event, error)
}

// Subscriber opens long-lived push subscriptions against the relay set.
type Subscriber interface {
	Subscribe(ctx context.Context, filters nostr.Filters, onEvent func(*nostr.Event)) (*Subscription, error)
}

// Publisher publishes signed events to the relay set.
type Publisher interface {
	Publish(ctx context.Context, event *nostr.Event) error
}

// Subscription is an opaque handle for a live subscription. A nil
// *Subscription means "not currently subscribed".
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewSubscription wraps a cancel func in a subscription handle with no
// event pump, for Subscriber implementations outside this package.
func NewSubscription(cancel context.CancelFunc) *Subscription {
	done := make(chan struct{})
	close(done)
	return &Subscription{cancel: cancel, done: done}
}

// Unsubscribe cancels the subscription and waits for its event pump to stop.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

// Client provides a high-level interface for interacting with Nostr relays
type Client struct {
	pool        *nostr.SimplePool
	relayConfig *config.Relays
	log         *ops.Logger
}

// New creates a new relay client with the given configuration
func New(ctx context.Context, relayConfig *config.Relays, log *ops.Logger) *Client {
	pool := nostr.NewSimplePool(ctx)
	return &Client{
		pool:        pool,
		relayConfig: relayConfig,
		log:         log.WithComponent("relay"),
	}
}

// Pool returns the underlying SimplePool for advanced operations
func (c *Client) Pool() *nostr.SimplePool {
	return c.pool
}

// Query fetches events from the seed relays matching the filters, waiting
// for EOSE on every relay. Duplicates across relays are returned as-is;
// deduplication is the caller's concern.
func (c *Client) Query(ctx context.Context, filters nostr.Filters) ([]*nostr.Event, error) {
	relays := c.Relays()
	if len(relays) == 0 {
		return nil, fmt.Errorf("no relays configured")
	}

	ctx, cancel := context.WithTimeout(ctx, c.QueryTimeout())
	defer cancel()

	start := time.Now()
	events := make([]*nostr.Event, 0)
	for relayEvent := range c.pool.SubManyEose(ctx, relays, filters) {
		if relayEvent.Event != nil {
			events = append(events, relayEvent.Event)
		}
	}

	c.log.LogRelayQuery(len(relays), len(filters), len(events), time.Since(start), nil)
	return events, nil
}

// Subscribe opens a live subscription on the seed relays. onEvent is called
// from a single goroutine per subscription, in relay arrival order. The
// returned handle must be cancelled via Unsubscribe.
func (c *Client) Subscribe(ctx context.Context, filters nostr.Filters, onEvent func(*nostr.Event)) (*Subscription, error) {
	relays := c.Relays()
	if len(relays) == 0 {
		return nil, fmt.Errorf("no relays configured")
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(sub.done)
		for relayEvent := range c.pool.SubMany(subCtx, relays, filters) {
			if relayEvent.Event == nil {
				continue
			}
			select {
			case <-subCtx.Done():
				return
			default:
			}
			onEvent(relayEvent.Event)
		}
	}()

	return sub, nil
}

// Publish publishes an event to the seed relays. It succeeds if at least
// one relay accepts the event.
func (c *Client) Publish(ctx context.Context, event *nostr.Event) error {
	relays := c.Relays()
	results := c.pool.PublishMany(ctx, relays, *event)

	var lastErr error
	successCount := 0

	for result := range results {
		if result.Error != nil {
			lastErr = result.Error
		} else {
			successCount++
		}
	}

	if successCount == 0 && lastErr != nil {
		return fmt.Errorf("failed to publish to any relay: %w", lastErr)
	}

	return nil
}

// Close closes all relay connections
func (c *Client) Close() {
	c.pool.Close("client shutting down")
}

// Relays returns the configured seed relays
func (c *Client) Relays() []string {
	if c.relayConfig == nil {
		return []string{}
	}
	return c.relayConfig.Seeds
}

// QueryTimeout returns the configured query timeout duration
func (c *Client) QueryTimeout() time.Duration {
	if c.relayConfig == nil || c.relayConfig.Policy.ConnectTimeoutMs == 0 {
		return 30 * time.Second
	}
	return time.Duration(c.relayConfig.Policy.ConnectTimeoutMs) * time.Millisecond
}
