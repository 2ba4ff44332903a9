// Package profiles implements a process-wide, dedup-safe cache of author
// metadata (kind 0) keyed by pubkey. Concurrent requests for the same key
// join the in-flight fetch instead of re-issuing it.
package profiles

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sandwichfarm/zapfeed/internal/ops"
	"github.com/sandwichfarm/zapfeed/internal/relay"
)

// Profile contains parsed kind 0 metadata for one identity
type Profile struct {
	PubKey      string `json:"-"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Picture     string `json:"picture"`
	About       string `json:"about"`
	Nip05       string `json:"nip05"`
	Lud16       string `json:"lud16"`
	Lud06       string `json:"lud06"`
}

// IsEmpty reports whether the profile is a placeholder with no real
// metadata. A placeholder must not be treated as "loaded".
func (p *Profile) IsEmpty() bool {
	if p == nil {
		return true
	}
	return p.Name == "" && p.DisplayName == "" && p.Picture == "" &&
		p.Nip05 == "" && p.Lud16 == "" && p.Lud06 == ""
}

// BestName returns the preferred display string for the profile.
// Priority: display_name > name > nip05 > truncated pubkey.
func (p *Profile) BestName() string {
	if p == nil {
		return ""
	}
	if p.DisplayName != "" {
		return p.DisplayName
	}
	if p.Name != "" {
		return p.Name
	}
	if p.Nip05 != "" {
		return p.Nip05
	}
	return TruncatePubkey(p.PubKey)
}

// PaymentAddress returns the profile's Lightning address, preferring lud16.
func (p *Profile) PaymentAddress() string {
	if p == nil {
		return ""
	}
	if p.Lud16 != "" {
		return p.Lud16
	}
	return p.Lud06
}

// Cache is the shared profile cache. At most one fetch per key is in
// flight at any time, enforced by the pending-request set.
type Cache struct {
	querier relay.Querier
	log     *ops.Logger

	profiles *xsync.MapOf[string, *Profile]
	pending  *xsync.MapOf[string, chan struct{}]
}

// NewCache creates a profile cache backed by the given querier
func NewCache(querier relay.Querier, log *ops.Logger) *Cache {
	return &Cache{
		querier:  querier,
		log:      log.WithComponent("profiles"),
		profiles: xsync.NewMapOf[string, *Profile](),
		pending:  xsync.NewMapOf[string, chan struct{}](),
	}
}

// Get returns the cached profile for a pubkey, or nil if never fetched.
func (c *Cache) Get(pubkey string) *Profile {
	p, _ := c.profiles.Load(pubkey)
	return p
}

// EnsureProfiles returns profiles for all requested pubkeys, fetching the
// ones not yet cached in a single batched query. Requests for keys with a
// fetch already in flight join that fetch rather than re-issuing it.
// Identities with no published metadata resolve to a placeholder profile.
func (c *Cache) EnsureProfiles(ctx context.Context, pubkeys []string) (map[string]*Profile, error) {
	result := make(map[string]*Profile, len(pubkeys))

	var toFetch []string
	var toJoin []string
	joinWaits := make(map[string]chan struct{})

	seen := make(map[string]struct{}, len(pubkeys))
	for _, pk := range pubkeys {
		if pk == "" {
			continue
		}
		if _, dup := seen[pk]; dup {
			continue
		}
		seen[pk] = struct{}{}

		if p, ok := c.profiles.Load(pk); ok {
			result[pk] = p
			continue
		}

		wait := make(chan struct{})
		if existing, loaded := c.pending.LoadOrStore(pk, wait); loaded {
			// Someone else is already fetching this key.
			toJoin = append(toJoin, pk)
			joinWaits[pk] = existing
			continue
		}
		toFetch = append(toFetch, pk)
	}

	if len(toFetch) > 0 {
		if err := c.fetch(ctx, toFetch); err != nil {
			c.log.LogProfileFetch(len(toFetch), 0, err)
			return result, err
		}
		for _, pk := range toFetch {
			if p, ok := c.profiles.Load(pk); ok {
				result[pk] = p
			}
		}
	}

	for _, pk := range toJoin {
		select {
		case <-joinWaits[pk]:
		case <-ctx.Done():
			return result, ctx.Err()
		}
		if p, ok := c.profiles.Load(pk); ok {
			result[pk] = p
		}
	}

	return result, nil
}

// fetch issues one kind 0 query for the given keys and stores the results.
// Keys that come back empty are cached as placeholders so they are not
// refetched this session. Pending markers are always released.
func (c *Cache) fetch(ctx context.Context, pubkeys []string) error {
	defer func() {
		for _, pk := range pubkeys {
			if wait, ok := c.pending.LoadAndDelete(pk); ok {
				close(wait)
			}
		}
	}()

	filter := nostr.Filter{
		Kinds:   []int{0},
		Authors: pubkeys,
		Limit:   len(pubkeys),
	}

	events, err := c.querier.Query(ctx, nostr.Filters{filter})
	if err != nil {
		return fmt.Errorf("profile query failed: %w", err)
	}

	// Relays may return several kind 0 versions; keep the newest.
	newest := make(map[string]*nostr.Event, len(events))
	for _, ev := range events {
		if ev.Kind != 0 {
			continue
		}
		if prev, ok := newest[ev.PubKey]; !ok || ev.CreatedAt > prev.CreatedAt {
			newest[ev.PubKey] = ev
		}
	}

	fetched := 0
	for _, pk := range pubkeys {
		profile := &Profile{PubKey: pk}
		if ev, ok := newest[pk]; ok {
			if err := json.Unmarshal([]byte(ev.Content), profile); err == nil {
				fetched++
			}
			profile.PubKey = pk
		}
		c.profiles.Store(pk, profile)
	}

	c.log.LogProfileFetch(len(pubkeys), fetched, nil)
	return nil
}

// TruncatePubkey shortens a pubkey for display
func TruncatePubkey(pubkey string) string {
	if len(pubkey) <= 16 {
		return pubkey
	}
	return pubkey[:8] + "..." + pubkey[len(pubkey)-8:]
}
