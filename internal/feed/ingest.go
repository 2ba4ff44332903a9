package feed

import (
	"context"
	"fmt"
	"sort"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sandwichfarm/zapfeed/internal/config"
	"github.com/sandwichfarm/zapfeed/internal/ops"
	"github.com/sandwichfarm/zapfeed/internal/relay"
)

// Mode selects which feed is loaded
type Mode string

const (
	// ModeGlobal shows every post carrying the feed tag.
	ModeGlobal Mode = "global"
	// ModeFollowing restricts the feed to followed authors.
	ModeFollowing Mode = "following"
)

// Loader issues bounded post queries against the relay layer. Author
// lists beyond the relay-safety bound are split into sequential
// sub-queries; everything is deduplicated by event id before merge.
type Loader struct {
	querier relay.Querier
	cfg     *config.Feed
	log     *ops.Logger
}

// NewLoader creates a feed loader
func NewLoader(querier relay.Querier, cfg *config.Feed, log *ops.Logger) *Loader {
	return &Loader{
		querier: querier,
		cfg:     cfg,
		log:     log.WithComponent("ingest"),
	}
}

// LoadPage returns one deduplicated, newest-first page of post events.
// authors is empty for the global feed. until bounds pagination; zero
// means now. Only a fresh load truncates the merged set to the page size;
// loading more never truncates, to preserve completeness across relay
// overlap.
func (l *Loader) LoadPage(ctx context.Context, mode Mode, authors []string, until nostr.Timestamp, fresh bool) ([]*nostr.Event, error) {
	if mode == ModeFollowing && len(authors) == 0 {
		return nil, fmt.Errorf("following feed requires at least one followed author")
	}

	var events []*nostr.Event
	var err error

	if mode == ModeFollowing && len(authors) > l.cfg.MaxFilterAuthors {
		events, err = l.loadChunked(ctx, authors, until)
	} else {
		filter := l.postFilter(authors, until, l.cfg.PageSize*l.cfg.DedupBuffer)
		events, err = l.querier.Query(ctx, nostr.Filters{filter})
	}
	if err != nil {
		return nil, err
	}

	merged := DedupEvents(events)
	sortNewestFirst(merged)

	if fresh && len(merged) > l.cfg.PageSize {
		merged = merged[:l.cfg.PageSize]
	}

	return merged, nil
}

// loadChunked splits an oversized author list into sub-queries within the
// relay-safety bound, run sequentially. Per-chunk result caps keep the
// union within page size times the dedup buffer. Chunk failures are
// logged and skipped, not fatal.
func (l *Loader) loadChunked(ctx context.Context, authors []string, until nostr.Timestamp) ([]*nostr.Event, error) {
	chunks := chunkAuthors(authors, l.cfg.MaxFilterAuthors)

	totalCap := l.cfg.PageSize * l.cfg.DedupBuffer
	perChunk := totalCap / len(chunks)
	if perChunk < 1 {
		perChunk = 1
	}

	events := make([]*nostr.Event, 0, totalCap)
	for i, chunk := range chunks {
		filter := l.postFilter(chunk, until, perChunk)
		chunkEvents, err := l.querier.Query(ctx, nostr.Filters{filter})
		if err != nil {
			l.log.Warn("author chunk query failed",
				"chunk", i+1,
				"chunks", len(chunks),
				"authors", len(chunk),
				"error", err)
			continue
		}
		events = append(events, chunkEvents...)
	}

	return events, nil
}

// LoadReplies returns deduplicated replies to one post, oldest first
func (l *Loader) LoadReplies(ctx context.Context, postID string) ([]*nostr.Event, error) {
	filter := nostr.Filter{
		Kinds: []int{KindPost},
		Tags: nostr.TagMap{
			"e": []string{postID},
		},
		Limit: l.cfg.PageSize * l.cfg.DedupBuffer,
	}

	events, err := l.querier.Query(ctx, nostr.Filters{filter})
	if err != nil {
		return nil, fmt.Errorf("reply query failed: %w", err)
	}

	merged := DedupEvents(events)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt < merged[j].CreatedAt
	})
	return merged, nil
}

// LoadReceipts backfills zap receipts referencing the given post ids.
// Oversized id sets are chunked like author lists.
func (l *Loader) LoadReceipts(ctx context.Context, postIDs []string) ([]*nostr.Event, error) {
	if len(postIDs) == 0 {
		return nil, nil
	}

	events := make([]*nostr.Event, 0)
	for _, chunk := range chunkAuthors(postIDs, l.cfg.MaxFilterAuthors) {
		filter := nostr.Filter{
			Kinds: []int{KindZapReceipt},
			Tags: nostr.TagMap{
				"e": chunk,
			},
		}
		chunkEvents, err := l.querier.Query(ctx, nostr.Filters{filter})
		if err != nil {
			l.log.Warn("receipt backfill chunk failed", "posts", len(chunk), "error", err)
			continue
		}
		events = append(events, chunkEvents...)
	}

	merged := DedupEvents(events)
	// Oldest processed first, so payment lists reflect settlement order.
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt < merged[j].CreatedAt
	})
	return merged, nil
}

// LoadContacts fetches the newest contact list (kind 3) for a pubkey and
// returns the followed pubkeys from its p tags.
func (l *Loader) LoadContacts(ctx context.Context, pubkey string) ([]string, error) {
	filter := nostr.Filter{
		Kinds:   []int{KindContacts},
		Authors: []string{pubkey},
		Limit:   1,
	}

	events, err := l.querier.Query(ctx, nostr.Filters{filter})
	if err != nil {
		return nil, fmt.Errorf("contact list query failed: %w", err)
	}
	if len(events) == 0 {
		return nil, nil
	}

	// Relays may return stale versions of the replaceable kind 3.
	newest := events[0]
	for _, ev := range events[1:] {
		if ev.CreatedAt > newest.CreatedAt {
			newest = ev
		}
	}

	following := make([]string, 0)
	seen := make(map[string]struct{})
	for _, tag := range newest.Tags {
		if len(tag) >= 2 && tag[0] == "p" {
			if _, dup := seen[tag[1]]; dup {
				continue
			}
			seen[tag[1]] = struct{}{}
			following = append(following, tag[1])
		}
	}
	return following, nil
}

func (l *Loader) postFilter(authors []string, until nostr.Timestamp, limit int) nostr.Filter {
	filter := nostr.Filter{
		Kinds: []int{KindPost},
		Tags: nostr.TagMap{
			"t": []string{l.cfg.Tag},
		},
		Limit: limit,
	}
	if len(authors) > 0 {
		filter.Authors = authors
	}
	if until > 0 {
		filter.Until = &until
	}
	return filter
}

func chunkAuthors(authors []string, size int) [][]string {
	chunks := make([][]string, 0, (len(authors)+size-1)/size)
	for start := 0; start < len(authors); start += size {
		end := start + size
		if end > len(authors) {
			end = len(authors)
		}
		chunks = append(chunks, authors[start:end])
	}
	return chunks
}

func sortNewestFirst(events []*nostr.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].CreatedAt > events[j].CreatedAt
	})
}
