package subs

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sandwichfarm/zapfeed/internal/config"
	"github.com/sandwichfarm/zapfeed/internal/feed"
	"github.com/sandwichfarm/zapfeed/internal/ops"
	"github.com/sandwichfarm/zapfeed/internal/relay"
)

type recordedSub struct {
	filters   nostr.Filters
	cancelled bool
}

type fakeSubscriber struct {
	mu       sync.Mutex
	subs     []*recordedSub
	err      error
	onCancel func()
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, filters nostr.Filters, onEvent func(*nostr.Event)) (*relay.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	rec := &recordedSub{filters: filters}
	f.subs = append(f.subs, rec)
	return relay.NewSubscription(func() {
		f.mu.Lock()
		rec.cancelled = true
		hook := f.onCancel
		f.mu.Unlock()
		if hook != nil {
			hook()
		}
	}), nil
}

func (f *fakeSubscriber) setOnCancel(hook func()) {
	f.mu.Lock()
	f.onCancel = hook
	f.mu.Unlock()
}

func (f *fakeSubscriber) recorded() []*recordedSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*recordedSub, len(f.subs))
	copy(out, f.subs)
	return out
}

// live returns the recorded subscriptions that have not been cancelled
func (f *fakeSubscriber) live() []*recordedSub {
	var out []*recordedSub
	for _, rec := range f.recorded() {
		if !rec.cancelled {
			out = append(out, rec)
		}
	}
	return out
}

func newTestManager(t *testing.T) (*Manager, *fakeSubscriber) {
	t.Helper()

	cfg := config.Default()
	cfg.Feed.Tag = "zapfeed"

	sub := &fakeSubscriber{}
	log := ops.NewLoggerWithWriter(&cfg.Logging, io.Discard)
	m := NewManager(context.Background(), cfg, sub, log, func(*nostr.Event) {}, func(*nostr.Event) {})
	m.debounce = func(fn func()) { fn() } // synchronous for tests
	t.Cleanup(m.Close)

	return m, sub
}

func snapshotWithPosts(mode feed.Mode, posts ...*feed.Post) feed.Snapshot {
	return feed.Snapshot{
		Mode:  mode,
		Ready: true,
		Posts: posts,
	}
}

func post(id string, createdAt nostr.Timestamp) *feed.Post {
	return &feed.Post{ID: id, Author: "author-" + id, CreatedAt: createdAt}
}

func filterIDs(f nostr.Filter) []string {
	return f.Tags["e"]
}

func countPostSubs(sub *fakeSubscriber) int {
	n := 0
	for _, rec := range sub.recorded() {
		if rec.filters[0].Kinds[0] == feed.KindPost {
			n++
		}
	}
	return n
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestReconcile_NotReady(t *testing.T) {
	m, sub := newTestManager(t)

	m.Reconcile(feed.Snapshot{Mode: feed.ModeGlobal})

	if len(sub.recorded()) != 0 {
		t.Errorf("expected no subscriptions before first load, got %d", len(sub.recorded()))
	}
}

func TestReconcile_ReadyEmptyFeedOpensNothing(t *testing.T) {
	m, sub := newTestManager(t)

	// No held posts means no since cursor: a subscription here would
	// start from the epoch and replay the whole feed.
	m.Reconcile(feed.Snapshot{Mode: feed.ModeGlobal, Ready: true})

	if got := len(sub.recorded()); got != 0 {
		t.Errorf("empty ready feed opened %d subscriptions, want 0", got)
	}
}

func TestReconcile_OpensBothSubscriptions(t *testing.T) {
	m, sub := newTestManager(t)

	m.Reconcile(snapshotWithPosts(feed.ModeGlobal, post("a", 1000), post("b", 1200)))

	recs := sub.recorded()
	if len(recs) != 2 {
		t.Fatalf("expected post + receipt subscriptions, got %d", len(recs))
	}

	postFilter := recs[0].filters[0]
	if len(postFilter.Kinds) != 1 || postFilter.Kinds[0] != feed.KindPost {
		t.Errorf("post filter kinds = %v", postFilter.Kinds)
	}
	if tags := postFilter.Tags["t"]; len(tags) != 1 || tags[0] != "zapfeed" {
		t.Errorf("post filter t tag = %v", tags)
	}
	if postFilter.Since == nil || *postFilter.Since != 1201 {
		t.Errorf("post filter since = %v, want 1201", postFilter.Since)
	}
	if len(postFilter.Authors) != 0 {
		t.Errorf("global post filter should not constrain authors, got %v", postFilter.Authors)
	}

	receiptFilter := recs[1].filters[0]
	if len(receiptFilter.Kinds) != 1 || receiptFilter.Kinds[0] != feed.KindZapReceipt {
		t.Errorf("receipt filter kinds = %v", receiptFilter.Kinds)
	}
	if ids := filterIDs(receiptFilter); len(ids) != 2 {
		t.Errorf("receipt filter ids = %v", ids)
	}
}

func TestReconcile_UnchangedStateKeepsSubscriptions(t *testing.T) {
	m, sub := newTestManager(t)

	snap := snapshotWithPosts(feed.ModeGlobal, post("a", 1000))
	m.Reconcile(snap)
	m.Reconcile(snap)
	m.Reconcile(snap)

	if got := len(sub.recorded()); got != 2 {
		t.Errorf("repeat reconciles opened %d subscriptions, want 2", got)
	}
}

func TestReconcile_SinceDriftWithinToleranceKept(t *testing.T) {
	m, sub := newTestManager(t)

	m.Reconcile(snapshotWithPosts(feed.ModeGlobal, post("a", 1000)))

	// Newer post arrives but the id set changes, so only the receipt
	// sub rolls; the post sub's 4s since drift is under tolerance.
	m.Reconcile(snapshotWithPosts(feed.ModeGlobal, post("a", 1000), post("b", 1004)))

	postSubs := 0
	for _, rec := range sub.recorded() {
		if rec.filters[0].Kinds[0] == feed.KindPost {
			postSubs++
		}
	}
	if postSubs != 1 {
		t.Errorf("post subscription recreated %d times, want 1", postSubs)
	}
}

func TestReconcile_SinceDriftBeyondToleranceResubscribes(t *testing.T) {
	m, sub := newTestManager(t)

	m.Reconcile(snapshotWithPosts(feed.ModeGlobal, post("a", 1000)))
	m.Reconcile(snapshotWithPosts(feed.ModeGlobal, post("a", 1000), post("b", 1100)))

	var postSubs []*recordedSub
	for _, rec := range sub.recorded() {
		if rec.filters[0].Kinds[0] == feed.KindPost {
			postSubs = append(postSubs, rec)
		}
	}
	if len(postSubs) != 2 {
		t.Fatalf("post subscription recreated %d times, want 2", len(postSubs))
	}
	if !postSubs[0].cancelled {
		t.Error("old post subscription should be cancelled before replacement")
	}
	if since := postSubs[1].filters[0].Since; since == nil || *since != 1101 {
		t.Errorf("replacement since = %v, want 1101", since)
	}
}

func TestReconcile_SinceDriftBackwardResubscribes(t *testing.T) {
	m, sub := newTestManager(t)

	m.Reconcile(snapshotWithPosts(feed.ModeGlobal, post("a", 1000), post("b", 2000)))

	// A reload dropped the newest post: the filter identity is unchanged
	// but the since cursor moves back by 1000s, past tolerance, so the
	// live filter must reopen to cover the window.
	m.Reconcile(snapshotWithPosts(feed.ModeGlobal, post("a", 1000)))

	var postSubs []*recordedSub
	for _, rec := range sub.recorded() {
		if rec.filters[0].Kinds[0] == feed.KindPost {
			postSubs = append(postSubs, rec)
		}
	}
	if len(postSubs) != 2 {
		t.Fatalf("post subscription recreated %d times, want 2", len(postSubs))
	}
	if since := postSubs[1].filters[0].Since; since == nil || *since != 1001 {
		t.Errorf("replacement since = %v, want 1001", since)
	}
}

func TestReconcile_ResubscribeDuringEventDelivery(t *testing.T) {
	cfg := config.Default()
	cfg.Feed.Tag = "zapfeed"

	sub := &fakeSubscriber{}
	log := ops.NewLoggerWithWriter(&cfg.Logging, io.Discard)
	m := NewManager(context.Background(), cfg, sub, log, func(*nostr.Event) {}, func(*nostr.Event) {})
	m.debounce = func(fn func()) { go fn() }
	t.Cleanup(m.Close)

	m.Reconcile(snapshotWithPosts(feed.ModeGlobal, post("a", 1000)))
	waitForCondition(t, func() bool { return len(sub.recorded()) == 2 })

	// A cancelled subscription drains one last event before its pump
	// stops, and Unsubscribe waits for that pump. The drained event lands
	// in Reconcile, which must never need a lock the diff pass is holding.
	delivered := snapshotWithPosts(feed.ModeGlobal, post("a", 1000), post("c", 1010))
	sub.setOnCancel(func() {
		done := make(chan struct{})
		go func() {
			m.Reconcile(delivered)
			close(done)
		}()
		<-done
	})

	next := snapshotWithPosts(feed.ModeFollowing, post("a", 1000))
	next.Following = []string{"pk1"}
	m.Reconcile(next)

	waitForCondition(t, func() bool { return countPostSubs(sub) >= 2 })
}

func TestReconcile_WorkingSetChangeRollsReceiptSub(t *testing.T) {
	m, sub := newTestManager(t)

	m.Reconcile(snapshotWithPosts(feed.ModeGlobal, post("a", 1000)))
	m.Reconcile(snapshotWithPosts(feed.ModeGlobal, post("a", 1000), post("b", 1002)))

	var receiptSubs []*recordedSub
	for _, rec := range sub.recorded() {
		if rec.filters[0].Kinds[0] == feed.KindZapReceipt {
			receiptSubs = append(receiptSubs, rec)
		}
	}
	if len(receiptSubs) != 2 {
		t.Fatalf("receipt subscription recreated %d times, want 2", len(receiptSubs))
	}
	if !receiptSubs[0].cancelled {
		t.Error("old receipt subscription should be cancelled before replacement")
	}
	if ids := filterIDs(receiptSubs[1].filters[0]); len(ids) != 2 {
		t.Errorf("replacement receipt ids = %v", ids)
	}
}

func TestReconcile_FocusedViewScopesReceipts(t *testing.T) {
	m, sub := newTestManager(t)

	snap := snapshotWithPosts(feed.ModeGlobal, post("a", 1000), post("b", 1002))
	snap.Focused = "a"
	snap.Replies = []*feed.Post{post("r1", 1001)}
	m.Reconcile(snap)

	recs := sub.recorded()
	var receiptFilter *nostr.Filter
	for _, rec := range recs {
		if rec.filters[0].Kinds[0] == feed.KindZapReceipt {
			receiptFilter = &rec.filters[0]
		}
	}
	if receiptFilter == nil {
		t.Fatal("no receipt subscription opened")
	}

	ids := filterIDs(*receiptFilter)
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "r1" {
		t.Errorf("focused receipt ids = %v, want [a r1]", ids)
	}
}

func TestReconcile_FollowingModeConstrainsAuthors(t *testing.T) {
	m, sub := newTestManager(t)

	snap := snapshotWithPosts(feed.ModeFollowing, post("a", 1000))
	snap.Following = []string{"pk2", "pk1"}
	m.Reconcile(snap)

	recs := sub.recorded()
	if len(recs) != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", len(recs))
	}
	authors := recs[0].filters[0].Authors
	if len(authors) != 2 || authors[0] != "pk1" || authors[1] != "pk2" {
		t.Errorf("post filter authors = %v, want sorted [pk1 pk2]", authors)
	}
}

func TestReconcile_FollowingAuthorOrderIrrelevant(t *testing.T) {
	m, sub := newTestManager(t)

	snap := snapshotWithPosts(feed.ModeFollowing, post("a", 1000))
	snap.Following = []string{"pk2", "pk1"}
	m.Reconcile(snap)

	snap.Following = []string{"pk1", "pk2"}
	m.Reconcile(snap)

	if got := len(sub.recorded()); got != 2 {
		t.Errorf("reordered following list opened %d subscriptions, want 2", got)
	}
}

func TestReconcile_OversizedFollowingSkipsPostSub(t *testing.T) {
	m, sub := newTestManager(t)

	following := make([]string, 150)
	for i := range following {
		following[i] = fmt.Sprintf("pk%03d", i)
	}

	snap := snapshotWithPosts(feed.ModeFollowing, post("a", 1000))
	snap.Following = following
	m.Reconcile(snap)

	recs := sub.recorded()
	if len(recs) != 1 {
		t.Fatalf("expected only the receipt subscription, got %d", len(recs))
	}
	if recs[0].filters[0].Kinds[0] != feed.KindZapReceipt {
		t.Error("surviving subscription should be the receipt subscription")
	}
}

func TestReconcile_EmptyFollowingSkipsPostSub(t *testing.T) {
	m, sub := newTestManager(t)

	snap := snapshotWithPosts(feed.ModeFollowing, post("a", 1000))
	m.Reconcile(snap)

	recs := sub.recorded()
	if len(recs) != 1 || recs[0].filters[0].Kinds[0] != feed.KindZapReceipt {
		t.Errorf("following mode without authors should only hold the receipt subscription")
	}
}

func TestReconcile_ModeChangeResubscribes(t *testing.T) {
	m, sub := newTestManager(t)

	m.Reconcile(snapshotWithPosts(feed.ModeGlobal, post("a", 1000)))

	snap := snapshotWithPosts(feed.ModeFollowing, post("a", 1000))
	snap.Following = []string{"pk1"}
	m.Reconcile(snap)

	postSubs := 0
	for _, rec := range sub.recorded() {
		if rec.filters[0].Kinds[0] == feed.KindPost {
			postSubs++
		}
	}
	if postSubs != 2 {
		t.Errorf("mode change recreated post subscription %d times, want 2", postSubs)
	}
}

func TestReconcile_EmptyWorkingSetClosesReceiptSub(t *testing.T) {
	m, sub := newTestManager(t)

	m.Reconcile(snapshotWithPosts(feed.ModeGlobal, post("a", 1000)))
	m.Reconcile(snapshotWithPosts(feed.ModeGlobal))

	for _, rec := range sub.recorded() {
		if rec.filters[0].Kinds[0] == feed.KindZapReceipt && !rec.cancelled {
			t.Error("receipt subscription should be closed when the working set empties")
		}
	}
}

func TestClose_CancelsEverything(t *testing.T) {
	m, sub := newTestManager(t)

	m.Reconcile(snapshotWithPosts(feed.ModeGlobal, post("a", 1000)))
	m.Close()

	if live := sub.live(); len(live) != 0 {
		t.Errorf("%d subscriptions still live after Close", len(live))
	}

	// Reconcile after Close must not reopen anything
	m.Reconcile(snapshotWithPosts(feed.ModeGlobal, post("a", 1000), post("b", 2000)))
	if live := sub.live(); len(live) != 0 {
		t.Errorf("Reconcile after Close opened %d subscriptions", len(live))
	}
}
