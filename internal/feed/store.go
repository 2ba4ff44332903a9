package feed

import (
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// Snapshot is a consistent view of feed state. Posts inside a snapshot are
// immutable; the store clones before every mutation, so holding a snapshot
// across suspension points is safe.
type Snapshot struct {
	Mode      Mode
	Ready     bool
	Loading   bool
	Following []string
	Posts     []*Post // feed order, newest first
	Focused   string  // single-post viewing mode, "" for feed mode
	Replies   []*Post // replies to the focused post, oldest first
}

// WorkingSetIDs returns the post ids the active view holds: the focused
// post plus its known replies in single-post mode, the feed otherwise.
// This set scopes the live receipt subscription.
func (s Snapshot) WorkingSetIDs() []string {
	if s.Focused != "" {
		ids := make([]string, 0, 1+len(s.Replies))
		ids = append(ids, s.Focused)
		for _, reply := range s.Replies {
			ids = append(ids, reply.ID)
		}
		return ids
	}

	ids := make([]string, 0, len(s.Posts))
	for _, post := range s.Posts {
		ids = append(ids, post.ID)
	}
	return ids
}

// MaxCreatedAt returns the newest creation timestamp among held posts,
// or zero when the working set is empty.
func (s Snapshot) MaxCreatedAt() nostr.Timestamp {
	var max nostr.Timestamp
	for _, post := range s.Posts {
		if post.CreatedAt > max {
			max = post.CreatedAt
		}
	}
	for _, reply := range s.Replies {
		if reply.CreatedAt > max {
			max = reply.CreatedAt
		}
	}
	return max
}

// OldestCreatedAt returns the oldest feed timestamp, for pagination
func (s Snapshot) OldestCreatedAt() nostr.Timestamp {
	var oldest nostr.Timestamp
	for _, post := range s.Posts {
		if oldest == 0 || post.CreatedAt < oldest {
			oldest = post.CreatedAt
		}
	}
	return oldest
}

// PostByID returns the held post with the given id, feed or reply
func (s Snapshot) PostByID(id string) *Post {
	for _, post := range s.Posts {
		if post.ID == id {
			return post
		}
	}
	for _, reply := range s.Replies {
		if reply.ID == id {
			return reply
		}
	}
	return nil
}

// Store is the central feed state container. All mutation is whole-object
// replace-on-read: posts are cloned, changed, and swapped, never edited in
// place, so snapshot holders stay consistent. Consumers observe changes
// through explicit subscriptions rather than a global bus.
type Store struct {
	mu         sync.RWMutex
	mode       Mode
	ready      bool
	loading    bool
	following  []string
	posts      map[string]*Post
	order      []string
	focused    string
	replyOrder []string

	// Receipt ids already attributed, across all posts. A receipt belongs
	// to at most one post, exactly once.
	seenReceipts map[string]struct{}

	subsMu    sync.Mutex
	subs      map[int]func(Snapshot)
	nextSubID int
}

// NewStore creates an empty feed store in global mode
func NewStore() *Store {
	return &Store{
		mode:         ModeGlobal,
		posts:        make(map[string]*Post),
		seenReceipts: make(map[string]struct{}),
		subs:         make(map[int]func(Snapshot)),
	}
}

// Subscribe registers a change listener called with a fresh snapshot after
// every mutation. Returns an unsubscribe function.
func (st *Store) Subscribe(fn func(Snapshot)) func() {
	st.subsMu.Lock()
	id := st.nextSubID
	st.nextSubID++
	st.subs[id] = fn
	st.subsMu.Unlock()

	return func() {
		st.subsMu.Lock()
		delete(st.subs, id)
		st.subsMu.Unlock()
	}
}

// Snapshot returns a consistent copy of the current feed state
func (st *Store) Snapshot() Snapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.snapshotLocked()
}

func (st *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		Mode:      st.mode,
		Ready:     st.ready,
		Loading:   st.loading,
		Following: append([]string(nil), st.following...),
		Focused:   st.focused,
	}
	snap.Posts = make([]*Post, 0, len(st.order))
	for _, id := range st.order {
		if post, ok := st.posts[id]; ok {
			snap.Posts = append(snap.Posts, post)
		}
	}
	snap.Replies = make([]*Post, 0, len(st.replyOrder))
	for _, id := range st.replyOrder {
		if post, ok := st.posts[id]; ok {
			snap.Replies = append(snap.Replies, post)
		}
	}
	return snap
}

func (st *Store) notify() {
	snap := st.Snapshot()

	st.subsMu.Lock()
	listeners := make([]func(Snapshot), 0, len(st.subs))
	for _, fn := range st.subs {
		listeners = append(listeners, fn)
	}
	st.subsMu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
}

// BeginLoad switches to the given feed mode and clears held posts. This
// is the only place posts are ever deleted.
func (st *Store) BeginLoad(mode Mode) {
	st.mu.Lock()
	st.mode = mode
	st.loading = true
	st.ready = false
	st.posts = make(map[string]*Post)
	st.order = nil
	st.focused = ""
	st.replyOrder = nil
	st.seenReceipts = make(map[string]struct{})
	st.mu.Unlock()
	st.notify()
}

// FinishLoad marks the feed ready after the synchronous assembly pass
func (st *Store) FinishLoad() {
	st.mu.Lock()
	st.loading = false
	st.ready = true
	st.mu.Unlock()
	st.notify()
}

// SetFollowing replaces the followed-author set
func (st *Store) SetFollowing(pubkeys []string) {
	st.mu.Lock()
	st.following = append([]string(nil), pubkeys...)
	st.mu.Unlock()
	st.notify()
}

// ReplacePosts installs a fresh feed page, dropping ids not present
func (st *Store) ReplacePosts(posts []*Post) {
	st.mu.Lock()
	st.posts = make(map[string]*Post, len(posts))
	st.order = make([]string, 0, len(posts))
	for _, post := range posts {
		if _, dup := st.posts[post.ID]; dup {
			continue
		}
		st.posts[post.ID] = post
		st.order = append(st.order, post.ID)
	}
	st.mu.Unlock()
	st.notify()
}

// AppendPosts adds an older page to the end of the feed, skipping ids
// already held. Never truncates.
func (st *Store) AppendPosts(posts []*Post) {
	st.mu.Lock()
	for _, post := range posts {
		if _, dup := st.posts[post.ID]; dup {
			continue
		}
		st.posts[post.ID] = post
		st.order = append(st.order, post.ID)
	}
	st.mu.Unlock()
	st.notify()
}

// PrependPost inserts a live-arriving post at the top of the feed
func (st *Store) PrependPost(post *Post) bool {
	st.mu.Lock()
	if _, dup := st.posts[post.ID]; dup {
		st.mu.Unlock()
		return false
	}
	st.posts[post.ID] = post
	st.order = append([]string{post.ID}, st.order...)
	st.mu.Unlock()
	st.notify()
	return true
}

// Focus enters single-post viewing mode for a held post
func (st *Store) Focus(postID string) {
	st.mu.Lock()
	st.focused = postID
	st.replyOrder = nil
	st.mu.Unlock()
	st.notify()
}

// ClearFocus returns to feed mode, dropping reply posts
func (st *Store) ClearFocus() {
	st.mu.Lock()
	for _, id := range st.replyOrder {
		delete(st.posts, id)
	}
	st.focused = ""
	st.replyOrder = nil
	st.mu.Unlock()
	st.notify()
}

// SetReplies installs the known replies for the focused post
func (st *Store) SetReplies(postID string, replies []*Post) {
	st.mu.Lock()
	if st.focused != postID {
		st.mu.Unlock()
		return
	}
	for _, id := range st.replyOrder {
		if _, inFeed := st.indexInOrder(id); !inFeed {
			delete(st.posts, id)
		}
	}
	st.replyOrder = make([]string, 0, len(replies))
	for _, reply := range replies {
		if _, dup := st.posts[reply.ID]; !dup {
			st.posts[reply.ID] = reply
		}
		st.replyOrder = append(st.replyOrder, reply.ID)
	}
	st.mu.Unlock()
	st.notify()
}

func (st *Store) indexInOrder(id string) (int, bool) {
	for i, held := range st.order {
		if held == id {
			return i, true
		}
	}
	return 0, false
}

// UpdatePost applies a mutation to one post via clone-and-replace. The
// mutation sees the latest version, not a captured stale snapshot, so
// racing async completions cannot lose updates.
func (st *Store) UpdatePost(id string, mutate func(*Post)) bool {
	st.mu.Lock()
	current, ok := st.posts[id]
	if !ok {
		st.mu.Unlock()
		return false
	}
	clone := current.Clone()
	mutate(clone)
	st.posts[id] = clone
	st.mu.Unlock()
	st.notify()
	return true
}

// UpdatePosts applies a selective mutation across all held posts. mutate
// returns true to keep the clone, false to discard it. Notifies once.
func (st *Store) UpdatePosts(mutate func(*Post) bool) int {
	st.mu.Lock()
	changed := 0
	for id, current := range st.posts {
		clone := current.Clone()
		if mutate(clone) {
			st.posts[id] = clone
			changed++
		}
	}
	st.mu.Unlock()
	if changed > 0 {
		st.notify()
	}
	return changed
}

// AddPayments attributes normalized payments to their posts, exactly once
// per receipt id. Payments for posts no longer held are dropped. Returns
// the number attributed.
func (st *Store) AddPayments(payments []Payment) int {
	st.mu.Lock()
	attributed := 0
	for _, payment := range payments {
		if _, dup := st.seenReceipts[payment.ReceiptID]; dup {
			continue
		}
		current, ok := st.posts[payment.PostID]
		if !ok {
			continue
		}
		st.seenReceipts[payment.ReceiptID] = struct{}{}
		clone := current.Clone()
		clone.Payments = append(clone.Payments, payment)
		st.posts[payment.PostID] = clone
		attributed++
	}
	st.mu.Unlock()
	if attributed > 0 {
		st.notify()
	}
	return attributed
}

// ClearReceiptsLoading clears the receipts-loading flag on the given posts
func (st *Store) ClearReceiptsLoading(ids []string) {
	st.mu.Lock()
	changed := false
	for _, id := range ids {
		current, ok := st.posts[id]
		if !ok || !current.ReceiptsLoading {
			continue
		}
		clone := current.Clone()
		clone.ReceiptsLoading = false
		st.posts[id] = clone
		changed = true
	}
	st.mu.Unlock()
	if changed {
		st.notify()
	}
}
