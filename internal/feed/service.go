package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sandwichfarm/zapfeed/internal/config"
	"github.com/sandwichfarm/zapfeed/internal/lnurl"
	"github.com/sandwichfarm/zapfeed/internal/ops"
	"github.com/sandwichfarm/zapfeed/internal/profiles"
	"github.com/sandwichfarm/zapfeed/internal/relay"
	"github.com/sandwichfarm/zapfeed/internal/schedule"
)

// Signer signs zap request events. Key handling lives outside the engine.
type Signer interface {
	Sign(ctx context.Context, event *nostr.Event) error
	PublicKey() string
}

// AddressResolver discovers LNURL-pay parameters and fetches invoices
type AddressResolver interface {
	Resolve(ctx context.Context, address string) (*lnurl.PayParams, error)
	FetchInvoice(ctx context.Context, params *lnurl.PayParams, amountMsat int64, zapRequestJSON string) (string, error)
}

// WalletClient is the wallet RPC surface the payment flow needs
type WalletClient interface {
	GetBalance(ctx context.Context) (int64, error)
	PayInvoice(ctx context.Context, invoice string) (string, error)
}

// Service is the feed synchronization engine facade exposed to the UI
// layer. Queries flow Loader -> Assembler -> Store; live receipts flow
// through the batch accumulator into the Processor.
type Service struct {
	cfg       *config.Config
	log       *ops.Logger
	store     *Store
	profiles  *profiles.Cache
	loader    *Loader
	assembler *Assembler
	processor *Processor
	batcher   *schedule.Accumulator[*nostr.Event]

	resolver AddressResolver
	wallet   WalletClient
	signer   Signer

	ctx    context.Context
	cancel context.CancelFunc
}

// NewService creates the feed engine. resolver, wallet, and signer may be
// nil; paying posts then returns an error.
func NewService(ctx context.Context, cfg *config.Config, querier relay.Querier, store *Store, profileCache *profiles.Cache, log *ops.Logger) *Service {
	serviceCtx, cancel := context.WithCancel(ctx)

	s := &Service{
		cfg:       cfg,
		log:       log.WithComponent("feed"),
		store:     store,
		profiles:  profileCache,
		loader:    NewLoader(querier, &cfg.Feed, log),
		assembler: NewAssembler(),
		processor: NewProcessor(),
		ctx:       serviceCtx,
		cancel:    cancel,
	}

	quiet := time.Duration(cfg.Receipts.BatchQuietMs) * time.Millisecond
	s.batcher = schedule.NewAccumulator(cfg.Receipts.BatchSize, quiet, nil, s.flushReceipts)

	return s
}

// SetPaymentClients wires the payment collaborators
func (s *Service) SetPaymentClients(resolver AddressResolver, wallet WalletClient, signer Signer) {
	s.resolver = resolver
	s.wallet = wallet
	s.signer = signer
}

// Store returns the engine's state container
func (s *Service) Store() *Store {
	return s.store
}

// Close stops background enrichment and discards unflushed receipts
func (s *Service) Close() {
	s.cancel()
	s.batcher.Close()
}

// LoadPosts performs a fresh load of the given feed mode. The synchronous
// assembly pass publishes placeholder posts before any enrichment
// round-trip completes; transport errors degrade to an empty page.
func (s *Service) LoadPosts(ctx context.Context, mode Mode) error {
	var authors []string
	if mode == ModeFollowing {
		authors = s.store.Snapshot().Following
		if len(authors) == 0 {
			return fmt.Errorf("following feed has no followed authors")
		}
	}

	s.store.BeginLoad(mode)

	events, err := s.loader.LoadPage(ctx, mode, authors, 0, true)
	if err != nil {
		s.log.Warn("feed load degraded to empty page", "mode", mode, "error", err)
		events = nil
	}

	posts := s.assembler.BuildPosts(events)
	s.store.ReplacePosts(posts)
	s.store.FinishLoad()

	go s.enrich(posts)
	return nil
}

// LoadMore fetches the next older page without truncating the merged set
func (s *Service) LoadMore(ctx context.Context) error {
	snap := s.store.Snapshot()
	if !snap.Ready || snap.Loading {
		return fmt.Errorf("feed not ready for pagination")
	}

	until := snap.OldestCreatedAt()
	if until > 0 {
		until--
	}

	var authors []string
	if snap.Mode == ModeFollowing {
		authors = snap.Following
	}

	events, err := s.loader.LoadPage(ctx, snap.Mode, authors, until, false)
	if err != nil {
		s.log.Warn("load more degraded to empty page", "error", err)
		return nil
	}

	posts := s.assembler.BuildPosts(events)
	s.store.AppendPosts(posts)

	go s.enrich(posts)
	return nil
}

// LoadReplies enters single-post viewing mode and fetches known replies,
// extending the working set to the post plus its replies.
func (s *Service) LoadReplies(ctx context.Context, postID string) error {
	if s.store.Snapshot().PostByID(postID) == nil {
		return fmt.Errorf("post not held: %s", postID)
	}

	s.store.Focus(postID)

	events, err := s.loader.LoadReplies(ctx, postID)
	if err != nil {
		s.log.Warn("reply load degraded to empty set", "post", postID, "error", err)
		events = nil
	}

	replies := s.assembler.BuildPosts(events)
	s.store.SetReplies(postID, replies)

	go s.enrich(replies)
	return nil
}

// LoadFollowing fetches the contact list for a pubkey and installs it as
// the followed-author set.
func (s *Service) LoadFollowing(ctx context.Context, pubkey string) error {
	following, err := s.loader.LoadContacts(ctx, pubkey)
	if err != nil {
		return fmt.Errorf("failed to load following: %w", err)
	}

	s.store.SetFollowing(following)
	return nil
}

// ProcessNewNote handles a live-subscribed post event: immediate
// placeholder insertion at the top of the feed, then async enrichment.
func (s *Service) ProcessNewNote(event *nostr.Event) {
	if event == nil || event.Kind != KindPost {
		return
	}
	if !HasFeedTag(event, s.cfg.Feed.Tag) {
		return
	}

	snap := s.store.Snapshot()
	if snap.Mode == ModeFollowing && !contains(snap.Following, event.PubKey) {
		return
	}

	posts := s.assembler.BuildPosts([]*nostr.Event{event})
	if len(posts) == 0 {
		return
	}
	if !s.store.PrependPost(posts[0]) {
		return // duplicate
	}

	go s.enrich(posts)
}

// ProcessReceiptEvent feeds a live receipt into the batch accumulator
func (s *Service) ProcessReceiptEvent(event *nostr.Event) {
	if event == nil || event.Kind != KindZapReceipt {
		return
	}
	s.batcher.Add(event)
}

// flushReceipts handles one detached receipt batch. Profile resolution
// for payers suspends, so the batch is processed off the caller's
// goroutine; the accumulator is already collecting the next batch.
func (s *Service) flushReceipts(batch []*nostr.Event, trigger schedule.Trigger) {
	s.log.LogReceiptBatch(len(batch), string(trigger))
	go s.applyReceipts(batch)
}

func (s *Service) applyReceipts(batch []*nostr.Event) {
	if s.ctx.Err() != nil {
		return
	}

	batch = DedupEvents(batch)
	payers := s.processor.Payers(batch)

	profileMap, err := s.profiles.EnsureProfiles(s.ctx, payers)
	if err != nil {
		s.log.Warn("payer profile fetch degraded", "error", err)
		profileMap = map[string]*profiles.Profile{}
	}

	if s.ctx.Err() != nil {
		return
	}
	payments := s.processor.ProcessReceipts(batch, profileMap)
	s.store.AddPayments(payments)
}

// enrich is the asynchronous assembly pass: resolve author profiles,
// recompute payability, and backfill receipts for the given posts. Every
// state mutation re-reads the latest post, so racing completions cannot
// apply to a stale snapshot. Cancellation is a silent no-op.
func (s *Service) enrich(posts []*Post) {
	if len(posts) == 0 || s.ctx.Err() != nil {
		return
	}

	authors := make([]string, 0, len(posts))
	seen := make(map[string]struct{}, len(posts))
	for _, post := range posts {
		if _, dup := seen[post.Author]; dup {
			continue
		}
		seen[post.Author] = struct{}{}
		authors = append(authors, post.Author)
	}

	profileMap, err := s.profiles.EnsureProfiles(s.ctx, authors)
	if err != nil {
		s.log.Warn("profile enrichment degraded", "error", err)
		profileMap = map[string]*profiles.Profile{}
	}

	if s.ctx.Err() != nil {
		return
	}

	for _, post := range posts {
		profile, ok := profileMap[post.Author]
		if !ok {
			continue
		}
		s.store.UpdatePost(post.ID, func(p *Post) {
			s.assembler.Enrich(p, profile)
		})
	}

	s.backfillReceipts(posts)
}

// backfillReceipts loads stored receipts for freshly assembled posts
func (s *Service) backfillReceipts(posts []*Post) {
	if s.ctx.Err() != nil {
		return
	}

	ids := make([]string, 0, len(posts))
	for _, post := range posts {
		ids = append(ids, post.ID)
	}

	events, err := s.loader.LoadReceipts(s.ctx, ids)
	if err != nil {
		s.log.Warn("receipt backfill degraded", "error", err)
	}

	if s.ctx.Err() != nil {
		return
	}

	if len(events) > 0 {
		payers := s.processor.Payers(events)
		profileMap, err := s.profiles.EnsureProfiles(s.ctx, payers)
		if err != nil {
			profileMap = map[string]*profiles.Profile{}
		}
		if s.ctx.Err() != nil {
			return
		}
		payments := s.processor.ProcessReceipts(events, profileMap)
		s.store.AddPayments(payments)
	}

	s.store.ClearReceiptsLoading(ids)
}

// PayPost executes the zap flow for a held post: resolve the payment
// address, attach a signed zap request, fetch an invoice, and pay it
// through the wallet. Errors surface to the caller and are never retried
// automatically.
func (s *Service) PayPost(ctx context.Context, postID string, amountMsat int64, message string) error {
	if s.resolver == nil || s.wallet == nil {
		return fmt.Errorf("payment clients not configured")
	}

	post := s.store.Snapshot().PostByID(postID)
	if post == nil {
		return fmt.Errorf("post not held: %s", postID)
	}
	if !post.Payable {
		return fmt.Errorf("post is not payable")
	}
	if !post.Constraints.InRange(amountMsat) {
		return fmt.Errorf("amount %d msat outside declared bounds", amountMsat)
	}
	if post.UsesExhausted() {
		return fmt.Errorf("post has consumed all %d uses", post.Constraints.MaxUses)
	}
	if payer := post.Constraints.RequiredPayer; payer != "" && s.signer != nil && s.signer.PublicKey() != payer {
		return fmt.Errorf("post only accepts zaps from a fixed payer")
	}

	params, err := s.resolver.Resolve(ctx, post.PaymentAddress())
	if err != nil {
		return fmt.Errorf("failed to resolve payment address: %w", err)
	}

	zapRequestJSON := ""
	if s.signer != nil && params.AllowsNostr {
		zapRequestJSON, err = s.buildZapRequest(ctx, post, amountMsat, message)
		if err != nil {
			return fmt.Errorf("failed to build zap request: %w", err)
		}
	}

	invoice, err := s.resolver.FetchInvoice(ctx, params, amountMsat, zapRequestJSON)
	if err != nil {
		return fmt.Errorf("failed to fetch invoice: %w", err)
	}

	if _, err := s.wallet.PayInvoice(ctx, invoice); err != nil {
		return fmt.Errorf("payment failed: %w", err)
	}

	return nil
}

// WalletBalance returns the connected wallet's balance in millisatoshis
func (s *Service) WalletBalance(ctx context.Context) (int64, error) {
	if s.wallet == nil {
		return 0, fmt.Errorf("wallet not configured")
	}
	return s.wallet.GetBalance(ctx)
}

func (s *Service) buildZapRequest(ctx context.Context, post *Post, amountMsat int64, message string) (string, error) {
	event := &nostr.Event{
		Kind:      KindZapRequest,
		CreatedAt: nostr.Now(),
		Content:   message,
		Tags: nostr.Tags{
			{"p", post.Author},
			{"e", post.ID},
			{"amount", strconv.FormatInt(amountMsat, 10)},
			append(nostr.Tag{"relays"}, s.cfg.Relays.Seeds...),
		},
	}

	if err := s.signer.Sign(ctx, event); err != nil {
		return "", err
	}

	encoded, err := json.Marshal(event)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
