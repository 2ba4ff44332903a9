package feed

import (
	"github.com/nbd-wtf/go-nostr"
	"github.com/sandwichfarm/zapfeed/internal/profiles"
)

// Assembler turns raw post events into Post entities in two passes: a
// synchronous pass producing placeholder entities immediately, and an
// enrichment pass applied once profiles and receipts arrive.
type Assembler struct{}

// NewAssembler creates a post assembler
func NewAssembler() *Assembler {
	return &Assembler{}
}

// BuildPosts is the synchronous pass: placeholder profile, zero payments,
// loading flags set, constraints parsed from tags. It does no I/O so
// results can be shown before any relay round-trip completes.
func (a *Assembler) BuildPosts(events []*nostr.Event) []*Post {
	posts := make([]*Post, 0, len(events))
	for _, ev := range events {
		if ev == nil || ev.Kind != KindPost {
			continue
		}
		posts = append(posts, &Post{
			ID:              ev.ID,
			Author:          ev.PubKey,
			CreatedAt:       ev.CreatedAt,
			Content:         ev.Content,
			ReplyTo:         ReplyTo(ev),
			Constraints:     ParseConstraints(ev),
			ProfileLoading:  true,
			ReceiptsLoading: true,
		})
	}
	return posts
}

// Enrich is the asynchronous pass: apply a resolved profile and recompute
// payability in place. The loading flag clears only when the profile has
// real content; a placeholder must not be treated as "loaded".
func (a *Assembler) Enrich(post *Post, profile *profiles.Profile) {
	post.Profile = profile
	if !profile.IsEmpty() {
		post.ProfileLoading = false
	}
	post.RecomputePayable()
}
