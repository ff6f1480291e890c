// Package feed holds the feed-side optimistic like toggle. It reuses the
// same apply-locally, attempt-remote, revert-on-failure shape the chat
// session uses for sends: the flip is visible immediately and only a
// remote failure rolls it back, so local and remote state never stay
// diverged.
package feed

import (
	"context"
	"log/slog"
	"sync"
)

// LikeSetter is the remote call that persists a like state flip.
type LikeSetter interface {
	SetLiked(ctx context.Context, postID string, liked bool) error
}

// PostState is the locally-known like state of one post.
type PostState struct {
	Liked     bool
	LikeCount int
}

// Likes tracks optimistic like state for feed posts.
type Likes struct {
	remote LikeSetter
	log    *slog.Logger

	mu     sync.Mutex
	posts  map[string]PostState
	notify chan struct{}
}

// NewLikes constructs a like tracker.
func NewLikes(remote LikeSetter, log *slog.Logger) *Likes {
	if log == nil {
		log = slog.Default()
	}
	return &Likes{
		remote: remote,
		log:    log,
		posts:  make(map[string]PostState),
		notify: make(chan struct{}, 1),
	}
}

// Seed records the server-known state of a post.
func (l *Likes) Seed(postID string, liked bool, count int) {
	l.mu.Lock()
	l.posts[postID] = PostState{Liked: liked, LikeCount: count}
	l.mu.Unlock()
	l.wake()
}

// State returns the locally-known state of a post.
func (l *Likes) State(postID string) (PostState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.posts[postID]
	return st, ok
}

// Changed signals that some post state changed; readers re-read State.
func (l *Likes) Changed() <-chan struct{} { return l.notify }

// Toggle flips the like state of a post: locally first, then remotely.
// On remote failure the pre-flip state is restored and the error returned.
// The UI is never blocked on the network round-trip for the visible flip.
func (l *Likes) Toggle(ctx context.Context, postID string) error {
	l.mu.Lock()
	before, ok := l.posts[postID]
	if !ok {
		before = PostState{}
	}

	after := PostState{Liked: !before.Liked, LikeCount: before.LikeCount}
	if after.Liked {
		after.LikeCount++
	} else if after.LikeCount > 0 {
		after.LikeCount--
	}
	l.posts[postID] = after
	l.mu.Unlock()
	l.wake()

	if err := l.remote.SetLiked(ctx, postID, after.Liked); err != nil {
		l.mu.Lock()
		l.posts[postID] = before
		l.mu.Unlock()
		l.wake()

		l.log.Warn("feed.like.revert", "post_id", postID, "err", err)
		return err
	}
	return nil
}

func (l *Likes) wake() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}
