package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type fakeRemote struct {
	mu    sync.Mutex
	err   error
	calls []struct {
		postID string
		liked  bool
	}
}

func (f *fakeRemote) SetLiked(_ context.Context, postID string, liked bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, struct {
		postID string
		liked  bool
	}{postID, liked})
	return f.err
}

func TestToggleAppliesOptimistically(t *testing.T) {
	t.Parallel()

	remote := &fakeRemote{}
	likes := NewLikes(remote, nil)
	likes.Seed("p1", false, 4)

	if err := likes.Toggle(context.Background(), "p1"); err != nil {
		t.Fatalf("Toggle: %v", err)
	}

	st, ok := likes.State("p1")
	if !ok || !st.Liked || st.LikeCount != 5 {
		t.Fatalf("state after like = %+v, want liked with count 5", st)
	}
	if len(remote.calls) != 1 || !remote.calls[0].liked {
		t.Fatalf("remote calls = %+v", remote.calls)
	}

	if err := likes.Toggle(context.Background(), "p1"); err != nil {
		t.Fatalf("second Toggle: %v", err)
	}
	st, _ = likes.State("p1")
	if st.Liked || st.LikeCount != 4 {
		t.Fatalf("state after unlike = %+v, want unliked with count 4", st)
	}
}

func TestToggleRevertsOnRemoteFailure(t *testing.T) {
	t.Parallel()

	remote := &fakeRemote{err: errors.New("server down")}
	likes := NewLikes(remote, nil)
	likes.Seed("p1", true, 7)

	if err := likes.Toggle(context.Background(), "p1"); err == nil {
		t.Fatal("Toggle should surface the remote failure")
	}

	st, _ := likes.State("p1")
	if !st.Liked || st.LikeCount != 7 {
		t.Fatalf("state not reverted: %+v, want liked with count 7", st)
	}
}

func TestToggleUnseededPost(t *testing.T) {
	t.Parallel()

	likes := NewLikes(&fakeRemote{}, nil)

	if err := likes.Toggle(context.Background(), "fresh"); err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	st, ok := likes.State("fresh")
	if !ok || !st.Liked || st.LikeCount != 1 {
		t.Fatalf("state = %+v, want first like counted from zero", st)
	}
}

func TestChangedSignals(t *testing.T) {
	t.Parallel()

	likes := NewLikes(&fakeRemote{}, nil)
	likes.Seed("p1", false, 0)

	select {
	case <-likes.Changed():
	default:
		t.Fatal("Seed did not signal a change")
	}
}
