// Package roster maintains the conversation list: last-message previews,
// unread counts, and a search filter. Updates arrive by explicit refresh
// or by applying live messages; subscribers get change notifications
// instead of re-polling on an interval.
package roster

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"murmur/internal/chat"
)

// Roster is the conversation list model.
type Roster struct {
	lister chat.ConversationLister
	log    *slog.Logger

	mu     sync.Mutex
	convs  map[chat.ConversationID]chat.ConversationSummary
	notify chan struct{}
}

// New constructs a roster backed by the given lister.
func New(lister chat.ConversationLister, log *slog.Logger) *Roster {
	if log == nil {
		log = slog.Default()
	}
	return &Roster{
		lister: lister,
		log:    log,
		convs:  make(map[chat.ConversationID]chat.ConversationSummary),
		notify: make(chan struct{}, 1),
	}
}

// Refresh replaces the roster with the backend's current view.
func (r *Roster) Refresh(ctx context.Context) error {
	convs, err := r.lister.Conversations(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.convs = make(map[chat.ConversationID]chat.ConversationSummary, len(convs))
	for _, c := range convs {
		r.convs[c.ID] = c
	}
	r.mu.Unlock()

	r.wake()
	return nil
}

// ApplyMessage folds one live message into the roster: preview and
// activity move, and the unread count grows unless the message is own or
// its conversation is the active one.
func (r *Roster) ApplyMessage(m chat.Message, active bool) {
	r.mu.Lock()
	c := r.convs[m.ConversationID]
	c.ID = m.ConversationID
	c.LastMessage = m.Content
	c.LastActivity = m.SentAt
	if !m.IsOwn && !active {
		c.UnreadCount++
	}
	if active {
		c.UnreadCount = 0
	}
	r.convs[m.ConversationID] = c
	r.mu.Unlock()

	r.wake()
}

// MarkRead zeroes the unread count of a conversation.
func (r *Roster) MarkRead(id chat.ConversationID) {
	r.mu.Lock()
	c, ok := r.convs[id]
	if ok && c.UnreadCount != 0 {
		c.UnreadCount = 0
		r.convs[id] = c
	}
	r.mu.Unlock()

	if ok {
		r.wake()
	}
}

// Changed signals a roster change; readers re-read List.
func (r *Roster) Changed() <-chan struct{} { return r.notify }

// List returns conversations matching query (participant substring,
// case-insensitive; empty matches all), most recent activity first.
func (r *Roster) List(query string) []chat.ConversationSummary {
	query = strings.ToLower(strings.TrimSpace(query))

	r.mu.Lock()
	out := make([]chat.ConversationSummary, 0, len(r.convs))
	for _, c := range r.convs {
		if query != "" && !strings.Contains(strings.ToLower(c.Participant), query) {
			continue
		}
		out = append(out, c)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

// TotalUnread sums unread counts across conversations.
func (r *Roster) TotalUnread() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, c := range r.convs {
		n += c.UnreadCount
	}
	return n
}

func (r *Roster) wake() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}
