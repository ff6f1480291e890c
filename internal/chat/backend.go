package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// HistoryPage is one page of prior messages, newest-first as served.
type HistoryPage struct {
	Messages []Message
	HasMore  bool
}

// HistoryLoader is the paginated prior-message fetch, consumed once at
// session start.
type HistoryLoader interface {
	History(ctx context.Context, convID ConversationID, page int) (HistoryPage, error)
}

// FallbackSender is the request/response send path used when the channel
// is not open. The server treats it as an independent creation request and
// returns the confirmed message.
type FallbackSender interface {
	SendMessage(ctx context.Context, convID ConversationID, content string) (Message, error)
}

// ConversationLister fetches the conversation roster.
type ConversationLister interface {
	Conversations(ctx context.Context) ([]ConversationSummary, error)
}

// LikeSetter flips the liked state of a feed post remotely.
type LikeSetter interface {
	SetLiked(ctx context.Context, postID string, liked bool) error
}

// Backend is the full REST collaborator surface.
type Backend interface {
	HistoryLoader
	FallbackSender
	ConversationLister
	LikeSetter
}

// RESTBackend talks to the chat REST API with bearer-token auth.
type RESTBackend struct {
	base  string
	http  *http.Client
	creds CredentialProvider
	log   *slog.Logger
}

// NewRESTBackend constructs a backend client. baseURL is the API root,
// e.g. "https://host/api".
func NewRESTBackend(baseURL string, creds CredentialProvider, log *slog.Logger) *RESTBackend {
	if log == nil {
		log = slog.Default()
	}
	return &RESTBackend{
		base:  baseURL,
		http:  &http.Client{Timeout: 15 * time.Second},
		creds: creds,
		log:   log,
	}
}

// restMessage is the wire shape of a message on the REST surface.
type restMessage struct {
	ID          string    `json:"id"`
	Content     string    `json:"content"`
	Sender      string    `json:"sender"`
	SentAt      time.Time `json:"sent_at"`
	IsDelivered bool      `json:"is_delivered"`
	IsRead      bool      `json:"is_read"`
}

func (m restMessage) toMessage(convID ConversationID) Message {
	state := DeliverySent
	if m.IsDelivered {
		state = DeliveryDelivered
	}
	if m.IsRead {
		state = DeliveryRead
	}
	return Message{
		ID:             m.ID,
		ConversationID: convID,
		SenderID:       m.Sender,
		Content:        m.Content,
		SentAt:         m.SentAt,
		Delivery:       state,
	}
}

// History fetches one page of prior messages, newest-first.
func (b *RESTBackend) History(ctx context.Context, convID ConversationID, page int) (HistoryPage, error) {
	var body struct {
		Messages []restMessage `json:"messages"`
		HasMore  bool          `json:"has_more"`
	}

	path := fmt.Sprintf("%s/chat/conversations/%s/messages/?page=%d", b.base, convID, page)
	if err := b.doJSON(ctx, http.MethodGet, path, nil, &body); err != nil {
		return HistoryPage{}, fmt.Errorf("%w: %v", ErrHistoryUnavailable, err)
	}

	out := HistoryPage{HasMore: body.HasMore, Messages: make([]Message, 0, len(body.Messages))}
	for _, m := range body.Messages {
		out.Messages = append(out.Messages, m.toMessage(convID))
	}
	return out, nil
}

// SendMessage posts a message over the fallback path and returns the
// confirmed record.
func (b *RESTBackend) SendMessage(ctx context.Context, convID ConversationID, content string) (Message, error) {
	req := map[string]string{"content": content}
	var m restMessage

	path := fmt.Sprintf("%s/chat/conversations/%s/send_message/", b.base, convID)
	if err := b.doJSON(ctx, http.MethodPost, path, req, &m); err != nil {
		return Message{}, err
	}
	return m.toMessage(convID), nil
}

// Conversations fetches the roster.
func (b *RESTBackend) Conversations(ctx context.Context) ([]ConversationSummary, error) {
	var body []struct {
		ID          string `json:"id"`
		Participant string `json:"other_participant"`
		LastMessage *struct {
			Content string    `json:"content"`
			SentAt  time.Time `json:"sent_at"`
		} `json:"last_message"`
		UnreadCount int `json:"unread_count"`
	}

	if err := b.doJSON(ctx, http.MethodGet, b.base+"/chat/conversations/", nil, &body); err != nil {
		return nil, err
	}

	out := make([]ConversationSummary, 0, len(body))
	for _, c := range body {
		s := ConversationSummary{
			ID:          ConversationID(c.ID),
			Participant: c.Participant,
			UnreadCount: c.UnreadCount,
		}
		if c.LastMessage != nil {
			s.LastMessage = c.LastMessage.Content
			s.LastActivity = c.LastMessage.SentAt
		}
		out = append(out, s)
	}
	return out, nil
}

// SetLiked flips the liked state of a feed post.
func (b *RESTBackend) SetLiked(ctx context.Context, postID string, liked bool) error {
	verb := "like"
	if !liked {
		verb = "unlike"
	}
	path := fmt.Sprintf("%s/posts/%s/%s/", b.base, postID, verb)
	return b.doJSON(ctx, http.MethodPost, path, nil, nil)
}

// ---- http plumbing ----

func (b *RESTBackend) doJSON(ctx context.Context, method, rawURL string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := b.creds.Credential(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode == http.StatusUnauthorized {
		return ErrCredentialExpired
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("unexpected status: %s", res.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
