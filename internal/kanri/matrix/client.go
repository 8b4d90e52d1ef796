// Package matrix connects Kanri to Matrix rooms.
package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/Kanri/internal/kanri/actions"
)

// Source is the dedup source name for Matrix events.
const Source = "matrix"

// Config holds Matrix client configuration
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// Rooms the bot joins on start. Messages from other rooms are ignored
	// unless AutoJoin is set.
	Rooms []string
	// AutoJoin accepts room invites and listens in every joined room.
	AutoJoin bool
	// DB persists the sync token across restarts. When nil, an in-memory
	// store is used and room history replays on every restart.
	DB *sql.DB
}

// Message is one inbound text message.
type Message struct {
	ID           string
	Conversation string
	Sender       string
	Text         string
}

// MessageHandler processes an inbound message. reply sends into the room
// the message came from.
type MessageHandler func(ctx context.Context, msg Message, reply actions.Replier)

// Client wraps the Matrix client
type Client struct {
	client  *mautrix.Client
	config  *Config
	stopCh  chan struct{}
	handler MessageHandler
}

// New creates a new Matrix client
func New(config *Config) (*Client, error) {
	client, err := mautrix.NewClient(config.Homeserver, id.UserID(config.UserID), config.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}

	c := &Client{
		client: client,
		config: config,
		stopCh: make(chan struct{}),
	}

	if config.DB != nil {
		client.Store = newDBSyncStore(config.DB)
		slog.Info("Matrix sync store: using persistent SQLite store")
	} else {
		slog.Warn("Matrix sync store: no DB configured, using in-memory store (history will replay on restart)")
	}

	return c, nil
}

// Start joins the configured rooms and begins syncing in the background.
func (c *Client) Start(ctx context.Context, handler MessageHandler) error {
	c.handler = handler

	syncer := c.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.handleMessage)
	if c.config.AutoJoin {
		syncer.OnEventType(event.StateMember, c.handleMembership)
	}

	for _, roomID := range c.config.Rooms {
		if err := c.joinRoom(ctx, id.RoomID(roomID)); err != nil {
			return fmt.Errorf("failed to join room %s: %w", roomID, err)
		}
	}

	go c.syncLoop()
	return nil
}

// syncLoop keeps the /sync long-poll alive with exponential back-off until
// Stop is called.
func (c *Client) syncLoop() {
	const (
		backoffMin = 2 * time.Second
		backoffMax = 5 * time.Minute
	)
	backoff := backoffMin
	for {
		err := c.client.Sync()
		if err == nil {
			// Clean StopSync.
			return
		}
		select {
		case <-c.stopCh:
			return
		default:
		}
		slog.Error("Matrix sync stopped; reconnecting", "err", err, "backoff", backoff)
		select {
		case <-c.stopCh:
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, backoffMax)
	}
}

// Stop stops the Matrix client
func (c *Client) Stop() {
	close(c.stopCh)
	c.client.StopSync()
}

// SendMarkdown renders text as Matrix HTML with a plain-text fallback and
// sends it to a room.
func (c *Client) SendMarkdown(ctx context.Context, roomID, text string) error {
	content := format.RenderMarkdown(text, true, false)
	content.MsgType = event.MsgText
	if _, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// SetTyping sets typing indicator
func (c *Client) SetTyping(ctx context.Context, roomID string, typing bool, timeout time.Duration) error {
	if _, err := c.client.UserTyping(ctx, id.RoomID(roomID), typing, timeout); err != nil {
		return fmt.Errorf("failed to set typing: %w", err)
	}
	return nil
}

// Replier returns an actions.Replier bound to a room.
func (c *Client) Replier(roomID string) actions.Replier {
	return &roomReplier{client: c, roomID: roomID}
}

func (c *Client) listensIn(roomID string) bool {
	return c.config.AutoJoin || slices.Contains(c.config.Rooms, roomID)
}

func (c *Client) handleMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == id.UserID(c.config.UserID) {
		return
	}
	msg := evt.Content.AsMessage()
	if msg == nil || msg.MsgType != event.MsgText {
		return
	}
	// Edits arrive as new events carrying m.replace; act on originals only.
	if msg.RelatesTo != nil && msg.RelatesTo.Type == event.RelReplace {
		return
	}
	if !c.listensIn(evt.RoomID.String()) {
		return
	}
	if c.handler == nil {
		return
	}
	c.handler(ctx, Message{
		ID:           evt.ID.String(),
		Conversation: evt.RoomID.String(),
		Sender:       evt.Sender.String(),
		Text:         msg.Body,
	}, c.Replier(evt.RoomID.String()))
}

func (c *Client) handleMembership(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != c.config.UserID {
		return
	}
	member := evt.Content.AsMember()
	if member == nil || member.Membership != event.MembershipInvite {
		return
	}
	if err := c.joinRoom(ctx, evt.RoomID); err != nil {
		slog.Warn("failed to accept room invite", "room", evt.RoomID, "inviter", evt.Sender, "err", err)
		return
	}
	slog.Info("joined room on invite", "room", evt.RoomID, "inviter", evt.Sender)
}

func (c *Client) joinRoom(ctx context.Context, roomID id.RoomID) error {
	if _, err := c.client.JoinRoomByID(ctx, roomID); err != nil {
		// M_FORBIDDEN is returned when the bot is already a member.
		if errors.Is(err, mautrix.MForbidden) {
			slog.Warn("joinRoom: already a member or access denied, continuing", "room", roomID)
			return nil
		}
		return err
	}
	return nil
}

// roomReplier sends replies into one room.
type roomReplier struct {
	client *Client
	roomID string
}

func (r *roomReplier) SendText(ctx context.Context, text string) error {
	return r.client.SendMarkdown(ctx, r.roomID, text)
}

func (r *roomReplier) SendChoices(ctx context.Context, prompt string, choices []actions.Choice) error {
	return r.client.SendMarkdown(ctx, r.roomID, RenderChoices(prompt, choices))
}

// RenderChoices lays out a prompt followed by a numbered option list.
func RenderChoices(prompt string, choices []actions.Choice) string {
	var b strings.Builder
	b.WriteString(prompt)
	for _, ch := range choices {
		fmt.Fprintf(&b, "\n%s. %s", ch.ID, ch.Label)
	}
	return b.String()
}
