package matrix

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/matheus3301/mxd/internal/guard"
	"go.uber.org/zap"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Credentials identify the account the daemon syncs as.
type Credentials struct {
	Homeserver  string
	UserID      string
	AccessToken string
}

// Adapter wraps the mautrix client and owns the sync loop.
type Adapter struct {
	client *mautrix.Client
	logger *zap.Logger
}

// NewAdapter creates a client for creds. store persists the sync token so a
// restart resumes where the last sync stopped; nil keeps it in memory.
func NewAdapter(creds Credentials, store mautrix.SyncStore, logger *zap.Logger) (*Adapter, error) {
	if creds.Homeserver == "" || creds.UserID == "" || creds.AccessToken == "" {
		return nil, errors.New("matrix credentials incomplete: homeserver, user_id and access_token are required")
	}
	client, err := mautrix.NewClient(creds.Homeserver, id.UserID(creds.UserID), creds.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}
	if store != nil {
		client.Store = store
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client.Log = NewSDKLogger(logger)
	return &Adapter{client: client, logger: logger}, nil
}

// Client returns the underlying mautrix client.
func (a *Adapter) Client() *mautrix.Client {
	return a.client
}

// UserID returns the account's Matrix ID.
func (a *Adapter) UserID() string {
	return string(a.client.UserID)
}

// OnEvent registers fn for every event the sync loop delivers.
func (a *Adapter) OnEvent(fn func(ctx context.Context, evt *event.Event)) {
	syncer, ok := a.client.Syncer.(mautrix.ExtensibleSyncer)
	if !ok {
		a.logger.Warn("matrix syncer does not accept event handlers")
		return
	}
	syncer.OnEvent(fn)
}

// Run syncs until ctx is done.
func (a *Adapter) Run(ctx context.Context) error {
	a.logger.Info("starting matrix sync", zap.String("user_id", a.UserID()))
	err := a.client.SyncWithContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("matrix sync: %w", err)
	}
	return nil
}

// Stop ends the sync loop.
func (a *Adapter) Stop() {
	a.logger.Info("stopping matrix sync")
	a.client.StopSync()
}

// SendText sends a plain m.text message. Returns the server event ID.
func (a *Adapter) SendText(ctx context.Context, roomID, body string) (string, error) {
	resp, err := a.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    body,
	})
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return string(resp.EventID), nil
}

// SendEncrypted sends env as the content of an m.room.encrypted event.
func (a *Adapter) SendEncrypted(ctx context.Context, roomID string, env guard.Envelope) (string, error) {
	resp, err := a.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventEncrypted, env.Map())
	if err != nil {
		return "", fmt.Errorf("send encrypted message: %w", err)
	}
	return string(resp.EventID), nil
}

// JoinedMembers lists the user IDs joined to roomID, sorted.
func (a *Adapter) JoinedMembers(ctx context.Context, roomID string) ([]string, error) {
	resp, err := a.client.JoinedMembers(ctx, id.RoomID(roomID))
	if err != nil {
		return nil, fmt.Errorf("joined members: %w", err)
	}
	members := make([]string, 0, len(resp.Joined))
	for userID := range resp.Joined {
		members = append(members, string(userID))
	}
	slices.Sort(members)
	return members, nil
}
