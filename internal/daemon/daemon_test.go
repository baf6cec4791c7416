package daemon

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/mxd/internal/api"
	"github.com/matheus3301/mxd/internal/bus"
	"github.com/matheus3301/mxd/internal/config"
	"github.com/matheus3301/mxd/internal/decrypt"
	"github.com/matheus3301/mxd/internal/dedup"
	"github.com/matheus3301/mxd/internal/guard"
	"github.com/matheus3301/mxd/internal/lock"
	"github.com/matheus3301/mxd/internal/outbox"
	"github.com/matheus3301/mxd/internal/retry"
	"github.com/matheus3301/mxd/internal/roomkey"
	"github.com/matheus3301/mxd/internal/session"
	"github.com/matheus3301/mxd/internal/status"
	"github.com/matheus3301/mxd/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// flakyTransport fails while down is set.
type flakyTransport struct {
	down atomic.Bool
	sent atomic.Int32
}

func (f *flakyTransport) SendText(context.Context, string, string) (string, error) {
	return f.send()
}

func (f *flakyTransport) SendEncrypted(context.Context, string, guard.Envelope) (string, error) {
	return f.send()
}

func (f *flakyTransport) send() (string, error) {
	if f.down.Load() {
		return "", errors.New("homeserver unreachable")
	}
	f.sent.Add(1)
	return "$event", nil
}

func shortTempDir(t *testing.T, pattern string) string {
	t.Helper()
	// Use /tmp to stay under the 104-char Unix socket path limit on macOS.
	dir, err := os.MkdirTemp("/tmp", pattern)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func dial(t *testing.T, socketPath string) *api.PipelineClient {
	t.Helper()
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return api.NewPipelineClient(conn)
}

func mustStruct(t *testing.T, fields map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(fields)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestPipelineServiceRoundTrip(t *testing.T) {
	tmpDir := shortTempDir(t, "mxd-test-*")
	sessionName := "test"
	sessionDir := filepath.Join(tmpDir, sessionName)
	socketPath := filepath.Join(sessionDir, "d.sock")

	lk, err := lock.Acquire(sessionDir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	db, err := store.Open(filepath.Join(sessionDir, "mxd.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	// Setup components.
	logger, _ := zap.NewDevelopment()
	b := bus.New()
	tracker := status.NewTracker(b, logger)
	g := guard.New(guard.DefaultConfig(), b, logger)
	kr, err := roomkey.New(bytes.Repeat([]byte{9}, roomkey.SecretSize), roomkey.Config{}, b, logger)
	if err != nil {
		t.Fatal(err)
	}
	retries := retry.NewQueue(retry.Config{MaxRetries: 3, BaseDelay: time.Hour}, tracker, b, logger)
	defer retries.Close()
	dec := decrypt.NewService(kr, nil, logger)
	defer dec.Close()

	transport := &flakyTransport{}
	transport.down.Store(true)
	sender := outbox.NewSender(outbox.Deps{
		DB: db, Transport: transport, Crypto: kr, Guard: g, Tracker: tracker,
		Retries: retries, Bus: b, Logger: logger, UserID: "@me:hs",
	})

	svc := api.NewPipelineService(api.Deps{
		SessionName: sessionName,
		DB:          db,
		Bus:         b,
		Sender:      sender,
		Retries:     retries,
		Tracker:     tracker,
		Decrypt:     dec,
		Guard:       g,
		Dedup:       dedup.New(dedup.Config{}, logger),
	})

	srv, err := NewServer(Params{SessionName: sessionName, SocketPath: socketPath}, logger, svc)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start() }()
	defer srv.Stop(context.Background())

	ctx := context.Background()
	client := dial(t, socketPath)

	// GetStats.
	stats, err := client.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats error = %v", err)
	}
	if got := stats.Fields["session"].GetStringValue(); got != sessionName {
		t.Errorf("session = %q, want %q", got, sessionName)
	}
	if stats.Fields["decrypt"].GetStructValue() == nil {
		t.Error("stats missing decrypt status")
	}

	// SendText validation.
	_, err = client.SendText(ctx, mustStruct(t, map[string]any{"room_id": "!room:hs"}))
	if grpcstatus.Code(err) != codes.InvalidArgument {
		t.Errorf("SendText without text: code = %v, want InvalidArgument", grpcstatus.Code(err))
	}

	// SendText while the homeserver is down lands in the retry queue.
	sendResp, err := client.SendText(ctx, mustStruct(t, map[string]any{"room_id": "!room:hs", "text": "hello world"}))
	if err != nil {
		t.Fatalf("SendText error = %v", err)
	}
	localID := sendResp.Fields["local_id"].GetStringValue()
	if localID == "" {
		t.Fatal("SendText returned no local_id")
	}

	sender.Start(ctx)
	defer sender.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if st, _ := tracker.Status(localID); st == status.Failed && retries.Contains(localID) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	queue, err := client.ListRetryQueue(ctx)
	if err != nil {
		t.Fatalf("ListRetryQueue error = %v", err)
	}
	items := queue.Fields["items"].GetListValue().GetValues()
	if len(items) != 1 {
		t.Fatalf("retry queue has %d items, want 1", len(items))
	}
	if id := items[0].GetStructValue().Fields["id"].GetStringValue(); id != localID {
		t.Errorf("queued id = %q, want %q", id, localID)
	}

	st, err := client.GetMessageStatus(ctx, mustStruct(t, map[string]any{"id": localID}))
	if err != nil {
		t.Fatalf("GetMessageStatus error = %v", err)
	}
	if got := st.Fields["status"].GetStringValue(); got != string(status.Failed) {
		t.Errorf("status = %q, want FAILED", got)
	}

	// Manual retry once the homeserver is back.
	transport.down.Store(false)
	retryResp, err := client.RetryMessage(ctx, mustStruct(t, map[string]any{"id": localID}))
	if err != nil {
		t.Fatalf("RetryMessage error = %v", err)
	}
	if !retryResp.Fields["sent"].GetBoolValue() {
		t.Errorf("RetryMessage sent = false, want true: %v", retryResp)
	}

	st, err = client.GetMessageStatus(ctx, mustStruct(t, map[string]any{"id": localID}))
	if err != nil {
		t.Fatal(err)
	}
	if got := st.Fields["status"].GetStringValue(); got != string(status.Sent) {
		t.Errorf("status after retry = %q, want SENT", got)
	}
	if got := st.Fields["outbox"].GetStructValue().Fields["status"].GetStringValue(); got != store.OutboxSent {
		t.Errorf("outbox status = %q, want sent", got)
	}

	_, err = client.RetryMessage(ctx, mustStruct(t, map[string]any{"id": localID}))
	if grpcstatus.Code(err) != codes.NotFound {
		t.Errorf("RetryMessage after send: code = %v, want NotFound", grpcstatus.Code(err))
	}
	_, err = client.GetMessageStatus(ctx, mustStruct(t, map[string]any{"id": "nope"}))
	if grpcstatus.Code(err) != codes.NotFound {
		t.Errorf("GetMessageStatus unknown: code = %v, want NotFound", grpcstatus.Code(err))
	}

	// Rooms, messages and search see the optimistic insert.
	rooms, err := client.ListRooms(ctx, mustStruct(t, map[string]any{}))
	if err != nil {
		t.Fatalf("ListRooms error = %v", err)
	}
	if n := len(rooms.Fields["rooms"].GetListValue().GetValues()); n != 1 {
		t.Errorf("expected 1 room, got %d", n)
	}
	msgs, err := client.ListMessages(ctx, mustStruct(t, map[string]any{"room_id": "!room:hs"}))
	if err != nil {
		t.Fatalf("ListMessages error = %v", err)
	}
	if n := len(msgs.Fields["messages"].GetListValue().GetValues()); n != 1 {
		t.Errorf("expected 1 message, got %d", n)
	}
	search, err := client.SearchMessages(ctx, mustStruct(t, map[string]any{"query": "hello"}))
	if err != nil {
		t.Fatalf("SearchMessages error = %v", err)
	}
	if n := len(search.Fields["results"].GetListValue().GetValues()); n != 1 {
		t.Errorf("expected 1 search result, got %d", n)
	}

	// Audit trail recorded the send validations.
	audit, err := client.GetAuditLog(ctx, mustStruct(t, map[string]any{"session_id": "!room:hs"}))
	if err != nil {
		t.Fatalf("GetAuditLog error = %v", err)
	}
	if n := len(audit.Fields["entries"].GetListValue().GetValues()); n == 0 {
		t.Error("expected audit entries for the room")
	}

	dr, err := client.RetryDecryption(ctx, mustStruct(t, map[string]any{"room_id": "!room:hs"}))
	if err != nil {
		t.Fatalf("RetryDecryption error = %v", err)
	}
	if dr.Fields["pending"].GetNumberValue() != 0 {
		t.Errorf("pending = %v, want 0", dr.Fields["pending"])
	}

	cleared, err := client.ClearRetryQueue(ctx)
	if err != nil {
		t.Fatalf("ClearRetryQueue error = %v", err)
	}
	if cleared.Fields["cleared"].GetNumberValue() != 0 {
		t.Errorf("cleared = %v, want 0", cleared.Fields["cleared"])
	}

	logger.Info("integration test passed")
}

func TestWatchEventsStreamsBusEvents(t *testing.T) {
	tmpDir := shortTempDir(t, "mxd-watch-*")
	socketPath := filepath.Join(tmpDir, "d.sock")

	b := bus.New()
	svc := api.NewPipelineService(api.Deps{SessionName: "watch", Bus: b})
	srv, err := NewServer(Params{SessionName: "watch", SocketPath: socketPath}, zap.NewNop(), svc)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start() }()
	defer srv.Stop(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	stream, err := dial(t, socketPath).WatchEvents(ctx, mustStruct(t, map[string]any{"prefix": "retry."}))
	if err != nil {
		t.Fatal(err)
	}

	// The server subscribes asynchronously; publish until the stream sees one.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.Emit("message.upserted", map[string]string{"local_id": "ignored"})
				b.Emit(bus.KindRetryExhausted, map[string]any{"id": "m1", "retry_count": 3})
			case <-stop:
				return
			}
		}
	}()

	evt, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv error = %v", err)
	}
	if kind := evt.Fields["kind"].GetStringValue(); kind != bus.KindRetryExhausted {
		t.Errorf("kind = %q, want %s (prefix filter)", kind, bus.KindRetryExhausted)
	}
	if evt.Fields["session"].GetStringValue() != "watch" {
		t.Errorf("session = %v, want watch", evt.Fields["session"])
	}
	payload := evt.Fields["payload"].GetStructValue()
	if payload.GetFields()["id"].GetStringValue() != "m1" {
		t.Errorf("payload = %v, want id m1", payload)
	}
	if evt.Fields["event_id"].GetStringValue() == "" {
		t.Error("missing event_id")
	}
}

// TestFxModuleWiring verifies NewServer takes Params rather than a bare
// string, which fx cannot resolve ("missing type: string").
func TestFxModuleWiring(t *testing.T) {
	tmpDir := shortTempDir(t, "mxd-fx-*")
	socketPath := filepath.Join(tmpDir, "d.sock")

	p := Params{SessionName: "fxtest", SocketPath: socketPath}
	srv, err := NewServer(p, zap.NewNop(), api.NewPipelineService(api.Deps{SessionName: "fxtest"}))
	if err != nil {
		t.Fatalf("NewServer() with Params failed: %v", err)
	}

	// Verify socket was created inside the temp dir (not ~/.mxd).
	info, statErr := os.Stat(socketPath)
	if statErr != nil {
		t.Fatalf("socket not created at %s: %v", socketPath, statErr)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("socket permission = %o, want 0600", perm)
	}

	srv.Stop(context.Background())
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Error("socket not removed on stop")
	}
}

// TestDaemonModuleOffline boots the whole fx graph without Matrix
// credentials and talks to it over the socket.
func TestDaemonModuleOffline(t *testing.T) {
	home := shortTempDir(t, "mxd-home-*")
	t.Setenv(session.HomeEnv, home)
	socketPath := filepath.Join(home, "d.sock")

	cfg := config.Default()
	app := fx.New(
		Module(Params{SessionName: "offline", SocketPath: socketPath, Config: cfg}),
		fx.NopLogger,
	)
	if err := app.Err(); err != nil {
		t.Fatalf("fx graph error = %v", err)
	}

	startCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		t.Fatalf("app.Start() error = %v", err)
	}

	client := dial(t, socketPath)
	var stats *structpb.Struct
	var err error
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		stats, err = client.GetStats(context.Background())
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GetStats error = %v", err)
	}
	if got := stats.Fields["session"].GetStringValue(); got != "offline" {
		t.Errorf("session = %q, want offline", got)
	}

	if _, err := os.Stat(session.RoomSecretPath("offline")); err != nil {
		t.Errorf("room secret not created: %v", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		t.Fatalf("app.Stop() error = %v", err)
	}
	if _, err := os.Stat(session.LockPath("offline")); !os.IsNotExist(err) {
		t.Error("lock file not removed on stop")
	}
}
