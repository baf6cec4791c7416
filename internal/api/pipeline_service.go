package api

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/mxd/internal/bus"
	"github.com/matheus3301/mxd/internal/decrypt"
	"github.com/matheus3301/mxd/internal/dedup"
	"github.com/matheus3301/mxd/internal/guard"
	"github.com/matheus3301/mxd/internal/outbox"
	"github.com/matheus3301/mxd/internal/retry"
	"github.com/matheus3301/mxd/internal/status"
	"github.com/matheus3301/mxd/internal/store"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Deps are the pipeline components the service exposes.
type Deps struct {
	SessionName string
	DB          *store.DB
	Bus         *bus.Bus
	Sender      *outbox.Sender
	Retries     *retry.Queue
	Tracker     *status.Tracker
	Decrypt     *decrypt.Service
	Guard       *guard.Guard
	Dedup       *dedup.Deduplicator
}

// PipelineService implements PipelineServer.
type PipelineService struct {
	Deps
	startedAt time.Time
}

var _ PipelineServer = (*PipelineService)(nil)

// NewPipelineService creates the service.
func NewPipelineService(d Deps) *PipelineService {
	return &PipelineService{Deps: d, startedAt: time.Now()}
}

// GetStats returns counters from every pipeline component.
func (s *PipelineService) GetStats(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	decryptStatus, err := toValue(s.Decrypt.Status())
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "%v", err)
	}

	fields := map[string]any{
		"session":       s.SessionName,
		"uptime_ms":     time.Since(s.startedAt).Milliseconds(),
		"tracked":       s.Tracker.Len(),
		"retry_queue":   s.Retries.Len(),
		"dedup_entries": s.Dedup.Len(),
		"audit_entries": len(s.Guard.AuditLog("")),
	}
	if rooms, err := s.DB.RoomCount(); err == nil {
		fields["rooms"] = rooms
	}
	if msgs, err := s.DB.MessageCount(); err == nil {
		fields["messages"] = msgs
	}

	out, err := response(fields)
	if err != nil {
		return nil, err
	}
	out.Fields["decrypt"] = decryptStatus
	return out, nil
}

// SendText queues {room_id, text} and returns its local_id.
func (s *PipelineService) SendText(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	localID, err := s.Sender.Enqueue(stringField(req, "room_id"), stringField(req, "text"))
	if errors.Is(err, outbox.ErrInvalidMessage) {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "%v", err)
	}
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "queue outbox: %v", err)
	}
	return response(map[string]any{"accepted": true, "local_id": localID, "message": "queued"})
}

// ListRetryQueue returns every queued retry, oldest first.
func (s *PipelineService) ListRetryQueue(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	recs := s.Retries.List()
	items := make([]any, 0, len(recs))
	for _, r := range recs {
		item := map[string]any{
			"id":                 r.ID,
			"room_id":            r.RoomID,
			"body":               r.Body,
			"retry_count":        r.RetryCount,
			"max_retries":        r.MaxRetries,
			"error":              r.Error,
			"original_timestamp": r.OriginalTimestamp,
			"exhausted":          r.Exhausted(),
		}
		if !r.LastAttempt.IsZero() {
			item["last_attempt"] = r.LastAttempt.UnixMilli()
		}
		items = append(items, item)
	}
	return response(map[string]any{"items": items})
}

// RetryMessage retries {id} now, resetting its retry budget.
func (s *PipelineService) RetryMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireString(req, "id")
	if err != nil {
		return nil, err
	}
	sent, err := s.Retries.RetryMessage(ctx, id)
	switch {
	case errors.Is(err, retry.ErrNotQueued):
		return nil, grpcstatus.Errorf(codes.NotFound, "message %s is not in the retry queue", id)
	case errors.Is(err, retry.ErrAttemptInProgress):
		return nil, grpcstatus.Errorf(codes.FailedPrecondition, "message %s is being retried", id)
	case errors.Is(err, retry.ErrRemoved), errors.Is(err, retry.ErrQueueCleared):
		return response(map[string]any{"id": id, "sent": false, "removed": true, "error": err.Error()})
	case err != nil:
		return nil, grpcstatus.Errorf(codes.Internal, "retry: %v", err)
	}

	fields := map[string]any{"id": id, "sent": sent}
	if rec, ok := s.Retries.Get(id); ok {
		fields["retry_count"] = rec.RetryCount
		fields["error"] = rec.Error
	}
	return response(fields)
}

// ClearRetryQueue drops every queued retry.
func (s *PipelineService) ClearRetryQueue(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	n := s.Retries.Len()
	s.Retries.Clear()
	return response(map[string]any{"cleared": n})
}

// GetMessageStatus reports {id}'s tracked status, falling back to the stored
// message when the tracker has no entry (e.g. after a restart).
func (s *PipelineService) GetMessageStatus(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireString(req, "id")
	if err != nil {
		return nil, err
	}

	fields := map[string]any{"id": id, "in_retry_queue": s.Retries.Contains(id)}
	st, tracked := s.Tracker.Status(id)
	if tracked {
		fields["status"] = string(st)
	}

	msg, err := s.DB.GetMessage(id)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "get message: %v", err)
	}
	if msg != nil {
		fields["message"] = messageToMap(msg)
		if !tracked {
			fields["status"] = msg.Status
		}
	}

	entry, err := s.DB.GetOutbox(id)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "get outbox: %v", err)
	}
	if entry != nil {
		fields["outbox"] = map[string]any{
			"status":        entry.Status,
			"retry_count":   entry.RetryCount,
			"error_message": entry.ErrorMessage,
			"event_id":      entry.EventID,
		}
	}

	if !tracked && msg == nil && entry == nil {
		return nil, grpcstatus.Errorf(codes.NotFound, "message %s not found", id)
	}
	return response(fields)
}

// GetAuditLog returns guard audit entries for {session_id} (all sessions when
// empty). With {persisted: true} it reads the stored trail, newest first, up
// to {limit}.
func (s *PipelineService) GetAuditLog(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sessionID := stringField(req, "session_id")

	if boolField(req, "persisted") {
		records, err := s.DB.ListAudit(sessionID, intField(req, "limit", 100))
		if err != nil {
			return nil, grpcstatus.Errorf(codes.Internal, "list audit: %v", err)
		}
		entries := make([]any, 0, len(records))
		for _, r := range records {
			e := map[string]any{
				"timestamp":  r.Timestamp,
				"operation":  r.Operation,
				"session_id": r.SessionID,
				"success":    r.Success,
			}
			var details map[string]any
			if err := json.Unmarshal([]byte(r.Details), &details); err == nil {
				e["details"] = details
			}
			entries = append(entries, e)
		}
		return response(map[string]any{"entries": entries})
	}

	entries, err := toValue(s.Guard.AuditLog(sessionID))
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "%v", err)
	}
	out, err := response(map[string]any{})
	if err != nil {
		return nil, err
	}
	out.Fields["entries"] = entries
	return out, nil
}

// RetryDecryption requests {room_id}'s keys and resumes queued decryptions.
func (s *PipelineService) RetryDecryption(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	roomID, err := requireString(req, "room_id")
	if err != nil {
		return nil, err
	}
	s.Decrypt.RetryDecryption(ctx, roomID)
	return response(map[string]any{"room_id": roomID, "pending": s.Decrypt.Status().Pending})
}

// WatchEvents streams bus events whose kind starts with {prefix} (all events
// when empty) until the client goes away.
func (s *PipelineService) WatchEvents(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ch, unsub := s.Bus.Subscribe(stringField(req, "prefix"), 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			out, err := structpb.NewStruct(map[string]any{
				"event_id":            uuid.New().String(),
				"session":             s.SessionName,
				"kind":                evt.Kind,
				"occurred_at_unix_ms": evt.Timestamp.UnixMilli(),
			})
			if err != nil {
				return err
			}
			if payload, err := toValue(evt.Payload); err == nil {
				out.Fields["payload"] = payload
			}
			if err := stream.Send(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}
