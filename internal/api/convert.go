package api

import (
	"encoding/json"
	"fmt"

	"github.com/matheus3301/mxd/internal/store"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// stringField returns a string request field, or "".
func stringField(s *structpb.Struct, key string) string {
	if s == nil {
		return ""
	}
	return s.GetFields()[key].GetStringValue()
}

// intField returns a numeric request field, or def when absent or not positive.
func intField(s *structpb.Struct, key string, def int) int {
	if s == nil {
		return def
	}
	v, ok := s.GetFields()[key]
	if !ok {
		return def
	}
	n := int(v.GetNumberValue())
	if n <= 0 {
		return def
	}
	return n
}

func boolField(s *structpb.Struct, key string) bool {
	if s == nil {
		return false
	}
	return s.GetFields()[key].GetBoolValue()
}

func requireString(s *structpb.Struct, key string) (string, error) {
	v := stringField(s, key)
	if v == "" {
		return "", grpcstatus.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	return v, nil
}

// toValue converts an arbitrary Go value to a protobuf Value by way of its
// JSON form, so struct tags decide field names.
func toValue(v any) (*structpb.Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return structpb.NewValue(generic)
}

// response builds a reply Struct, mapping conversion failures to Internal.
func response(fields map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func messageToMap(m *store.Message) map[string]any {
	return map[string]any{
		"local_id":      m.LocalID,
		"event_id":      m.EventID,
		"room_id":       m.RoomID,
		"sender":        m.Sender,
		"body":          m.Body,
		"msg_type":      m.MsgType,
		"status":        m.Status,
		"from_me":       m.FromMe,
		"encrypted":     m.Encrypted,
		"undecryptable": m.Undecryptable,
		"timestamp":     float64(m.Timestamp),
		"read_at":       float64(m.ReadAt),
	}
}

func roomToMap(r *store.Room) map[string]any {
	return map[string]any{
		"room_id":              r.RoomID,
		"name":                 r.Name,
		"encrypted":            r.Encrypted,
		"last_message_at":      float64(r.LastMessageAt),
		"last_message_preview": r.LastMessagePreview,
	}
}
