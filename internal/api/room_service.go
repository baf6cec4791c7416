package api

import (
	"context"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ListRooms returns rooms by latest activity. Request: {limit, offset}.
func (s *PipelineService) ListRooms(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	limit := intField(req, "limit", 50)
	offset := intField(req, "offset", 0)

	rooms, err := s.DB.ListRooms(limit, offset)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list rooms: %v", err)
	}

	items := make([]any, 0, len(rooms))
	for _, r := range rooms {
		items = append(items, roomToMap(&r))
	}
	return response(map[string]any{"rooms": items, "has_more": len(rooms) == limit})
}

// ListMessages returns a room's messages, newest first. Request:
// {room_id, before_ts, limit}.
func (s *PipelineService) ListMessages(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	roomID, err := requireString(req, "room_id")
	if err != nil {
		return nil, err
	}
	limit := intField(req, "limit", 50)

	msgs, err := s.DB.ListMessages(roomID, int64(intField(req, "before_ts", 0)), limit)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list messages: %v", err)
	}

	items := make([]any, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, messageToMap(&m))
	}
	return response(map[string]any{"messages": items, "has_more": len(msgs) == limit})
}

// SearchMessages finds messages containing {query}, optionally within
// {room_id}.
func (s *PipelineService) SearchMessages(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	query, err := requireString(req, "query")
	if err != nil {
		return nil, err
	}
	limit := intField(req, "limit", 50)

	results, err := s.DB.SearchMessages(query, stringField(req, "room_id"), limit)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "search messages: %v", err)
	}

	items := make([]any, 0, len(results))
	for _, r := range results {
		items = append(items, map[string]any{
			"message": messageToMap(&r.Message),
			"snippet": r.Snippet,
		})
	}
	return response(map[string]any{"results": items, "has_more": len(results) == limit})
}
