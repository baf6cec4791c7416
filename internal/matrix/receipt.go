package matrix

import "slices"

// Receipt types.
const (
	ReceiptRead        = "m.read"
	ReceiptReadPrivate = "m.read.private"
)

// Receipt says that UserID has seen EventID.
type Receipt struct {
	RoomID    string
	EventID   string
	UserID    string
	Type      string
	Timestamp int64
}

// ParseReceipts flattens an m.receipt event. The content maps event IDs to
// receipt types to users: {"$eid": {"m.read": {"@u:hs": {"ts": 1}}}}.
// Results are sorted by event ID then user for a stable order.
func ParseReceipts(evt *Event) []Receipt {
	if evt == nil || evt.Type != EventReceipt {
		return nil
	}
	var out []Receipt
	for eventID, raw := range evt.Content {
		byType, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		for rtype, rawUsers := range byType {
			users, ok := rawUsers.(map[string]any)
			if !ok {
				continue
			}
			for userID, rawInfo := range users {
				info, _ := rawInfo.(map[string]any)
				out = append(out, Receipt{
					RoomID:    evt.RoomID,
					EventID:   eventID,
					UserID:    userID,
					Type:      rtype,
					Timestamp: int64(numberField(info, "ts")),
				})
			}
		}
	}
	slices.SortFunc(out, func(a, b Receipt) int {
		if a.EventID != b.EventID {
			if a.EventID < b.EventID {
				return -1
			}
			return 1
		}
		if a.UserID < b.UserID {
			return -1
		}
		if a.UserID > b.UserID {
			return 1
		}
		return 0
	})
	return out
}
