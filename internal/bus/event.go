package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds shared across the pipeline. Subscribers filter by prefix,
// so related kinds share a namespace ("message.", "mx.", ...).
const (
	KindStatusChanged   = "message.status_changed"
	KindUpserted        = "message.upserted"
	KindSendAck         = "message.send_ack"
	KindSendFailed      = "message.send_failed"
	KindRejected        = "message.rejected"
	KindSecurityWarning = "security.warning"
	KindAudit           = "guard.audit"
	KindMatrixEvent     = "mx.event"
	KindMatrixReceipt   = "mx.receipt"
	KindKeyRequested    = "roomkey.requested"
	KindRetryScheduled  = "retry.scheduled"
	KindRetryExhausted  = "retry.exhausted"
)
