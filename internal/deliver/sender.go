// Package deliver implements the delivery worker state machine (C7): the
// per-job sequence READ_STATUS -> LOAD_LEDGER -> ACQUIRE_PERMIT ->
// LOAD_DEFINITION -> MARK_SENDING -> RENDER -> SEND -> COMMIT ->
// SCHEDULE_FOLLOWUPS -> FINALIZE, plus the pluggable Sender interface
// (spec section 4.5). Grounded on the teacher's internal/worker/send_worker.go
// and internal/worker/campaign_processor.go for the job-handling shape, and
// on btouchard-ackify-ce's email.SMTPSender for the go-mail transport.
package deliver

import (
	"context"

	"github.com/ignite/campaign-engine/internal/domain"
)

// Sender delivers a single rendered message through a transport.
// Implementations must be safe for concurrent use. Exactly two concrete
// transports ship with this engine (SMTP, SES); the worker treats the
// sender as pluggable per spec's DESIGN NOTES §9.
type Sender interface {
	Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error)
}
