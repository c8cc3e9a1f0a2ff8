package deliver

// ErrorKind classifies why a step failed, per the error taxonomy in spec
// section 7. The worker's "throw to request retry" pattern (spec section 9
// DESIGN NOTES) becomes this explicit result type; the queue adapter in
// Pool.apply maps Retry to backoff and Fatal to dead-letter.
type ErrorKind string

const (
	KindTransientTransport ErrorKind = "transient_transport"
	KindThrottle           ErrorKind = "throttle"
	KindPermanentRecipient ErrorKind = "permanent_recipient"
	KindConfigMissing      ErrorKind = "config_missing"
	KindDataIntegrity      ErrorKind = "data_integrity"
	KindThrottleHint       ErrorKind = "throttle_hint"
)

// Outcome is the result of processing one job. Exactly one of the three
// shapes applies: OK, Retry, or Fatal.
type Outcome struct {
	OK      bool
	Retry   *RetryOutcome
	Fatal   *FatalOutcome
}

// RetryOutcome asks the queue to reschedule the same job per its backoff
// policy (spec section 4.1: "never enqueue a new job as a retry").
type RetryOutcome struct {
	Kind ErrorKind
	Hint string
}

// FatalOutcome terminates the job without consuming further queue retries
// (the ledger row, not the queue, is the durable record of the failure).
type FatalOutcome struct {
	Kind ErrorKind
	Msg  string
}

func ok() Outcome                        { return Outcome{OK: true} }
func retry(kind ErrorKind, hint string) Outcome { return Outcome{Retry: &RetryOutcome{Kind: kind, Hint: hint}} }
func fatal(kind ErrorKind, msg string) Outcome  { return Outcome{Fatal: &FatalOutcome{Kind: kind, Msg: msg}} }
