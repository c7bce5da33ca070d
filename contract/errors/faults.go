package errors

import "fmt"

// Settlement operations reported in SettlementFault.Op.
const (
	OpComplete   = "complete"
	OpAbandon    = "abandon"
	OpDeadLetter = "deadletter"
)

// HandlerFault reports that the registered handler failed instead of
// returning an outcome. The message was not settled.
type HandlerFault struct {
	MessageID string
	Err       error
}

func (f *HandlerFault) Error() string {
	return fmt.Sprintf("%s: message %q: %v", ErrCodeHandlerFault, f.MessageID, f.Err)
}

func (f *HandlerFault) Unwrap() error { return f.Err }

// Is matches ErrHandlerFault so callers can branch without errors.As.
func (f *HandlerFault) Is(target error) bool { return target == ErrHandlerFault }

// SettlementFault reports that the channel rejected a settlement call.
// The message state on the channel is uncertain.
type SettlementFault struct {
	Op        string
	MessageID string
	Err       error
}

func (f *SettlementFault) Error() string {
	return fmt.Sprintf("%s: %s message %q: %v", ErrCodeSettlementFault, f.Op, f.MessageID, f.Err)
}

func (f *SettlementFault) Unwrap() error { return f.Err }

func (f *SettlementFault) Is(target error) bool { return target == ErrSettlementFault }
