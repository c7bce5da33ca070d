package comms

// Outcome is the disposition a Handler declares for one delivery.
// The set is closed: Complete, Abandon and DeadLetter are the only implementations.
type Outcome interface {
	outcome()
}

// Complete removes the message from the channel.
type Complete struct{}

// Abandon hands the message back to the channel for immediate redelivery.
type Abandon struct{}

// DeadLetter moves the message to the channel's dead-letter store.
type DeadLetter struct {
	Reason string
}

func (Complete) outcome()   {}
func (Abandon) outcome()    {}
func (DeadLetter) outcome() {}

// Completed returns the Complete outcome.
func Completed() Outcome { return Complete{} } //nolint:ireturn

// Abandoned returns the Abandon outcome.
func Abandoned() Outcome { return Abandon{} } //nolint:ireturn

// DeadLettered returns a DeadLetter outcome carrying reason.
func DeadLettered(reason string) Outcome { return DeadLetter{Reason: reason} } //nolint:ireturn
