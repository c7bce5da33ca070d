package errors

// Error codes for the communication contracts. Keep stable; used across adapters, dispatch and rest.
const (
	ErrCodeHandlerFault        = "comms.handler_fault"
	ErrCodeSettlementFault     = "comms.settlement_fault"
	ErrCodeNoOutcome           = "comms.no_outcome"
	ErrCodeInvalidRegistration = "comms.invalid_registration"
	ErrCodeReceiverClosed      = "comms.receiver_closed"
	ErrCodeInvalidChannel      = "comms.invalid_channel"
	ErrCodeInvalidChannelKind  = "comms.invalid_channel_kind"
	ErrCodeUnsupportedChannel  = "comms.unsupported_channel"
	ErrCodeConfiguration       = "comms.configuration"
	ErrCodeSourceClosed        = "comms.source_closed"
	ErrCodeShutdownTimeout     = "comms.shutdown_timeout"
	ErrCodeConnectFailed       = "comms.connect_failed"
	ErrCodeSendFailed          = "comms.send_failed"
	ErrCodeSenderClosed        = "comms.sender_closed"
	ErrCodeSerializationFailed = "comms.serialization_failed"
	ErrCodeRestCallFailed      = "comms.rest_call_failed"
)

// Code returns an error value that carries only a code string.
// It implements error by returning the code string in Error().
func Code(code string) error { return codedError(code) }

type codedError string

func (e codedError) Error() string { return string(e) }

var (
	ErrHandlerFault        = Code(ErrCodeHandlerFault)
	ErrSettlementFault     = Code(ErrCodeSettlementFault)
	ErrNoOutcome           = Code(ErrCodeNoOutcome)
	ErrInvalidRegistration = Code(ErrCodeInvalidRegistration)
	ErrReceiverClosed      = Code(ErrCodeReceiverClosed)
	ErrInvalidChannel      = Code(ErrCodeInvalidChannel)
	ErrInvalidChannelKind  = Code(ErrCodeInvalidChannelKind)
	ErrUnsupportedChannel  = Code(ErrCodeUnsupportedChannel)
	ErrConfiguration       = Code(ErrCodeConfiguration)
	ErrSourceClosed        = Code(ErrCodeSourceClosed)
	ErrShutdownTimeout     = Code(ErrCodeShutdownTimeout)
	ErrConnectFailed       = Code(ErrCodeConnectFailed)
	ErrSendFailed          = Code(ErrCodeSendFailed)
	ErrSenderClosed        = Code(ErrCodeSenderClosed)
	ErrSerializationFailed = Code(ErrCodeSerializationFailed)
	ErrRestCallFailed      = Code(ErrCodeRestCallFailed)
)
