package models

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Details map[string]string `json:"details,omitempty"`
}

// Error codes carried in REST error bodies and RUN_ERROR event payloads
const (
	ErrCodeInvalidRequest        = "INVALID_REQUEST"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeUnauthorized          = "UNAUTHORIZED"
	ErrCodeInternalError         = "INTERNAL_ERROR"
	ErrCodeMalformedMessage      = "MALFORMED_MESSAGE"
	ErrCodeInvalidConversationID = "INVALID_CONVERSATION_ID"
	ErrCodeTransportClosed       = "TRANSPORT_CLOSED"
	ErrCodePipelineRecoverable   = "PIPELINE_RECOVERABLE_ERROR"
	ErrCodePipelineFatal         = "PIPELINE_FATAL_ERROR"
	ErrCodePipelineIncomplete    = "PIPELINE_INCOMPLETE"
	ErrCodePipelineTimeout       = "PIPELINE_TIMEOUT"
	ErrCodeMaxRetriesReached     = "MAX_RETRIES_REACHED"
	ErrCodePersistenceFailure    = "PERSISTENCE_FAILURE"
	ErrCodeMaxReconnectsReached  = "MAX_RECONNECT_ATTEMPTS_REACHED"
	ErrCodeContainerUnavailable  = "CONTAINER_UNAVAILABLE"
	ErrCodeConversationBusy      = "CONVERSATION_BUSY"
	ErrCodeNotReady              = "NOT_READY"
)
