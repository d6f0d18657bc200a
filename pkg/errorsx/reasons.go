package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonSourceDenied  ReasonCode = "source_permission_denied"
	ReasonSourceMissing ReasonCode = "source_device_missing"
	ReasonSourceBusy    ReasonCode = "source_busy"

	ReasonUploadTransient  ReasonCode = "upload_transient"
	ReasonUploadValidation ReasonCode = "upload_validation"
	ReasonUploadExhausted  ReasonCode = "upload_retries_exhausted"

	ReasonTokenInvalid ReasonCode = "token_invalid"

	ReasonSessionCreate   ReasonCode = "session_create"
	ReasonSessionComplete ReasonCode = "session_complete"
	ReasonConsultComplete ReasonCode = "consultation_complete"

	ReasonStreamError ReasonCode = "stream_error"
	ReasonTranscript  ReasonCode = "transcript_fetch"

	ReasonTransition ReasonCode = "invalid_transition"
	ReasonSnapshot   ReasonCode = "snapshot_corrupt"
)

// fatalReasons never warrant a retry with the same inputs.
var fatalReasons = map[ReasonCode]bool{
	ReasonSourceDenied:     true,
	ReasonSourceMissing:    true,
	ReasonSourceBusy:       true,
	ReasonUploadValidation: true,
	ReasonTokenInvalid:     true,
	ReasonTransition:       true,
	ReasonSnapshot:         true,
}

// Retryable reports whether the error's reason allows another attempt.
// Unknown reasons are treated as retryable so plain network errors keep
// their default behavior.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return !fatalReasons[Reason(err)]
}
