package voice

import (
	"errors"
	"fmt"
)

// Messages written to State.Error and passed to Callbacks.OnError.
const (
	MsgPermissionDenied    = "Microphone permission denied"
	recognitionErrorPrefix = "Speech recognition error: "
	synthesisErrorPrefix   = "Speech synthesis error: "
)

var (
	// ErrPermissionDenied is returned by permission providers when the user refuses access.
	ErrPermissionDenied = errors.New("microphone permission denied")

	// ErrNotSupported is returned by hosts when a capability is absent.
	ErrNotSupported = errors.New("capability not supported")
)

// RecognitionError carries a provider error code such as "network" or "no-speech".
type RecognitionError struct {
	Code string
	Err  error
}

func (e *RecognitionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *RecognitionError) Unwrap() error {
	return e.Err
}

// recognitionMessage formats a recognition failure for State.Error
func recognitionMessage(err error) string {
	var recErr *RecognitionError
	if errors.As(err, &recErr) {
		return recognitionErrorPrefix + recErr.Code
	}
	return recognitionErrorPrefix + err.Error()
}

// synthesisMessage formats a synthesis failure for State.Error
func synthesisMessage(err error) string {
	return synthesisErrorPrefix + err.Error()
}
