package capture

import "fmt"

// ErrorCode is a provider error code
type ErrorCode string

const (
	CodeNoSpeech     ErrorCode = "no-speech"
	CodeAborted      ErrorCode = "aborted"
	CodeNotAllowed   ErrorCode = "not-allowed"
	CodeNetwork      ErrorCode = "network"
	CodeAudioCapture ErrorCode = "audio-capture"
)

// Category groups error codes by how they are presented to the user
type Category string

const (
	CategoryUnsupported      Category = "unsupported"
	CategoryPermissionDenied Category = "permission_denied"
	CategoryNoAudioDevice    Category = "no_audio_device"
	CategoryNetwork          Category = "network"
	CategoryBenign           Category = "benign"
	CategoryUnknown          Category = "unknown"
)

// Severity decides whether an error ends the session
type Severity int

const (
	SeverityNone Severity = iota
	SeverityBenign
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityBenign:
		return "benign"
	case SeverityFatal:
		return "fatal"
	default:
		return "none"
	}
}

// Classify maps a provider error code to its category and severity.
// Unrecognised codes are fatal.
func Classify(code ErrorCode) (Category, Severity) {
	switch code {
	case CodeNoSpeech, CodeAborted:
		return CategoryBenign, SeverityBenign
	case CodeNotAllowed:
		return CategoryPermissionDenied, SeverityFatal
	case CodeAudioCapture:
		return CategoryNoAudioDevice, SeverityFatal
	case CodeNetwork:
		return CategoryNetwork, SeverityFatal
	default:
		return CategoryUnknown, SeverityFatal
	}
}

// UserMessage returns the text shown to the user for a fatal error
func UserMessage(code ErrorCode) string {
	category, _ := Classify(code)
	switch category {
	case CategoryPermissionDenied:
		return "Microphone access denied. Please allow microphone access and try again."
	case CategoryNoAudioDevice:
		return "No microphone was found. Please check your audio input device."
	case CategoryNetwork:
		return "Network error during speech recognition. Please check your connection."
	default:
		return fmt.Sprintf("Speech recognition error: %s", code)
	}
}

// UnsupportedMessage is shown when the capture capability is missing
const UnsupportedMessage = "Speech recognition is not supported on this device."

// shouldRestart decides whether an unexpected session end reopens the session
func shouldRestart(continuous, manualStop bool, severity Severity) bool {
	return continuous && !manualStop && severity != SeverityFatal
}
