package router

// friendlyErrors maps processor error taxonomy codes to the message the
// user sees.
var friendlyErrors = map[string]string{
	"stream_error":     "😔 AI service is temporarily unavailable, please try again later",
	"throttled":        "⏸️ Service is busy, please wait a moment and retry",
	"context_overflow": "📚 Conversation history is too long, use /new to start a fresh conversation",
	"timeout":          "⏱️ Processing took too long, try a shorter or simpler question",
	"file_error":       "📁 File processing failed, please check the file format",
}

const genericFailure = "❌ The system ran into a problem, please try again later"

// FriendlyError resolves a taxonomy code to its user-facing message.
// Unknown or empty codes get the generic notice.
func FriendlyError(code string) string {
	if msg, ok := friendlyErrors[code]; ok {
		return msg
	}
	return genericFailure
}
