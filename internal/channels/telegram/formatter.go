package telegram

import (
	"fmt"
	"regexp"
	"strings"
)

// maxMessageLength is the Bot API per-message limit.
const maxMessageLength = 4096

// chunkBudget leaves room for the "📄 Part i/n" prefix on split
// messages.
const chunkBudget = 3996

const emptyResponseNotice = "✅ Done (no response content)"

var (
	trailingSpace = regexp.MustCompile(`(?m)[ \t]+$`)
	blankRuns     = regexp.MustCompile(`\n{3,}`)
)

// modelAliases simplifies well-known model names in the metadata footer.
var modelAliases = map[string]string{
	"claude-3-opus":   "Opus",
	"claude-3-sonnet": "Sonnet",
	"claude-3-haiku":  "Haiku",
	"gpt-4":           "GPT-4",
	"gpt-3.5-turbo":   "GPT-3.5",
}

// FormatResponse prepares processor output for a chat: whitespace
// normalization, an optional metadata footer, and truncation at the
// message limit.
func FormatResponse(content string, metadata map[string]any) string {
	if strings.TrimSpace(content) == "" {
		return emptyResponseNotice
	}
	formatted := normalizeWhitespace(content)
	if footer := metadataFooter(metadata); footer != "" {
		formatted += "\n\n---\n_" + footer + "_"
	}
	if len(formatted) > maxMessageLength {
		formatted = truncateMessage(formatted)
	}
	return formatted
}

func normalizeWhitespace(text string) string {
	text = trailingSpace.ReplaceAllString(text, "")
	text = blankRuns.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

func metadataFooter(metadata map[string]any) string {
	if metadata == nil {
		return ""
	}
	var parts []string
	if ms, ok := asFloat(metadata["processing_time"]); ok {
		parts = append(parts, fmt.Sprintf("⏱ %.0fms", ms))
	}
	if model, ok := metadata["model"].(string); ok && model != "" {
		parts = append(parts, "🤖 "+simplifyModelName(model))
	}
	if tokens, ok := asFloat(metadata["tokens_used"]); ok {
		parts = append(parts, fmt.Sprintf("📊 %.0f tokens", tokens))
	}
	return strings.Join(parts, " • ")
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func simplifyModelName(model string) string {
	lower := strings.ToLower(model)
	for full, simple := range modelAliases {
		if strings.Contains(lower, full) {
			return simple
		}
	}
	if len(model) > 20 {
		return model[:17] + "..."
	}
	return model
}

// truncateMessage cuts an over-limit message, preferring a paragraph
// boundary when one falls in the last fifth of the window.
func truncateMessage(text string) string {
	max := maxMessageLength - 100
	truncated := text[:max]
	if i := strings.LastIndex(truncated, "\n\n"); i > int(float64(max)*0.8) {
		truncated = truncated[:i]
	}
	return truncated + fmt.Sprintf("\n\n---\n⚠️ _Message too long, truncated (%d characters total)_", len(text))
}

// splitMessage cuts text into chunks of at most limit bytes, breaking
// at the last newline inside each window when there is one.
func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	for pos := 0; pos < len(text); {
		end := pos + limit
		if end < len(text) {
			if nl := strings.LastIndex(text[pos:end], "\n"); nl > 0 {
				end = pos + nl + 1
			}
		} else {
			end = len(text)
		}
		chunks = append(chunks, text[pos:end])
		pos = end
	}
	return chunks
}
