package imapengine

import "strings"

const maxServerErrorLength = 500

// sanitizeServerError makes server-supplied error text safe to surface in a
// UI: HTML-significant characters and control characters are stripped and
// the result is truncated. Server banners are attacker-controlled input.
func sanitizeServerError(text string) string {
	var b strings.Builder
	for _, r := range text {
		switch {
		case r == '<' || r == '>' || r == '"' || r == '\'' || r == '&':
		case r < 0x20 || r == 0x7f:
		default:
			b.WriteRune(r)
		}
	}

	out := b.String()
	if runes := []rune(out); len(runes) > maxServerErrorLength {
		out = string(runes[:maxServerErrorLength])
	}
	return out
}

const maxFilenameLength = 255

// sanitizeFilename normalizes an attachment filename before it is stored or
// handed to the OS: CR/LF/NUL and Unicode bidi-override characters are
// dropped, path separators become underscores, and the result is truncated.
// An empty result falls back to "unnamed".
func sanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '\r' || r == '\n' || r == 0:
		case r >= 0x202a && r <= 0x202e: // bidi embeddings and overrides
		case r >= 0x2066 && r <= 0x2069: // bidi isolates
		case r == '/' || r == '\\':
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}

	out := b.String()
	if runes := []rune(out); len(runes) > maxFilenameLength {
		out = string(runes[:maxFilenameLength])
	}
	if out == "" {
		out = "unnamed"
	}
	return out
}
