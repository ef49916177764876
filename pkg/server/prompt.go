package server

import (
	"strings"
	"unicode"
)

// FlattenMessages renders a message list into the single prompt string the
// surface receives: each turn as "<Role>: <content>" separated by blank
// lines, with a trailing "Assistant: " cue so the surface answers in role.
func FlattenMessages(messages []ChatMessage) string {
	var b strings.Builder
	for _, msg := range messages {
		b.WriteString(capitalizeRole(msg.Role))
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n\n")
	}
	b.WriteString("Assistant: ")
	return b.String()
}

func capitalizeRole(role string) string {
	if role == "" {
		return "User"
	}
	r := []rune(role)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

// EstimateTokens approximates a token count as ceil(len/4), matching the
// heuristic the surface-facing clients expect.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
