package provider

import (
	"fmt"
	"strings"

	"chatrelay/pkg/models"
)

// BuildSystemPrompt returns the system prompt for a multi-model, multi-user
// chat room. Each model keeps its own identity; message metadata headers
// give it per-message attribution context.
func BuildSystemPrompt(model string) string {
	return strings.Join([]string{
		fmt.Sprintf("You are %q, a distinct AI assistant in a multi-model, multi-user chat room.", model),
		"Key rules:",
		"1. Treat the latest user message as directed specifically to you",
		"2. Previous messages contexts (if present), will have a `MM` (Message Metadata) header (automatically added to all messages), which contains metadata info of each message, for example: which agent or which user sent the message.",
		"3. The `MM` header contains metadata only for context - you are not required to respond to it",
		"4. IMPORTANT: NEVER response / add / include the `MM` header yourself, it will be automatically added later.",
		"5. Other models in the chat will have their own identities and responses will be clearly attributed",
		"6. Maintain your own personality and knowledge base in all interactions",
	}, "\n")
}

// BuildHistory converts stored thread messages into the provider wire
// format, excluding the in-progress placeholder identified by excludeID.
func BuildHistory(messages []models.Message, excludeID string) []ChatMessage {
	out := make([]ChatMessage, 0, len(messages))
	for _, m := range messages {
		if m.ID == excludeID {
			continue
		}
		switch m.Role {
		case models.RoleUser:
			out = append(out, ChatMessage{Role: "user", Content: buildUserContent(m)})
		case models.RoleAssistant:
			out = append(out, ChatMessage{Role: "assistant", Content: buildAssistantContent(m)})
		}
	}
	return out
}

func buildUserContent(m models.Message) string {
	var b strings.Builder
	if m.Context != nil {
		b.WriteString("<!-- MM START\n")
		if m.Context.From != "" {
			fmt.Fprintf(&b, "From: %q\n", m.Context.From)
		}
		if m.Context.UID != "" {
			fmt.Fprintf(&b, "UID: %q\n", m.Context.UID)
		}
		b.WriteString("MM END -->\n\n")
	}
	b.WriteString(m.Content)
	return b.String()
}

func buildAssistantContent(m models.Message) string {
	var b strings.Builder
	b.WriteString("<!-- MM START\n")
	fmt.Fprintf(&b, "From: %q\n", m.Provider+"/"+m.Model)
	if m.IsStreaming {
		b.WriteString("This message is still streaming, content is not finalized\n")
	}
	b.WriteString("MM END -->\n\n")
	b.WriteString(m.Content)
	return b.String()
}
