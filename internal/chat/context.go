package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"ragchat/internal/domain"
)

const contextHeader = "Use the following context to answer the user's question. " +
	"If the context does not contain the answer, say so.\n\n"

const memoryPrefix = "Summary of the earlier conversation:\n"

// BuildContext renders retrieval hits as a system prompt block of at most
// maxChars characters. Hits are kept in order; the first one is truncated
// when it alone exceeds the limit.
func BuildContext(hits []domain.ScoredChunk, maxChars int) string {
	if len(hits) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(contextHeader)
	for i, h := range hits {
		var part strings.Builder
		if i > 0 {
			part.WriteString("\n\n---\n\n")
		}
		fmt.Fprintf(&part, "### Source: %s (chunk %d)\n", h.Chunk.DocumentID, h.Chunk.Ordinal)
		part.WriteString(h.Chunk.Text)

		if maxChars > 0 && utf8.RuneCountInString(sb.String())+utf8.RuneCountInString(part.String()) > maxChars {
			if i == 0 {
				sb.WriteString(truncateRunes(part.String(), maxChars-utf8.RuneCountInString(sb.String())))
			}
			break
		}
		sb.WriteString(part.String())
	}
	return sb.String()
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// providerMessages converts history into the provider's message form.
// Memory messages become system messages.
func providerMessages(systemPrompt, contextBlock string, history []domain.ConversationMessage) []domain.ProviderMessage {
	out := make([]domain.ProviderMessage, 0, len(history)+2)
	if systemPrompt != "" {
		out = append(out, domain.ProviderMessage{Role: string(domain.RoleSystem), Content: systemPrompt})
	}
	if contextBlock != "" {
		out = append(out, domain.ProviderMessage{Role: string(domain.RoleSystem), Content: contextBlock})
	}
	for _, m := range history {
		text := m.Content.String()
		switch m.Role {
		case domain.RoleMemory:
			out = append(out, domain.ProviderMessage{Role: string(domain.RoleSystem), Content: memoryPrefix + text})
		case domain.RoleSystem, domain.RoleAssistant:
			out = append(out, domain.ProviderMessage{Role: string(m.Role), Content: text})
		default:
			out = append(out, domain.ProviderMessage{Role: string(domain.RoleUser), Content: text})
		}
	}
	return out
}
