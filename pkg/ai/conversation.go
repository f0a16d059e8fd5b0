package ai

import (
	"fmt"
	"sort"
)

// Page is one numbered page image handed to the assessor.
type Page struct {
	Number int
	Image  Image
}

// PageMessages renders pages as an ordered conversation. The assessor cannot infer order
// from attachments, so every page is preceded by a "page i/n" marker and acknowledged by
// an assistant turn. Pages are emitted in ascending page order whatever the input order.
func PageMessages(label string, pages []Page, total int) []Message {
	ordered := make([]Page, len(pages))
	copy(ordered, pages)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Number < ordered[j].Number })

	messages := make([]Message, 0, len(ordered)*2)
	for _, page := range ordered {
		messages = append(messages,
			Message{
				Role:   RoleUser,
				Text:   fmt.Sprintf("This is page %d/%d of %s.", page.Number, total, label),
				Images: []Image{page.Image},
			},
			Message{
				Role: RoleAssistant,
				Text: fmt.Sprintf("I see, this is page %d of %s.", page.Number, label),
			},
		)
	}
	return messages
}

// SystemMessage is a convenience constructor.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Text: text}
}

// UserMessage is a convenience constructor.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Text: text}
}
