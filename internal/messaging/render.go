package messaging

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/DispatchPipe/internal/models"
)

// RenderText renders an outbound message for text-only transports. Choices become a numbered
// list; the prompts accept either the number or the label as the answer.
func RenderText(msg models.OutboundMessage) string {
	if msg.Kind != models.OutboundKindChoice || len(msg.Choices) == 0 {
		return msg.Text
	}
	var b strings.Builder
	b.WriteString(msg.Text)
	for i, c := range msg.Choices {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%d. %s", i+1, c.Label)
	}
	return b.String()
}
