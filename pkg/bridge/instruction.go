package bridge

import (
	"fmt"
	"strings"
	"time"

	"github.com/vango-go/vai-assist/pkg/core/types"
	"github.com/vango-go/vai-assist/pkg/tasks"
)

const basePersona = "You are a warm, concise personal voice assistant. Answer in the language the user speaks. " +
	"When the user asks about facts you are unsure of, call search_knowledge_base."

// BuildInstruction renders the system instruction for one live session.
func BuildInstruction(now time.Time, identity types.Identity, list []types.Task) string {
	var b strings.Builder
	b.WriteString(basePersona)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Current date: %s.\n", now.Format("Monday, January 2, 2006"))
	if name := strings.TrimSpace(identity.Name); name != "" {
		fmt.Fprintf(&b, "You are talking to %s.\n", name)
	}

	if custom := strings.TrimSpace(identity.CustomInstructions); custom != "" {
		b.WriteString("\nUser instructions:\n")
		b.WriteString(custom)
		b.WriteString("\n")
	}

	b.WriteString("\nPending tasks:\n")
	pending := tasks.Pending(list)
	for i, t := range pending {
		status := strings.TrimSpace(t.Status)
		if status == "" {
			status = types.TaskStatusPending
		}
		fmt.Fprintf(&b, "%d. %s (%s)\n", i+1, strings.TrimSpace(t.Title), status)
	}
	if len(pending) == 0 {
		b.WriteString("none\n")
	}
	return b.String()
}
