package bridge

// KnowledgeBaseTool is the only tool the assistant declares.
const KnowledgeBaseTool = "search_knowledge_base"

// DefaultKnowledgeBaseAnswer is returned for every knowledge base lookup.
const DefaultKnowledgeBaseAnswer = "The knowledge base has no specific entry for this question. " +
	"Answer from general knowledge and tell the user the information was not found in their saved notes."

// KnowledgeBase answers search_knowledge_base calls with a fixed text. No
// search is performed.
type KnowledgeBase struct {
	Answer string
}

func (k KnowledgeBase) Declaration() ToolDeclaration {
	return ToolDeclaration{
		Name:        KnowledgeBaseTool,
		Description: "Searches the user's personal knowledge base for facts, notes and saved information.",
		Parameters: []ToolParameter{{
			Name:        "query",
			Description: "What to look up.",
			Required:    true,
		}},
	}
}

// Respond returns the result for call and whether the call was handled.
func (k KnowledgeBase) Respond(call ToolCall) (ToolResult, bool) {
	if call.Name != KnowledgeBaseTool {
		return ToolResult{}, false
	}
	answer := k.Answer
	if answer == "" {
		answer = DefaultKnowledgeBaseAnswer
	}
	return ToolResult{
		ID:       call.ID,
		Name:     call.Name,
		Response: map[string]any{"result": answer},
	}, true
}
