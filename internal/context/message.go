package context

// Roles used in conversation history.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a model-agnostic chat message used across the context pipeline.
// A Message is a value; once appended to a Store it is never mutated.
type Message struct {
	Role    string
	Content string
}
