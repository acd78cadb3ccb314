package context

// StandardAssembler prepends an optional system prompt to the history.
type StandardAssembler struct{}

// Assemble builds the final message list: system (if any) + history.
// The returned slice never aliases history.
func (a *StandardAssembler) Assemble(system string, history []Message) []Message {
	messages := make([]Message, 0, 1+len(history))
	if system != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: system})
	}
	messages = append(messages, history...)
	return messages
}
