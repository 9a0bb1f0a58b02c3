// Package oracle defines the narrow interface to the external
// decision-maker consulted by the orchestration loop, plus a networked
// chat-completions implementation. The loop only ever sees tagged turns:
// a list of operation invocations, or free text. Any concrete client,
// networked or a deterministic stub, satisfies the interface, which keeps
// the whole control loop testable offline.
package oracle

import (
	"context"

	"opsmend/internal/tools"
)

// ToolCall is one operation invocation requested by the decision-maker.
// The arguments are untrusted until the dispatcher normalizes and the
// policy gate approves them.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// Turn is the decision-maker's tagged response: operation calls, or free
// text when Calls is empty.
type Turn struct {
	Calls []ToolCall
	Text  string
}

// Message is one entry in a conversation with the decision-maker.
type Message struct {
	Role       string // "user", "assistant", "tool"
	Content    string
	ToolCalls  []ToolCall // assistant messages that requested operations
	ToolCallID string     // tool messages answering a specific call
}

// ToolDef declares one catalog entry in the request's operation catalog.
type ToolDef struct {
	Name        string
	Description string
	Schema      tools.Schema
}

// Client is the decision-maker protocol. Each request carries the system
// instructions, the conversation so far, and the declared catalog; the
// response is a single Turn.
type Client interface {
	Chat(ctx context.Context, system string, msgs []Message, catalog []ToolDef) (Turn, error)
}

// Catalog converts registered tools into protocol declarations.
func Catalog(ts []*tools.Tool) []ToolDef {
	defs := make([]ToolDef, 0, len(ts))
	for _, t := range ts {
		defs = append(defs, ToolDef{
			Name:        t.Name,
			Description: t.Description,
			Schema:      t.Schema,
		})
	}
	return defs
}
