package reasoning

import "github.com/brunobiangulo/docqa/llm"

// DefaultHistoryCap bounds how many turns a Conversation keeps.
const DefaultHistoryCap = 50

// Turn is one message in a conversation.
type Turn struct {
	Role string `json:"role"` // llm.RoleUser or llm.RoleAssistant
	Text string `json:"text"`
}

// Conversation is an append-only turn log owned by a single session. When it
// grows past its cap the oldest turns are dropped.
type Conversation struct {
	cap   int
	turns []Turn
}

// NewConversation returns an empty conversation keeping at most cap turns.
// cap <= 0 uses DefaultHistoryCap.
func NewConversation(cap int) *Conversation {
	if cap <= 0 {
		cap = DefaultHistoryCap
	}
	return &Conversation{cap: cap}
}

// Append adds a turn, dropping the oldest turns beyond the cap.
func (c *Conversation) Append(role, text string) {
	c.turns = append(c.turns, Turn{Role: role, Text: text})
	if over := len(c.turns) - c.cap; over > 0 {
		c.turns = append([]Turn(nil), c.turns[over:]...)
	}
}

// Turns returns a copy of all retained turns, oldest first.
func (c *Conversation) Turns() []Turn {
	return append([]Turn(nil), c.turns...)
}

// Len returns the number of retained turns.
func (c *Conversation) Len() int { return len(c.turns) }

// Recent returns the last n turns, oldest first, skipping assistant turns
// whose text is the canned greeting. n <= 0 returns every informative turn.
func (c *Conversation) Recent(n int, greeting string) []Turn {
	out := make([]Turn, 0, len(c.turns))
	for _, t := range c.turns {
		if greeting != "" && t.Role == llm.RoleAssistant && t.Text == greeting {
			continue
		}
		out = append(out, t)
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

func toMessages(turns []Turn) []llm.Message {
	msgs := make([]llm.Message, len(turns))
	for i, t := range turns {
		msgs[i] = llm.Message{Role: t.Role, Content: t.Text}
	}
	return msgs
}
