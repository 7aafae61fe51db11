package protocol

import (
	"strings"

	acpsdk "github.com/coder/acp-go-sdk"
)

// Fragment is a piece of conversation extracted from an ACP notification.
type Fragment struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	ToolKind string `json:"toolKind,omitempty"`
	Status   string `json:"status,omitempty"`
}

// Fragments converts an ACP notification into zero or more conversation
// fragments. Thought chunks and plan updates produce nothing.
func Fragments(notif acpsdk.SessionNotification) []Fragment {
	u := notif.Update
	var out []Fragment

	if u.UserMessageChunk != nil {
		if text := contentBlockText(u.UserMessageChunk.Content); text != "" {
			out = append(out, Fragment{Role: "user", Content: text})
		}
	}
	if u.AgentMessageChunk != nil {
		if text := contentBlockText(u.AgentMessageChunk.Content); text != "" {
			out = append(out, Fragment{Role: "assistant", Content: text})
		}
	}
	if u.ToolCall != nil {
		content := toolCallText(u.ToolCall.Content)
		if content == "" {
			content = "(tool call)"
		}
		out = append(out, Fragment{Role: "tool", Content: content, ToolKind: string(u.ToolCall.Kind)})
	}
	if u.ToolCallUpdate != nil {
		f := Fragment{Role: "tool", Content: toolCallText(u.ToolCallUpdate.Content)}
		if u.ToolCallUpdate.Kind != nil {
			f.ToolKind = string(*u.ToolCallUpdate.Kind)
		}
		if u.ToolCallUpdate.Status != nil {
			f.Status = string(*u.ToolCallUpdate.Status)
		}
		if f.Content != "" || f.Status != "" {
			if f.Content == "" {
				f.Content = "(tool update)"
			}
			out = append(out, f)
		}
	}
	return out
}

// AssistantText concatenates the assistant text carried by a payload: token
// text or ACP agent message chunks.
func AssistantText(p Payload) string {
	switch v := p.(type) {
	case Token:
		return v.Text
	case SessionUpdate:
		var b strings.Builder
		for _, f := range Fragments(v.Notification) {
			if f.Role == "assistant" {
				b.WriteString(f.Content)
			}
		}
		return b.String()
	}
	return ""
}

func contentBlockText(block acpsdk.ContentBlock) string {
	if block.Text != nil {
		return block.Text.Text
	}
	return ""
}

func toolCallText(contents []acpsdk.ToolCallContent) string {
	var parts []string
	for _, c := range contents {
		if c.Content != nil && c.Content.Content.Text != nil {
			parts = append(parts, c.Content.Content.Text.Text)
		}
		if c.Diff != nil {
			parts = append(parts, "diff: "+c.Diff.Path)
		}
	}
	return strings.Join(parts, "\n")
}
