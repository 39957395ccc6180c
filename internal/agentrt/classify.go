package agentrt

import (
	"encoding/json"
	"strings"
)

// responseClass is the closed classification of one LLM response (§4.6
// step 3, classes a-f).
type responseClass int

const (
	classNativeToolCall responseClass = iota
	classSalvageableToolCall
	classMalformedToolLike
	classRawJSONSpill
	classEmptyThinkingOnly
	classPlainText
)

func (c responseClass) String() string {
	switch c {
	case classNativeToolCall:
		return "native_tool_call"
	case classSalvageableToolCall:
		return "salvageable_tool_call"
	case classMalformedToolLike:
		return "malformed_tool_like"
	case classRawJSONSpill:
		return "raw_json_spill"
	case classEmptyThinkingOnly:
		return "empty_thinking_only"
	default:
		return "plain_text"
	}
}

// salvagedCall is a tool name/args pair recovered from free-text content.
type salvagedCall struct {
	toolName string
	args     json.RawMessage
}

// salvageToolCall looks for a JSON tool-call shape in free text: first the
// raw trimmed content, then each fenced code block. JSON embedded
// elsewhere in surrounding prose is not searched.
func salvageToolCall(content string) (*salvagedCall, bool, bool) {
	trimmed := strings.TrimSpace(content)

	candidates := []string{trimmed}
	candidates = append(candidates, extractFencedBlocks(trimmed)...)

	looksToolLike := strings.Contains(trimmed, "tool_call") ||
		(strings.Contains(trimmed, `"tool"`) && strings.Contains(trimmed, `"args"`))

	for _, candidate := range candidates {
		var asMap map[string]json.RawMessage
		if err := json.Unmarshal([]byte(candidate), &asMap); err != nil {
			continue
		}
		if call, ok := extractToolCallFromMap(asMap); ok {
			return call, true, looksToolLike
		}
	}

	if looksToolLike {
		return nil, false, true // invalid format, but tool-like
	}
	return nil, false, false
}

func extractToolCallFromMap(m map[string]json.RawMessage) (*salvagedCall, bool) {
	if raw, ok := m["tool_call"]; ok {
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(raw, &inner); err == nil {
			if call, ok := extractFlatToolCall(inner); ok {
				return call, true
			}
		}
	}
	return extractFlatToolCall(m)
}

func extractFlatToolCall(m map[string]json.RawMessage) (*salvagedCall, bool) {
	toolRaw, hasTool := m["tool"]
	if !hasTool {
		return nil, false
	}
	var toolName string
	if err := json.Unmarshal(toolRaw, &toolName); err != nil {
		return nil, false
	}
	args, hasArgs := m["args"]
	if !hasArgs {
		args = json.RawMessage("{}")
	}
	return &salvagedCall{toolName: toolName, args: args}, true
}

func extractFencedBlocks(content string) []string {
	var blocks []string
	parts := strings.Split(content, "```")
	for i := 1; i < len(parts); i += 2 {
		block := strings.TrimSpace(parts[i])
		if idx := strings.IndexByte(block, '\n'); idx >= 0 && !strings.ContainsAny(block[:idx], "{[") {
			block = block[idx+1:]
		}
		blocks = append(blocks, strings.TrimSpace(block))
	}
	return blocks
}

// classify determines which of classes (a)-(f) a response falls into.
func classify(resp salvageInput) (responseClass, *salvagedCall) {
	if len(resp.ToolCalls) > 0 {
		return classNativeToolCall, nil
	}

	trimmed := strings.TrimSpace(resp.Content)
	if trimmed == "" {
		return classEmptyThinkingOnly, nil
	}

	call, parsed, toolLike := salvageToolCall(trimmed)
	if parsed {
		return classSalvageableToolCall, call
	}
	if toolLike {
		return classMalformedToolLike, nil
	}

	if (strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")) && !strings.HasPrefix(trimmed, "```") {
		return classRawJSONSpill, nil
	}

	return classPlainText, nil
}

// salvageInput is the minimal shape classify needs, decoupled from
// llm.Response so classification stays independently testable.
type salvageInput struct {
	Content   string
	ToolCalls []nativeToolCall
}

type nativeToolCall struct {
	ID        string
	Name      string
	Arguments string
}
