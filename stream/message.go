package stream

import (
	"encoding/json"
	"fmt"
)

// Message is the closed set of things the CLI can say. Every frame decodes
// to exactly one variant; frames with an unknown type become
// UnrecognizedMessage rather than an error, so a CLI upgrade that adds new
// message types degrades gracefully instead of breaking the stream.
type Message interface {
	kind() string
}

// Usage holds token counts as reported by the CLI.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
}

// IsZero reports whether every counter is zero.
func (u Usage) IsZero() bool {
	return u.InputTokens == 0 && u.CacheCreationInputTokens == 0 &&
		u.CacheReadInputTokens == 0 && u.OutputTokens == 0
}

// ContentBlock is one element of an assistant message's content array.
// Exactly one of Text, Thinking, or ToolUse is populated, per Type.
type ContentBlock struct {
	Type     string
	Text     string
	Thinking string
	ToolUse  *ToolUse
}

// ToolUse describes a tool invocation requested by the assistant.
type ToolUse struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// PermissionDenial records a tool call the user declined, as reported in the
// final result message.
type PermissionDenial struct {
	ToolName  string          `json:"tool_name"`
	ToolUseID string          `json:"tool_use_id"`
	ToolInput json.RawMessage `json:"tool_input"`
}

// SystemMessage is emitted once at process startup (subtype "init") and for
// other lifecycle notices.
type SystemMessage struct {
	Subtype   string
	SessionID string
	Model     string
	CWD       string
	Tools     []string
}

// AssistantMessage carries the assistant's streamed content blocks.
type AssistantMessage struct {
	ID     string
	Model  string
	Blocks []ContentBlock
	Usage  *Usage
}

// UserMessage is the CLI echoing user input back, including tool results
// it injected on the user's behalf.
type UserMessage struct {
	Text        string
	ToolResults []ToolResultMessage
}

// ToolUseMessage is a standalone tool invocation frame.
type ToolUseMessage struct {
	ToolUse
}

// ToolResultMessage carries the output of a completed tool call.
type ToolResultMessage struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// ResultMessage terminates a turn with aggregate statistics.
type ResultMessage struct {
	Subtype           string
	SessionID         string
	IsError           bool
	Result            string
	DurationMS        int64
	NumTurns          int64
	TotalCostUSD      float64
	Usage             *Usage
	ModelUsage        map[string]Usage
	PermissionDenials []PermissionDenial
}

// PermissionRequestMessage asks the host to approve or reject a tool call.
type PermissionRequestMessage struct {
	RequestID string
	ToolName  string
	Input     json.RawMessage
}

// ErrorMessage is an in-stream error report from the CLI.
type ErrorMessage struct {
	Message string
}

// InterruptMessage acknowledges a user interrupt.
type InterruptMessage struct{}

// StopMessage corresponds to the bare terminator frame ending a turn.
type StopMessage struct{}

// UnrecognizedMessage preserves frames the decoder has no variant for.
type UnrecognizedMessage struct {
	Type string
	Raw  string
}

func (SystemMessage) kind() string            { return "system" }
func (AssistantMessage) kind() string         { return "assistant" }
func (UserMessage) kind() string              { return "user" }
func (ToolUseMessage) kind() string           { return "tool_use" }
func (ToolResultMessage) kind() string        { return "tool_result" }
func (ResultMessage) kind() string            { return "result" }
func (PermissionRequestMessage) kind() string { return "permission_request" }
func (ErrorMessage) kind() string             { return "error" }
func (InterruptMessage) kind() string         { return "interrupt" }
func (StopMessage) kind() string              { return "stop" }
func (UnrecognizedMessage) kind() string      { return "unrecognized" }

// Kind returns the wire name of a message variant, for logging and event
// envelope routing.
func Kind(m Message) string {
	if m == nil {
		return ""
	}
	return m.kind()
}

// frameEnvelope mirrors the wire shape of a stream-json frame. Only the
// fields the decoder cares about are listed; everything else is ignored.
type frameEnvelope struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Model     string `json:"model"`
	CWD       string `json:"cwd"`

	// Filled by UnmarshalJSON; the wire shape varies across CLI versions.
	Tools []string `json:"-"`

	Message *struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Content []struct {
			Type      string          `json:"type"`
			Text      string          `json:"text"`
			Thinking  string          `json:"thinking"`
			ID        string          `json:"id"`
			Name      string          `json:"name"`
			Input     json.RawMessage `json:"input"`
			ToolUseID string          `json:"tool_use_id"`
			Content   json.RawMessage `json:"content"`
			IsError   bool            `json:"is_error"`
		} `json:"content"`
		Usage *Usage `json:"usage"`
	} `json:"message"`

	// Standalone tool frames
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`

	// Result frame
	Result            string             `json:"result"`
	DurationMS        int64              `json:"duration_ms"`
	NumTurns          int64              `json:"num_turns"`
	TotalCostUSD      float64            `json:"total_cost_usd"`
	Usage             *Usage             `json:"usage"`
	ModelUsage        map[string]Usage   `json:"modelUsage"`
	PermissionDenials []PermissionDenial `json:"permission_denials"`

	// Permission request frame
	RequestID string `json:"request_id"`
	Request   *struct {
		Subtype  string          `json:"subtype"`
		ToolName string          `json:"tool_name"`
		Input    json.RawMessage `json:"input"`
	} `json:"request"`

	// Error frame
	Error string `json:"error"`
}

// UnmarshalJSON tolerates both []string and [{"name": ...}] shapes for the
// tools list; the CLI has used both across versions.
func (e *frameEnvelope) UnmarshalJSON(data []byte) error {
	type alias frameEnvelope
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*e = frameEnvelope(a)

	var probe struct {
		Tools json.RawMessage `json:"tools"`
	}
	if err := json.Unmarshal(data, &probe); err != nil || len(probe.Tools) == 0 {
		return nil
	}
	var names []string
	if err := json.Unmarshal(probe.Tools, &names); err == nil {
		e.Tools = names
		return nil
	}
	var objs []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(probe.Tools, &objs); err == nil {
		for _, o := range objs {
			e.Tools = append(e.Tools, o.Name)
		}
	}
	return nil
}

// Decode turns one frame into a typed message. A malformed frame fails only
// itself; the caller moves on to the next frame.
func Decode(frame Frame) (Message, error) {
	if frame.Stop {
		return StopMessage{}, nil
	}

	var env frameEnvelope
	if err := json.Unmarshal([]byte(frame.Raw), &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	switch env.Type {
	case "system":
		return SystemMessage{
			Subtype:   env.Subtype,
			SessionID: env.SessionID,
			Model:     env.Model,
			CWD:       env.CWD,
			Tools:     env.Tools,
		}, nil

	case "assistant":
		msg := AssistantMessage{}
		if env.Message != nil {
			msg.ID = env.Message.ID
			msg.Model = env.Message.Model
			msg.Usage = env.Message.Usage
			for _, c := range env.Message.Content {
				switch c.Type {
				case "text":
					msg.Blocks = append(msg.Blocks, ContentBlock{Type: "text", Text: c.Text})
				case "thinking":
					msg.Blocks = append(msg.Blocks, ContentBlock{Type: "thinking", Thinking: c.Thinking})
				case "tool_use":
					msg.Blocks = append(msg.Blocks, ContentBlock{
						Type:    "tool_use",
						ToolUse: &ToolUse{ID: c.ID, Name: c.Name, Input: c.Input},
					})
				}
			}
		}
		return msg, nil

	case "user":
		msg := UserMessage{}
		if env.Message != nil {
			for _, c := range env.Message.Content {
				switch c.Type {
				case "text":
					msg.Text = c.Text
				case "tool_result":
					msg.ToolResults = append(msg.ToolResults, ToolResultMessage{
						ToolUseID: c.ToolUseID,
						Content:   flattenContent(c.Content),
						IsError:   c.IsError,
					})
				}
			}
		}
		return msg, nil

	case "tool_use":
		return ToolUseMessage{ToolUse{ID: env.ID, Name: env.Name, Input: env.Input}}, nil

	case "tool_result":
		return ToolResultMessage{
			ToolUseID: env.ToolUseID,
			Content:   flattenContent(env.Content),
			IsError:   env.IsError,
		}, nil

	case "result":
		return ResultMessage{
			Subtype:           env.Subtype,
			SessionID:         env.SessionID,
			IsError:           env.IsError,
			Result:            env.Result,
			DurationMS:        env.DurationMS,
			NumTurns:          env.NumTurns,
			TotalCostUSD:      env.TotalCostUSD,
			Usage:             env.Usage,
			ModelUsage:        env.ModelUsage,
			PermissionDenials: env.PermissionDenials,
		}, nil

	case "control_request":
		if env.Request != nil && env.Request.Subtype == "can_use_tool" {
			return PermissionRequestMessage{
				RequestID: env.RequestID,
				ToolName:  env.Request.ToolName,
				Input:     env.Request.Input,
			}, nil
		}
		return UnrecognizedMessage{Type: env.Type, Raw: frame.Raw}, nil

	case "error":
		text := env.Error
		if text == "" {
			text = env.Result
		}
		return ErrorMessage{Message: text}, nil

	case "interrupt":
		return InterruptMessage{}, nil

	default:
		return UnrecognizedMessage{Type: env.Type, Raw: frame.Raw}, nil
	}
}

// ExtractUsage pulls token usage out of any frame that carries it, whether
// nested under message.usage or at the top level. Returns false when the
// frame has no usage data.
func ExtractUsage(frame Frame) (Usage, bool) {
	if frame.Stop {
		return Usage{}, false
	}
	var probe struct {
		Usage   *Usage `json:"usage"`
		Message *struct {
			Usage *Usage `json:"usage"`
		} `json:"message"`
	}
	if err := json.Unmarshal([]byte(frame.Raw), &probe); err != nil {
		return Usage{}, false
	}
	if probe.Message != nil && probe.Message.Usage != nil && !probe.Message.Usage.IsZero() {
		return *probe.Message.Usage, true
	}
	if probe.Usage != nil && !probe.Usage.IsZero() {
		return *probe.Usage, true
	}
	return Usage{}, false
}

// flattenContent renders a tool result's content field, which can be a plain
// string or an array of content blocks, as text.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var out string
		for _, b := range blocks {
			if b.Type == "text" {
				if out != "" {
					out += "\n"
				}
				out += b.Text
			}
		}
		return out
	}
	return string(raw)
}
