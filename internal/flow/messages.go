package flow

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message names used on the Flow websocket.
const (
	MsgStartConversation   = "StartConversation"
	MsgConversationStarted = "ConversationStarted"
	MsgConversationEnding  = "ConversationEnding"
	MsgConversationEnded   = "ConversationEnded"
	MsgAudioAdded          = "AudioAdded"
	MsgAudioReceived       = "AudioReceived"
	MsgAudioEnded          = "AudioEnded"
	MsgAddTranscript       = "AddTranscript"
	MsgAddPartial          = "AddPartialTranscript"
	MsgResponseStarted     = "ResponseStarted"
	MsgResponseCompleted   = "ResponseCompleted"
	MsgResponseInterrupted = "ResponseInterrupted"
	MsgToolInvoke          = "ToolInvoke"
	MsgToolResult          = "ToolResult"
	MsgInfo                = "Info"
	MsgWarning             = "Warning"
	MsgError               = "Error"
)

// Pseudo kinds emitted by the client for non-JSON signals.
const (
	KindAgentAudio  = "agentAudio"
	KindSocketState = "socketState"
	KindSocketError = "socketError"
)

// Tool result statuses understood by the agent.
const (
	StatusOK       = "ok"
	StatusFailed   = "failed"
	StatusRejected = "rejected"
)

// AudioFormat describes the raw PCM stream sent to the agent.
type AudioFormat struct {
	Type       string `json:"type"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// RawPCM16 returns the raw little-endian 16-bit format at the given rate.
func RawPCM16(sampleRate int) AudioFormat {
	return AudioFormat{Type: "raw", Encoding: "pcm_s16le", SampleRate: sampleRate}
}

type ConversationConfig struct {
	TemplateID        string            `json:"template_id"`
	TemplateVariables map[string]string `json:"template_variables,omitempty"`
}

// ToolDefinition is a function schema declared to the agent at session start.
type ToolDefinition struct {
	Type     string       `json:"type"`
	Function FunctionSpec `json:"function"`
}

type FunctionSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type StartConversation struct {
	Message            string             `json:"message"`
	AudioFormat        AudioFormat        `json:"audio_format"`
	ConversationConfig ConversationConfig `json:"conversation_config"`
	Tools              []ToolDefinition   `json:"tools,omitempty"`
}

type ConversationStarted struct {
	Message string `json:"message"`
	ID      string `json:"id"`
}

type AudioReceived struct {
	Message   string  `json:"message"`
	SeqNo     int64   `json:"seq_no"`
	Buffering float64 `json:"buffering"`
}

type AudioEnded struct {
	Message   string `json:"message"`
	LastSeqNo int64  `json:"last_seq_no"`
}

// ToolInvoke is the agent's function-call request.
type ToolInvoke struct {
	Message  string       `json:"message"`
	ID       string       `json:"id"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Args decodes the call arguments. The agent sends either a JSON object or a
// string containing one; both are accepted.
func (f FunctionCall) Args() (map[string]any, error) {
	raw := strings.TrimSpace(string(f.Arguments))
	if raw == "" || raw == "null" {
		return map[string]any{}, nil
	}
	if strings.HasPrefix(raw, `"`) {
		var inner string
		if err := json.Unmarshal([]byte(raw), &inner); err != nil {
			return nil, fmt.Errorf("decode arguments string: %w", err)
		}
		raw = strings.TrimSpace(inner)
		if raw == "" {
			return map[string]any{}, nil
		}
	}
	args := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	return args, nil
}

type ToolResult struct {
	Message string `json:"message"`
	ID      string `json:"id"`
	Status  string `json:"status"`
	Content string `json:"content"`
}

// AddTranscript carries finalized user words. Each result is one word or
// punctuation mark tagged with its speaker.
type AddTranscript struct {
	Message  string             `json:"message"`
	Metadata TranscriptMetadata `json:"metadata"`
	Results  []TranscriptResult `json:"results"`
}

type TranscriptMetadata struct {
	Transcript string  `json:"transcript"`
	StartTime  float64 `json:"start_time"`
	EndTime    float64 `json:"end_time"`
}

type TranscriptResult struct {
	Type         string        `json:"type"`
	StartTime    float64       `json:"start_time"`
	EndTime      float64       `json:"end_time"`
	AttachesTo   string        `json:"attaches_to,omitempty"`
	Alternatives []Alternative `json:"alternatives"`
}

type Alternative struct {
	Content    string  `json:"content"`
	Speaker    string  `json:"speaker,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Response carries agent text for ResponseStarted, ResponseCompleted and
// ResponseInterrupted.
type Response struct {
	Message   string  `json:"message"`
	Content   string  `json:"content"`
	StartTime float64 `json:"start_time,omitempty"`
	EndTime   float64 `json:"end_time,omitempty"`
}

// Notice is an Info, Warning or Error message from the agent.
type Notice struct {
	Message string          `json:"message"`
	Type    string          `json:"type,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	Err     json.RawMessage `json:"error,omitempty"`
}

// Detail returns the most specific human-readable description available.
func (n Notice) Detail() string {
	if len(n.Err) > 0 {
		var s string
		if err := json.Unmarshal(n.Err, &s); err == nil && s != "" {
			return s
		}
		var obj struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(n.Err, &obj); err == nil && obj.Message != "" {
			return obj.Message
		}
	}
	if n.Reason != "" {
		return n.Reason
	}
	if n.Type != "" {
		return n.Type
	}
	return "Unknown error"
}

// Kind extracts the "message" discriminator of a JSON frame.
func Kind(data []byte) (string, error) {
	var envelope struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", fmt.Errorf("decode flow frame envelope: %w", err)
	}
	kind := strings.TrimSpace(envelope.Message)
	if kind == "" {
		return "", fmt.Errorf("flow frame missing message field")
	}
	return kind, nil
}
