// Package realtime speaks the realtime AI WebSocket protocol: session setup,
// audio append, response cancel, and classification of server frames.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// Client event types.
const (
	EventTypeSessionUpdate          = "session.update"
	EventTypeInputAudioBufferAppend = "input_audio_buffer.append"
	EventTypeResponseCancel         = "response.cancel"
)

// Server event types matched exactly; the rest are matched by pattern.
const (
	EventTypeResponseDone      = "response.done"
	EventTypeResponseCompleted = "response.completed"
	EventTypeResponseCanceled  = "response.canceled"
	EventTypeResponseStopped   = "response.stopped"
	EventTypeError             = "error"
)

// TransferToolName is the function the assistant calls to transfer a caller.
const TransferToolName = "redirect_call"

// ErrMalformedFrame wraps frames that are not valid JSON objects.
var ErrMalformedFrame = errors.New("malformed realtime frame")

// Event is a classified server frame. The concrete types below are the only
// implementations.
type Event interface {
	eventType() string
}

// ToolCall is a function-call frame. Arguments is nil when they could not be
// parsed; ArgumentsErr says why.
type ToolCall struct {
	Type         string
	Name         string
	CallID       string
	Arguments    map[string]any
	ArgumentsErr error
}

// CallerTranscript is recognized caller speech.
type CallerTranscript struct {
	Type string
	Text string
}

// AssistantTranscript is the transcript of the assistant's spoken audio.
type AssistantTranscript struct {
	Type string
	Text string
}

// AssistantText is text output of the assistant.
type AssistantText struct {
	Type string
	Text string
}

// AudioDelta carries base64 μ-law audio for the caller.
type AudioDelta struct {
	Type    string
	Payload string
}

// ResponseDone marks a response completed, canceled or stopped.
type ResponseDone struct {
	Type string
}

// ErrorEvent is an error reported by the upstream.
type ErrorEvent struct {
	Code    string
	Message string
}

// Unknown is any frame the relay has no use for.
type Unknown struct {
	Type string
}

func (e ToolCall) eventType() string            { return e.Type }
func (e CallerTranscript) eventType() string    { return e.Type }
func (e AssistantTranscript) eventType() string { return e.Type }
func (e AssistantText) eventType() string       { return e.Type }
func (e AudioDelta) eventType() string          { return e.Type }
func (e ResponseDone) eventType() string        { return e.Type }
func (e ErrorEvent) eventType() string          { return EventTypeError }
func (e Unknown) eventType() string             { return e.Type }

// TypeOf returns the wire type of a classified event.
func TypeOf(e Event) string {
	if e == nil {
		return ""
	}
	return e.eventType()
}

type wireFrame struct {
	Type         string          `json:"type"`
	Delta        json.RawMessage `json:"delta"`
	Transcript   string          `json:"transcript"`
	Text         string          `json:"text"`
	Audio        string          `json:"audio"`
	Name         string          `json:"name"`
	CallID       string          `json:"call_id"`
	Arguments    json.RawMessage `json:"arguments"`
	FunctionCall *wireFunction   `json:"function_call"`
	ToolCalls    []wireToolCall  `json:"tool_calls"`
	Error        *wireError      `json:"error"`
}

type wireFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type wireToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Function  *wireFunction   `json:"function"`
}

type wireError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Classify decodes one server frame. Tool frames are checked first, then
// transcripts, text, audio, completion and errors.
func Classify(raw []byte) (Event, error) {
	var f wireFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	kind := f.Type
	switch {
	case strings.Contains(kind, "function_call") || strings.HasSuffix(kind, "tool_calls"):
		return classifyTool(f), nil
	case strings.Contains(kind, "input_audio_transcript"):
		return CallerTranscript{Type: kind, Text: firstText(f.Delta, f.Transcript)}, nil
	case strings.Contains(kind, "response.audio_transcript"):
		return AssistantTranscript{Type: kind, Text: firstText(f.Delta, f.Transcript)}, nil
	case strings.HasPrefix(kind, "response.text") || strings.Contains(kind, "content_part"):
		return AssistantText{Type: kind, Text: firstText(f.Delta, f.Text)}, nil
	case strings.HasPrefix(kind, "response.audio"):
		return AudioDelta{Type: kind, Payload: firstText(f.Delta, f.Audio)}, nil
	case kind == EventTypeResponseDone || kind == EventTypeResponseCompleted ||
		kind == EventTypeResponseCanceled || kind == EventTypeResponseStopped:
		return ResponseDone{Type: kind}, nil
	case kind == EventTypeError:
		e := ErrorEvent{}
		if f.Error != nil {
			e.Code, e.Message = f.Error.Code, f.Error.Message
		}
		return e, nil
	default:
		return Unknown{Type: kind}, nil
	}
}

// firstText returns the delta when it is a non-empty JSON string, else alt.
func firstText(delta json.RawMessage, alt string) string {
	if len(delta) > 0 {
		var s string
		if json.Unmarshal(delta, &s) == nil && s != "" {
			return s
		}
	}
	return alt
}

func classifyTool(f wireFrame) ToolCall {
	call := ToolCall{Type: f.Type, Name: f.Name, CallID: f.CallID}
	args := f.Arguments
	if f.FunctionCall != nil {
		if call.Name == "" {
			call.Name = f.FunctionCall.Name
		}
		if len(args) == 0 {
			args = f.FunctionCall.Arguments
		}
	}
	if len(f.ToolCalls) > 0 {
		tc := f.ToolCalls[0]
		name, tcArgs := tc.Name, tc.Arguments
		if tc.Function != nil {
			if name == "" {
				name = tc.Function.Name
			}
			if len(tcArgs) == 0 {
				tcArgs = tc.Function.Arguments
			}
		}
		if call.Name == "" {
			call.Name = name
		}
		if call.CallID == "" {
			call.CallID = tc.ID
		}
		if len(args) == 0 {
			args = tcArgs
		}
	}
	call.Arguments, call.ArgumentsErr = parseArguments(args)
	return call
}

// parseArguments accepts either a JSON object or a string holding one.
// Malformed strings get one repair attempt.
func parseArguments(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("arguments: %w", err)
	}
	if strings.TrimSpace(s) == "" {
		return map[string]any{}, nil
	}
	err := json.Unmarshal([]byte(s), &obj)
	if err == nil {
		return obj, nil
	}
	var syntaxErr *json.SyntaxError
	if !errors.As(err, &syntaxErr) {
		return nil, fmt.Errorf("arguments: %w", err)
	}
	repaired, rerr := jsonrepair.JSONRepair(s)
	if rerr != nil {
		return nil, fmt.Errorf("arguments: %w", err)
	}
	obj = nil
	if err := json.Unmarshal([]byte(repaired), &obj); err != nil {
		return nil, fmt.Errorf("arguments after repair: %w", err)
	}
	return obj, nil
}

// StringArg returns args[key] when it is a string, trimmed.
func StringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	if s, ok := args[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}
