package realtime

import (
	"fmt"
	"strings"

	"github.com/harunnryd/switchboard/pkg/destinations"
	"github.com/harunnryd/switchboard/pkg/voice"
)

const audioFormatG711ULaw = "g711_ulaw"

// SessionConfig is the "session" body of a session.update event.
type SessionConfig struct {
	TurnDetection           *TurnDetection       `json:"turn_detection,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string               `json:"output_audio_format,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	Modalities              []string             `json:"modalities,omitempty"`
	Temperature             float64              `json:"temperature,omitempty"`
	InputAudioTranscription *TranscriptionConfig `json:"input_audio_transcription,omitempty"`
	Tools                   []Tool               `json:"tools"`
}

type TurnDetection struct {
	Type string `json:"type"`
}

type TranscriptionConfig struct {
	Model string `json:"model"`
}

// Tool is a function the assistant may call.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// SessionParams are the per-call inputs to a session configuration.
type SessionParams struct {
	Prompt             string
	Voice              voice.Voice
	Destinations       []destinations.Destination
	Temperature        float64
	TranscriptionModel string
}

// NewSessionConfig builds the session sent right after connecting: the
// account prompt plus routing guidance, and the transfer tool only when the
// account has destinations.
func NewSessionConfig(p SessionParams) SessionConfig {
	cfg := SessionConfig{
		TurnDetection:     &TurnDetection{Type: "server_vad"},
		InputAudioFormat:  audioFormatG711ULaw,
		OutputAudioFormat: audioFormatG711ULaw,
		Voice:             string(p.Voice),
		Instructions:      buildInstructions(p.Prompt, p.Destinations),
		Modalities:        []string{"text", "audio"},
		Temperature:       p.Temperature,
		Tools:             []Tool{},
	}
	if p.TranscriptionModel != "" {
		cfg.InputAudioTranscription = &TranscriptionConfig{Model: p.TranscriptionModel}
	}
	if len(p.Destinations) > 0 {
		cfg.Tools = append(cfg.Tools, transferTool())
	}
	return cfg
}

func buildInstructions(prompt string, dests []destinations.Destination) string {
	parts := []string{strings.TrimSpace(prompt)}
	if len(dests) == 0 {
		parts = append(parts, "No transfer destinations are configured. Just answer questions.")
		return strings.Join(parts, "\n\n")
	}
	lines := make([]string, 0, len(dests))
	for _, d := range dests {
		label, desc := d.Label, d.Description
		if label == "" {
			label = "(no label)"
		}
		if desc == "" {
			desc = "(no description)"
		}
		lines = append(lines, fmt.Sprintf("• **%s** – %s", label, desc))
	}
	parts = append(parts,
		"**You are a call-router. Your primary job is to transfer** the caller to the correct destination as quickly and politely as possible.",
		"### Transfer options\n"+strings.Join(lines, "\n"),
		fmt.Sprintf("Use the `%s` tool **only** with the `label` that exactly matches one of the bullets above.", TransferToolName),
		fmt.Sprintf("When the caller's request clearly matches one of the departments, ask if they would like to be transferred. Only call `%s` after they explicitly confirm.", TransferToolName),
		"If the caller declines all transfers, answer their questions yourself.",
	)
	return strings.Join(parts, "\n\n")
}

func transferTool() Tool {
	return Tool{
		Type:        "function",
		Name:        TransferToolName,
		Description: "Connect the live caller to another phone number",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"label":  map[string]any{"type": "string", "description": "One of the configured transfer labels"},
				"number": map[string]any{"type": "string", "description": "Fallback: E.164 number if no label applies"},
			},
			"required": []string{},
		},
	}
}

// ModelSelector picks the upstream model for a voice.
type ModelSelector struct {
	Full       string
	Light      string
	LightVoice voice.Voice
}

// Select returns the light model for the light voice and the full model
// otherwise.
func (m ModelSelector) Select(v voice.Voice) string {
	if m.Light != "" && v == m.LightVoice {
		return m.Light
	}
	return m.Full
}
