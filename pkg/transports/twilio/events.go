package twilio

// Event is one Media Streams message from the telephony provider.
type Event struct {
	Event          string `json:"event"`
	SequenceNumber string `json:"sequenceNumber,omitempty"`
	StreamSID      string `json:"streamSid,omitempty"`
	Start          *Start `json:"start,omitempty"`
	Media          *Media `json:"media,omitempty"`
	Mark           *Mark  `json:"mark,omitempty"`
	Stop           *Stop  `json:"stop,omitempty"`
}

const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventStop      = "stop"
)

type Start struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	AccountSID       string            `json:"accountSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type Media struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type Mark struct {
	Name string `json:"name"`
}

type Stop struct {
	AccountSID string `json:"accountSid,omitempty"`
	CallSID    string `json:"callSid,omitempty"`
}

// Stream parameter names set on <Stream> by the incoming-call webhook.
const (
	ParamCallSID      = "callSid"
	ParamAccountPhone = "acctPhone"
	ParamHostname     = "hostname"
)

// Param returns a custom stream parameter.
func (s *Start) Param(name string) string {
	if s == nil || s.CustomParameters == nil {
		return ""
	}
	return s.CustomParameters[name]
}

// ResolveCallSID prefers the provider call ID, then the custom parameters.
func (s *Start) ResolveCallSID() string {
	if s == nil {
		return ""
	}
	if s.CallSID != "" {
		return s.CallSID
	}
	if v := s.Param(ParamCallSID); v != "" {
		return v
	}
	return s.Param("callsid")
}
