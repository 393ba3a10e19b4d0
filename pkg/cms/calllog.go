package cms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/harunnryd/switchboard/pkg/errorsx"
	"github.com/harunnryd/switchboard/pkg/transcript"
)

// CallRecord is a finished call ready for the call log.
type CallRecord struct {
	CallSID    string
	Prompt     string
	OwnerPhone string
	StartedAt  time.Time
	Transcript []transcript.Fragment
}

type callLogPost struct {
	Title   string      `json:"title"`
	Status  string      `json:"status"`
	Content string      `json:"content"`
	Meta    callLogMeta `json:"meta"`
}

type callLogMeta struct {
	PromptUsed string `json:"prompt_used"`
	CallSID    string `json:"call_sid"`
	OwnerPhone string `json:"owner_phone"`
}

// SaveCall publishes rec to the call log. The transcript should already be
// reconciled.
func (c *Client) SaveCall(ctx context.Context, rec CallRecord) error {
	if c.user == "" || c.password == "" {
		return errorsx.Wrap(ErrMissingCredentials, errorsx.ReasonCMSPersist)
	}
	lines := rec.Transcript
	if lines == nil {
		lines = []transcript.Fragment{}
	}
	content, err := json.Marshal(lines)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonCMSPersist)
	}
	post := callLogPost{
		Title:   "Call " + rec.StartedAt.UTC().Format(time.RFC3339),
		Status:  "publish",
		Content: string(content),
		Meta: callLogMeta{
			PromptUsed: rec.Prompt,
			CallSID:    rec.CallSID,
			OwnerPhone: rec.OwnerPhone,
		},
	}
	body, err := json.Marshal(post)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonCMSPersist)
	}
	if err := c.do(ctx, http.MethodPost, pathCallLog, nil, body, true, nil); err != nil {
		return errorsx.Wrap(fmt.Errorf("save call %s: %w", rec.CallSID, err), errorsx.ReasonCMSPersist)
	}
	return nil
}
