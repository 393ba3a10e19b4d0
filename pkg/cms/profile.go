package cms

import (
	"context"
	"log/slog"
	"strings"

	"github.com/harunnryd/switchboard/pkg/errorsx"
	"github.com/harunnryd/switchboard/pkg/redact"
	"github.com/harunnryd/switchboard/pkg/voice"
)

// AccountSource is the account lookup used by Profiles.
type AccountSource interface {
	Account(ctx context.Context, phone string) (Account, error)
}

// Profiles resolves the prompt and voice for a call with safe defaults, so
// a backend outage degrades the conversation instead of failing it.
type Profiles struct {
	Source        AccountSource
	DefaultPrompt string
	DefaultVoice  voice.Voice
	Logger        *slog.Logger
}

// Lookup never fails: unknown or unreachable accounts get the defaults and
// stored voices are normalized against the supported set.
func (p Profiles) Lookup(ctx context.Context, phone string) (string, voice.Voice) {
	prompt, v := p.DefaultPrompt, voice.Normalize("", p.DefaultVoice)
	if p.Source == nil || phone == "" {
		return prompt, v
	}
	acct, err := p.Source.Account(ctx, phone)
	if err != nil {
		logger := p.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("cms_profile_lookup_failed",
			"phone", redact.Phone(phone),
			errorsx.ReasonAttr(err),
			"error", err,
		)
		return prompt, v
	}
	if s := strings.TrimSpace(acct.Prompt); s != "" {
		prompt = s
	}
	return prompt, voice.Normalize(acct.Voice, p.DefaultVoice)
}
