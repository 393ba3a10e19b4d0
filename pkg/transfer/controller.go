// Package transfer redirects live calls to a human destination: the
// controller asks the provider to re-fetch call instructions, and the
// redirect handler answers that fetch with a dial or an apology.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/harunnryd/switchboard/pkg/callctx"
	"github.com/harunnryd/switchboard/pkg/errorsx"
	"github.com/harunnryd/switchboard/pkg/redact"
	"github.com/harunnryd/switchboard/pkg/transports/twilio"
)

// RedirectPath is served by Redirector.
const RedirectPath = "/redirecting-call"

var (
	ErrAlreadyTransferred = errors.New("call already transferred")
	ErrNoTarget           = errors.New("transfer needs a label or number")
	ErrUnknownCall        = errors.New("transfer needs a call sid")
	ErrNoHost             = errors.New("no public host for transfer callback")
)

// Session is the live call a transfer acts on.
type Session interface {
	CallContext() callctx.CallContext
	TransferTriggered() bool
	MarkTransferred()
	StopSpeaking()
	CancelResponse() error
}

type Options struct {
	// PublicHost overrides every per-call host when no call-scoped host is
	// known.
	PublicHost string
	// FallbackHost is the last resort. Empty means transfers fail when no
	// other host is known.
	FallbackHost string
	Logger       *slog.Logger
}

type Controller struct {
	updater      twilio.CallUpdater
	store        *callctx.Store
	publicHost   string
	fallbackHost string
	logger       *slog.Logger
}

func NewController(updater twilio.CallUpdater, store *callctx.Store, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		updater:      updater,
		store:        store,
		publicHost:   twilio.NormalizeHost(opts.PublicHost),
		fallbackHost: twilio.NormalizeHost(opts.FallbackHost),
		logger:       logger,
	}
}

// Transfer redirects the session's call to label, or to number when no
// label is given. It is a no-op returning ErrAlreadyTransferred once a
// transfer has succeeded for the call. A provider failure leaves the
// session untouched so the conversation can continue.
func (c *Controller) Transfer(ctx context.Context, sess Session, label, number string) error {
	if sess.TransferTriggered() {
		return ErrAlreadyTransferred
	}
	cc := sess.CallContext()
	if cc.CallSID == "" {
		return ErrUnknownCall
	}
	if stored, ok := c.store.Get(cc.CallSID); ok && stored.TransferTriggered {
		return ErrAlreadyTransferred
	}
	label, number = strings.TrimSpace(label), strings.TrimSpace(number)
	q := url.Values{}
	switch {
	case label != "":
		q.Set("label", label)
	case number != "":
		q.Set("to", number)
	default:
		return ErrNoTarget
	}
	q.Set("phone", cc.AccountPhone)

	host := c.resolveHost(cc)
	if host == "" {
		c.logger.Error("transfer_no_host",
			"call_sid", cc.CallSID,
			"reason_code", string(errorsx.ReasonTransferNoHost),
		)
		return errorsx.Wrap(ErrNoHost, errorsx.ReasonTransferNoHost)
	}
	target := "https://" + host + RedirectPath + "?" + q.Encode()

	if err := ctx.Err(); err != nil {
		return err
	}
	c.logger.Info("transfer_redirect",
		"call_sid", cc.CallSID,
		"label", label,
		"to", redact.Phone(number),
		"host", host,
	)
	if err := twilio.RedirectCall(c.updater, cc.CallSID, target); err != nil {
		err = errorsx.Wrap(fmt.Errorf("update call %s: %w", cc.CallSID, err), errorsx.ReasonTransferUpdate)
		c.logger.Error("transfer_update_failed",
			"call_sid", cc.CallSID,
			errorsx.ReasonAttr(err),
			"error", err,
		)
		return err
	}

	sess.MarkTransferred()
	c.store.MarkTransferred(cc.CallSID)
	sess.StopSpeaking()
	if err := sess.CancelResponse(); err != nil {
		c.logger.Warn("transfer_cancel_failed", "call_sid", cc.CallSID, "error", err)
	}
	return nil
}

// resolveHost walks the call's own host, the stored host, any live context
// sharing the call or account, the public override, then the fallback.
func (c *Controller) resolveHost(cc callctx.CallContext) string {
	if h := twilio.NormalizeHost(cc.Host); h != "" {
		return h
	}
	if stored, ok := c.store.Get(cc.CallSID); ok {
		if h := twilio.NormalizeHost(stored.Host); h != "" {
			return h
		}
	}
	if h := twilio.NormalizeHost(c.store.FindHost(cc.CallSID, cc.AccountPhone)); h != "" {
		return h
	}
	if c.publicHost != "" {
		return c.publicHost
	}
	return c.fallbackHost
}
