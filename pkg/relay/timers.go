package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/harunnryd/switchboard/pkg/errorsx"
	"github.com/harunnryd/switchboard/pkg/transports/twilio"
)

// heartbeat keeps the telephony stream warm with empty media frames once
// streaming has begun.
func (c *call) heartbeat() error {
	ticker := time.NewTicker(c.engine.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return nil
		case <-ticker.C:
			sid := c.sess.streamSID()
			if sid == "" || c.sess.State() != StateStreaming {
				continue
			}
			if err := c.tel.SendMedia(sid, ""); err != nil {
				if errors.Is(err, twilio.ErrSendBacklog) {
					continue
				}
				return errorsx.Wrap(fmt.Errorf("heartbeat: %w", err), errorsx.ReasonTelephonySend)
			}
		}
	}
}

// watchdog ends calls whose caller audio stopped arriving while the
// assistant is quiet. It never cuts off a response in progress.
func (c *call) watchdog() error {
	opts := c.engine.opts
	ticker := time.NewTicker(opts.IdlePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return nil
		case <-ticker.C:
			now := c.engine.now()
			c.sess.releaseStalled(now, opts.SpeakingStall)
			if c.sess.idle(now, opts.IdleTimeout) {
				c.log().Info("relay_idle_timeout", "idle_timeout", opts.IdleTimeout.String())
				return errIdleTimeout
			}
		}
	}
}
