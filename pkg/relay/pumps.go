package relay

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/harunnryd/switchboard/pkg/callctx"
	"github.com/harunnryd/switchboard/pkg/destinations"
	"github.com/harunnryd/switchboard/pkg/errorsx"
	"github.com/harunnryd/switchboard/pkg/metrics"
	"github.com/harunnryd/switchboard/pkg/realtime"
	"github.com/harunnryd/switchboard/pkg/redact"
	"github.com/harunnryd/switchboard/pkg/transcript"
	"github.com/harunnryd/switchboard/pkg/transfer"
	"github.com/harunnryd/switchboard/pkg/transports/twilio"
	"github.com/harunnryd/switchboard/pkg/voice"
)

// inbound reads telephony events until the caller hangs up or the stream
// fails. Malformed events are dropped.
func (c *call) inbound() error {
	for {
		ev, err := c.tel.ReadEvent()
		if c.ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if errors.Is(err, twilio.ErrMalformedEvent) {
				c.log().Warn("relay_telephony_event_invalid",
					errorsx.ReasonAttr(err),
					"error", err,
				)
				continue
			}
			c.log().Info("relay_telephony_closed", "error", err)
			return errTelephonyClosed
		}
		if err := c.handleTelephony(ev); err != nil {
			return err
		}
	}
}

func (c *call) handleTelephony(ev twilio.Event) error {
	switch ev.Event {
	case twilio.EventStart:
		return c.handleStart(ev)
	case twilio.EventMedia:
		return c.handleMedia(ev)
	case twilio.EventStop:
		return c.handleStop()
	default:
		return nil
	}
}

func (c *call) handleStart(ev twilio.Event) error {
	if !c.sess.started.CompareAndSwap(false, true) {
		c.log().Warn("relay_duplicate_start")
		return nil
	}
	e := c.engine
	start := ev.Start
	streamSID := ev.StreamSID
	if start != nil && start.StreamSID != "" {
		streamSID = start.StreamSID
	}
	callSID := start.ResolveCallSID()

	cc := e.deps.Store.MergeIfMissing(callSID, callctx.CallContext{
		CallSID:      callSID,
		StreamSID:    streamSID,
		AccountPhone: start.Param(twilio.ParamAccountPhone),
		Host:         twilio.NormalizeHost(start.Param(twilio.ParamHostname)),
	})
	if cc.StreamSID == "" {
		cc.StreamSID = streamSID
	}
	if (cc.Prompt == "" || cc.Voice == "") && e.deps.Profiles != nil {
		prompt, v := e.deps.Profiles.Lookup(c.ctx, cc.AccountPhone)
		if cc.Prompt == "" {
			cc.Prompt = prompt
		}
		if cc.Voice == "" {
			cc.Voice = v
		}
		cc = e.deps.Store.MergeIfMissing(callSID, cc)
	}
	cc.StreamSID = streamSID
	cc.Voice = voice.Normalize(string(cc.Voice), e.opts.DefaultVoice)
	c.sess.setCallContext(cc)
	c.bindLogger(cc)

	model := e.opts.Models.Select(cc.Voice)
	up, err := e.deps.Dial(c.ctx, model, cc.Voice)
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonUpstreamConnect)
		c.log().Error("relay_upstream_connect_failed",
			"model", model,
			errorsx.ReasonAttr(err),
			"error", err,
		)
		return err
	}

	dests := c.lookupDestinations(cc.AccountPhone)
	cfg := realtime.NewSessionConfig(realtime.SessionParams{
		Prompt:             cc.Prompt,
		Voice:              cc.Voice,
		Destinations:       dests,
		Temperature:        e.opts.Temperature,
		TranscriptionModel: e.opts.TranscriptionModel,
	})
	if err := up.UpdateSession(cfg); err != nil {
		_ = up.Close(closeServerError, "session update failed")
		return errorsx.Wrap(fmt.Errorf("session update: %w", err), errorsx.ReasonUpstreamSend)
	}
	if !c.sess.attachUpstream(up) {
		_ = up.Close(closeNormal, "call ended")
		return nil
	}
	c.sess.setState(StateStreaming)
	c.group.Go(c.outbound)
	e.record(metrics.CallStarted, 1, map[string]string{"model": model, "voice": cc.Voice.String()}, nil)
	c.log().Info("relay_streaming",
		"model", model,
		"voice", cc.Voice.String(),
		"destinations", len(dests),
	)

	if silence := twilio.SilenceULaw(e.opts.InitialSilence); len(silence) > 0 {
		payload := base64.StdEncoding.EncodeToString(silence)
		if err := c.tel.SendMedia(streamSID, payload); err != nil {
			c.log().Warn("relay_initial_silence_failed", "error", err)
		}
	}
	return nil
}

func (c *call) lookupDestinations(phone string) []destinations.Destination {
	if c.engine.deps.Destinations == nil || phone == "" {
		return nil
	}
	return c.engine.deps.Destinations.Lookup(c.ctx, phone)
}

func (c *call) handleMedia(ev twilio.Event) error {
	up := c.sess.Upstream()
	if up == nil || ev.Media == nil {
		return nil
	}
	now := c.engine.now()
	if c.sess.bargeIn(now) {
		if err := up.CancelResponse(); err != nil {
			c.log().Warn("relay_cancel_failed", "error", err)
		}
		if err := c.tel.Clear(c.sess.streamSID()); err != nil {
			c.log().Debug("relay_clear_failed", "error", err)
		}
		c.engine.record(metrics.BargeIn, 1, nil, nil)
		c.log().Info("relay_barge_in")
	}
	if err := up.AppendAudio(ev.Media.Payload); err != nil {
		err = errorsx.Wrap(fmt.Errorf("append audio: %w", err), errorsx.ReasonUpstreamSend)
		c.log().Error("relay_upstream_send_failed",
			errorsx.ReasonAttr(err),
			"error", err,
		)
		return err
	}
	c.sess.noteInboundAudio(now)
	return nil
}

func (c *call) handleStop() error {
	c.sess.setState(StateStopping)
	c.schedulePersist()
	c.log().Info("relay_caller_hangup")
	return errCallEnded
}

// outbound consumes upstream frames until the upstream closes or a transfer
// takes the call away.
func (c *call) outbound() error {
	up := c.sess.Upstream()
	if up == nil {
		return nil
	}
	for ev, err := range up.Events() {
		if c.ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if errors.Is(err, realtime.ErrMalformedFrame) {
				c.log().Warn("relay_upstream_frame_invalid",
					errorsx.ReasonAttr(err),
					"error", err,
				)
				continue
			}
			c.log().Error("relay_upstream_read_failed",
				errorsx.ReasonAttr(err),
				"error", err,
			)
			return err
		}
		transferred, herr := c.handleUpstream(ev)
		if c.sess.releaseStalled(c.engine.now(), c.engine.opts.SpeakingStall) {
			c.log().Debug("relay_speaking_stalled")
		}
		if herr != nil {
			return herr
		}
		if transferred {
			return errTransferred
		}
	}
	if c.ctx.Err() != nil {
		return nil
	}
	return errUpstreamClosed
}

// handleUpstream applies one frame and reports whether the call was
// transferred.
func (c *call) handleUpstream(ev realtime.Event) (bool, error) {
	switch ev := ev.(type) {
	case realtime.ToolCall:
		return c.handleToolCall(ev), nil
	case realtime.CallerTranscript:
		c.transcribe(transcript.Caller, ev.Text)
	case realtime.AssistantTranscript:
		c.transcribe(transcript.Assistant, ev.Text)
	case realtime.AssistantText:
		c.transcribe(transcript.Assistant, ev.Text)
	case realtime.AudioDelta:
		if ev.Payload == "" {
			return false, nil
		}
		if !c.sess.assistantAudio(c.engine.now(), c.engine.opts.BargeInSuppress) {
			return false, nil
		}
		if err := c.tel.SendMedia(c.sess.streamSID(), ev.Payload); err != nil {
			if errors.Is(err, twilio.ErrSendBacklog) {
				c.log().Warn("relay_media_dropped", errorsx.ReasonAttr(err), "error", err)
				return false, nil
			}
			return false, errorsx.Wrap(fmt.Errorf("send media: %w", err), errorsx.ReasonTelephonySend)
		}
	case realtime.ResponseDone:
		c.sess.StopSpeaking()
	case realtime.ErrorEvent:
		c.log().Warn("relay_upstream_error",
			"code", ev.Code,
			"message", ev.Message,
			"reason_code", string(errorsx.ReasonUpstreamError),
		)
	default:
		c.log().Debug("relay_upstream_frame_ignored", "type", realtime.TypeOf(ev))
	}
	return false, nil
}

func (c *call) transcribe(speaker transcript.Speaker, text string) {
	c.sess.recorder.Add(speaker, text)
	c.log().Debug("relay_transcript", "speaker", string(speaker), "text", redact.Text(text))
}

// handleToolCall runs a transfer request. Unknown labels and provider
// failures keep the conversation going.
func (c *call) handleToolCall(tc realtime.ToolCall) bool {
	if tc.Name != realtime.TransferToolName {
		c.log().Debug("relay_tool_ignored", "tool", tc.Name)
		return false
	}
	if tc.ArgumentsErr != nil {
		c.log().Warn("relay_tool_arguments_invalid",
			"tool", tc.Name,
			"reason_code", string(errorsx.ReasonUpstreamParse),
			"error", tc.ArgumentsErr,
		)
		return false
	}
	e := c.engine
	label := realtime.StringArg(tc.Arguments, "label")
	number := realtime.StringArg(tc.Arguments, "number")
	cc := c.sess.CallContext()
	if label != "" && e.deps.Destinations != nil {
		if _, ok := e.deps.Destinations.Find(c.ctx, cc.AccountPhone, label); !ok {
			c.log().Warn("relay_transfer_label_unknown", "label", label)
			if number == "" {
				return false
			}
			label = ""
		}
	}
	if label == "" && number == "" {
		c.log().Warn("relay_transfer_without_target")
		return false
	}
	if e.deps.Transfers == nil {
		c.log().Warn("relay_transfer_unavailable")
		return false
	}
	if err := e.deps.Transfers.Transfer(c.ctx, c.sess, label, number); err != nil {
		if !errors.Is(err, transfer.ErrAlreadyTransferred) {
			e.record(metrics.Transfer, 0, map[string]string{"outcome": "failed", "reason_code": string(errorsx.Reason(err))}, nil)
			c.log().Warn("relay_transfer_failed",
				"label", label,
				errorsx.ReasonAttr(err),
				"error", err,
			)
		}
		return false
	}
	c.sess.setState(StateTransferring)
	e.record(metrics.Transfer, 1, map[string]string{"outcome": "ok"}, nil)
	c.log().Info("relay_transferred", "label", label, "to", redact.Phone(number))
	return true
}
