package server

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/harunnryd/switchboard/pkg/callctx"
	"github.com/harunnryd/switchboard/pkg/redact"
	"github.com/harunnryd/switchboard/pkg/transports/twilio"
)

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"OK"}`))
}

// handleIncomingCall records the call's context and connects the call to
// the media stream behind a greeting.
func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodHead:
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodGet, http.MethodPost:
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	to := strings.TrimSpace(r.FormValue("To"))
	callSID := strings.TrimSpace(r.FormValue("CallSid"))
	host := twilio.Hostname(r)

	cc := callctx.CallContext{AccountPhone: to, Host: host}
	if s.deps.Profiles != nil {
		cc.Prompt, cc.Voice = s.deps.Profiles.Lookup(r.Context(), to)
	}
	if s.deps.Store != nil {
		s.deps.Store.Put(callSID, cc)
	}

	greeting := "https://" + host + PathInitialAudio + url.PathEscape(to)
	stream := "wss://" + host + PathMediaStream
	body, err := twilio.ConnectStream(greeting, stream,
		twilio.Param{Name: twilio.ParamCallSID, Value: callSID},
		twilio.Param{Name: twilio.ParamAccountPhone, Value: to},
		twilio.Param{Name: twilio.ParamHostname, Value: host},
	)
	if err != nil {
		s.logger.Error("incoming_call_twiml_failed", "call_sid", callSID, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	s.logger.Info("incoming_call",
		"call_sid", callSID,
		"to", redact.Phone(to),
		"voice", cc.Voice.String(),
		"host", host,
	)
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(body))
}

func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	if !s.admit() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	defer s.release()
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("media_stream_upgrade_failed", "error", err)
		return
	}

	stream := twilio.NewMediaStream(conn)
	if err := s.deps.Calls.Run(s.ctx, stream); err != nil {
		s.logger.Warn("media_stream_call_failed", "error", err)
	}
}

// handleInitialAudio serves the account's greeting, or a second of silence
// so the provider moves on to the stream.
func (s *Server) handleInitialAudio(w http.ResponseWriter, r *http.Request) {
	phone := r.PathValue("phone")
	if s.deps.Greetings != nil && phone != "" {
		audio, err := s.deps.Greetings.GreetingAudio(r.Context(), phone)
		if err != nil {
			s.logger.Warn("initial_audio_lookup_failed", "phone", redact.Phone(phone), "error", err)
		}
		if len(audio) > 0 {
			w.Header().Set("Content-Type", "audio/mpeg")
			_, _ = w.Write(audio)
			return
		}
	}
	w.Header().Set("Content-Type", "audio/ulaw")
	_, _ = w.Write(twilio.SilenceULaw(time.Second))
}
