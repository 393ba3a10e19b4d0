package transfer

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/harunnryd/switchboard/pkg/destinations"
	"github.com/harunnryd/switchboard/pkg/redact"
	"github.com/harunnryd/switchboard/pkg/transports/twilio"
)

const (
	apologyMessage = "Sorry, I couldn’t reach that department."
	apologyVoice   = "Polly.Amy"
)

// Resolver finds a destination for a free-text label, exact match first.
type Resolver interface {
	Resolve(ctx context.Context, phone, label string) (destinations.Destination, bool)
}

// Redirector answers the provider's fetch of the transfer callback URL.
type Redirector struct {
	Destinations Resolver
	Logger       *slog.Logger
}

func (h Redirector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	q := r.URL.Query()
	phone := strings.TrimSpace(q.Get("phone"))
	to := strings.TrimSpace(q.Get("to"))
	label := strings.TrimSpace(q.Get("label"))
	ext := strings.TrimSpace(q.Get("ext"))

	target := to
	if target == "" && label != "" {
		var (
			dest destinations.Destination
			ok   bool
		)
		if h.Destinations != nil {
			dest, ok = h.Destinations.Resolve(r.Context(), phone, label)
		}
		if !ok {
			logger.Warn("redirect_label_not_found", "label", label, "phone", redact.Phone(phone))
			body, err := twilio.Say(apologyMessage, apologyVoice)
			if err != nil {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			writeTwiML(w, body)
			return
		}
		target = dest.Number
		if dest.Extension != "" {
			ext = dest.Extension
		}
	}

	if !strings.HasPrefix(target, "+") {
		logger.Error("redirect_bad_target", "label", label, "to", redact.Phone(target))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	body, err := twilio.DialNumber(target, sendDigits(ext))
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	logger.Info("redirect_dial", "label", label, "to", redact.Phone(target))
	writeTwiML(w, body)
}

// sendDigits pauses for the far end to answer, then keys ext and '#'.
// Anything other than plain digits is ignored.
func sendDigits(ext string) string {
	if !(destinations.Destination{Extension: ext}).HasDigitExtension() {
		return ""
	}
	return "ww" + ext + "#"
}

func writeTwiML(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}
