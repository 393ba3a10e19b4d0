package twilio

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/harunnryd/switchboard/pkg/errorsx"
)

// SignatureValidator checks X-Twilio-Signature on webhook requests.
type SignatureValidator struct {
	AuthToken string
	// PublicURL, when set, replaces the scheme and host seen by the server
	// (useful behind proxies that rewrite Host).
	PublicURL string
}

// Valid reports whether r carries a valid signature. The body is restored
// for later handlers.
func (v SignatureValidator) Valid(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || v.AuthToken == "" {
		return false
	}
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return false
		}
		_ = r.Body.Close()
		body = b
		r.Body = io.NopCloser(bytes.NewReader(body))
	}
	validator := twilioclient.NewRequestValidator(v.AuthToken)
	return validator.ValidateBody(v.RequestURL(r), body, signature)
}

// RequestURL reconstructs the URL the provider signed.
func (v SignatureValidator) RequestURL(r *http.Request) string {
	if v.PublicURL != "" {
		base := strings.TrimRight(v.PublicURL, "/")
		if !strings.Contains(base, "://") {
			base = "https://" + base
		}
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// Require wraps next so unsigned or badly signed requests get 403.
func (v SignatureValidator) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !v.Valid(r) {
			slog.Warn("twilio_invalid_signature",
				"path", r.URL.Path,
				"reason_code", string(errorsx.ReasonTransportInvalidSignature),
			)
			w.WriteHeader(http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Hostname returns the request host without port.
func Hostname(r *http.Request) string {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host
}

// NormalizeHost strips scheme, trailing slashes and any path from v.
func NormalizeHost(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	v = strings.TrimPrefix(v, "wss://")
	v = strings.TrimPrefix(v, "ws://")
	if i := strings.IndexByte(v, '/'); i >= 0 {
		v = v[:i]
	}
	return v
}
