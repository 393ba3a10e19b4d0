package transfer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/harunnryd/switchboard/pkg/callctx"
	"github.com/harunnryd/switchboard/pkg/destinations"
	"github.com/harunnryd/switchboard/pkg/errorsx"
)

type stubCallUpdater struct {
	calls   int
	lastSID string
	lastURL string
	err     error
}

func (s *stubCallUpdater) UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error) {
	s.calls++
	s.lastSID = sid
	if params != nil && params.Url != nil {
		s.lastURL = *params.Url
	}
	if s.err != nil {
		return nil, s.err
	}
	return &api.ApiV2010Call{}, nil
}

type stubSession struct {
	cc          callctx.CallContext
	transferred bool
	stopped     bool
	cancels     int
}

func (s *stubSession) CallContext() callctx.CallContext { return s.cc }
func (s *stubSession) TransferTriggered() bool          { return s.transferred }
func (s *stubSession) MarkTransferred()                 { s.transferred = true }
func (s *stubSession) StopSpeaking()                    { s.stopped = true }
func (s *stubSession) CancelResponse() error {
	s.cancels++
	return nil
}

func TestTransferRedirectsOnce(t *testing.T) {
	stub := &stubCallUpdater{}
	store := callctx.NewStore(0)
	store.Put("CA1", callctx.CallContext{AccountPhone: "+15550100"})
	ctrl := NewController(stub, store, Options{})
	sess := &stubSession{cc: callctx.CallContext{CallSID: "CA1", AccountPhone: "+15550100", Host: "relay.example.com"}}

	if err := ctrl.Transfer(context.Background(), sess, "Sales", "+15550001"); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	u, err := url.Parse(stub.lastURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	if u.Host != "relay.example.com" || u.Path != RedirectPath {
		t.Fatalf("unexpected url %s", stub.lastURL)
	}
	if u.Query().Get("label") != "Sales" || u.Query().Get("to") != "" || u.Query().Get("phone") != "+15550100" {
		t.Fatalf("unexpected query %s", u.RawQuery)
	}
	if !sess.transferred || !sess.stopped || sess.cancels != 1 {
		t.Fatalf("session not updated: %+v", sess)
	}
	if cc, _ := store.Get("CA1"); !cc.TransferTriggered {
		t.Fatalf("store not marked")
	}

	if err := ctrl.Transfer(context.Background(), sess, "Sales", ""); !errors.Is(err, ErrAlreadyTransferred) {
		t.Fatalf("expected already transferred, got %v", err)
	}
	if stub.calls != 1 {
		t.Fatalf("expected one provider update, got %d", stub.calls)
	}
}

func TestTransferByNumber(t *testing.T) {
	stub := &stubCallUpdater{}
	ctrl := NewController(stub, callctx.NewStore(0), Options{FallbackHost: "https://fallback.example.com/"})
	sess := &stubSession{cc: callctx.CallContext{CallSID: "CA1", AccountPhone: "+15550100"}}
	if err := ctrl.Transfer(context.Background(), sess, "", "+15550002"); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if !strings.HasPrefix(stub.lastURL, "https://fallback.example.com/redirecting-call?") || !strings.Contains(stub.lastURL, "to=%2B15550002") {
		t.Fatalf("unexpected url %s", stub.lastURL)
	}
}

func TestTransferHostResolutionOrder(t *testing.T) {
	cases := []struct {
		name  string
		setup func(*callctx.Store)
		host  string
		opts  Options
		want  string
	}{
		{name: "session", host: "own.example.com", opts: Options{PublicHost: "public.example.com"}, want: "own.example.com"},
		{name: "stored", setup: func(s *callctx.Store) {
			s.Put("CA1", callctx.CallContext{Host: "stored.example.com"})
		}, opts: Options{PublicHost: "public.example.com"}, want: "stored.example.com"},
		{name: "same account", setup: func(s *callctx.Store) {
			s.Put("CA9", callctx.CallContext{AccountPhone: "+15550100", Host: "sibling.example.com"})
		}, opts: Options{PublicHost: "public.example.com"}, want: "sibling.example.com"},
		{name: "public", opts: Options{PublicHost: "public.example.com", FallbackHost: "fb.example.com"}, want: "public.example.com"},
		{name: "fallback", opts: Options{FallbackHost: "fb.example.com"}, want: "fb.example.com"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := callctx.NewStore(0)
			if tc.setup != nil {
				tc.setup(store)
			}
			stub := &stubCallUpdater{}
			ctrl := NewController(stub, store, tc.opts)
			sess := &stubSession{cc: callctx.CallContext{CallSID: "CA1", AccountPhone: "+15550100", Host: tc.host}}
			if err := ctrl.Transfer(context.Background(), sess, "sales", ""); err != nil {
				t.Fatalf("transfer: %v", err)
			}
			u, _ := url.Parse(stub.lastURL)
			if u.Host != tc.want {
				t.Fatalf("expected host %s, got %s", tc.want, u.Host)
			}
		})
	}
}

func TestTransferFailsClosedWithoutHost(t *testing.T) {
	stub := &stubCallUpdater{}
	ctrl := NewController(stub, callctx.NewStore(0), Options{})
	sess := &stubSession{cc: callctx.CallContext{CallSID: "CA1"}}
	err := ctrl.Transfer(context.Background(), sess, "sales", "")
	if !errors.Is(err, ErrNoHost) || !errorsx.HasReason(err, errorsx.ReasonTransferNoHost) {
		t.Fatalf("expected no host, got %v", err)
	}
	if stub.calls != 0 || sess.transferred {
		t.Fatalf("nothing should happen without a host")
	}
}

func TestTransferProviderFailureLeavesCallUntouched(t *testing.T) {
	stub := &stubCallUpdater{err: errors.New("rejected")}
	ctrl := NewController(stub, callctx.NewStore(0), Options{FallbackHost: "fb.example.com"})
	sess := &stubSession{cc: callctx.CallContext{CallSID: "CA1"}}
	err := ctrl.Transfer(context.Background(), sess, "sales", "")
	if !errorsx.HasReason(err, errorsx.ReasonTransferUpdate) {
		t.Fatalf("expected transfer_update, got %v", err)
	}
	if sess.transferred || sess.stopped || sess.cancels != 0 {
		t.Fatalf("session must be untouched on failure: %+v", sess)
	}

	stub.err = nil
	if err := ctrl.Transfer(context.Background(), sess, "sales", ""); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestTransferRejectsMissingInputs(t *testing.T) {
	ctrl := NewController(&stubCallUpdater{}, callctx.NewStore(0), Options{FallbackHost: "fb.example.com"})
	if err := ctrl.Transfer(context.Background(), &stubSession{}, "sales", ""); !errors.Is(err, ErrUnknownCall) {
		t.Fatalf("expected unknown call, got %v", err)
	}
	sess := &stubSession{cc: callctx.CallContext{CallSID: "CA1"}}
	if err := ctrl.Transfer(context.Background(), sess, " ", ""); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("expected no target, got %v", err)
	}
}

type stubResolver struct {
	list []destinations.Destination
}

func (s stubResolver) Resolve(ctx context.Context, phone, label string) (destinations.Destination, bool) {
	return destinations.FindClosest(s.list, label, destinations.DefaultFuzzyCutoff)
}

func serveRedirect(t *testing.T, h http.Handler, query string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, RedirectPath+"?"+query, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRedirector(t *testing.T) {
	h := Redirector{Destinations: stubResolver{list: []destinations.Destination{
		{Label: "sales", Number: "+15550001", Extension: "12"},
		{Label: "Support", Number: "+15550002", Extension: "x9"},
		{Label: "broken", Number: "5550003"},
	}}}

	w := serveRedirect(t, h, "label=Sales%20&phone=%2B15550100")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `sendDigits="ww12#"`) || !strings.Contains(w.Body.String(), "+15550001") {
		t.Fatalf("unexpected exact response %d %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/xml" {
		t.Fatalf("unexpected content type %s", ct)
	}

	w = serveRedirect(t, h, "label=suport")
	if !strings.Contains(w.Body.String(), "+15550002") || strings.Contains(w.Body.String(), "sendDigits") {
		t.Fatalf("unexpected fuzzy response %s", w.Body.String())
	}

	w = serveRedirect(t, h, "label=accounting")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "Polly.Amy") || !strings.Contains(w.Body.String(), "Sorry") {
		t.Fatalf("expected apology, got %d %s", w.Code, w.Body.String())
	}

	w = serveRedirect(t, h, "to=%2B15550009&ext=77")
	if !strings.Contains(w.Body.String(), "+15550009") || !strings.Contains(w.Body.String(), `sendDigits="ww77#"`) {
		t.Fatalf("unexpected direct dial %s", w.Body.String())
	}

	if w = serveRedirect(t, h, "label=broken"); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non E.164 target, got %d", w.Code)
	}
	if w = serveRedirect(t, h, ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without target, got %d", w.Code)
	}
}
