package errorsx

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonUpstreamConnect)
	if Reason(err) != ReasonUpstreamConnect {
		t.Fatalf("expected reason %s, got %s", ReasonUpstreamConnect, Reason(err))
	}
	if !HasReason(err, ReasonUpstreamConnect) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonCMSLookup)
	second := Wrap(fmt.Errorf("profile: %w", first), ReasonTransferUpdate)
	if Reason(second) != ReasonCMSLookup {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestErrorfKeepsWrappedChain(t *testing.T) {
	base := errors.New("dial tcp: refused")
	err := Errorf(ReasonUpstreamConnect, "open realtime: %w", base)
	if !errors.Is(err, base) {
		t.Fatalf("expected errors.Is to find base error")
	}
	if Reason(err) != ReasonUpstreamConnect {
		t.Fatalf("expected upstream_connect, got %s", Reason(err))
	}
	if Reason(nil) != ReasonUnknown {
		t.Fatalf("expected unknown reason for nil")
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestReasonAttr(t *testing.T) {
	attr := ReasonAttr(Wrap(assertErr{}, ReasonCMSPersist))
	if attr.Key != "reason_code" || attr.Value.String() != string(ReasonCMSPersist) {
		t.Fatalf("unexpected attr %v", attr)
	}
	if got := ReasonAttr(errors.New("plain")).Value.String(); got != string(ReasonUnknown) {
		t.Fatalf("expected unknown reason, got %s", got)
	}
}
