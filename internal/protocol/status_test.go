package protocol

import (
	"encoding/json"
	"testing"
)

func TestStatus_WireValues(t *testing.T) {
	want := map[Status]int{
		StatusSuccess:              1,
		StatusDone:                 2,
		StatusWait:                 3,
		StatusShutdown:             4,
		StatusObservationSizeError: -1,
		StatusActionSizeError:      -2,
		StatusIDAllocationError:    -3,
		StatusAgentAllocationError: -4,
	}
	for s, v := range want {
		b, err := json.Marshal(s)
		if err != nil {
			t.Fatalf("marshal %s: %v", s, err)
		}
		var got int
		if err := json.Unmarshal(b, &got); err != nil {
			t.Fatalf("unmarshal %s: %v", s, err)
		}
		if got != v {
			t.Fatalf("%s encodes as %d want %d", s, got, v)
		}
	}
}

func TestStatus_Classification(t *testing.T) {
	for _, s := range []Status{StatusObservationSizeError, StatusActionSizeError, StatusIDAllocationError, StatusAgentAllocationError} {
		if !s.IsHandshakeError() {
			t.Fatalf("%s should be a handshake error", s)
		}
	}
	for _, s := range []Status{StatusSuccess, StatusDone, StatusWait, StatusShutdown, Status(-9)} {
		if s.IsHandshakeError() {
			t.Fatalf("%s should not be a handshake error", s)
		}
	}
	if Status(7).Valid() {
		t.Fatalf("status 7 should be invalid")
	}
	if got := Status(7).String(); got != "STATUS(7)" {
		t.Fatalf("String()=%q", got)
	}
}

func TestHandshakeMsg_Hint(t *testing.T) {
	if _, ok := (HandshakeMsg{}).Hint(); ok {
		t.Fatalf("nil hint should mean no preference")
	}
	none := InvalidID
	if _, ok := (HandshakeMsg{AgentHint: &none}).Hint(); ok {
		t.Fatalf("hint %d should mean no preference", InvalidID)
	}
	two := 2
	slot, ok := (HandshakeMsg{AgentHint: &two}).Hint()
	if !ok || slot != 2 {
		t.Fatalf("hint=(%d,%v) want (2,true)", slot, ok)
	}
}
