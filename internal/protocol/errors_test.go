package protocol

import "testing"

func TestIsKnownCode(t *testing.T) {
	cases := []string{
		"",
		ErrProtoBadRequest,
		ErrProtoVersion,
		ErrUnknownClient,
		ErrActionSize,
		ErrInternal,
	}
	for _, c := range cases {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
}

func TestCallError_Error(t *testing.T) {
	err := &CallError{Code: ErrUnknownClient, Message: "client 3"}
	if got := err.Error(); got != "E_UNKNOWN_CLIENT: client 3" {
		t.Fatalf("Error()=%q", got)
	}
	if got := (&CallError{Code: ErrInternal}).Error(); got != ErrInternal {
		t.Fatalf("Error()=%q want %q", got, ErrInternal)
	}
}
