package models

import "testing"

func TestActivityKind_IsAvailable(t *testing.T) {
	cases := []struct {
		kind      ActivityKind
		valid     bool
		available bool
	}{
		{ActivityBrowsing, true, true},
		{ActivitySearching, true, true},
		{ActivityIdle, true, true},
		{ActivityInCallCaller, true, false},
		{ActivityInCallCallee, true, false},
		{ActivityKind("dancing"), false, false},
		{ActivityKind(""), false, false},
	}
	for _, tc := range cases {
		if got := tc.kind.Valid(); got != tc.valid {
			t.Errorf("%q.Valid()=%v, want %v", tc.kind, got, tc.valid)
		}
		if got := tc.kind.IsAvailable(); got != tc.available {
			t.Errorf("%q.IsAvailable()=%v, want %v", tc.kind, got, tc.available)
		}
	}
}

func TestCallStatus_Terminal(t *testing.T) {
	if CallStatusPending.Terminal() {
		t.Fatalf("pending must not be terminal")
	}
	for _, s := range []CallStatus{CallStatusActive, CallStatusRejected, CallStatusCancelled} {
		if !s.Terminal() {
			t.Errorf("%q should be terminal", s)
		}
	}
}

func TestRoomMetadata_HasMember(t *testing.T) {
	r := &RoomMetadata{Members: []string{"alice", "bob"}}
	if !r.HasMember("bob") {
		t.Fatalf("bob should be a member")
	}
	if r.HasMember("mallory") {
		t.Fatalf("mallory should not be a member")
	}
}
