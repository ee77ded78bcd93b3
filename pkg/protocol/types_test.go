package protocol

import (
	"errors"
	"testing"
)

func TestDecode(t *testing.T) {
	env, err := Decode([]byte(`["EVENT","s1",{"id":"abc","kind":1}]`))
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if env.Tag != TagEvent {
		t.Errorf("Tag mismatch: got %s, want %s", env.Tag, TagEvent)
	}
	if env.Len() != 3 {
		t.Errorf("Len mismatch: got %d, want 3", env.Len())
	}

	sub, ok := env.SubscriptionID()
	if !ok || sub != "s1" {
		t.Errorf("SubscriptionID mismatch: got %q (%v), want s1", sub, ok)
	}

	id, ok := env.EventID()
	if !ok || id != "abc" {
		t.Errorf("EventID mismatch: got %q (%v), want abc", id, ok)
	}
}

func TestDecodeRejectsNonTuples(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		notJSON bool
	}{
		{name: "garbage", input: "FOO", notJSON: true},
		{name: "object", input: `{"a":1}`, notJSON: true},
		{name: "empty array", input: `[]`},
		{name: "numeric tag", input: `[1,"x"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.input))
			if err == nil {
				t.Fatal("Decode() should fail")
			}
			if !tt.notJSON && !errors.Is(err, ErrNotTuple) {
				t.Errorf("expected ErrNotTuple, got %v", err)
			}
		})
	}
}

func TestEventIDRequiresStringID(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "numeric id", input: `["EVENT","s",{"id":5}]`},
		{name: "missing id", input: `["EVENT","s",{"kind":1}]`},
		{name: "non-object event", input: `["EVENT","s","abc"]`},
		{name: "null event", input: `["EVENT","s",null]`},
		{name: "too short", input: `["EVENT","s"]`},
		{name: "wrong tag", input: `["NOTICE","s",{"id":"a"}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Decode([]byte(tt.input))
			if err != nil {
				t.Fatalf("Decode() failed: %v", err)
			}
			if id, ok := env.EventID(); ok {
				t.Errorf("EventID() should be absent, got %q", id)
			}
		})
	}
}

func TestBuilders(t *testing.T) {
	req, err := Req("sub", Filter{"limit": 1})
	if err != nil {
		t.Fatal(err)
	}
	if req != `["REQ","sub",{"limit":1}]` {
		t.Errorf("Req mismatch: got %s", req)
	}

	req, err = Req("sub", nil)
	if err != nil {
		t.Fatal(err)
	}
	if req != `["REQ","sub",{}]` {
		t.Errorf("Req with nil filter mismatch: got %s", req)
	}

	if got := Close("sub"); got != `["CLOSE","sub"]` {
		t.Errorf("Close mismatch: got %s", got)
	}
	if got := Notice("hi"); got != `["NOTICE","hi"]` {
		t.Errorf("Notice mismatch: got %s", got)
	}
	if got := EOSE("sub"); got != `["EOSE","sub"]` {
		t.Errorf("EOSE mismatch: got %s", got)
	}
}
