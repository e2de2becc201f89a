package events

import (
	"encoding/json"
	"testing"
	"time"
)

func TestChannelIDRoundTrip(t *testing.T) {
	tests := []struct {
		in      string
		want    ChannelID
		wantErr bool
	}{
		{"user:42", ChannelID{ChannelUser, "42"}, false},
		{"session:abc-def", ChannelID{ChannelSession, "abc-def"}, false},
		{"tab:t1", ChannelID{ChannelTab, "t1"}, false},
		{"global:", ChannelID{ChannelGlobal, ""}, false},
		{"nosep", ChannelID{}, true},
		{"bogus:1", ChannelID{}, true},
	}

	for _, tt := range tests {
		got, err := ParseChannelID(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseChannelID(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseChannelID(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseChannelID(%q) = %v, want %v", tt.in, got, tt.want)
		}
		if got.String() != tt.in {
			t.Errorf("String() = %q, want %q", got.String(), tt.in)
		}
	}
}

func TestEventValidate(t *testing.T) {
	ok := Event{
		Kind:      KindCredentialExpiring,
		Channel:   ChannelID{ChannelSession, "s1"},
		Timestamp: time.Now(),
	}
	if err := ok.Validate(); err != nil {
		t.Errorf("valid event rejected: %v", err)
	}

	bad := Event{Kind: "made-up", Channel: ChannelID{ChannelSession, "s1"}}
	if err := bad.Validate(); err == nil {
		t.Error("unknown kind accepted")
	}

	noKey := Event{Kind: KindSecurityAlert, Channel: ChannelID{ChannelUser, ""}}
	if err := noKey.Validate(); err == nil {
		t.Error("empty channel key accepted")
	}

	global := Event{Kind: KindSecurityAlert, Channel: ChannelID{ChannelGlobal, ""}}
	if err := global.Validate(); err != nil {
		t.Errorf("global channel with empty key rejected: %v", err)
	}
}

func TestEventJSONEnvelope(t *testing.T) {
	ev := Event{
		ID:        7,
		Kind:      KindCredentialRefreshed,
		Channel:   ChannelID{ChannelSession, "s9"},
		Payload:   json.RawMessage(`{"expires_at":"2026-01-01T00:00:00Z"}`),
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Nonce:     "n1",
	}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["event_id"] != float64(7) {
		t.Errorf("event_id missing or wrong: %v", decoded["event_id"])
	}
	tc := decoded["target_channel"].(map[string]any)
	if tc["type"] != "session" || tc["key"] != "s9" {
		t.Errorf("target_channel wrong: %v", tc)
	}
}

func TestBusSubscribeAndUnsubscribe(t *testing.T) {
	bus := NewBus()

	var got []Kind
	unsub := bus.Subscribe(KindSecurityAlert, func(ev Event) {
		got = append(got, ev.Kind)
	})
	var all []Kind
	bus.Subscribe(KindAny, func(ev Event) {
		all = append(all, ev.Kind)
	})

	bus.Publish(Event{Kind: KindSecurityAlert, Channel: ChannelID{ChannelGlobal, ""}})
	bus.Publish(Event{Kind: KindSessionExtended, Channel: ChannelID{ChannelSession, "s"}})

	if len(got) != 1 || got[0] != KindSecurityAlert {
		t.Errorf("kind-scoped handler got %v", got)
	}
	if len(all) != 2 {
		t.Errorf("KindAny handler got %v", all)
	}

	unsub()
	unsub() // second call is a no-op
	bus.Publish(Event{Kind: KindSecurityAlert, Channel: ChannelID{ChannelGlobal, ""}})
	if len(got) != 1 {
		t.Errorf("handler called after unsubscribe: %v", got)
	}
	if bus.SubscriberCount(KindSecurityAlert) != 0 {
		t.Error("subscriber map not cleaned up")
	}
}
