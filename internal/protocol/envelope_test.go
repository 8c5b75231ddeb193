package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

// TestEnvelope_RoundTripKeepsConcreteType verifies that every message kind decodes
// back to its own type with its payload intact.
func TestEnvelope_RoundTripKeepsConcreteType(t *testing.T) {
	msgs := []Message{
		Registered{Locator: "https://video.example/x", Label: "X", HasMedia: true, MediaKind: "video"},
		Played{MediaKind: "audio", Rate: 1.25},
		Paused{},
		Ended{},
		SpeedChanged{Rate: 2},
		Unloaded{},
		SettingsBroadcast{Items: map[string]any{"enabled": true}},
		QueryState{},
		CheckForMedia{},
		PauseContext{ContextID: "tabA"},
		SetSpeed{ContextID: "tabA", Rate: 1.5},
		SetVolume{ContextID: "tabA", Multiplier: 2},
	}

	for _, msg := range msgs {
		t.Run(string(msg.Kind()), func(t *testing.T) {
			env, err := Wrap("tabA", msg)
			if err != nil {
				t.Fatalf("Wrap: %v", err)
			}
			if env.ID == "" {
				t.Error("expected envelope id to be set")
			}

			raw, err := json.Marshal(env)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var back Envelope
			if err := json.Unmarshal(raw, &back); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}

			got, err := back.Message()
			if err != nil {
				t.Fatalf("Message: %v", err)
			}
			if got.Kind() != msg.Kind() {
				t.Fatalf("kind: want %s, got %s", msg.Kind(), got.Kind())
			}
			if back.From != "tabA" {
				t.Errorf("from: want tabA, got %q", back.From)
			}
		})
	}
}

// TestEnvelope_UnknownType verifies an unknown type is reported as ErrUnknownMessage.
func TestEnvelope_UnknownType(t *testing.T) {
	env := Envelope{ID: "1", Type: "selfDestruct"}
	_, err := env.Message()
	if !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("expected ErrUnknownMessage, got %v", err)
	}
}

// TestEnvelope_MalformedPayload verifies a payload of the wrong shape is reported as malformed.
func TestEnvelope_MalformedPayload(t *testing.T) {
	env := Envelope{ID: "1", Type: KindPlayed, Payload: json.RawMessage(`{"rate":"fast"}`)}
	_, err := env.Message()
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

// TestKind_IsRequest checks the split between requests and fire-and-forget kinds.
func TestKind_IsRequest(t *testing.T) {
	requests := []Kind{KindQueryState, KindCheckForMedia, KindPauseContext, KindSetSpeed, KindSetVolume}
	for _, k := range requests {
		if !k.IsRequest() {
			t.Errorf("%s should be a request", k)
		}
	}
	fireAndForget := []Kind{KindRegistered, KindPlayed, KindPaused, KindEnded, KindSpeedChanged, KindUnloaded, KindSettingsBroadcast}
	for _, k := range fireAndForget {
		if k.IsRequest() {
			t.Errorf("%s should be fire-and-forget", k)
		}
	}
}

// TestResponse_DecodeAndErr checks payload decoding and remote error wrapping.
func TestResponse_DecodeAndErr(t *testing.T) {
	resp := OK(SpeedResult{Applied: 2, Rate: 1.5})
	var res SpeedResult
	if err := resp.Decode(&res); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if res.Applied != 2 || res.Rate != 1.5 {
		t.Errorf("unexpected result %+v", res)
	}

	failed := Fail(errors.New("live stream"))
	if err := failed.Err(); !errors.Is(err, ErrRemote) {
		t.Fatalf("expected ErrRemote, got %v", err)
	}
	if err := failed.Decode(&res); err == nil {
		t.Error("Decode should surface the remote error")
	}

	reply := Reply(Envelope{ID: "req-1"}, resp)
	if !reply.IsResponse() || reply.ReplyTo != "req-1" {
		t.Errorf("unexpected reply envelope %+v", reply)
	}
}
