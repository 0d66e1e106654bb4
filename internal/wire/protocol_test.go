package wire

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestEncodeDecodeAudioRoundTrip(t *testing.T) {
	samples := []int16{1, 0, -1, 32767, -32768, 2, 3}
	decoded := DecodeAudio(EncodeAudio(samples))
	if !reflect.DeepEqual(decoded, samples) {
		t.Fatalf("round trip mismatch: got %v want %v", decoded, samples)
	}
}

func TestEncodeDecodeJSONRoundTrip(t *testing.T) {
	msg := NewTTSAudioMeta(22050, 3, 1, true)
	data, err := EncodeJSON(msg)
	if err != nil {
		t.Fatal(err)
	}
	var got TTSAudioMeta
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got != msg {
		t.Fatalf("got %+v want %+v", got, msg)
	}
}

func TestDecodeEnvelopeExtractsType(t *testing.T) {
	data, _ := EncodeJSON(NewWake(0.9))
	env, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatal(err)
	}
	if env.Type != TypeWake {
		t.Fatalf("got type %q want %q", env.Type, TypeWake)
	}
}

func TestErrorOmitsEmptyStageAndCode(t *testing.T) {
	data, _ := EncodeJSON(NewError("boom", "", ""))
	s := string(data)
	if contains(s, "stage") || contains(s, "code") {
		t.Fatalf("expected stage/code omitted, got %s", s)
	}
}

func contains(s, sub string) bool {
	return len(s) >= len(sub) && (func() bool {
		for i := 0; i+len(sub) <= len(s); i++ {
			if s[i:i+len(sub)] == sub {
				return true
			}
		}
		return false
	})()
}
