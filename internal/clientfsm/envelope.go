package clientfsm

import (
	"encoding/json"

	"github.com/andi-zehan/voice-assistant/internal/wire"
)

func envelopeStage(data []byte) string {
	var v wire.Status
	if err := json.Unmarshal(data, &v); err != nil {
		return ""
	}
	return v.Stage
}

func envelopeReason(data []byte) string {
	var v wire.STTRejected
	if err := json.Unmarshal(data, &v); err != nil {
		return ""
	}
	return v.Reason
}

func envelopeCancelled(data []byte) bool {
	var v wire.TTSDone
	if err := json.Unmarshal(data, &v); err != nil {
		return false
	}
	return v.Cancelled
}

func envelopeMessage(data []byte) string {
	var v wire.Error
	if err := json.Unmarshal(data, &v); err != nil {
		return ""
	}
	return v.Message
}

func ttsAudioMeta(data []byte) (sampleRate, chunkIndex int, isLast bool) {
	var v wire.TTSAudioMeta
	if err := json.Unmarshal(data, &v); err != nil {
		return 22050, 0, false
	}
	return v.SampleRate, v.ChunkIndex, v.IsLast
}
