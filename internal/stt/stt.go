// Package stt implements the speech-to-text adapter: a raw HTTP
// multipart client that uploads WAV-wrapped PCM audio to an
// OpenAI/Groq-compatible transcriptions endpoint and parses the
// verbose JSON response needed for hallucination filtering.
package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// Transcript is the record produced by an STT call, matching spec §3's
// transcript fields exactly.
type Transcript struct {
	Text            string
	Language        string
	InputDurationS  float64
	TranscribeTimeS float64
	AvgLogprob      float64
	NoSpeechProb    float64
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// Engine transcribes a PCM int16 utterance into a Transcript.
type Engine interface {
	Transcribe(ctx context.Context, pcm []int16, sampleRate int, language string) (Transcript, error)
	Name() string
}

// Config parameterizes a Client.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	Language   string // forced language; empty lets the model auto-detect
}

// Client is an HTTP multipart transcription client for
// OpenAI-compatible /audio/transcriptions endpoints (Groq, OpenAI,
// and compatible self-hosted servers).
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	language   string
}

// NewClient builds a Client.
func NewClient(cfg Config) *Client {
	return &Client{
		httpClient: http.DefaultClient,
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		language:   cfg.Language,
	}
}

func (c *Client) Name() string { return "http-stt" }

type verboseResponse struct {
	Text         string  `json:"text"`
	Language     string  `json:"language"`
	Duration     float64 `json:"duration"`
	AvgLogprob   float64 `json:"avg_logprob"`
	NoSpeechProb float64 `json:"no_speech_prob"`
	Segments     []struct {
		AvgLogprob   float64 `json:"avg_logprob"`
		NoSpeechProb float64 `json:"no_speech_prob"`
	} `json:"segments"`
}

// Transcribe uploads pcm as a WAV file via multipart/form-data and
// parses the verbose-JSON transcription response. avg_logprob and
// no_speech_prob are averaged across segments when the response has any
// segments; only a response without segments uses the top-level values.
func (c *Client) Transcribe(ctx context.Context, pcm []int16, sampleRate int, language string) (Transcript, error) {
	start := nowSeconds()

	wav := encodeWAV(pcm, sampleRate)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	if err := writer.WriteField("model", c.model); err != nil {
		return Transcript{}, err
	}
	if err := writer.WriteField("response_format", "verbose_json"); err != nil {
		return Transcript{}, err
	}

	lang := language
	if lang == "" {
		lang = c.language
	}
	if lang != "" {
		if err := writer.WriteField("language", lang); err != nil {
			return Transcript{}, err
		}
	}

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return Transcript{}, err
	}
	if _, err := io.Copy(part, bytes.NewReader(wav)); err != nil {
		return Transcript{}, err
	}
	if err := writer.Close(); err != nil {
		return Transcript{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/transcriptions", body)
	if err != nil {
		return Transcript{}, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Transcript{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errBody any
		json.NewDecoder(resp.Body).Decode(&errBody)
		return Transcript{}, fmt.Errorf("stt: status %d: %v", resp.StatusCode, errBody)
	}

	var parsed verboseResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Transcript{}, err
	}

	avgLogprob := parsed.AvgLogprob
	noSpeechProb := parsed.NoSpeechProb
	if len(parsed.Segments) > 0 {
		var sumLog, sumNoSpeech float64
		for _, seg := range parsed.Segments {
			sumLog += seg.AvgLogprob
			sumNoSpeech += seg.NoSpeechProb
		}
		avgLogprob = sumLog / float64(len(parsed.Segments))
		noSpeechProb = sumNoSpeech / float64(len(parsed.Segments))
	}

	return Transcript{
		Text:            parsed.Text,
		Language:        parsed.Language,
		InputDurationS:  parsed.Duration,
		TranscribeTimeS: nowSeconds() - start,
		AvgLogprob:      avgLogprob,
		NoSpeechProb:    noSpeechProb,
	}, nil
}

// encodeWAV wraps int16 PCM samples in a minimal mono 16-bit WAV
// container, adapted from the teacher's multipart upload helper.
func encodeWAV(pcm []int16, sampleRate int) []byte {
	raw := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(s))
	}

	buf := new(bytes.Buffer)

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(raw)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate*2))
	binary.Write(buf, binary.LittleEndian, uint16(2))
	binary.Write(buf, binary.LittleEndian, uint16(16))

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(raw)))
	buf.Write(raw)

	return buf.Bytes()
}
