// Package soak implements long-duration robustness monitoring: tailing
// the metrics JSONL file a running assistant writes, aggregating event
// counts and interaction latencies, and evaluating pass/fail thresholds
// suitable for manual validation and CI-style smoke checks.
package soak

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Stats aggregates the counters and latency samples tracked over one
// soak run. Grounded on original_source/scripts/soak_test.py's
// SoakStats dataclass.
type Stats struct {
	EventsTotal          int
	PipelineErrors       int
	ListeningTimeouts    int
	BargeInEvents        int
	AudioFrameDrops      int
	WakeEvents           int
	Interactions         int
	InteractionLatencies []float64
}

// AddEvent folds one decoded metrics JSONL line into the running stats.
func (s *Stats) AddEvent(event map[string]any) {
	s.EventsTotal++

	kind, _ := event["event"].(string)
	switch kind {
	case "pipeline_error":
		s.PipelineErrors++
	case "listening_timeout":
		s.ListeningTimeouts++
	case "barge_in":
		s.BargeInEvents++
	case "wake_detected":
		s.WakeEvents++
	case "audio_frame_drop":
		s.AudioFrameDrops += int(numberField(event, "dropped_frames"))
	case "interaction_complete":
		s.Interactions++
		if v, ok := event["total_elapsed_s"]; ok {
			if f, ok := v.(float64); ok {
				s.InteractionLatencies = append(s.InteractionLatencies, f)
			}
		}
	}
}

func numberField(event map[string]any, key string) float64 {
	v, ok := event[key]
	if !ok {
		return 0
	}
	if f, ok := v.(float64); ok {
		return f
	}
	return 0
}

// ReadNewEvents reads every complete JSON-object line in path starting
// at byte offset, returning the decoded events and the new offset to
// resume from. A missing file returns no events and the offset
// unchanged, matching a not-yet-created metrics file.
func ReadNewEvents(path string, offset int64) ([]map[string]any, int64, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, offset, nil
	}
	if err != nil {
		return nil, offset, fmt.Errorf("soak: open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, 0); err != nil {
		return nil, offset, fmt.Errorf("soak: seek %s: %w", path, err)
	}

	var events []map[string]any
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var consumed int64 = offset
	for scanner.Scan() {
		line := scanner.Bytes()
		consumed += int64(len(line)) + 1
		if len(line) == 0 {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal(line, &payload); err != nil {
			continue
		}
		events = append(events, payload)
	}
	if err := scanner.Err(); err != nil {
		return events, consumed, fmt.Errorf("soak: read %s: %w", path, err)
	}

	if info, err := f.Stat(); err == nil {
		consumed = info.Size()
	}
	return events, consumed, nil
}

// Percentile returns the linearly-interpolated pct-th percentile (0..1)
// of values. Matches original_source's percentile() exactly, including
// its single-sample and empty-slice shortcuts.
func Percentile(values []float64, pct float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if len(values) == 1 {
		return values[0]
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	rank := float64(len(sorted)-1) * pct
	low := int(rank)
	high := low + 1
	if high > len(sorted)-1 {
		high = len(sorted) - 1
	}
	frac := rank - float64(low)
	return sorted[low]*(1-frac) + sorted[high]*frac
}

// Summary renders the end-of-run report printed by the soak monitor.
func Summary(s Stats) string {
	p50 := Percentile(s.InteractionLatencies, 0.50)
	p95 := Percentile(s.InteractionLatencies, 0.95)
	p99 := Percentile(s.InteractionLatencies, 0.99)
	return fmt.Sprintf(
		"\nSoak Summary\n"+
			"- events_total: %d\n"+
			"- wake_events: %d\n"+
			"- interactions: %d\n"+
			"- pipeline_errors: %d\n"+
			"- listening_timeouts: %d\n"+
			"- barge_in_events: %d\n"+
			"- audio_frame_drops: %d\n"+
			"- latency_p50_s: %.3f\n"+
			"- latency_p95_s: %.3f\n"+
			"- latency_p99_s: %.3f\n",
		s.EventsTotal, s.WakeEvents, s.Interactions, s.PipelineErrors,
		s.ListeningTimeouts, s.BargeInEvents, s.AudioFrameDrops, p50, p95, p99,
	)
}

// StatusLine renders the periodic in-progress status line.
func StatusLine(s Stats, elapsedS float64) string {
	p95 := Percentile(s.InteractionLatencies, 0.95)
	return fmt.Sprintf(
		"[soak] t=%6.1fs events=%d interactions=%d pipeline_errors=%d listening_timeouts=%d drops=%d p95=%.2fs",
		elapsedS, s.EventsTotal, s.Interactions, s.PipelineErrors, s.ListeningTimeouts, s.AudioFrameDrops, p95,
	)
}

// Thresholds are the pass/fail gates evaluated against a Stats at the
// end of a soak run.
type Thresholds struct {
	MinInteractions      int
	MaxPipelineErrors    int
	MaxListeningTimeouts int
	MaxAudioFrameDrops   int
	MaxP95LatencyS       float64
}

// Evaluate returns one failure message per violated threshold, in the
// same check order as original_source's evaluate_thresholds. A nil/empty
// result means the run passed.
func Evaluate(s Stats, t Thresholds) []string {
	var failures []string

	if s.Interactions < t.MinInteractions {
		failures = append(failures, fmt.Sprintf(
			"interactions %d < min_interactions %d", s.Interactions, t.MinInteractions))
	}
	if s.PipelineErrors > t.MaxPipelineErrors {
		failures = append(failures, fmt.Sprintf(
			"pipeline_errors %d > max_pipeline_errors %d", s.PipelineErrors, t.MaxPipelineErrors))
	}
	if s.ListeningTimeouts > t.MaxListeningTimeouts {
		failures = append(failures, fmt.Sprintf(
			"listening_timeouts %d > max_listening_timeouts %d", s.ListeningTimeouts, t.MaxListeningTimeouts))
	}
	if s.AudioFrameDrops > t.MaxAudioFrameDrops {
		failures = append(failures, fmt.Sprintf(
			"audio_frame_drops %d > max_audio_frame_drops %d", s.AudioFrameDrops, t.MaxAudioFrameDrops))
	}
	p95 := Percentile(s.InteractionLatencies, 0.95)
	if p95 > t.MaxP95LatencyS {
		failures = append(failures, fmt.Sprintf(
			"latency_p95_s %.3f > max_p95_latency_s %.3f", p95, t.MaxP95LatencyS))
	}

	return failures
}
