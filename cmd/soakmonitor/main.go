// Command soakmonitor watches a running assistant's metrics.jsonl file
// over a fixed duration, aggregates robustness counters, and exits
// non-zero if any configured threshold is violated. Optionally launches
// and supervises the assistant process itself.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/andi-zehan/voice-assistant/internal/soak"
)

func main() {
	metricsFile := flag.String("metrics-file", "metrics.jsonl", "path to metrics JSONL file")
	durationS := flag.Int("duration-s", 900, "monitoring duration in seconds")
	pollS := flag.Float64("poll-s", 1.0, "polling interval in seconds")
	statusEveryS := flag.Int("status-every-s", 30, "status print cadence in seconds")
	command := flag.String("command", "", "optional command to launch while monitoring")
	includeExisting := flag.Bool("include-existing", false, "include existing metrics lines instead of only new ones")

	minInteractions := flag.Int("min-interactions", 3, "")
	maxPipelineErrors := flag.Int("max-pipeline-errors", 0, "")
	maxListeningTimeouts := flag.Int("max-listening-timeouts", 50, "")
	maxAudioFrameDrops := flag.Int("max-audio-frame-drops", 2000, "")
	maxP95LatencyS := flag.Float64("max-p95-latency-s", 10.0, "")

	flag.Parse()

	os.Exit(run(soakArgs{
		metricsFile:     *metricsFile,
		durationS:       *durationS,
		pollS:           *pollS,
		statusEveryS:    *statusEveryS,
		command:         *command,
		includeExisting: *includeExisting,
		thresholds: soak.Thresholds{
			MinInteractions:      *minInteractions,
			MaxPipelineErrors:    *maxPipelineErrors,
			MaxListeningTimeouts: *maxListeningTimeouts,
			MaxAudioFrameDrops:   *maxAudioFrameDrops,
			MaxP95LatencyS:       *maxP95LatencyS,
		},
	}))
}

type soakArgs struct {
	metricsFile     string
	durationS       int
	pollS           float64
	statusEveryS    int
	command         string
	includeExisting bool
	thresholds      soak.Thresholds
}

func run(args soakArgs) int {
	var offset int64
	if info, err := os.Stat(args.metricsFile); err == nil && !args.includeExisting {
		offset = info.Size()
	}

	cmd, err := soak.StartProcess(args.command)
	if err != nil {
		fmt.Printf("[soak] failed to launch command: %v\n", err)
		return 1
	}
	var exited <-chan error
	if cmd != nil {
		fmt.Printf("[soak] launching: %s\n", args.command)
		ch := make(chan error, 1)
		go func() { ch <- cmd.Wait() }()
		exited = ch
	}

	var stats soak.Stats
	start := time.Now()
	lastStatus := start
	pollInterval := time.Duration(args.pollS * float64(time.Second))

	fmt.Printf("[soak] monitoring '%s' for %ds (poll=%.1fs, include_existing=%v)\n",
		args.metricsFile, args.durationS, args.pollS, args.includeExisting)

loop:
	for {
		now := time.Now()
		elapsed := now.Sub(start)
		if elapsed >= time.Duration(args.durationS)*time.Second {
			break
		}

		events, newOffset, readErr := soak.ReadNewEvents(args.metricsFile, offset)
		if readErr != nil {
			fmt.Printf("[soak] warning: %v\n", readErr)
		}
		offset = newOffset
		for _, event := range events {
			stats.AddEvent(event)
		}

		if now.Sub(lastStatus) >= time.Duration(args.statusEveryS)*time.Second {
			fmt.Println(soak.StatusLine(stats, elapsed.Seconds()))
			lastStatus = now
		}

		if exited != nil {
			select {
			case err := <-exited:
				fmt.Printf("[soak] monitored command exited early: %v\n", err)
				break loop
			default:
			}
		}

		time.Sleep(pollInterval)
	}

	soak.StopProcess(cmd)

	events, _, _ := soak.ReadNewEvents(args.metricsFile, offset)
	for _, event := range events {
		stats.AddEvent(event)
	}

	fmt.Println(soak.Summary(stats))
	failures := soak.Evaluate(stats, args.thresholds)
	if len(failures) > 0 {
		fmt.Println("Soak Result: FAIL")
		for _, f := range failures {
			fmt.Printf("- %s\n", f)
		}
		return 1
	}

	fmt.Println("Soak Result: PASS")
	return 0
}
