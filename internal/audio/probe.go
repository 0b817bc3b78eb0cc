package audio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
)

// Metadata describes an audio file as reported by ffprobe.
type Metadata struct {
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
	Channels        int     `json:"channels,omitempty"`
	SampleRate      int     `json:"sampleRate,omitempty"`
	Format          string  `json:"format,omitempty"`
}

// commandResult is an internal process execution response.
type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

// execRunner executes commands via os/exec.
type execRunner struct{}

// Run executes one command and captures stdout/stderr and exit code.
func (r *execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := commandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: 0,
	}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}

	return result, nil
}

// Prober extracts audio metadata with ffprobe.
type Prober struct {
	ffprobePath string
	runner      commandRunner
}

// NewProber constructs a prober that shells out to ffprobe on PATH.
func NewProber() *Prober {
	return &Prober{
		ffprobePath: "ffprobe",
		runner:      &execRunner{},
	}
}

// probeOutput mirrors the fields we read from ffprobe's JSON printer. Numeric
// values inside format/streams arrive as strings.
type probeOutput struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType  string `json:"codec_type"`
		Channels   int    `json:"channels"`
		SampleRate string `json:"sample_rate"`
	} `json:"streams"`
}

// Probe runs ffprobe against a local file and parses the result. Callers
// treat failures as non-fatal: an upload without metadata is still queued.
func (p *Prober) Probe(ctx context.Context, path string) (Metadata, error) {
	result, err := p.runner.Run(ctx, p.ffprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	if err != nil {
		return Metadata{}, fmt.Errorf("run ffprobe (exit %d): %w", result.ExitCode, err)
	}

	var out probeOutput
	if err := json.Unmarshal([]byte(result.Stdout), &out); err != nil {
		return Metadata{}, fmt.Errorf("parse ffprobe output: %w", err)
	}

	meta := Metadata{Format: out.Format.FormatName}
	if out.Format.Duration != "" {
		if d, err := strconv.ParseFloat(out.Format.Duration, 64); err == nil {
			meta.DurationSeconds = d
		}
	}
	for _, stream := range out.Streams {
		if stream.CodecType != "audio" {
			continue
		}
		meta.Channels = stream.Channels
		if rate, err := strconv.Atoi(stream.SampleRate); err == nil {
			meta.SampleRate = rate
		}
		break
	}
	return meta, nil
}
