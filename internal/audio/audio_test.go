package audio

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestValidateUpload(t *testing.T) {
	cases := []struct {
		name     string
		filename string
		size     int64
		maxBytes int64
		wantErr  error
	}{
		{name: "wav accepted", filename: "meeting.wav", size: 1024, maxBytes: 4096},
		{name: "mp3 accepted", filename: "call.mp3", size: 1024, maxBytes: 4096},
		{name: "flac accepted", filename: "interview.flac", size: 1024, maxBytes: 4096},
		{name: "ogg accepted", filename: "note.ogg", size: 1024, maxBytes: 4096},
		{name: "m4a accepted", filename: "memo.m4a", size: 1024, maxBytes: 4096},
		{name: "webm accepted", filename: "clip.webm", size: 1024, maxBytes: 4096},
		{name: "uppercase extension accepted", filename: "MEETING.WAV", size: 1024, maxBytes: 4096},
		{name: "text rejected", filename: "notes.txt", size: 1024, maxBytes: 4096, wantErr: ErrUnsupportedFormat},
		{name: "missing extension rejected", filename: "audio", size: 1024, maxBytes: 4096, wantErr: ErrUnsupportedFormat},
		{name: "empty file rejected", filename: "meeting.wav", size: 0, maxBytes: 4096, wantErr: ErrEmptyFile},
		{name: "oversized rejected", filename: "meeting.wav", size: 5000, maxBytes: 4096, wantErr: ErrTooLarge},
		{name: "zero limit disables cap", filename: "meeting.wav", size: 1 << 40, maxBytes: 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateUpload(tc.filename, tc.size, tc.maxBytes)
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestMimeTypeForFile(t *testing.T) {
	cases := []struct {
		filename string
		want     string
	}{
		{"a.wav", "audio/wav"},
		{"a.mp3", "audio/mpeg"},
		{"a.flac", "audio/flac"},
		{"a.ogg", "audio/ogg"},
		{"a.m4a", "audio/mp4"},
		{"a.webm", "audio/webm"},
		{"a.UNKNOWN", "audio/wav"},
		{"noext", "audio/wav"},
	}
	for _, tc := range cases {
		if got := MimeTypeForFile(tc.filename); got != tc.want {
			t.Fatalf("MimeTypeForFile(%q) = %q, want %q", tc.filename, got, tc.want)
		}
	}
}

// fakeRunner records the invocation and replays a canned result.
type fakeRunner struct {
	gotName string
	gotArgs []string
	result  commandResult
	err     error
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (commandResult, error) {
	f.gotName = name
	f.gotArgs = args
	return f.result, f.err
}

const probeJSON = `{
	"streams": [
		{"codec_type": "video", "channels": 0, "sample_rate": ""},
		{"codec_type": "audio", "channels": 2, "sample_rate": "44100"}
	],
	"format": {"format_name": "wav", "duration": "12.345600"}
}`

func TestProbeParsesMetadata(t *testing.T) {
	runner := &fakeRunner{result: commandResult{Stdout: probeJSON}}
	prober := &Prober{ffprobePath: "ffprobe", runner: runner}

	meta, err := prober.Probe(context.Background(), "/tmp/audio/meeting.wav")
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if runner.gotName != "ffprobe" {
		t.Fatalf("expected ffprobe invocation, got %q", runner.gotName)
	}
	wantArgs := "-v error -print_format json -show_format -show_streams /tmp/audio/meeting.wav"
	if got := strings.Join(runner.gotArgs, " "); got != wantArgs {
		t.Fatalf("unexpected ffprobe args: %q", got)
	}
	if meta.DurationSeconds != 12.3456 {
		t.Fatalf("expected duration 12.3456, got %v", meta.DurationSeconds)
	}
	if meta.Channels != 2 {
		t.Fatalf("expected 2 channels, got %d", meta.Channels)
	}
	if meta.SampleRate != 44100 {
		t.Fatalf("expected sample rate 44100, got %d", meta.SampleRate)
	}
	if meta.Format != "wav" {
		t.Fatalf("expected format wav, got %q", meta.Format)
	}
}

func TestProbeCommandFailure(t *testing.T) {
	runner := &fakeRunner{
		result: commandResult{Stderr: "No such file or directory", ExitCode: 1},
		err:    errors.New("exit status 1"),
	}
	prober := &Prober{ffprobePath: "ffprobe", runner: runner}

	_, err := prober.Probe(context.Background(), "/tmp/missing.wav")
	if err == nil {
		t.Fatal("expected error for failed ffprobe, got nil")
	}
	if !strings.Contains(err.Error(), "exit 1") {
		t.Fatalf("expected exit code in error, got %v", err)
	}
}

func TestProbeMalformedOutput(t *testing.T) {
	runner := &fakeRunner{result: commandResult{Stdout: "not json"}}
	prober := &Prober{ffprobePath: "ffprobe", runner: runner}

	_, err := prober.Probe(context.Background(), "/tmp/audio.wav")
	if err == nil {
		t.Fatal("expected parse error, got nil")
	}
}
