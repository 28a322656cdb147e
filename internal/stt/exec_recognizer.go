package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/voicewire/internal/config"
)

type execRecognizer struct {
	cmd []string
	cfg config.STTConfig
}

// The command prints either a single transcript or a list of alternatives.
type execResult struct {
	Text         string           `json:"text"`
	Confidence   float32          `json:"confidence"`
	Alternatives []execTranscript `json:"alternatives"`
}

type execTranscript struct {
	Text       string  `json:"text"`
	Confidence float32 `json:"confidence"`
}

// NewExecRecognizer runs an external command per finalized session. The
// command receives the audio as a WAV file via --audio and must print a JSON
// document on stdout.
func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("stt command is empty")
	}
	return &execRecognizer{cmd: args, cfg: cfg}, nil
}

func (r *execRecognizer) Recognize(ctx context.Context, req Request) (Result, error) {
	file, err := os.CreateTemp("", "voicewire_stt_*.wav")
	if err != nil {
		return Result{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	sampleRate := req.SampleRate
	if sampleRate <= 0 {
		sampleRate = r.cfg.SampleRate
	}
	channels := req.Channels
	if channels <= 0 {
		channels = r.cfg.Channels
	}
	if err := writeWav(file, req.PCM, sampleRate, channels); err != nil {
		return Result{}, err
	}

	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if r.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", r.cfg.ModelPath)
	}
	if req.Language != "" {
		cmdArgs = append(cmdArgs, "--language", req.Language)
	}
	if req.Translate {
		cmdArgs = append(cmdArgs, "--translate")
	}

	command := exec.CommandContext(ctx, r.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return Result{}, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Result{}, fmt.Errorf("decode stt response: %w", err)
	}
	return resp.result(), nil
}

func (e execResult) result() Result {
	var out Result
	for _, alt := range e.Alternatives {
		if alt.Text != "" {
			out.Transcripts = append(out.Transcripts, Transcript{Text: alt.Text, Confidence: clamp01(alt.Confidence)})
		}
	}
	if len(out.Transcripts) == 0 && e.Text != "" {
		out.Transcripts = append(out.Transcripts, Transcript{Text: e.Text, Confidence: clamp01(e.Confidence)})
	}
	sort.SliceStable(out.Transcripts, func(i, j int) bool {
		return out.Transcripts[i].Confidence > out.Transcripts[j].Confidence
	})
	return out
}

func clamp01(v float32) float32 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func writeWav(w io.WriteSeeker, pcm []int16, sampleRate int, channels int) error {
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, len(pcm)),
	}
	for i, s := range pcm {
		buffer.Data[i] = int(s)
	}

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
