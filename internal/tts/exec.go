package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/voicewire/internal/protocol"
)

func parseCommand(name, command string) ([]string, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse %s command: %w", name, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%s command empty", name)
	}
	return args, nil
}

func run(ctx context.Context, name string, argv []string, stdin string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%s failed: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

type espeakSynth struct {
	cmd []string
}

// NewEspeakSynth runs espeak-ng and reads the WAV it writes to stdout. The
// text is passed on stdin so it is never parsed as a flag.
func NewEspeakSynth(command string) (Synthesizer, error) {
	args, err := parseCommand("espeak-ng", command)
	if err != nil {
		return nil, err
	}
	return &espeakSynth{cmd: args}, nil
}

func (e *espeakSynth) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	cfg, ok := req.Config.(protocol.EspeakNg)
	if !ok {
		return nil, fmt.Errorf("espeak-ng cannot serve %T", req.Config)
	}
	argv := append([]string{}, e.cmd...)
	argv = append(argv, "--stdout", "--stdin")
	if voice := voiceOrLanguage(cfg.Voice, req.Language); voice != "" {
		argv = append(argv, "-v", voice)
	}
	audio, err := run(ctx, "espeak-ng", argv, req.Text)
	if err != nil {
		return nil, err
	}
	if len(audio) == 0 {
		return nil, errors.New("espeak-ng produced no audio")
	}
	return audio, nil
}

type fliteSynth struct {
	cmd []string
}

// NewFliteSynth runs flite, which can only write its output to a file.
func NewFliteSynth(command string) (Synthesizer, error) {
	args, err := parseCommand("flite", command)
	if err != nil {
		return nil, err
	}
	return &fliteSynth{cmd: args}, nil
}

func (f *fliteSynth) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	cfg, ok := req.Config.(protocol.Flite)
	if !ok {
		return nil, fmt.Errorf("flite cannot serve %T", req.Config)
	}
	text := req.Text
	if cfg.Text != "" {
		text = cfg.Text
	}

	file, err := os.CreateTemp("", "voicewire_tts_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	name := file.Name()
	file.Close()
	defer os.Remove(name)

	argv := append([]string{}, f.cmd...)
	if cfg.Voice != "" {
		argv = append(argv, "-voice", cfg.Voice)
	}
	argv = append(argv, "-o", name, "-t", text)
	if _, err := run(ctx, "flite", argv, ""); err != nil {
		return nil, err
	}
	audio, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read flite output: %w", err)
	}
	if len(audio) == 0 {
		return nil, errors.New("flite produced no audio")
	}
	return audio, nil
}

func voiceOrLanguage(voice, language string) string {
	if voice != "" {
		return voice
	}
	return language
}
