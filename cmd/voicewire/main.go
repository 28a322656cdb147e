package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/voicewire/internal/balancer"
	"github.com/loqalabs/voicewire/internal/client"
	"github.com/loqalabs/voicewire/internal/config"
	"github.com/loqalabs/voicewire/internal/protocol"
	"github.com/loqalabs/voicewire/internal/stt"
)

var version = "0.1.0-dev"

const usage = "usage: voicewire <transcribe|speak|status|pick|version> [flags]"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	var err error
	switch os.Args[1] {
	case "transcribe":
		err = runTranscribe(ctx, os.Args[2:], logger)
	case "speak":
		err = runSpeak(ctx, os.Args[2:], logger)
	case "status":
		err = runStatus(ctx, os.Args[2:], logger)
	case "pick":
		err = runPick(ctx, os.Args[2:], logger)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func codecFlag(fs *flag.FlagSet) *string {
	return fs.String("init-params", "initialize", "Where decoding parameters travel: initialize|finalize")
}

func parseCodec(placement string) (protocol.Codec, error) {
	p, err := protocol.ParsePlacement(placement)
	if err != nil {
		return protocol.Codec{}, err
	}
	return protocol.Codec{InitParams: p}, nil
}

func runTranscribe(ctx context.Context, args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("transcribe", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/v1/stt", "STT endpoint")
	file := fs.String("file", "", "16 kHz PCM wav file to transcribe")
	lang := fs.String("lang", "en", "Language code")
	verbose := fs.Bool("verbose", false, "Request alternatives and confidence")
	translate := fs.Bool("translate", false, "Translate to English (finalize placement only)")
	chunk := fs.Int("chunk", 4096, "Samples per audio frame")
	timeout := fs.Duration("timeout", 2*time.Minute, "Overall deadline")
	placement := codecFlag(fs)
	_ = fs.Parse(args)

	if *file == "" {
		return errors.New("transcribe: -file is required")
	}
	codec, err := parseCodec(*placement)
	if err != nil {
		return err
	}
	f, err := os.Open(*file)
	if err != nil {
		return err
	}
	defer f.Close()
	pcm, rate, err := stt.ReadWav(f)
	if err != nil {
		return err
	}
	if rate != 16000 {
		logger.Warn("server expects 16 kHz audio", slog.Int("sample_rate", rate))
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	c, err := client.DialSTT(ctx, *url, codec, client.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer c.Close()

	got, err := c.Transcribe(ctx, pcm, *chunk, client.StreamOptions{Language: *lang, Verbose: *verbose, Translate: *translate})
	if err != nil {
		return err
	}
	if !got.Verbose {
		fmt.Println(got.Text)
		return nil
	}
	if got.Count == 0 {
		fmt.Println("(no speech)")
		return nil
	}
	conf := float32(0)
	if got.Confidence != nil {
		conf = *got.Confidence
	}
	fmt.Printf("%s\t(confidence %.2f, %d alternatives)\n", got.Text, conf, got.Count)
	return nil
}

func runSpeak(ctx context.Context, args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("speak", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/v1/tts", "TTS endpoint")
	text := fs.String("text", "", "Text to synthesize")
	lang := fs.String("lang", "en", "Language code")
	engine := fs.String("engine", "espeak-ng", "Engine: espeak-ng|flite|marytts")
	voice := fs.String("voice", "", "Engine voice")
	out := fs.String("out", "speech.wav", "Output wav file")
	timeout := fs.Duration("timeout", time.Minute, "Overall deadline")
	_ = fs.Parse(args)

	if strings.TrimSpace(*text) == "" {
		return errors.New("speak: -text is required")
	}
	var cfg protocol.TTSConfig
	switch *engine {
	case "espeak-ng":
		cfg = protocol.EspeakNg{Voice: *voice}
	case "flite":
		cfg = protocol.Flite{Voice: *voice, Text: *text}
	case "marytts":
		cfg = protocol.MaryTTS{Voice: *voice}
	default:
		return fmt.Errorf("speak: unknown engine %q", *engine)
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	c, err := client.DialTTS(ctx, *url, client.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer c.Close()

	audio, err := c.Synthesize(ctx, protocol.RequestSession{Text: *text, Language: *lang, Config: cfg})
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, audio, 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote %d bytes to %s\n", len(audio), *out)
	return nil
}

func runStatus(ctx context.Context, args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/v1/stt", "STT endpoint")
	count := fs.Int("count", 0, "Stop after this many readings (0 follows until interrupted)")
	placement := codecFlag(fs)
	_ = fs.Parse(args)

	codec, err := parseCodec(*placement)
	if err != nil {
		return err
	}
	st, err := client.DialStatus(ctx, *url, codec, client.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer st.Close()

	caps := st.Capabilities()
	fmt.Printf("max_utilization=%.2f can_overload=%t\n", caps.MaxUtilization, caps.CanOverload)
	for n := 0; *count == 0 || n < *count; n++ {
		u, err := st.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fmt.Printf("%s utilization=%.3f\n", time.Now().Format(time.TimeOnly), u)
	}
	return nil
}

func runPick(ctx context.Context, args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("pick", flag.ExitOnError)
	upstreams := fs.String("upstreams", "", "Comma separated STT endpoints")
	wait := fs.Duration("wait", 2*time.Second, "How long to collect status before picking")
	placement := codecFlag(fs)
	_ = fs.Parse(args)

	codec, err := parseCodec(*placement)
	if err != nil {
		return err
	}
	var urls []string
	for _, u := range strings.Split(*upstreams, ",") {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	b := balancer.New(ctx, config.BalancerConfig{Upstreams: urls}, codec, logger)
	if err := b.Start(); err != nil {
		return err
	}
	defer b.Close()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(*wait):
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	best, err := b.Pick()
	if err != nil {
		_ = enc.Encode(b.Snapshot())
		return err
	}
	return enc.Encode(best)
}
