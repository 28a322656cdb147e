package tts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/loqalabs/voicewire/internal/protocol"
)

type marySynth struct {
	endpoint string
	client   *http.Client
}

// NewMaryTTSSynth talks to a MaryTTS server over its HTTP /process API.
func NewMaryTTSSynth(endpoint string, client *http.Client) Synthesizer {
	if client == nil {
		client = http.DefaultClient
	}
	return &marySynth{endpoint: strings.TrimRight(endpoint, "/"), client: client}
}

func (m *marySynth) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	cfg, ok := req.Config.(protocol.MaryTTS)
	if !ok {
		return nil, fmt.Errorf("marytts cannot serve %T", req.Config)
	}
	form := maryForm(req, cfg)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint+"/process", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("marytts returned status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return io.ReadAll(resp.Body)
}

func maryForm(req Request, cfg protocol.MaryTTS) url.Values {
	form := url.Values{}
	form.Set("INPUT_TEXT", req.Text)
	form.Set("INPUT_TYPE", "TEXT")
	form.Set("OUTPUT_TYPE", "AUDIO")
	form.Set("AUDIO", "WAVE_FILE")
	if req.Language != "" {
		form.Set("LOCALE", strings.ReplaceAll(req.Language, "-", "_"))
	}
	if cfg.Voice != "" {
		form.Set("VOICE", cfg.Voice)
	}
	for _, fx := range cfg.Effects {
		name, params := maryEffectParams(fx)
		form.Set("effect_"+name+"_selected", "on")
		form.Set("effect_"+name+"_parameters", params)
	}
	return form
}

func maryEffectParams(fx protocol.MaryEffect) (string, string) {
	f := func(v float32) string { return strconv.FormatFloat(float64(v), 'f', -1, 32) }
	switch fx := fx.(type) {
	case protocol.Volume:
		return "Volume", "amount:" + f(fx.Amount) + ";"
	case protocol.TractScaler:
		return "TractScaler", "amount:" + f(fx.Amount) + ";"
	case protocol.F0Scale:
		return "F0Scale", "f0Scale:" + f(fx.Scale) + ";"
	case protocol.F0Add:
		return "F0Add", "f0Add:" + f(fx.Add) + ";"
	case protocol.Rate:
		return "Rate", "durScale:" + f(fx.DurationScale) + ";"
	case protocol.Robot:
		return "Robot", "amount:" + f(fx.Amount) + ";"
	case protocol.Whisper:
		return "Whisper", "amount:" + f(fx.Amount) + ";"
	case protocol.Stadium:
		return "Stadium", "amount:" + f(fx.Amount) + ";"
	case protocol.Chorus:
		var b strings.Builder
		for i, tap := range fx.Taps {
			fmt.Fprintf(&b, "delay%d:%s;amp%d:%s;", i+1, f(tap.Delay), i+1, f(tap.Amplitude))
		}
		return "Chorus", b.String()
	case protocol.FIRFilter:
		switch fx.Type {
		case protocol.LowPass, protocol.HighPass:
			return "FIRFilter", fmt.Sprintf("type:%d;fc:%s;", fx.Type, f(fx.Cutoff))
		default:
			return "FIRFilter", fmt.Sprintf("type:%d;fc1:%s;fc2:%s;", fx.Type, f(fx.Lower), f(fx.Upper))
		}
	case protocol.JetPilot:
		return "JetPilot", ""
	default:
		return fmt.Sprintf("%T", fx), ""
	}
}
