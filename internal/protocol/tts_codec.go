package protocol

import "fmt"

// EncodeTTSClient serializes a client message for the TTS endpoint.
func (c Codec) EncodeTTSClient(m TTSClientMessage) ([]byte, error) {
	switch m := m.(type) {
	case RequestSession:
		e := newEncoder(m.Tag(), 32+len(m.Text)+len(m.Language))
		e.id(m.ID)
		e.str(m.Text)
		e.str(m.Language)
		if err := e.ttsConfig(m.Config); err != nil {
			return nil, err
		}
		return e.bytes(), nil
	case CloseConnection:
		return []byte{byte(m.Tag())}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported tts client message %T", ErrInvalidMessage, m)
	}
}

// DecodeTTSClient parses one client frame of the TTS endpoint.
func (c Codec) DecodeTTSClient(frame []byte) (TTSClientMessage, error) {
	d, err := newDecoder(frame)
	if err != nil {
		return nil, err
	}
	var msg TTSClientMessage
	switch Tag(d.tag) {
	case TagRequestSession:
		m := RequestSession{ID: d.id()}
		m.Text = d.str()
		m.Language = d.str()
		m.Config = d.ttsConfig()
		msg = m
	case TagCloseConnection:
		msg = CloseConnection{}
	default:
		d.unknownTag()
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return msg, nil
}

// EncodeTTSServer serializes a server message of the TTS endpoint.
func (c Codec) EncodeTTSServer(m TTSServerMessage) ([]byte, error) {
	switch m := m.(type) {
	case ApproveSession:
		e := newEncoder(m.Tag(), 16)
		e.id(m.ID)
		return e.bytes(), nil
	case SessionComplete:
		e := newEncoder(m.Tag(), 20+len(m.Audio))
		e.id(m.ID)
		e.blob(m.Audio)
		return e.bytes(), nil
	case SessionRejected:
		return encodeIDText(m.Tag(), m.ID, m.Error), nil
	case SynthesisFailed:
		return encodeIDText(m.Tag(), m.ID, m.Error), nil
	case ShuttingDown:
		return []byte{byte(m.Tag())}, nil
	case FatalIoError:
		return encodeText(m.Tag(), m.Error), nil
	case FatalUnknownError:
		return encodeText(m.Tag(), m.Error), nil
	default:
		return nil, fmt.Errorf("%w: unsupported tts server message %T", ErrInvalidMessage, m)
	}
}

// DecodeTTSServer parses one server frame of the TTS endpoint.
func (c Codec) DecodeTTSServer(frame []byte) (TTSServerMessage, error) {
	d, err := newDecoder(frame)
	if err != nil {
		return nil, err
	}
	var msg TTSServerMessage
	switch Tag(d.tag) {
	case TagApproveSession:
		msg = ApproveSession{ID: d.id()}
	case TagSessionComplete:
		m := SessionComplete{ID: d.id()}
		m.Audio = d.blob()
		msg = m
	case TagSessionRejected:
		m := SessionRejected{ID: d.id()}
		m.Error = d.str()
		msg = m
	case TagSynthesisFailed:
		m := SynthesisFailed{ID: d.id()}
		m.Error = d.str()
		msg = m
	case TagShuttingDown:
		msg = ShuttingDown{}
	case TagFatalIoError:
		msg = FatalIoError{Error: d.str()}
	case TagFatalUnknownError:
		msg = FatalUnknownError{Error: d.str()}
	default:
		d.unknownTag()
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return msg, nil
}

func (e *encoder) ttsConfig(cfg TTSConfig) error {
	switch cfg := cfg.(type) {
	case EspeakNg:
		e.u8(uint8(EngineEspeakNg))
		e.str(cfg.Voice)
	case Flite:
		e.u8(uint8(EngineFlite))
		e.str(cfg.Voice)
		e.str(cfg.Text)
	case MaryTTS:
		e.u8(uint8(EngineMaryTTS))
		e.str(cfg.Voice)
		e.u32(uint32(len(cfg.Effects)))
		for _, fx := range cfg.Effects {
			if err := e.maryEffect(fx); err != nil {
				return err
			}
		}
	case nil:
		return fmt.Errorf("%w: request without engine config", ErrInvalidMessage)
	default:
		return fmt.Errorf("%w: unsupported engine config %T", ErrInvalidMessage, cfg)
	}
	return nil
}

func (e *encoder) maryEffect(fx MaryEffect) error {
	switch fx := fx.(type) {
	case Volume:
		e.u8(uint8(EffectVolume))
		e.f32(fx.Amount)
	case TractScaler:
		e.u8(uint8(EffectTractScaler))
		e.f32(fx.Amount)
	case F0Scale:
		e.u8(uint8(EffectF0Scale))
		e.f32(fx.Scale)
	case F0Add:
		e.u8(uint8(EffectF0Add))
		e.f32(fx.Add)
	case Rate:
		e.u8(uint8(EffectRate))
		e.f32(fx.DurationScale)
	case Robot:
		e.u8(uint8(EffectRobot))
		e.f32(fx.Amount)
	case Whisper:
		e.u8(uint8(EffectWhisper))
		e.f32(fx.Amount)
	case Stadium:
		e.u8(uint8(EffectStadium))
		e.f32(fx.Amount)
	case Chorus:
		e.u8(uint8(EffectChorus))
		e.u32(uint32(len(fx.Taps)))
		for _, tap := range fx.Taps {
			e.f32(tap.Delay)
			e.f32(tap.Amplitude)
		}
	case FIRFilter:
		if fx.Type < LowPass || fx.Type > BandReject {
			return fmt.Errorf("%w: fir filter type %d", ErrInvalidMessage, fx.Type)
		}
		e.u8(uint8(EffectFIRFilter))
		e.u8(uint8(fx.Type))
		e.f32(fx.Cutoff)
		e.f32(fx.Lower)
		e.f32(fx.Upper)
	case JetPilot:
		e.u8(uint8(EffectJetPilot))
	default:
		return fmt.Errorf("%w: unsupported effect %T", ErrInvalidMessage, fx)
	}
	return nil
}

func (d *decoder) ttsConfig() TTSConfig {
	at := d.off
	switch Engine(d.u8()) {
	case EngineEspeakNg:
		return EspeakNg{Voice: d.str()}
	case EngineFlite:
		cfg := Flite{Voice: d.str()}
		cfg.Text = d.str()
		return cfg
	case EngineMaryTTS:
		cfg := MaryTTS{Voice: d.str()}
		// Every effect is at least one byte.
		n := d.length(1)
		if n > 0 {
			cfg.Effects = make([]MaryEffect, 0, n)
		}
		for i := 0; i < n && d.err == nil; i++ {
			cfg.Effects = append(cfg.Effects, d.maryEffect())
		}
		return cfg
	default:
		if d.err == nil {
			d.off = at
			d.fail(ErrOutOfRange)
		}
		return nil
	}
}

func (d *decoder) maryEffect() MaryEffect {
	at := d.off
	switch EffectKind(d.u8()) {
	case EffectVolume:
		return Volume{Amount: d.f32()}
	case EffectTractScaler:
		return TractScaler{Amount: d.f32()}
	case EffectF0Scale:
		return F0Scale{Scale: d.f32()}
	case EffectF0Add:
		return F0Add{Add: d.f32()}
	case EffectRate:
		return Rate{DurationScale: d.f32()}
	case EffectRobot:
		return Robot{Amount: d.f32()}
	case EffectWhisper:
		return Whisper{Amount: d.f32()}
	case EffectStadium:
		return Stadium{Amount: d.f32()}
	case EffectChorus:
		n := d.length(8)
		var taps []ChorusTap
		if n > 0 {
			taps = make([]ChorusTap, n)
		}
		for i := range taps {
			taps[i].Delay = d.f32()
			taps[i].Amplitude = d.f32()
		}
		return Chorus{Taps: taps}
	case EffectFIRFilter:
		kindAt := d.off
		kind := FilterKind(d.u8())
		if d.err == nil && (kind < LowPass || kind > BandReject) {
			d.off = kindAt
			d.fail(ErrOutOfRange)
			return nil
		}
		fx := FIRFilter{Type: kind}
		fx.Cutoff = d.f32()
		fx.Lower = d.f32()
		fx.Upper = d.f32()
		return fx
	case EffectJetPilot:
		return JetPilot{}
	default:
		if d.err == nil {
			d.off = at
			d.fail(ErrOutOfRange)
		}
		return nil
	}
}
