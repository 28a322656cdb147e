package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

// Client to server tags of the TTS endpoint. CloseConnection shares its tag
// with the STT endpoint.
const (
	TagRequestSession Tag = 0x00
)

// Server to client tags of the TTS endpoint. ShuttingDown and the fatal
// variants share their tags with the STT endpoint.
const (
	TagApproveSession  Tag = 0x00
	TagSessionComplete Tag = 0x01
	TagSessionRejected Tag = 0x02
	TagSynthesisFailed Tag = 0x03
)

// TTSClientMessage is implemented by every message a client sends to the
// TTS endpoint.
type TTSClientMessage interface {
	Tag() Tag
	ttsClient()
}

// TTSServerMessage is implemented by every message the TTS endpoint sends.
type TTSServerMessage interface {
	Tag() Tag
	ttsServer()
}

// RequestSession asks the server to synthesize Text with the engine selected
// by Config.
type RequestSession struct {
	ID       uuid.UUID
	Text     string
	Language string
	Config   TTSConfig
}

type ApproveSession struct {
	ID uuid.UUID
}

// SessionComplete carries the synthesized audio, usually a WAV file.
type SessionComplete struct {
	ID    uuid.UUID
	Audio []byte
}

// SessionRejected is sent instead of ApproveSession when a request cannot be
// served at all.
type SessionRejected struct {
	ID    uuid.UUID
	Error string
}

// SynthesisFailed reports an engine failure after the session was approved.
type SynthesisFailed struct {
	ID    uuid.UUID
	Error string
}

func (RequestSession) Tag() Tag  { return TagRequestSession }
func (ApproveSession) Tag() Tag  { return TagApproveSession }
func (SessionComplete) Tag() Tag { return TagSessionComplete }
func (SessionRejected) Tag() Tag { return TagSessionRejected }
func (SynthesisFailed) Tag() Tag { return TagSynthesisFailed }

func (RequestSession) ttsClient()  {}
func (CloseConnection) ttsClient() {}

func (ApproveSession) ttsServer()    {}
func (SessionComplete) ttsServer()   {}
func (SessionRejected) ttsServer()   {}
func (SynthesisFailed) ttsServer()   {}
func (ShuttingDown) ttsServer()      {}
func (FatalIoError) ttsServer()      {}
func (FatalUnknownError) ttsServer() {}

// Engine identifies a synthesis backend on the wire.
type Engine uint8

const (
	EngineEspeakNg Engine = 0x00
	EngineFlite    Engine = 0x01
	EngineMaryTTS  Engine = 0x02
)

func (e Engine) String() string {
	switch e {
	case EngineEspeakNg:
		return "espeak-ng"
	case EngineFlite:
		return "flite"
	case EngineMaryTTS:
		return "marytts"
	default:
		return fmt.Sprintf("engine(%d)", uint8(e))
	}
}

// TTSConfig is the per-engine part of a RequestSession.
type TTSConfig interface {
	Engine() Engine
	ttsConfig()
}

type EspeakNg struct {
	Voice string
}

// Flite carries its own text; the engine ignores RequestSession.Text when
// this is non-empty.
type Flite struct {
	Voice string
	Text  string
}

type MaryTTS struct {
	Voice   string
	Effects []MaryEffect
}

func (EspeakNg) Engine() Engine { return EngineEspeakNg }
func (Flite) Engine() Engine    { return EngineFlite }
func (MaryTTS) Engine() Engine  { return EngineMaryTTS }

func (EspeakNg) ttsConfig() {}
func (Flite) ttsConfig()    {}
func (MaryTTS) ttsConfig()  {}

// EffectKind is the wire tag of a MaryTTS effect.
type EffectKind uint8

const (
	EffectVolume      EffectKind = 0x00
	EffectTractScaler EffectKind = 0x01
	EffectF0Scale     EffectKind = 0x02
	EffectF0Add       EffectKind = 0x03
	EffectRate        EffectKind = 0x04
	EffectRobot       EffectKind = 0x05
	EffectWhisper     EffectKind = 0x06
	EffectStadium     EffectKind = 0x07
	EffectChorus      EffectKind = 0x08
	EffectFIRFilter   EffectKind = 0x09
	EffectJetPilot    EffectKind = 0x0A
)

// MaryEffect is one entry of the MaryTTS audio effect chain.
type MaryEffect interface {
	Kind() EffectKind
	maryEffect()
}

// Volume multiplies the output by Amount.
type Volume struct{ Amount float32 }

// TractScaler shifts formants; valid range 0.25 to 4.
type TractScaler struct{ Amount float32 }

// F0Scale scales the pitch range of HMM voices; valid range 0 to 3.
type F0Scale struct{ Scale float32 }

// F0Add shifts mean pitch of HMM voices in Hz; valid range -300 to 300.
type F0Add struct{ Add float32 }

// Rate scales the duration of HMM voices; valid range 0.1 to 3.
type Rate struct{ DurationScale float32 }

// Robot zeroes all phases; valid range 0 to 100.
type Robot struct{ Amount float32 }

// Whisper replaces the residual with noise; valid range 0 to 100.
type Whisper struct{ Amount float32 }

// Stadium applies a multi-tap chorus; valid range 0 to 200.
type Stadium struct{ Amount float32 }

// ChorusTap is a delay in milliseconds and a relative amplitude.
type ChorusTap struct {
	Delay     float32
	Amplitude float32
}

// Chorus sums delayed copies of the signal. At most 20 taps.
type Chorus struct{ Taps []ChorusTap }

// FilterKind selects the FIR filter shape.
type FilterKind uint8

const (
	LowPass    FilterKind = 1
	HighPass   FilterKind = 2
	BandPass   FilterKind = 3
	BandReject FilterKind = 4
)

func (k FilterKind) String() string {
	switch k {
	case LowPass:
		return "lowpass"
	case HighPass:
		return "highpass"
	case BandPass:
		return "bandpass"
	case BandReject:
		return "bandreject"
	default:
		return fmt.Sprintf("filter(%d)", uint8(k))
	}
}

// FIRFilter uses Cutoff for low/high pass and Lower/Upper for band filters.
type FIRFilter struct {
	Type   FilterKind
	Cutoff float32
	Lower  float32
	Upper  float32
}

type JetPilot struct{}

func (Volume) Kind() EffectKind      { return EffectVolume }
func (TractScaler) Kind() EffectKind { return EffectTractScaler }
func (F0Scale) Kind() EffectKind     { return EffectF0Scale }
func (F0Add) Kind() EffectKind       { return EffectF0Add }
func (Rate) Kind() EffectKind        { return EffectRate }
func (Robot) Kind() EffectKind       { return EffectRobot }
func (Whisper) Kind() EffectKind     { return EffectWhisper }
func (Stadium) Kind() EffectKind     { return EffectStadium }
func (Chorus) Kind() EffectKind      { return EffectChorus }
func (FIRFilter) Kind() EffectKind   { return EffectFIRFilter }
func (JetPilot) Kind() EffectKind    { return EffectJetPilot }

func (Volume) maryEffect()      {}
func (TractScaler) maryEffect() {}
func (F0Scale) maryEffect()     {}
func (F0Add) maryEffect()       {}
func (Rate) maryEffect()        {}
func (Robot) maryEffect()       {}
func (Whisper) maryEffect()     {}
func (Stadium) maryEffect()     {}
func (Chorus) maryEffect()      {}
func (FIRFilter) maryEffect()   {}
func (JetPilot) maryEffect()    {}
