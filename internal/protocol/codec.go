package protocol

import (
	"fmt"
	"strings"
)

// Revision is the canonical schema revision implemented by this package.
const Revision = 3

// Tag is the one-byte discriminant that starts every frame. Values are
// assigned explicitly and never derived from declaration order.
type Tag byte

// Placement selects which STT message carries the decoding parameters
// (language, verbosity, translation flag).
type Placement uint8

const (
	// ParamsOnInitialize sends verbose and language with InitializeStreaming.
	ParamsOnInitialize Placement = iota
	// ParamsOnFinalize sends verbose, language and translate with
	// FinalizeStreaming; InitializeStreaming carries only the id.
	ParamsOnFinalize
)

func (p Placement) String() string {
	switch p {
	case ParamsOnInitialize:
		return "initialize"
	case ParamsOnFinalize:
		return "finalize"
	default:
		return fmt.Sprintf("placement(%d)", uint8(p))
	}
}

// ParsePlacement accepts "initialize" or "finalize".
func ParsePlacement(s string) (Placement, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "initialize":
		return ParamsOnInitialize, nil
	case "finalize":
		return ParamsOnFinalize, nil
	default:
		return 0, fmt.Errorf("unknown init params placement %q", s)
	}
}

// Codec encodes and decodes frames for both endpoints. The zero value uses
// ParamsOnInitialize.
type Codec struct {
	InitParams Placement
}

// TTSSubprotocol is the websocket subprotocol of the synthesis endpoint.
const TTSSubprotocol = "voicewire.tts.v3"

// STTSubprotocol names the websocket subprotocol for the codec's layout. Peers
// built against a different layout negotiate a different name, so frames are
// never interpreted against the wrong schema.
func (c Codec) STTSubprotocol() string {
	if c.InitParams == ParamsOnFinalize {
		return fmt.Sprintf("voicewire.stt.v%d+final", Revision)
	}
	return fmt.Sprintf("voicewire.stt.v%d+init", Revision)
}
