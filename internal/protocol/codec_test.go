package protocol

import (
	"errors"
	"reflect"
	"testing"

	"github.com/google/uuid"
)

var testID = uuid.MustParse("00112233-4455-6677-8899-aabbccddeeff")

func strPtr(s string) *string   { return &s }
func f32Ptr(v float32) *float32 { return &v }

func TestSTTClientRoundTrip(t *testing.T) {
	for _, codec := range []Codec{{InitParams: ParamsOnInitialize}, {InitParams: ParamsOnFinalize}} {
		msgs := []STTClientMessage{
			AudioData{ID: testID},
			AudioData{Data: []int16{0, 1, -1, 32767, -32768}, ID: testID},
			CloseConnection{},
			ConvertToStatus{},
			CloseSession{ID: testID},
		}
		if codec.InitParams == ParamsOnInitialize {
			msgs = append(msgs,
				InitializeStreaming{Verbose: true, Language: "en", ID: testID},
				InitializeStreaming{Language: "", ID: uuid.Nil},
				FinalizeStreaming{ID: testID},
			)
		} else {
			msgs = append(msgs,
				InitializeStreaming{ID: testID},
				FinalizeStreaming{ID: testID, Verbose: true, Language: "日本語", Translate: true},
				FinalizeStreaming{ID: testID},
			)
		}
		for _, msg := range msgs {
			frame, err := codec.EncodeSTTClient(msg)
			if err != nil {
				t.Fatalf("%s: encode %#v: %v", codec.InitParams, msg, err)
			}
			if Tag(frame[0]) != msg.Tag() {
				t.Fatalf("frame tag 0x%02x, want 0x%02x", frame[0], msg.Tag())
			}
			got, err := codec.DecodeSTTClient(frame)
			if err != nil {
				t.Fatalf("%s: decode %#v: %v", codec.InitParams, msg, err)
			}
			if !reflect.DeepEqual(got, msg) {
				t.Fatalf("%s: round trip mismatch: got %#v want %#v", codec.InitParams, got, msg)
			}
		}
	}
}

func TestSTTServerRoundTrip(t *testing.T) {
	var codec Codec
	msgs := []STTServerMessage{
		InitializationComplete{ID: testID},
		InitializationFailed{ID: testID, Error: ""},
		InitializationFailed{ID: testID, Error: "no capacity"},
		STTResult{ID: testID, Result: "hello world"},
		STTResult{ID: testID, Result: ""},
		STTVerboseResult{ID: testID},
		STTVerboseResult{ID: testID, NumTranscripts: 3, MainTranscript: strPtr("best"), Confidence: f32Ptr(0)},
		STTVerboseResult{ID: testID, NumTranscripts: 1, MainTranscript: strPtr(""), Confidence: f32Ptr(1)},
		STTError{ID: uuid.Nil, Error: "sessions still open"},
		ShuttingDown{},
		StatusConnectionOpen{MaxUtilization: 1.5, CanOverload: true},
		StatusConnectionOpen{},
		StatusConnectionData{Utilization: 0.25},
		FatalIoError{Error: "broken pipe"},
		FatalUnknownError{Error: ""},
	}
	for _, msg := range msgs {
		frame, err := codec.EncodeSTTServer(msg)
		if err != nil {
			t.Fatalf("encode %#v: %v", msg, err)
		}
		got, err := codec.DecodeSTTServer(frame)
		if err != nil {
			t.Fatalf("decode %#v: %v", msg, err)
		}
		if !reflect.DeepEqual(got, msg) {
			t.Fatalf("round trip mismatch: got %#v want %#v", got, msg)
		}
	}
}

func TestTTSRoundTrip(t *testing.T) {
	var codec Codec
	clients := []TTSClientMessage{
		RequestSession{ID: testID, Text: "hi", Language: "en", Config: EspeakNg{Voice: "en-us"}},
		RequestSession{ID: testID, Text: "", Language: "", Config: Flite{Voice: "slt", Text: "flite text"}},
		RequestSession{ID: testID, Text: "mary", Language: "de", Config: MaryTTS{Voice: "bits1", Effects: nil}},
		RequestSession{ID: testID, Text: "fx", Language: "en", Config: MaryTTS{Voice: "cmu", Effects: []MaryEffect{
			Volume{Amount: 2},
			TractScaler{Amount: 0.25},
			F0Scale{Scale: 3},
			F0Add{Add: -300},
			Rate{DurationScale: 0.1},
			Robot{Amount: 100},
			Whisper{Amount: 0},
			Stadium{Amount: 200},
			Chorus{Taps: []ChorusTap{{Delay: 466, Amplitude: 0.54}, {Delay: 0, Amplitude: -5}}},
			Chorus{},
			FIRFilter{Type: BandReject, Cutoff: 0, Lower: 100, Upper: 4000},
			JetPilot{},
		}}},
		CloseConnection{},
	}
	for _, msg := range clients {
		frame, err := codec.EncodeTTSClient(msg)
		if err != nil {
			t.Fatalf("encode %#v: %v", msg, err)
		}
		got, err := codec.DecodeTTSClient(frame)
		if err != nil {
			t.Fatalf("decode %#v: %v", msg, err)
		}
		if !reflect.DeepEqual(got, msg) {
			t.Fatalf("round trip mismatch: got %#v want %#v", got, msg)
		}
	}

	servers := []TTSServerMessage{
		ApproveSession{ID: testID},
		SessionComplete{ID: testID},
		SessionComplete{ID: testID, Audio: []byte("RIFF....WAVE")},
		SessionRejected{ID: testID, Error: "engine unavailable"},
		SynthesisFailed{ID: testID, Error: "exit status 1"},
		ShuttingDown{},
		FatalIoError{Error: "eof"},
		FatalUnknownError{Error: "panic"},
	}
	for _, msg := range servers {
		frame, err := codec.EncodeTTSServer(msg)
		if err != nil {
			t.Fatalf("encode %#v: %v", msg, err)
		}
		got, err := codec.DecodeTTSServer(frame)
		if err != nil {
			t.Fatalf("decode %#v: %v", msg, err)
		}
		if !reflect.DeepEqual(got, msg) {
			t.Fatalf("round trip mismatch: got %#v want %#v", got, msg)
		}
	}
}

func TestSharedTagsMatchAcrossEndpoints(t *testing.T) {
	var codec Codec
	stt, _ := codec.EncodeSTTServer(ShuttingDown{})
	tts, _ := codec.EncodeTTSServer(ShuttingDown{})
	if !reflect.DeepEqual(stt, tts) {
		t.Fatalf("ShuttingDown differs: %x vs %x", stt, tts)
	}
	sttClose, _ := codec.EncodeSTTClient(CloseConnection{})
	ttsClose, _ := codec.EncodeTTSClient(CloseConnection{})
	if !reflect.DeepEqual(sttClose, ttsClose) {
		t.Fatalf("CloseConnection differs: %x vs %x", sttClose, ttsClose)
	}
}

func TestWireLayout(t *testing.T) {
	frame, err := Codec{}.EncodeSTTClient(AudioData{Data: []int16{1, -2}, ID: testID})
	if err != nil {
		t.Fatal(err)
	}
	want := append([]byte{0x01, 2, 0, 0, 0, 0x01, 0x00, 0xFE, 0xFF}, testID[:]...)
	if !reflect.DeepEqual(frame, want) {
		t.Fatalf("audio frame layout\n got %x\nwant %x", frame, want)
	}

	frame, err = Codec{}.EncodeSTTServer(FatalUnknownError{Error: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(frame, []byte{0xFF, 1, 0, 0, 0, 'x'}) {
		t.Fatalf("fatal frame layout %x", frame)
	}
}

func TestDecodeErrors(t *testing.T) {
	var codec Codec
	valid, _ := codec.EncodeSTTServer(STTResult{ID: testID, Result: "abc"})

	cases := []struct {
		name   string
		frame  []byte
		decode func([]byte) error
		want   error
		offset int
	}{
		{"empty", nil, sttServer(codec), ErrTruncated, 0},
		{"unknown stt client", []byte{0x42}, sttClient(codec), ErrUnknownTag, 0},
		{"unknown stt server", []byte{0x09}, sttServer(codec), ErrUnknownTag, 0},
		{"unknown tts client", []byte{0x01}, ttsClient(codec), ErrUnknownTag, 0},
		{"unknown tts server", []byte{0x04}, ttsServer(codec), ErrUnknownTag, 0},
		{"truncated id", []byte{0x00, 1, 2, 3}, sttServer(codec), ErrTruncated, 1},
		{"length past end", append(append([]byte{0x02}, testID[:]...), 0xFF, 0xFF, 0, 0, 'a'), sttServer(codec), ErrBadLength, 17},
		{"trailing", append(append([]byte{}, valid...), 0x00), sttServer(codec), ErrTrailingBytes, len(valid)},
		{"bad bool", []byte{0x06, 0, 0, 0, 0, 0, 0, 0, 0, 2}, sttServer(codec), ErrOutOfRange, 9},
		{"bad utf8", append(append([]byte{0x02}, testID[:]...), 1, 0, 0, 0, 0xFF), sttServer(codec), ErrInvalidUTF8, 21},
		{"bad engine", append(append([]byte{0x00}, testID[:]...), 0, 0, 0, 0, 0, 0, 0, 0, 9), ttsClient(codec), ErrOutOfRange, 25},
		{"huge sample count", []byte{0x01, 0xFF, 0xFF, 0xFF, 0x7F}, sttClient(codec), ErrBadLength, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.decode(tc.frame)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("expected *DecodeError, got %T", err)
			}
			if de.Offset != tc.offset {
				t.Fatalf("offset %d, want %d", de.Offset, tc.offset)
			}
		})
	}
}

func TestVerboseZeroInvariant(t *testing.T) {
	var codec Codec
	_, err := codec.EncodeSTTServer(STTVerboseResult{ID: testID, MainTranscript: strPtr("ghost")})
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}

	frame := append([]byte{byte(TagSTTVerboseResult)}, testID[:]...)
	frame = append(frame, 0, 0, 0, 0, 0, 1, 0, 0, 0x80, 0x3F)
	if _, err := codec.DecodeSTTServer(frame); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange on decode, got %v", err)
	}

	v := NewVerboseResult(testID, 0, "dropped", 0.5)
	if v.MainTranscript != nil || v.Confidence != nil {
		t.Fatalf("NewVerboseResult kept optional fields: %#v", v)
	}
}

func TestPlacementChangesLayout(t *testing.T) {
	msg := InitializeStreaming{Verbose: true, Language: "en", ID: testID}
	initFrame, _ := Codec{InitParams: ParamsOnInitialize}.EncodeSTTClient(msg)
	finalFrame, _ := Codec{InitParams: ParamsOnFinalize}.EncodeSTTClient(msg)
	if len(finalFrame) != 17 || len(initFrame) != 1+1+4+2+16 {
		t.Fatalf("unexpected lengths %d and %d", len(initFrame), len(finalFrame))
	}
	if (Codec{InitParams: ParamsOnInitialize}).STTSubprotocol() == (Codec{InitParams: ParamsOnFinalize}).STTSubprotocol() {
		t.Fatal("layouts must negotiate different subprotocols")
	}
}

func TestEncodeRejectsInvalidFilter(t *testing.T) {
	_, err := Codec{}.EncodeTTSClient(RequestSession{ID: testID, Config: MaryTTS{Effects: []MaryEffect{FIRFilter{Type: 7}}}})
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
	_, err = Codec{}.EncodeTTSClient(RequestSession{ID: testID})
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage for nil config, got %v", err)
	}
}

func sttClient(c Codec) func([]byte) error {
	return func(b []byte) error { _, err := c.DecodeSTTClient(b); return err }
}

func sttServer(c Codec) func([]byte) error {
	return func(b []byte) error { _, err := c.DecodeSTTServer(b); return err }
}

func ttsClient(c Codec) func([]byte) error {
	return func(b []byte) error { _, err := c.DecodeTTSClient(b); return err }
}

func ttsServer(c Codec) func([]byte) error {
	return func(b []byte) error { _, err := c.DecodeTTSServer(b); return err }
}
