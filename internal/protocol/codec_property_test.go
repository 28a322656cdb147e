package protocol

import (
	"bytes"
	"reflect"
	"testing"
	"testing/quick"

	"github.com/google/uuid"
)

var bothLayouts = []Codec{{InitParams: ParamsOnInitialize}, {InitParams: ParamsOnFinalize}}

// nilIfEmpty matches the decoder, which turns a zero count into a nil slice.
func nilIfEmpty[T any](v []T) []T {
	if len(v) == 0 {
		return nil
	}
	return v
}

func TestSTTClientRoundTripProperty(t *testing.T) {
	for _, codec := range bothLayouts {
		prop := func(id uuid.UUID, data []int16, verbose, translate bool, lang string) bool {
			msgs := []STTClientMessage{
				AudioData{Data: nilIfEmpty(data), ID: id},
				CloseSession{ID: id},
			}
			if codec.InitParams == ParamsOnInitialize {
				msgs = append(msgs, InitializeStreaming{Verbose: verbose, Language: lang, ID: id}, FinalizeStreaming{ID: id})
			} else {
				msgs = append(msgs, InitializeStreaming{ID: id}, FinalizeStreaming{ID: id, Verbose: verbose, Language: lang, Translate: translate})
			}
			for _, msg := range msgs {
				frame, err := codec.EncodeSTTClient(msg)
				if err != nil {
					t.Logf("encode %#v: %v", msg, err)
					return false
				}
				got, err := codec.DecodeSTTClient(frame)
				if err != nil || !reflect.DeepEqual(got, msg) {
					t.Logf("%s: got %#v (%v), want %#v", codec.InitParams, got, err, msg)
					return false
				}
			}
			return true
		}
		if err := quick.Check(prop, nil); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSTTServerRoundTripProperty(t *testing.T) {
	var codec Codec
	prop := func(id uuid.UUID, text string, count uint32, confidence float32, utilization float64, overload bool) bool {
		msgs := []STTServerMessage{
			InitializationComplete{ID: id},
			InitializationFailed{ID: id, Error: text},
			STTResult{ID: id, Result: text},
			NewVerboseResult(id, count, text, confidence),
			NewVerboseResult(id, 0, text, confidence),
			STTError{ID: id, Error: text},
			StatusConnectionOpen{MaxUtilization: utilization, CanOverload: overload},
			StatusConnectionData{Utilization: utilization},
			FatalIoError{Error: text},
		}
		for _, msg := range msgs {
			frame, err := codec.EncodeSTTServer(msg)
			if err != nil {
				t.Logf("encode %#v: %v", msg, err)
				return false
			}
			got, err := codec.DecodeSTTServer(frame)
			if err != nil || !reflect.DeepEqual(got, msg) {
				t.Logf("got %#v (%v), want %#v", got, err, msg)
				return false
			}
		}
		return true
	}
	if err := quick.Check(prop, nil); err != nil {
		t.Fatal(err)
	}
}

func TestTTSRoundTripProperty(t *testing.T) {
	var codec Codec
	prop := func(id uuid.UUID, text, voice string, amount float32, delays []float32, audio []byte) bool {
		var taps []ChorusTap
		for _, d := range delays {
			taps = append(taps, ChorusTap{Delay: d, Amplitude: amount})
		}
		clients := []TTSClientMessage{
			RequestSession{ID: id, Text: text, Language: voice, Config: EspeakNg{Voice: voice}},
			RequestSession{ID: id, Text: text, Config: Flite{Voice: voice, Text: text}},
			RequestSession{ID: id, Text: text, Config: MaryTTS{Voice: voice, Effects: []MaryEffect{
				Volume{Amount: amount}, Chorus{Taps: taps}, FIRFilter{Type: HighPass, Cutoff: amount},
			}}},
		}
		for _, msg := range clients {
			frame, err := codec.EncodeTTSClient(msg)
			if err != nil {
				t.Logf("encode %#v: %v", msg, err)
				return false
			}
			got, err := codec.DecodeTTSClient(frame)
			if err != nil || !reflect.DeepEqual(got, msg) {
				t.Logf("got %#v (%v), want %#v", got, err, msg)
				return false
			}
		}
		servers := []TTSServerMessage{
			ApproveSession{ID: id},
			SessionComplete{ID: id, Audio: nilIfEmpty(audio)},
			SessionRejected{ID: id, Error: text},
			SynthesisFailed{ID: id, Error: text},
		}
		for _, msg := range servers {
			frame, err := codec.EncodeTTSServer(msg)
			if err != nil {
				t.Logf("encode %#v: %v", msg, err)
				return false
			}
			got, err := codec.DecodeTTSServer(frame)
			if err != nil || !reflect.DeepEqual(got, msg) {
				t.Logf("got %#v (%v), want %#v", got, err, msg)
				return false
			}
		}
		return true
	}
	if err := quick.Check(prop, nil); err != nil {
		t.Fatal(err)
	}
}

func TestEmptySlicesDecodeAsNil(t *testing.T) {
	var codec Codec
	frame, _ := codec.EncodeSTTClient(AudioData{Data: []int16{}, ID: testID})
	got, err := codec.DecodeSTTClient(frame)
	if err != nil {
		t.Fatal(err)
	}
	if got.(AudioData).Data != nil {
		t.Fatalf("empty audio decoded as %#v", got)
	}
	frame, _ = codec.EncodeTTSServer(SessionComplete{ID: testID, Audio: []byte{}})
	done, err := codec.DecodeTTSServer(frame)
	if err != nil {
		t.Fatal(err)
	}
	if done.(SessionComplete).Audio != nil {
		t.Fatalf("empty audio decoded as %#v", done)
	}
}

func TestInvalidUTF8IsReplacedOnEncode(t *testing.T) {
	var codec Codec
	frame, err := codec.EncodeSTTServer(STTError{ID: testID, Error: "engine said \xff\xfe"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := codec.DecodeSTTServer(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if want := "engine said �"; got.(STTError).Error != want {
		t.Fatalf("got %q, want %q", got.(STTError).Error, want)
	}

	frame, err = codec.EncodeTTSClient(RequestSession{ID: testID, Text: "a\x80b", Config: EspeakNg{Voice: "\xc3"}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	req, err := codec.DecodeTTSClient(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r := req.(RequestSession); r.Text != "a�b" || r.Config.(EspeakNg).Voice != "�" {
		t.Fatalf("unexpected request %#v", r)
	}
}

// Decoded frames must re-encode to the same bytes; anything else must be a
// DecodeError, never a panic.
func FuzzDecodeSTTClient(f *testing.F) {
	for _, codec := range bothLayouts {
		for _, msg := range []STTClientMessage{
			AudioData{Data: []int16{1, -1}, ID: testID},
			InitializeStreaming{Verbose: true, Language: "en", ID: testID},
			FinalizeStreaming{ID: testID, Language: "fr", Translate: true},
			CloseSession{ID: testID},
			CloseConnection{},
			ConvertToStatus{},
		} {
			frame, _ := codec.EncodeSTTClient(msg)
			f.Add(frame, codec.InitParams == ParamsOnFinalize)
		}
	}
	f.Fuzz(func(t *testing.T, frame []byte, finalize bool) {
		codec := bothLayouts[0]
		if finalize {
			codec = bothLayouts[1]
		}
		msg, err := codec.DecodeSTTClient(frame)
		if err != nil {
			return
		}
		again, err := codec.EncodeSTTClient(msg)
		if err != nil || !bytes.Equal(again, frame) {
			t.Fatalf("re-encode of %#v: %x (%v), want %x", msg, again, err, frame)
		}
	})
}

func FuzzDecodeSTTServer(f *testing.F) {
	var codec Codec
	for _, msg := range []STTServerMessage{
		STTResult{ID: testID, Result: "hi"},
		NewVerboseResult(testID, 2, "hi", 0.5),
		STTError{ID: uuid.Nil, Error: "x"},
		StatusConnectionOpen{MaxUtilization: 0.9},
		StatusConnectionData{Utilization: 0.1},
		ShuttingDown{},
	} {
		frame, _ := codec.EncodeSTTServer(msg)
		f.Add(frame)
	}
	f.Fuzz(func(t *testing.T, frame []byte) {
		msg, err := codec.DecodeSTTServer(frame)
		if err != nil {
			return
		}
		again, err := codec.EncodeSTTServer(msg)
		if err != nil || !bytes.Equal(again, frame) {
			t.Fatalf("re-encode of %#v: %x (%v), want %x", msg, again, err, frame)
		}
	})
}

func FuzzDecodeTTSClient(f *testing.F) {
	var codec Codec
	for _, msg := range []TTSClientMessage{
		RequestSession{ID: testID, Text: "hi", Config: EspeakNg{Voice: "en"}},
		RequestSession{ID: testID, Config: Flite{Voice: "kal", Text: "hi"}},
		RequestSession{ID: testID, Config: MaryTTS{Effects: []MaryEffect{Chorus{Taps: []ChorusTap{{Delay: 1, Amplitude: 1}}}, FIRFilter{Type: LowPass}, JetPilot{}}}},
		CloseConnection{},
	} {
		frame, _ := codec.EncodeTTSClient(msg)
		f.Add(frame)
	}
	f.Fuzz(func(t *testing.T, frame []byte) {
		msg, err := codec.DecodeTTSClient(frame)
		if err != nil {
			return
		}
		again, err := codec.EncodeTTSClient(msg)
		if err != nil || !bytes.Equal(again, frame) {
			t.Fatalf("re-encode of %#v: %x (%v), want %x", msg, again, err, frame)
		}
	})
}

func FuzzDecodeTTSServer(f *testing.F) {
	var codec Codec
	for _, msg := range []TTSServerMessage{
		ApproveSession{ID: testID},
		SessionComplete{ID: testID, Audio: []byte("RIFF")},
		SessionRejected{ID: uuid.Nil, Error: "busy"},
		SynthesisFailed{ID: testID, Error: "exit 1"},
		FatalUnknownError{Error: "x"},
	} {
		frame, _ := codec.EncodeTTSServer(msg)
		f.Add(frame)
	}
	f.Fuzz(func(t *testing.T, frame []byte) {
		msg, err := codec.DecodeTTSServer(frame)
		if err != nil {
			return
		}
		again, err := codec.EncodeTTSServer(msg)
		if err != nil || !bytes.Equal(again, frame) {
			t.Fatalf("re-encode of %#v: %x (%v), want %x", msg, again, err, frame)
		}
	})
}
