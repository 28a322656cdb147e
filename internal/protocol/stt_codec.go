package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

// EncodeSTTClient serializes a client message for the STT endpoint.
func (c Codec) EncodeSTTClient(m STTClientMessage) ([]byte, error) {
	switch m := m.(type) {
	case InitializeStreaming:
		e := newEncoder(m.Tag(), 24+len(m.Language))
		if c.InitParams == ParamsOnInitialize {
			e.bool(m.Verbose)
			e.str(m.Language)
		}
		e.id(m.ID)
		return e.bytes(), nil
	case AudioData:
		e := newEncoder(m.Tag(), 20+2*len(m.Data))
		e.samples(m.Data)
		e.id(m.ID)
		return e.bytes(), nil
	case FinalizeStreaming:
		e := newEncoder(m.Tag(), 24+len(m.Language))
		e.id(m.ID)
		if c.InitParams == ParamsOnFinalize {
			e.bool(m.Verbose)
			e.str(m.Language)
			e.bool(m.Translate)
		}
		return e.bytes(), nil
	case CloseConnection, ConvertToStatus:
		return []byte{byte(m.Tag())}, nil
	case CloseSession:
		e := newEncoder(m.Tag(), 16)
		e.id(m.ID)
		return e.bytes(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported stt client message %T", ErrInvalidMessage, m)
	}
}

// DecodeSTTClient parses one client frame of the STT endpoint.
func (c Codec) DecodeSTTClient(frame []byte) (STTClientMessage, error) {
	d, err := newDecoder(frame)
	if err != nil {
		return nil, err
	}
	var msg STTClientMessage
	switch Tag(d.tag) {
	case TagInitializeStreaming:
		var m InitializeStreaming
		if c.InitParams == ParamsOnInitialize {
			m.Verbose = d.bool()
			m.Language = d.str()
		}
		m.ID = d.id()
		msg = m
	case TagAudioData:
		var m AudioData
		m.Data = d.samples()
		m.ID = d.id()
		msg = m
	case TagFinalizeStreaming:
		var m FinalizeStreaming
		m.ID = d.id()
		if c.InitParams == ParamsOnFinalize {
			m.Verbose = d.bool()
			m.Language = d.str()
			m.Translate = d.bool()
		}
		msg = m
	case TagCloseConnection:
		msg = CloseConnection{}
	case TagConvertToStatus:
		msg = ConvertToStatus{}
	case TagCloseSession:
		msg = CloseSession{ID: d.id()}
	default:
		d.unknownTag()
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return msg, nil
}

// EncodeSTTServer serializes a server message of the STT endpoint.
func (c Codec) EncodeSTTServer(m STTServerMessage) ([]byte, error) {
	switch m := m.(type) {
	case InitializationComplete:
		e := newEncoder(m.Tag(), 16)
		e.id(m.ID)
		return e.bytes(), nil
	case InitializationFailed:
		return encodeIDText(m.Tag(), m.ID, m.Error), nil
	case STTResult:
		return encodeIDText(m.Tag(), m.ID, m.Result), nil
	case STTVerboseResult:
		if m.NumTranscripts == 0 && (m.MainTranscript != nil || m.Confidence != nil) {
			return nil, fmt.Errorf("%w: verbose result without transcripts carries a transcript or confidence", ErrInvalidMessage)
		}
		e := newEncoder(m.Tag(), 32)
		e.id(m.ID)
		e.u32(m.NumTranscripts)
		e.optStr(m.MainTranscript)
		e.optF32(m.Confidence)
		return e.bytes(), nil
	case STTError:
		return encodeIDText(m.Tag(), m.ID, m.Error), nil
	case ShuttingDown:
		return []byte{byte(m.Tag())}, nil
	case StatusConnectionOpen:
		e := newEncoder(m.Tag(), 9)
		e.f64(m.MaxUtilization)
		e.bool(m.CanOverload)
		return e.bytes(), nil
	case StatusConnectionData:
		e := newEncoder(m.Tag(), 8)
		e.f64(m.Utilization)
		return e.bytes(), nil
	case FatalIoError:
		return encodeText(m.Tag(), m.Error), nil
	case FatalUnknownError:
		return encodeText(m.Tag(), m.Error), nil
	default:
		return nil, fmt.Errorf("%w: unsupported stt server message %T", ErrInvalidMessage, m)
	}
}

// DecodeSTTServer parses one server frame of the STT endpoint.
func (c Codec) DecodeSTTServer(frame []byte) (STTServerMessage, error) {
	d, err := newDecoder(frame)
	if err != nil {
		return nil, err
	}
	var msg STTServerMessage
	switch Tag(d.tag) {
	case TagInitializationComplete:
		msg = InitializationComplete{ID: d.id()}
	case TagInitializationFailed:
		m := InitializationFailed{ID: d.id()}
		m.Error = d.str()
		msg = m
	case TagSTTResult:
		m := STTResult{ID: d.id()}
		m.Result = d.str()
		msg = m
	case TagSTTVerboseResult:
		m := STTVerboseResult{ID: d.id()}
		m.NumTranscripts = d.u32()
		m.MainTranscript = d.optStr()
		m.Confidence = d.optF32()
		if d.err == nil && m.NumTranscripts == 0 && (m.MainTranscript != nil || m.Confidence != nil) {
			d.fail(ErrOutOfRange)
		}
		msg = m
	case TagSTTError:
		m := STTError{ID: d.id()}
		m.Error = d.str()
		msg = m
	case TagShuttingDown:
		msg = ShuttingDown{}
	case TagStatusConnectionOpen:
		m := StatusConnectionOpen{MaxUtilization: d.f64()}
		m.CanOverload = d.bool()
		msg = m
	case TagStatusConnectionData:
		msg = StatusConnectionData{Utilization: d.f64()}
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

func encodeIDText(tag Tag, id uuid.UUID, text string) []byte {
	e := newEncoder(tag, 20+len(text))
	e.id(id)
	e.str(text)
	return e.bytes()
}

func encodeText(tag Tag, text string) []byte {
	e := newEncoder(tag, 4+len(text))
	e.str(text)
	return e.bytes()
}
