package protocol

import "github.com/google/uuid"

// Client to server tags of the STT endpoint.
const (
	TagInitializeStreaming Tag = 0x00
	TagAudioData           Tag = 0x01
	TagFinalizeStreaming   Tag = 0x02
	TagCloseConnection     Tag = 0x03
	TagConvertToStatus     Tag = 0x04
	TagCloseSession        Tag = 0x05
)

// Server to client tags of the STT endpoint. The fatal tags are shared with
// the TTS endpoint and stay at 0xFD/0xFF whatever else is added.
const (
	TagInitializationComplete Tag = 0x00
	TagInitializationFailed   Tag = 0x01
	TagSTTResult              Tag = 0x02
	TagSTTVerboseResult       Tag = 0x03
	TagSTTError               Tag = 0x04
	TagShuttingDown           Tag = 0x05
	TagStatusConnectionOpen   Tag = 0x06
	TagStatusConnectionData   Tag = 0x07
	TagFatalIoError           Tag = 0xFD
	TagFatalUnknownError      Tag = 0xFF
)

// STTClientMessage is implemented by every message a client sends to the
// STT endpoint.
type STTClientMessage interface {
	Tag() Tag
	sttClient()
}

// STTServerMessage is implemented by every message the STT endpoint sends.
type STTServerMessage interface {
	Tag() Tag
	sttServer()
}

// InitializeStreaming opens a streaming session. Verbose and Language are
// only carried on the wire when the codec uses ParamsOnInitialize.
type InitializeStreaming struct {
	Verbose  bool
	Language string
	ID       uuid.UUID
}

// AudioData appends PCM samples to a streaming session.
type AudioData struct {
	Data []int16
	ID   uuid.UUID
}

// FinalizeStreaming ends the audio stream and requests a transcript. Verbose,
// Language and Translate are only carried with ParamsOnFinalize.
type FinalizeStreaming struct {
	ID        uuid.UUID
	Verbose   bool
	Language  string
	Translate bool
}

// CloseConnection ends every session and the connection.
type CloseConnection struct{}

// ConvertToStatus turns the rest of the connection into a status channel.
type ConvertToStatus struct{}

// CloseSession aborts one session, cancelling any decode in flight.
type CloseSession struct {
	ID uuid.UUID
}

func (InitializeStreaming) Tag() Tag { return TagInitializeStreaming }
func (AudioData) Tag() Tag           { return TagAudioData }
func (FinalizeStreaming) Tag() Tag   { return TagFinalizeStreaming }
func (CloseConnection) Tag() Tag     { return TagCloseConnection }
func (ConvertToStatus) Tag() Tag     { return TagConvertToStatus }
func (CloseSession) Tag() Tag        { return TagCloseSession }

func (InitializeStreaming) sttClient() {}
func (AudioData) sttClient()           {}
func (FinalizeStreaming) sttClient()   {}
func (CloseConnection) sttClient()     {}
func (ConvertToStatus) sttClient()     {}
func (CloseSession) sttClient()        {}

type InitializationComplete struct {
	ID uuid.UUID
}

type InitializationFailed struct {
	ID    uuid.UUID
	Error string
}

// STTResult is the plain transcript of a non-verbose session.
type STTResult struct {
	ID     uuid.UUID
	Result string
}

// STTVerboseResult carries the transcript count and, when at least one
// transcript exists, the best transcript and its confidence in [0,1].
// With NumTranscripts == 0 both optional fields must be nil.
type STTVerboseResult struct {
	ID             uuid.UUID
	NumTranscripts uint32
	MainTranscript *string
	Confidence     *float32
}

type STTError struct {
	ID    uuid.UUID
	Error string
}

// ShuttingDown announces a graceful server stop.
type ShuttingDown struct{}

type StatusConnectionOpen struct {
	MaxUtilization float64
	CanOverload    bool
}

type StatusConnectionData struct {
	Utilization float64
}

type FatalIoError struct {
	Error string
}

type FatalUnknownError struct {
	Error string
}

func (InitializationComplete) Tag() Tag { return TagInitializationComplete }
func (InitializationFailed) Tag() Tag   { return TagInitializationFailed }
func (STTResult) Tag() Tag              { return TagSTTResult }
func (STTVerboseResult) Tag() Tag       { return TagSTTVerboseResult }
func (STTError) Tag() Tag               { return TagSTTError }
func (ShuttingDown) Tag() Tag           { return TagShuttingDown }
func (StatusConnectionOpen) Tag() Tag   { return TagStatusConnectionOpen }
func (StatusConnectionData) Tag() Tag   { return TagStatusConnectionData }
func (FatalIoError) Tag() Tag           { return TagFatalIoError }
func (FatalUnknownError) Tag() Tag      { return TagFatalUnknownError }

func (InitializationComplete) sttServer() {}
func (InitializationFailed) sttServer()   {}
func (STTResult) sttServer()              {}
func (STTVerboseResult) sttServer()       {}
func (STTError) sttServer()               {}
func (ShuttingDown) sttServer()           {}
func (StatusConnectionOpen) sttServer()   {}
func (StatusConnectionData) sttServer()   {}
func (FatalIoError) sttServer()           {}
func (FatalUnknownError) sttServer()      {}

// NewVerboseResult builds a verbose result that respects the zero-transcript
// invariant: with no transcripts the best transcript and confidence are
// dropped.
func NewVerboseResult(id uuid.UUID, count uint32, transcript string, confidence float32) STTVerboseResult {
	if count == 0 {
		return STTVerboseResult{ID: id}
	}
	return STTVerboseResult{
		ID:             id,
		NumTranscripts: count,
		MainTranscript: &transcript,
		Confidence:     &confidence,
	}
}

// IsFatal reports whether m is one of the connection-ending fault messages.
func IsFatal(m interface{ Tag() Tag }) bool {
	switch m.(type) {
	case FatalIoError, FatalUnknownError:
		return true
	default:
		return false
	}
}
