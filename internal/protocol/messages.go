package protocol

import "time"

// AudioFrame represents PCM audio streamed from an edge capture process.
type AudioFrame struct {
	Stream     string `json:"stream"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// SessionEvent mirrors one result callback of a dictation session.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"` // status, partial, commit
	State     string    `json:"state"`
	Text      string    `json:"text"`
	Terminal  bool      `json:"terminal,omitempty"`
	Error     string    `json:"error,omitempty"`
	Sequence  int       `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

// ControlRequest asks the daemon to act on the dictation session.
type ControlRequest struct {
	RequestID string `json:"request_id,omitempty"`
	// Mode selects the kind of session a start request opens.
	Mode string `json:"mode,omitempty"`
}

// Session modes accepted by start requests. An empty mode means dictation.
const (
	ModeDictation = "dictation"
	ModeLive      = "live"
)

// ControlReply reports the outcome of a control request.
type ControlReply struct {
	RequestID string `json:"request_id,omitempty"`
	OK        bool   `json:"ok"`
	SessionID string `json:"session_id,omitempty"`
	State     string `json:"state"`
	Mode      string `json:"mode,omitempty"`
	Error     string `json:"error,omitempty"`
}

const (
	EventKindStatus  = "status"
	EventKindPartial = "partial"
	EventKindCommit  = "commit"
)

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectSessionStatus    = "ime.session.status"
	SubjectSessionPartial   = "ime.session.partial"
	SubjectSessionCommit    = "ime.session.commit"
	SubjectControlStart     = "ime.control.start"
	SubjectControlStop      = "ime.control.stop"
	SubjectControlCancel    = "ime.control.cancel"
	SubjectControlState     = "ime.control.state"
)

// AudioFrameSubject is the subject frames for stream are published on.
func AudioFrameSubject(stream string) string {
	return SubjectAudioFramePrefix + "." + stream
}
