package session

import "github.com/loqalabs/loqa-ime/internal/engine"

// ResultKind is the classification of one engine output.
type ResultKind int

const (
	// ResultNone carries nothing worth showing.
	ResultNone ResultKind = iota
	ResultPartial
	ResultFinal
	ResultError
)

// Result is a classified transcription outcome, tagged with its session.
type Result struct {
	SessionID string
	Kind      ResultKind
	Text      string
	Err       error
}

// Classify maps engine output to a result. Output from the stop-time flush is
// always final; otherwise the engine's own final and end-of-utterance flags
// decide. Final text is passed through untouched.
func Classify(sessionID string, out engine.Output, flushed bool) Result {
	if flushed || out.Final || out.EndOfUtterance {
		return Result{SessionID: sessionID, Kind: ResultFinal, Text: out.Text}
	}
	if out.Text == "" {
		return Result{SessionID: sessionID, Kind: ResultNone}
	}
	return Result{SessionID: sessionID, Kind: ResultPartial, Text: out.Text}
}

// ClassifyError wraps an engine failure that outlived its retries.
func ClassifyError(sessionID string, err error) Result {
	return Result{SessionID: sessionID, Kind: ResultError, Err: err}
}
