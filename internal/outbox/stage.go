package outbox

import (
	"fmt"
	"slices"
	"time"

	"github.com/matheus3301/bizchat/internal/model"
)

// Stage is the position of one outbound message in the pipeline.
type Stage string

const (
	Composed  Stage = "composed"
	Uploading Stage = "uploading"
	Sending   Stage = "sending"
	Confirmed Stage = "confirmed"
	Failed    Stage = "failed"
)

// Text sends skip Uploading. Confirmed and Failed are terminal.
var validTransitions = map[Stage][]Stage{
	Composed:  {Uploading, Sending, Failed},
	Uploading: {Sending, Failed},
	Sending:   {Confirmed, Failed},
}

// Terminal reports whether no further transition is possible.
func (s Stage) Terminal() bool {
	return s == Confirmed || s == Failed
}

// Item is the pipeline's record of one send.
type Item struct {
	ClientID    string
	Stage       Stage
	ChatID      int64
	RecipientID int64
	Type        model.MessageType
	Content     string
	FileName    string
	FileURL     string
	MessageID   int64
	StartedAt   time.Time
}

// advance moves the item to the next stage. The pipeline is sequential, so
// an illegal move is a bug, not a runtime condition.
func (it *Item) advance(to Stage) {
	if !slices.Contains(validTransitions[it.Stage], to) {
		panic(fmt.Sprintf("outbox: illegal stage transition %s -> %s", it.Stage, to))
	}
	it.Stage = to
}

// Outcome says where a confirmed message landed.
type Outcome interface {
	ResolvedChat() int64
	isOutcome()
}

// ExistingChat is the outcome of a send to a known chat.
type ExistingChat struct{ ChatID int64 }

// NewChat is the outcome of a send by recipient; the server created or
// reused a direct chat.
type NewChat struct{ ChatID int64 }

func (o ExistingChat) ResolvedChat() int64 { return o.ChatID }
func (o NewChat) ResolvedChat() int64      { return o.ChatID }
func (ExistingChat) isOutcome()            {}
func (NewChat) isOutcome()                 {}

// SendError is a failed send. Draft is handed back untouched so the caller
// can offer a retry; nothing is retried automatically.
type SendError struct {
	Stage Stage // stage the failure happened in
	Draft Draft
	Err   error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed while %s: %v", e.Stage, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}
