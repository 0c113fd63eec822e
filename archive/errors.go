package archive

import (
	"errors"
	"fmt"
)

var (
	ErrEntryExists       = errors.New("archive entry already exists")
	ErrInvalidAttachment = errors.New("invalid attachment name")
)

// FetchPhase names the part of an attachment download that failed.
type FetchPhase string

const (
	PhaseOpen  FetchPhase = "open"
	PhaseRead  FetchPhase = "read"
	PhaseWrite FetchPhase = "write"
)

// FetchError reports a failed attachment download.
type FetchError struct {
	MessageID    string
	AttachmentID string
	Name         string
	Phase        FetchPhase
	Err          error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch attachment %s (%s) of message %s: %s: %v", e.AttachmentID, e.Name, e.MessageID, e.Phase, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Step names the archiving step that failed.
type Step string

const (
	StepStage     Step = "stage"
	StepFetch     Step = "fetch"
	StepRecord    Step = "record"
	StepRelocate  Step = "relocate"
	StepCancelled Step = "cancelled"
)

// ArchiveError reports that a message could not be archived. The target
// store is untouched when it is returned.
type ArchiveError struct {
	MessageID string
	Step      Step
	Err       error
}

func (e *ArchiveError) Error() string {
	return fmt.Sprintf("archive message %s: %s: %v", e.MessageID, e.Step, e.Err)
}

func (e *ArchiveError) Unwrap() error {
	return e.Err
}
