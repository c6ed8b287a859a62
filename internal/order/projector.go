package order

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrUnknownStatus is reported to the log when a status outside the
// lifecycle is projected. It is never returned to callers.
var ErrUnknownStatus = errors.New("order: unknown status")

type Document struct {
	Name string    `json:"name"`
	Date time.Time `json:"date"`
}

// Input is the raw order state handed to Project. CancelledFrom is the last
// lifecycle status reached before cancellation, when the data source knows it.
type Input struct {
	Status             Status
	CancelledFrom      Status
	CancellationReason string
	HasReview          bool
	Documents          []Document
}

type StepProgress struct {
	Name      string `json:"name"`
	Label     string `json:"label"`
	Completed bool   `json:"completed"`
}

type Progress struct {
	Status           Status         `json:"status"`
	Steps            []StepProgress `json:"steps"`
	CurrentStep      int            `json:"current_step"`
	NextStep         string         `json:"next_step,omitempty"`
	Percent          int            `json:"percent"`
	HasIssue         bool           `json:"has_issue"`
	IssueDescription string         `json:"issue_description,omitempty"`
	NeedsReview      bool           `json:"needs_review"`
	Documents        []Document     `json:"documents"`
}

// Project derives the display model for an order. It performs no I/O and is
// safe for concurrent use. Unrecognized statuses degrade to an empty
// progress without an issue or review prompt.
func Project(in Input) Progress {
	p := Progress{
		Status:      in.Status,
		Steps:       make([]StepProgress, len(lifecycle)),
		CurrentStep: -1,
		Documents:   in.Documents,
	}
	if p.Documents == nil {
		p.Documents = []Document{}
	}

	known := in.Status.Known()
	reached := in.Status
	if in.Status == StatusCancelled {
		p.HasIssue = true
		p.IssueDescription = in.CancellationReason
		reached = in.CancelledFrom
	} else if !known {
		log.Warn().Err(ErrUnknownStatus).Str("status", string(in.Status)).Msg("order progress degraded")
	}

	if rank, ok := reached.Rank(); ok {
		p.CurrentStep = rank
	}
	for i, s := range lifecycle {
		p.Steps[i] = StepProgress{
			Name:      string(s.Status),
			Label:     s.Label,
			Completed: i <= p.CurrentStep,
		}
	}
	p.Percent = (p.CurrentStep + 1) * 100 / len(lifecycle)

	if known && !p.HasIssue && p.CurrentStep+1 < len(lifecycle) {
		p.NextStep = string(lifecycle[p.CurrentStep+1].Status)
	}

	// cancellation wins over a review recorded or pending before it
	p.NeedsReview = !p.HasIssue && in.Status == StatusDelivered && !in.HasReview
	return p
}
