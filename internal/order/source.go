package order

import "context"

// Record is an order as supplied by the data source. Field names follow the
// marketplace API payload.
type Record struct {
	ID              string     `json:"id"`
	Status          string     `json:"status"`
	PreviousStatus  string     `json:"previous_status,omitempty"`
	CancelledReason string     `json:"cancelled_reason,omitempty"`
	Review          *Review    `json:"review,omitempty"`
	Documents       []Document `json:"documents"`
}

type Review struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment,omitempty"`
}

// DataSource supplies order records. The projector never calls it; handlers
// fetch and then project.
type DataSource interface {
	Order(ctx context.Context, viewerID, orderID string) (*Record, error)
}

func (r Record) Input() Input {
	in := Input{
		Status:             ParseStatus(r.Status),
		CancellationReason: r.CancelledReason,
		HasReview:          r.Review != nil,
		Documents:          r.Documents,
	}
	if in.Status == StatusCancelled && r.PreviousStatus != "" {
		in.CancelledFrom = ParseStatus(r.PreviousStatus)
	}
	return in
}
