package order

import "strings"

type Status string

const (
	StatusContractSigned            Status = "contract_signed"
	StatusProcessingCompleted       Status = "coffee_processing_completed"
	StatusReadyForShipment          Status = "coffee_ready_for_shipment"
	StatusPreShipmentSampleReady    Status = "pre_shipment_sample_ready"
	StatusPreShipmentSampleApproved Status = "pre_shipment_sample_approved"
	StatusContainerLoaded           Status = "container_loaded"
	StatusContainerOnBoard          Status = "container_on_board"
	StatusDelivered                 Status = "delivered"
	StatusCompleted                 Status = "completed"
	StatusCancelled                 Status = "cancelled"
)

// Step is one entry of the canonical lifecycle, in display order.
type Step struct {
	Status Status
	Label  string
}

// lifecycle is the forward-only order of non-terminal states. Cancellation
// is not part of it; it freezes progress wherever the order stood.
var lifecycle = []Step{
	{StatusContractSigned, "Contract signed"},
	{StatusProcessingCompleted, "Coffee processing completed"},
	{StatusReadyForShipment, "Coffee ready for shipment"},
	{StatusPreShipmentSampleReady, "Pre-shipment sample ready"},
	{StatusPreShipmentSampleApproved, "Pre-shipment sample approved"},
	{StatusContainerLoaded, "Container loaded"},
	{StatusContainerOnBoard, "Container on board"},
	{StatusDelivered, "Delivered"},
	{StatusCompleted, "Completed"},
}

var rankByStatus = func() map[Status]int {
	m := make(map[Status]int, len(lifecycle))
	for i, s := range lifecycle {
		m[s.Status] = i
	}
	return m
}()

// Steps returns a copy of the canonical lifecycle.
func Steps() []Step {
	return append([]Step(nil), lifecycle...)
}

// ParseStatus normalizes raw status text from the order data source.
func ParseStatus(raw string) Status {
	return Status(strings.ToLower(strings.TrimSpace(raw)))
}

// Rank is the zero-based position of s in the lifecycle. ok is false for
// cancelled and for values outside the lifecycle.
func (s Status) Rank() (rank int, ok bool) {
	rank, ok = rankByStatus[s]
	return rank, ok
}

func (s Status) Known() bool {
	if s == StatusCancelled {
		return true
	}
	_, ok := rankByStatus[s]
	return ok
}
