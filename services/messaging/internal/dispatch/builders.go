package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"

	"gigwire/pkg/bus"
	"gigwire/pkg/domain"
)

// The builders turn one event into the notification template shared by all
// its recipients. They own titles, bodies, and priorities; the dispatcher
// stamps recipient, id, and timestamps.

func buildJobPosted(event bus.Event) (domain.Notification, error) {
	var job domain.JobEvent
	if err := json.Unmarshal(event.Payload, &job); err != nil {
		return domain.Notification{}, fmt.Errorf("decode job payload: %w", err)
	}
	if job.Title == "" {
		return domain.Notification{}, errors.New("job event missing title")
	}
	jobID := job.JobID
	if jobID == "" {
		jobID = event.EntityID
	}
	var meta map[string]string
	if job.Category != "" || job.Region != "" {
		meta = make(map[string]string, 2)
		if job.Category != "" {
			meta["category"] = job.Category
		}
		if job.Region != "" {
			meta["region"] = job.Region
		}
	}
	return domain.Notification{
		EntityKind: domain.EntityJob,
		EntityID:   jobID,
		Type:       domain.NotifJobPosted,
		Title:      "New job in your area",
		Body:       job.Title,
		Priority:   domain.PriorityNormal,
		ActionURL:  "/jobs/" + jobID,
		Metadata:   meta,
	}, nil
}

func buildJobCompleted(event bus.Event) (domain.Notification, error) {
	job, jobID, err := decodeJobEvent(event)
	if err != nil {
		return domain.Notification{}, err
	}
	return domain.Notification{
		EntityKind: domain.EntityJob,
		EntityID:   jobID,
		Type:       domain.NotifJobCompleted,
		Title:      "Job completed",
		Body:       fmt.Sprintf("%q was marked completed", job.Title),
		Priority:   domain.PriorityNormal,
		ActionURL:  "/jobs/" + jobID,
	}, nil
}

func buildJobCancelled(event bus.Event) (domain.Notification, error) {
	job, jobID, err := decodeJobEvent(event)
	if err != nil {
		return domain.Notification{}, err
	}
	return domain.Notification{
		EntityKind: domain.EntityJob,
		EntityID:   jobID,
		Type:       domain.NotifJobCancelled,
		Title:      "Job cancelled",
		Body:       fmt.Sprintf("%q was cancelled", job.Title),
		Priority:   domain.PriorityHigh,
		ActionURL:  "/jobs/" + jobID,
	}, nil
}

func buildBidReceived(event bus.Event) (domain.Notification, error) {
	bid, bidID, err := decodeBidEvent(event)
	if err != nil {
		return domain.Notification{}, err
	}
	return domain.Notification{
		EntityKind: domain.EntityBid,
		EntityID:   bidID,
		Type:       domain.NotifBidReceived,
		Title:      "New bid on your job",
		Body:       fmt.Sprintf("%s offered on %q", formatAmount(bid.AmountCents, bid.Currency), bid.JobTitle),
		Priority:   domain.PriorityHigh,
		ActionURL:  "/jobs/" + bid.JobID + "/bids",
		Metadata:   map[string]string{"jobId": bid.JobID, "providerId": bid.ProviderID},
	}, nil
}

func buildBidAccepted(event bus.Event) (domain.Notification, error) {
	bid, bidID, err := decodeBidEvent(event)
	if err != nil {
		return domain.Notification{}, err
	}
	return domain.Notification{
		EntityKind: domain.EntityBid,
		EntityID:   bidID,
		Type:       domain.NotifBidAccepted,
		Title:      "Your bid was accepted",
		Body:       fmt.Sprintf("The client accepted your bid on %q", bid.JobTitle),
		Priority:   domain.PriorityUrgent,
		ActionURL:  "/jobs/" + bid.JobID,
		Metadata:   map[string]string{"jobId": bid.JobID},
	}, nil
}

func buildBidRejected(event bus.Event) (domain.Notification, error) {
	bid, bidID, err := decodeBidEvent(event)
	if err != nil {
		return domain.Notification{}, err
	}
	return domain.Notification{
		EntityKind: domain.EntityBid,
		EntityID:   bidID,
		Type:       domain.NotifBidRejected,
		Title:      "Bid not selected",
		Body:       fmt.Sprintf("Your bid on %q was not selected", bid.JobTitle),
		Priority:   domain.PriorityLow,
		ActionURL:  "/jobs/" + bid.JobID,
		Metadata:   map[string]string{"jobId": bid.JobID},
	}, nil
}

func buildPaymentSettled(event bus.Event) (domain.Notification, error) {
	var payment domain.PaymentEvent
	if err := json.Unmarshal(event.Payload, &payment); err != nil {
		return domain.Notification{}, fmt.Errorf("decode payment payload: %w", err)
	}
	paymentID := payment.PaymentID
	if paymentID == "" {
		paymentID = event.EntityID
	}
	if paymentID == "" {
		return domain.Notification{}, errors.New("payment event missing payment id")
	}
	return domain.Notification{
		EntityKind: domain.EntityPayment,
		EntityID:   paymentID,
		Type:       domain.NotifPaymentSettled,
		Title:      "Payment received",
		Body:       fmt.Sprintf("%s settled for %q", formatAmount(payment.AmountCents, payment.Currency), payment.JobTitle),
		Priority:   domain.PriorityHigh,
		ActionURL:  "/payments/" + paymentID,
		Metadata:   map[string]string{"jobId": payment.JobID},
	}, nil
}

func decodeJobEvent(event bus.Event) (domain.JobEvent, string, error) {
	var job domain.JobEvent
	if err := json.Unmarshal(event.Payload, &job); err != nil {
		return domain.JobEvent{}, "", fmt.Errorf("decode job payload: %w", err)
	}
	jobID := job.JobID
	if jobID == "" {
		jobID = event.EntityID
	}
	if jobID == "" {
		return domain.JobEvent{}, "", errors.New("job event missing job id")
	}
	return job, jobID, nil
}

func decodeBidEvent(event bus.Event) (domain.BidEvent, string, error) {
	var bid domain.BidEvent
	if err := json.Unmarshal(event.Payload, &bid); err != nil {
		return domain.BidEvent{}, "", fmt.Errorf("decode bid payload: %w", err)
	}
	if bid.JobID == "" {
		return domain.BidEvent{}, "", errors.New("bid event missing job id")
	}
	bidID := bid.BidID
	if bidID == "" {
		bidID = event.EntityID
	}
	if bidID == "" {
		return domain.BidEvent{}, "", errors.New("bid event missing bid id")
	}
	return bid, bidID, nil
}

func formatAmount(cents int64, currency string) string {
	if currency == "" {
		currency = "USD"
	}
	return fmt.Sprintf("%s %d.%02d", currency, cents/100, cents%100)
}
