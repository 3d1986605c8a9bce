package domain

// Routing keys for domain events carried on the bus. Producers publish with
// the key, the dispatcher binds jobs.*, bids.* and payments.*.
const (
	EventJobCreated     = "jobs.created"
	EventJobCompleted   = "jobs.completed"
	EventJobCancelled   = "jobs.cancelled"
	EventBidPlaced      = "bids.placed"
	EventBidAccepted    = "bids.accepted"
	EventBidRejected    = "bids.rejected"
	EventPaymentSettled = "payments.settled"
)

type JobEvent struct {
	JobID    string `json:"jobId"`
	Title    string `json:"title"`
	ClientID string `json:"clientId"`
	Category string `json:"category,omitempty"`
	Region   string `json:"region,omitempty"`
}

type BidEvent struct {
	BidID       string `json:"bidId"`
	JobID       string `json:"jobId"`
	JobTitle    string `json:"jobTitle"`
	ProviderID  string `json:"providerId"`
	ClientID    string `json:"clientId"`
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency,omitempty"`
}

type PaymentEvent struct {
	PaymentID   string `json:"paymentId"`
	JobID       string `json:"jobId"`
	JobTitle    string `json:"jobTitle"`
	PayeeID     string `json:"payeeId"`
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
}
