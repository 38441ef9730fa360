// Package webhook ingests GitHub webhook deliveries: HMAC verification,
// payload decoding, and handoff to the dispatcher.
package webhook

// Event types the merge train reacts to.
const (
	TypePullRequest = "pull_request"
	TypeCheckSuite  = "check_suite"
	TypeStatus      = "status"
)

// Event is a normalized webhook delivery. One delivery produces at most one
// event; everything the train does not care about is dropped at the door.
type Event struct {
	ID           string `json:"id"`          // internal event ID
	DeliveryID   string `json:"delivery_id"` // X-GitHub-Delivery header
	Type         string `json:"type"`
	Action       string `json:"action,omitempty"`
	RepositoryID int64  `json:"repository_id"`
	Repository   string `json:"repository"` // owner/name
	Branch       string `json:"branch"`
	PullNumber   int    `json:"pull_number,omitempty"`
	Merged       bool   `json:"merged,omitempty"`
	HeadSHA      string `json:"head_sha,omitempty"`
}

// Sink receives normalized events for processing.
type Sink interface {
	Enqueue(event Event) error
}
