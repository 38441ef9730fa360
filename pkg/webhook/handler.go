package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"mergebot/pkg/logx"
)

// maxBodySize caps webhook payloads at 5 MiB, well above anything GitHub
// sends.
const maxBodySize = 5 << 20

// Handler verifies and decodes webhook deliveries, handing normalized events
// to the sink. Unknown event types are acknowledged and dropped.
type Handler struct {
	secret []byte
	sink   Sink
	logger *logx.Logger
}

// NewHandler creates a webhook handler. The secret must match the one
// configured on the GitHub webhook.
func NewHandler(secret string, sink Sink) *Handler {
	return &Handler{
		secret: []byte(secret),
		sink:   sink,
		logger: logx.NewLogger("webhook"),
	}
}

// ServeHTTP implements http.Handler for POST /webhook.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	if !h.verifySignature(r.Header.Get("X-Hub-Signature-256"), body) {
		h.logger.Warn("rejected delivery with bad signature from %s", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	deliveryID := r.Header.Get("X-GitHub-Delivery")
	if deliveryID == "" {
		deliveryID = uuid.NewString()
	}

	event, err := decodeEvent(eventType, deliveryID, body)
	if err != nil {
		h.logger.Warn("failed to decode %s delivery %s: %v", eventType, deliveryID, err)
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if event == nil {
		// Not a type the train reacts to. Acknowledge so GitHub does not
		// retry.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if err := h.sink.Enqueue(*event); err != nil {
		h.logger.Error("failed to enqueue %s delivery %s: %v", eventType, deliveryID, err)
		http.Error(w, "queue full", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// verifySignature checks the HMAC-SHA256 signature header against the body.
func (h *Handler) verifySignature(header string, body []byte) bool {
	if len(h.secret) == 0 {
		return false
	}
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign computes the signature header value for a payload. Exposed for test
// clients.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// decodeEvent maps a raw delivery to a normalized event. Returns (nil, nil)
// for event types the train ignores.
func decodeEvent(eventType, deliveryID string, body []byte) (*Event, error) {
	event := &Event{
		ID:         uuid.NewString(),
		DeliveryID: deliveryID,
		Type:       eventType,
	}

	switch eventType {
	case TypePullRequest:
		var payload struct {
			Action      string `json:"action"`
			Number      int    `json:"number"`
			PullRequest struct {
				Merged bool `json:"merged"`
				Head   struct {
					SHA string `json:"sha"`
				} `json:"head"`
				Base struct {
					Ref string `json:"ref"`
				} `json:"base"`
			} `json:"pull_request"`
			Repository repositoryRef `json:"repository"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, fmt.Errorf("failed to parse pull_request payload: %w", err)
		}
		event.Action = payload.Action
		event.PullNumber = payload.Number
		event.Merged = payload.PullRequest.Merged
		event.HeadSHA = payload.PullRequest.Head.SHA
		event.Branch = payload.PullRequest.Base.Ref
		payload.Repository.fill(event)
		return event, nil

	case TypeCheckSuite:
		var payload struct {
			Action     string `json:"action"`
			CheckSuite struct {
				HeadBranch string `json:"head_branch"`
				HeadSHA    string `json:"head_sha"`
			} `json:"check_suite"`
			Repository repositoryRef `json:"repository"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, fmt.Errorf("failed to parse check_suite payload: %w", err)
		}
		event.Action = payload.Action
		event.Branch = payload.CheckSuite.HeadBranch
		event.HeadSHA = payload.CheckSuite.HeadSHA
		payload.Repository.fill(event)
		return event, nil

	case TypeStatus:
		var payload struct {
			SHA      string `json:"sha"`
			State    string `json:"state"`
			Branches []struct {
				Name string `json:"name"`
			} `json:"branches"`
			Repository repositoryRef `json:"repository"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, fmt.Errorf("failed to parse status payload: %w", err)
		}
		event.Action = payload.State
		event.HeadSHA = payload.SHA
		if len(payload.Branches) > 0 {
			event.Branch = payload.Branches[0].Name
		}
		payload.Repository.fill(event)
		return event, nil

	default:
		return nil, nil
	}
}

type repositoryRef struct {
	ID       int64  `json:"id"`
	FullName string `json:"full_name"`
}

func (r repositoryRef) fill(event *Event) {
	event.RepositoryID = r.ID
	event.Repository = r.FullName
}
