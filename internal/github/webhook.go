package github

import (
	"mime"
	"net/http"

	gh "github.com/google/go-github/v57/github"

	"github.com/user/gitrelay/pkg/logger"
)

// maxPayloadBytes matches GitHub's 25MB webhook payload cap.
const maxPayloadBytes = 25 << 20

// Enqueuer accepts normalized events for asynchronous delivery. It must not block.
type Enqueuer interface {
	Enqueue(event *Event) error
}

// WebhookHandler handles incoming GitHub webhooks.
type WebhookHandler struct {
	secret []byte
	queue  Enqueuer
}

// NewWebhookHandler creates a new webhook handler. An empty secret disables
// signature checks.
func NewWebhookHandler(secret string, queue Enqueuer) *WebhookHandler {
	return &WebhookHandler{
		secret: []byte(secret),
		queue:  queue,
	}
}

// ServeHTTP normalizes the delivery, hands it to the queue and answers right away;
// routing and delivery happen asynchronously.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxPayloadBytes)
	defer r.Body.Close()

	var (
		body []byte
		err  error
	)
	if len(h.secret) > 0 {
		body, err = gh.ValidatePayload(r, h.secret)
		if err != nil {
			logger.Warn().Err(err).Msg("Invalid webhook signature")
			http.Error(w, "Invalid signature", http.StatusUnauthorized)
			return
		}
	} else {
		// Without a secret any signature header is ignored, but the JSON still has
		// to be taken out of form-encoded deliveries.
		body, err = gh.ValidatePayloadFromBody(contentType(r), r.Body, "", nil)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to read webhook body")
			http.Error(w, "Failed to read body", http.StatusBadRequest)
			return
		}
	}

	eventType := gh.WebHookType(r)
	deliveryID := gh.DeliveryID(r)

	event, err := Normalize(eventType, deliveryID, body)
	if err != nil {
		logger.Warn().Err(err).Str("event", eventType).Str("delivery", deliveryID).Msg("Rejected webhook delivery")
		http.Error(w, "Invalid webhook payload", http.StatusBadRequest)
		return
	}

	if err := h.queue.Enqueue(event); err != nil {
		logger.Warn().Err(err).Str("event", event.Type).Str("repo", event.RepoID).Msg("Dropping webhook event")
		http.Error(w, "Event not accepted", http.StatusServiceUnavailable)
		return
	}

	logger.Debug().
		Str("event", event.Type).
		Str("subtype", event.Subtype).
		Str("repo", event.RepoID).
		Str("delivery", deliveryID).
		Msg("Webhook event queued")

	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte("Processing event."))
}

// contentType returns the delivery's media type. GitHub always sends one; a
// missing header is read as JSON.
func contentType(r *http.Request) string {
	header := r.Header.Get("Content-Type")
	if header == "" {
		return "application/json"
	}
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return header
	}
	return mediaType
}
