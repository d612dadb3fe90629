package github

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	gh "github.com/google/go-github/v57/github"

	"github.com/user/gitrelay/pkg/logger"
)

// ErrInvalidInboundEvent marks a delivery that must be rejected at the boundary.
var ErrInvalidInboundEvent = errors.New("invalid inbound event")

// envelope holds the fields shared by every webhook payload.
type envelope struct {
	Action     string `json:"action"`
	Ref        string `json:"ref"`
	RefType    string `json:"ref_type"`
	Repository *struct {
		FullName string `json:"full_name"`
		HTMLURL  string `json:"html_url"`
	} `json:"repository"`
	Sender *struct {
		Login string `json:"login"`
	} `json:"sender"`
}

// Normalize converts a raw webhook body into an Event. Deliveries without an event
// type or a repository are rejected with ErrInvalidInboundEvent. Unknown event
// types are accepted but get no subtype.
func Normalize(eventType, deliveryID string, body []byte) (*Event, error) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, fmt.Errorf("%w: missing event type", ErrInvalidInboundEvent)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInboundEvent, err)
	}
	if env.Repository == nil || strings.TrimSpace(env.Repository.FullName) == "" {
		return nil, fmt.Errorf("%w: payload has no repository", ErrInvalidInboundEvent)
	}

	event := &Event{
		Type:       eventType,
		RepoID:     strings.ToLower(strings.TrimSpace(env.Repository.FullName)),
		RepoName:   env.Repository.FullName,
		RepoURL:    env.Repository.HTMLURL,
		DeliveryID: deliveryID,
		Payload:    json.RawMessage(body),
	}
	if env.Sender != nil {
		event.ActorID = env.Sender.Login
	}

	if !IsKnownEvent(eventType) {
		return event, nil
	}

	switch eventType {
	case EventCreate, EventDelete:
		event.Subtype = env.RefType
		event.BranchRef = env.Ref
	case EventPush:
		event.BranchRef = branchFromRef(env.Ref)
	default:
		event.Subtype = env.Action
	}

	payload, err := gh.ParseWebHook(eventType, body)
	if err != nil {
		// Routing only needs the envelope; renderers fall back to the raw body.
		logger.Debug().Err(err).Str("event", eventType).Msg("Could not decode typed payload")
	} else {
		event.Payload = payload
	}

	return event, nil
}
