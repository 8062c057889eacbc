package githubapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Raw GitHub event type names.
const (
	TypeIssues        = "IssuesEvent"
	TypePullRequest   = "PullRequestEvent"
	TypeIssueComment  = "IssueCommentEvent"
	TypeCommitComment = "CommitCommentEvent"
	TypeReviewComment = "PullRequestReviewCommentEvent"
	TypeReview        = "PullRequestReviewEvent"
	TypePush          = "PushEvent"
	TypeCreate        = "CreateEvent"
	TypeDelete        = "DeleteEvent"
	TypeRelease       = "ReleaseEvent"
	TypeGollum        = "GollumEvent"
	TypeFork          = "ForkEvent"
)

// ErrMalformedPayload marks an event whose envelope or payload could not be decoded.
var ErrMalformedPayload = errors.New("malformed event payload")

// Actor is the user who triggered an event.
type Actor struct {
	Login        string `json:"login"`
	DisplayLogin string `json:"display_login"`
}

// Name prefers the display login.
func (a Actor) Name() string {
	if strings.TrimSpace(a.DisplayLogin) != "" {
		return a.DisplayLogin
	}
	return a.Login
}

// User is an embedded user reference.
type User struct {
	Login string `json:"login"`
}

// Label is an embedded label reference.
type Label struct {
	Name string `json:"name"`
}

// IssueObject is the issue or pull request object embedded in events and returned by the issues API.
type IssueObject struct {
	Number        int             `json:"number"`
	Title         string          `json:"title"`
	State         string          `json:"state"`
	HTMLURL       string          `json:"html_url"`
	RepositoryURL string          `json:"repository_url"`
	User          User            `json:"user"`
	Labels        []Label         `json:"labels"`
	Comments      int             `json:"comments"`
	CreatedAt     time.Time       `json:"created_at"`
	PullRequest   json.RawMessage `json:"pull_request,omitempty"`
}

// LabelNames returns the embedded label names.
func (o IssueObject) LabelNames() []string {
	names := make([]string, 0, len(o.Labels))
	for _, label := range o.Labels {
		names = append(names, label.Name)
	}
	return names
}

// IsPullRequest reports whether an issues-API object is a pull request.
func (o IssueObject) IsPullRequest() bool {
	trimmed := strings.TrimSpace(string(o.PullRequest))
	return trimmed != "" && trimmed != "null"
}

// RepoFullName derives "owner/repo" from repository_url.
func (o IssueObject) RepoFullName() string {
	const marker = "/repos/"
	idx := strings.LastIndex(o.RepositoryURL, marker)
	if idx < 0 {
		return ""
	}
	return strings.Trim(o.RepositoryURL[idx+len(marker):], "/")
}

// Comment is an embedded comment reference.
type Comment struct {
	ID      int64  `json:"id"`
	HTMLURL string `json:"html_url"`
	User    User   `json:"user"`
}

// Payload is the closed set of decoded event payloads.
type Payload interface {
	// EventAction returns the payload action, or "" for payloads without one.
	EventAction() string
	payload()
}

// IssuesPayload is the payload of IssuesEvent.
type IssuesPayload struct {
	Action string       `json:"action"`
	Issue  *IssueObject `json:"issue"`
}

// PullRequestPayload is the payload of PullRequestEvent.
type PullRequestPayload struct {
	Action      string       `json:"action"`
	Number      int          `json:"number"`
	PullRequest *IssueObject `json:"pull_request"`
}

// IssueCommentPayload is the payload of IssueCommentEvent.
type IssueCommentPayload struct {
	Action  string       `json:"action"`
	Issue   *IssueObject `json:"issue"`
	Comment *Comment     `json:"comment"`
}

// CommitCommentPayload is the payload of CommitCommentEvent.
type CommitCommentPayload struct {
	Action  string   `json:"action"`
	Comment *Comment `json:"comment"`
}

// ReviewCommentPayload is the payload of PullRequestReviewCommentEvent.
type ReviewCommentPayload struct {
	Action      string       `json:"action"`
	PullRequest *IssueObject `json:"pull_request"`
	Comment     *Comment     `json:"comment"`
}

// ReviewPayload is the payload of PullRequestReviewEvent.
type ReviewPayload struct {
	Action      string       `json:"action"`
	PullRequest *IssueObject `json:"pull_request"`
	Review      struct {
		State   string `json:"state"`
		HTMLURL string `json:"html_url"`
	} `json:"review"`
}

// PushPayload is the payload of PushEvent. Size counts every pushed commit, including ones
// already on another branch; DistinctSize counts only new commits.
type PushPayload struct {
	Ref          string `json:"ref"`
	Head         string `json:"head"`
	Size         int    `json:"size"`
	DistinctSize int    `json:"distinct_size"`
}

// CreatePayload is the payload of CreateEvent.
type CreatePayload struct {
	Ref     string `json:"ref"`
	RefType string `json:"ref_type"`
}

// DeletePayload is the payload of DeleteEvent.
type DeletePayload struct {
	Ref     string `json:"ref"`
	RefType string `json:"ref_type"`
}

// ReleasePayload is the payload of ReleaseEvent.
type ReleasePayload struct {
	Action  string `json:"action"`
	Release struct {
		TagName string `json:"tag_name"`
		HTMLURL string `json:"html_url"`
	} `json:"release"`
}

// GollumPayload is the payload of GollumEvent.
type GollumPayload struct {
	Pages []struct {
		PageName string `json:"page_name"`
		Action   string `json:"action"`
		HTMLURL  string `json:"html_url"`
	} `json:"pages"`
}

// ForkPayload is the payload of ForkEvent.
type ForkPayload struct {
	Forkee struct {
		FullName string `json:"full_name"`
		HTMLURL  string `json:"html_url"`
	} `json:"forkee"`
}

// UnknownPayload keeps the raw payload of any other event type.
type UnknownPayload struct {
	Action string          `json:"action"`
	Raw    json.RawMessage `json:"-"`
}

func (p IssuesPayload) EventAction() string        { return p.Action }
func (p PullRequestPayload) EventAction() string   { return p.Action }
func (p IssueCommentPayload) EventAction() string  { return p.Action }
func (p CommitCommentPayload) EventAction() string { return p.Action }
func (p ReviewCommentPayload) EventAction() string { return p.Action }
func (p ReviewPayload) EventAction() string        { return p.Action }
func (PushPayload) EventAction() string            { return "" }
func (CreatePayload) EventAction() string          { return "" }
func (DeletePayload) EventAction() string          { return "" }
func (p ReleasePayload) EventAction() string       { return p.Action }
func (GollumPayload) EventAction() string          { return "" }
func (ForkPayload) EventAction() string            { return "" }
func (p UnknownPayload) EventAction() string       { return p.Action }

func (IssuesPayload) payload()        {}
func (PullRequestPayload) payload()   {}
func (IssueCommentPayload) payload()  {}
func (CommitCommentPayload) payload() {}
func (ReviewCommentPayload) payload() {}
func (ReviewPayload) payload()        {}
func (PushPayload) payload()          {}
func (CreatePayload) payload()        {}
func (DeletePayload) payload()        {}
func (ReleasePayload) payload()       {}
func (GollumPayload) payload()        {}
func (ForkPayload) payload()          {}
func (UnknownPayload) payload()       {}

// Event is one decoded entry of a GitHub events feed.
type Event struct {
	ID        string
	Type      string
	Actor     Actor
	Repo      string
	Public    bool
	CreatedAt time.Time
	Payload   Payload
}

// Action returns the payload action.
func (e Event) Action() string {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.EventAction()
}

// IssueObject returns the embedded issue or pull request, if any.
func (e Event) IssueObject() (*IssueObject, bool) {
	var obj *IssueObject
	switch p := e.Payload.(type) {
	case IssuesPayload:
		obj = p.Issue
	case PullRequestPayload:
		obj = p.PullRequest
	case IssueCommentPayload:
		obj = p.Issue
	case ReviewCommentPayload:
		obj = p.PullRequest
	case ReviewPayload:
		obj = p.PullRequest
	}
	return obj, obj != nil
}

type repoRef struct {
	Name string `json:"name"`
}

type eventEnvelope struct {
	ID        json.RawMessage `json:"id"`
	Type      string          `json:"type"`
	Actor     Actor           `json:"actor"`
	Repo      repoRef         `json:"repo"`
	Public    bool            `json:"public"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

// UnmarshalJSON decodes the envelope and dispatches the payload on the event type.
func (e *Event) UnmarshalJSON(data []byte) error {
	var envelope eventEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	id, err := decodeEventID(envelope.ID)
	if err != nil {
		return err
	}

	payload, err := decodePayload(envelope.Type, envelope.Payload)
	if err != nil {
		return fmt.Errorf("%w: event %s (%s): %v", ErrMalformedPayload, id, envelope.Type, err)
	}

	*e = Event{
		ID:        id,
		Type:      envelope.Type,
		Actor:     envelope.Actor,
		Repo:      envelope.Repo.Name,
		Public:    envelope.Public,
		CreatedAt: envelope.CreatedAt.UTC(),
		Payload:   payload,
	}
	return nil
}

func decodeEventID(raw json.RawMessage) (string, error) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil && strings.TrimSpace(asString) != "" {
		return asString, nil
	}
	var asNumber int64
	if err := json.Unmarshal(raw, &asNumber); err == nil && asNumber > 0 {
		return strconv.FormatInt(asNumber, 10), nil
	}
	return "", fmt.Errorf("%w: missing event id", ErrMalformedPayload)
}

func decodePayload(eventType string, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}

	switch eventType {
	case TypeIssues:
		return decodeInto[IssuesPayload](raw)
	case TypePullRequest:
		return decodeInto[PullRequestPayload](raw)
	case TypeIssueComment:
		return decodeInto[IssueCommentPayload](raw)
	case TypeCommitComment:
		return decodeInto[CommitCommentPayload](raw)
	case TypeReviewComment:
		return decodeInto[ReviewCommentPayload](raw)
	case TypeReview:
		return decodeInto[ReviewPayload](raw)
	case TypePush:
		return decodeInto[PushPayload](raw)
	case TypeCreate:
		return decodeInto[CreatePayload](raw)
	case TypeDelete:
		return decodeInto[DeletePayload](raw)
	case TypeRelease:
		return decodeInto[ReleasePayload](raw)
	case TypeGollum:
		return decodeInto[GollumPayload](raw)
	case TypeFork:
		return decodeInto[ForkPayload](raw)
	default:
		unknown, err := decodeInto[UnknownPayload](raw)
		if err != nil {
			return nil, err
		}
		typed := unknown.(UnknownPayload)
		typed.Raw = append(json.RawMessage(nil), raw...)
		return typed, nil
	}
}

func decodeInto[T Payload](raw json.RawMessage) (Payload, error) {
	var target T
	if err := json.Unmarshal(raw, &target); err != nil {
		return nil, err
	}
	return target, nil
}

// DecodeEvents decodes a feed page element by element. Malformed elements are returned
// separately so one bad record does not discard the page.
func DecodeEvents(items []json.RawMessage) ([]Event, []error) {
	events := make([]Event, 0, len(items))
	var malformed []error
	for _, item := range items {
		var event Event
		if err := json.Unmarshal(item, &event); err != nil {
			malformed = append(malformed, err)
			continue
		}
		events = append(events, event)
	}
	return events, malformed
}
