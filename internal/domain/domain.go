// Package domain holds the entities produced by ingestion and read by reporting.
package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Category is the human-readable event taxonomy term.
type Category string

// IssueKind distinguishes issues from pull requests.
type IssueKind string

const (
	// KindIssue is a plain issue.
	KindIssue IssueKind = "issue"
	// KindPullRequest is a pull request.
	KindPullRequest IssueKind = "pull_request"
)

// IssueState is the open/closed state of an issue.
type IssueState string

const (
	// StateOpen is an open issue.
	StateOpen IssueState = "open"
	// StateClosed is a closed issue.
	StateClosed IssueState = "closed"
)

// ParseIssueState normalizes an upstream state string. Anything other than "closed" is open.
func ParseIssueState(raw string) IssueState {
	if strings.EqualFold(strings.TrimSpace(raw), string(StateClosed)) {
		return StateClosed
	}
	return StateOpen
}

// Content is the short display text of an event with an optional link to the upstream object.
type Content struct {
	Text string `json:"text"`
	URL  string `json:"url,omitempty"`
}

// Event is one stored upstream activity record.
type Event struct {
	ExternalID  string    `json:"external_id"`
	Type        string    `json:"type"`
	Action      string    `json:"action,omitempty"`
	Repo        string    `json:"repo"`
	Actor       string    `json:"actor"`
	CreatedAt   time.Time `json:"created_at"`
	Public      bool      `json:"public"`
	CommitCount *int      `json:"commit_count,omitempty"`
	Category    Category  `json:"category"`
	Content     Content   `json:"content"`
}

// Commits returns the commit count, or zero for events that carry none.
func (e Event) Commits() int {
	if e.CommitCount == nil {
		return 0
	}
	return *e.CommitCount
}

// IssueKey identifies an issue within a repository.
type IssueKey struct {
	Repo   string
	Number int
}

// Slug renders the key as "owner/repo#number". It is a display format only.
func (k IssueKey) Slug() string {
	return fmt.Sprintf("%s#%d", k.Repo, k.Number)
}

// Valid reports whether both parts of the key are set.
func (k IssueKey) Valid() bool {
	return strings.TrimSpace(k.Repo) != "" && k.Number > 0
}

// Issue is the reconciled record of one issue or pull request.
type Issue struct {
	Repo         string     `json:"repo"`
	Number       int        `json:"number"`
	Kind         IssueKind  `json:"kind"`
	Title        string     `json:"title"`
	State        IssueState `json:"state"`
	Creator      string     `json:"creator"`
	CommentCount int        `json:"comment_count"`
	Labels       []string   `json:"labels"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Key returns the issue identity.
func (i Issue) Key() IssueKey {
	return IssueKey{Repo: i.Repo, Number: i.Number}
}

// HasLabel reports whether the issue carries the label.
func (i Issue) HasLabel(label string) bool {
	return slices.Contains(i.Labels, label)
}

// NormalizeLabels returns a sorted copy without blanks or duplicates.
func NormalizeLabels(labels []string) []string {
	out := make([]string, 0, len(labels))
	for _, label := range labels {
		trimmed := strings.TrimSpace(label)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// LabelStatus is the last transition recorded for a (label, issue) pair.
type LabelStatus string

const (
	// LabelStatusLabeled means the label is currently applied.
	LabelStatusLabeled LabelStatus = "labeled"
	// LabelStatusUnlabeled means the label was removed.
	LabelStatusUnlabeled LabelStatus = "unlabeled"
	// LabelStatusClosed and LabelStatusReopened are never written to entries; those
	// events update the issue state instead.
	LabelStatusClosed   LabelStatus = "closed"
	LabelStatusReopened LabelStatus = "reopened"
)

// LabelKey is the composite identity of one label timeline slot.
type LabelKey struct {
	Label  string
	Repo   string
	Number int
}

// Issue returns the issue part of the key.
func (k LabelKey) Issue() IssueKey {
	return IssueKey{Repo: k.Repo, Number: k.Number}
}

// LabelTimelineEntry holds the latest labeling episode for one (label, issue).
// Only one labeled_at and one unlabeled_at are kept.
type LabelTimelineEntry struct {
	Status      LabelStatus `json:"status"`
	LabeledAt   *time.Time  `json:"labeled_at,omitempty"`
	UnlabeledAt *time.Time  `json:"unlabeled_at,omitempty"`
}

// LabelRecord pairs a key with its entry for listing.
type LabelRecord struct {
	Key   LabelKey
	Entry LabelTimelineEntry
}

// SyncStatus is the persisted state of a full sync.
type SyncStatus string

const (
	// SyncNotStarted is implicit: no checkpoint exists.
	SyncNotStarted SyncStatus = "not_started"
	// SyncInProgress means pages remain.
	SyncInProgress SyncStatus = "in_progress"
	// SyncDone is terminal.
	SyncDone SyncStatus = "done"
)

// FullSyncCheckpoint is the resumable progress marker of one repository backfill.
type FullSyncCheckpoint struct {
	Repo           string     `json:"repo"`
	Status         SyncStatus `json:"status"`
	RemainingPages int        `json:"pages"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ActorProfile is the cached extended profile of an event actor.
type ActorProfile struct {
	Login      string    `json:"login"`
	Name       string    `json:"name"`
	AvatarURL  string    `json:"avatar_url"`
	Bio        string    `json:"bio"`
	IsEmployee bool      `json:"is_employee"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// RecordKind names a periodic report record type.
type RecordKind string

const (
	// RecordAverageLabelTime stores dwell time of open labeled issues.
	RecordAverageLabelTime RecordKind = "average_label_time"
	// RecordProjectStats stores project board column contents.
	RecordProjectStats RecordKind = "project_stats"
	// RecordRepoLabelState stores which open issues carry each label.
	RecordRepoLabelState RecordKind = "repo_label_state"
)

// Record is one timestamped report snapshot. Payload is JSON.
type Record struct {
	Kind       RecordKind `json:"kind"`
	Subject    string     `json:"subject"`
	RecordedAt time.Time  `json:"recorded_at"`
	Payload    []byte     `json:"payload"`
}
