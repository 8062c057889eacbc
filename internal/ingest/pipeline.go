// Package ingest stores fetched activity events once each and feeds issue sightings to the reconciler.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cam3ron2/ghactivity/internal/classify"
	"github.com/cam3ron2/ghactivity/internal/domain"
	"github.com/cam3ron2/ghactivity/internal/githubapi"
	"github.com/cam3ron2/ghactivity/internal/reconcile"
	"github.com/cam3ron2/ghactivity/internal/store"
	"go.uber.org/zap"
)

// ErrMalformedPayload marks an issue-bearing event without its issue or pull request object.
var ErrMalformedPayload = githubapi.ErrMalformedPayload

// Classifier maps raw types and actions to categories.
type Classifier interface {
	Classify(rawType, action string) domain.Category
}

// IssueReconciler upserts issues.
type IssueReconciler interface {
	Reconcile(ctx context.Context, issue domain.Issue) (reconcile.Outcome, error)
}

// ProfileSource reads extended actor profiles.
type ProfileSource interface {
	Profile(ctx context.Context, login string) (domain.ActorProfile, error)
}

// Config controls what is stored.
type Config struct {
	StorePrivateEvents bool
	// MonitoredRepos are the repositories whose issue sightings are reconciled.
	MonitoredRepos []string
	WebBaseURL     string
}

// Summary counts the outcome of one batch.
type Summary struct {
	Received        int
	Created         int
	Duplicates      int
	SkippedPrivate  int
	Malformed       int
	IssuesCreated   int
	IssuesUpdated   int
	ProfilesFetched int
	ProfileFailures int
	Failed          int
}

// Pipeline implements event ingestion.
type Pipeline struct {
	events     store.EventStore
	profiles   store.ProfileStore
	reconciler IssueReconciler
	classifier Classifier
	source     ProfileSource
	monitored  map[string]struct{}
	cfg        Config
	logger     *zap.Logger
	// Now stamps fetched profiles.
	Now func() time.Time
}

// NewPipeline creates a pipeline. profiles and source may be nil to disable actor enrichment,
// and a nil classifier uses the default table.
func NewPipeline(
	events store.EventStore,
	profiles store.ProfileStore,
	reconciler IssueReconciler,
	classifier Classifier,
	source ProfileSource,
	cfg Config,
	logger ...*zap.Logger,
) *Pipeline {
	resolved := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		resolved = logger[0]
	}
	if classifier == nil {
		classifier = classify.New(nil)
	}
	monitored := make(map[string]struct{}, len(cfg.MonitoredRepos))
	for _, repo := range cfg.MonitoredRepos {
		if trimmed := strings.ToLower(strings.TrimSpace(repo)); trimmed != "" {
			monitored[trimmed] = struct{}{}
		}
	}
	return &Pipeline{
		events:     events,
		profiles:   profiles,
		reconciler: reconciler,
		classifier: classifier,
		source:     source,
		monitored:  monitored,
		cfg:        cfg,
		logger:     resolved,
		Now:        time.Now,
	}
}

// Monitored reports whether issue sightings of repo are reconciled.
func (p *Pipeline) Monitored(repo string) bool {
	_, ok := p.monitored[strings.ToLower(strings.TrimSpace(repo))]
	return ok
}

// Ingest processes a flat, unordered batch. Each event is handled independently; storage failures
// are joined into the returned error and leave the event unrecorded for the next run.
func (p *Pipeline) Ingest(ctx context.Context, events []githubapi.Event) (Summary, error) {
	summary := Summary{Received: len(events)}
	var errs []error
	enriched := make(map[string]struct{})

	for _, event := range events {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if !event.Public && !p.cfg.StorePrivateEvents {
			summary.SkippedPrivate++
			continue
		}
		if strings.TrimSpace(event.ID) == "" {
			summary.Malformed++
			p.logger.Debug("event without id skipped", zap.String("type", event.Type), zap.String("repo", event.Repo))
			continue
		}

		exists, err := p.events.HasEvent(ctx, event.ID)
		if err != nil {
			summary.Failed++
			errs = append(errs, fmt.Errorf("check event %s: %w", event.ID, err))
			continue
		}
		if exists {
			summary.Duplicates++
			continue
		}

		if err := p.ingestOne(ctx, event, &summary); err != nil {
			summary.Failed++
			errs = append(errs, err)
			continue
		}

		actor := event.Actor.Name()
		if _, done := enriched[strings.ToLower(actor)]; !done && actor != "" {
			enriched[strings.ToLower(actor)] = struct{}{}
			p.enrich(ctx, actor, &summary)
		}
	}

	p.logger.Info(
		"ingested activity batch",
		zap.Int("events_received", summary.Received),
		zap.Int("events_created", summary.Created),
		zap.Int("duplicates", summary.Duplicates),
		zap.Int("skipped_private", summary.SkippedPrivate),
		zap.Int("malformed", summary.Malformed),
		zap.Int("issues_created", summary.IssuesCreated),
		zap.Int("issues_updated", summary.IssuesUpdated),
		zap.Int("failed", summary.Failed),
	)
	return summary, errors.Join(errs...)
}

func (p *Pipeline) ingestOne(ctx context.Context, event githubapi.Event, summary *Summary) error {
	action := event.Action()
	category := p.classifier.Classify(event.Type, action)

	var commits *int
	if push, ok := event.Payload.(githubapi.PushPayload); ok && classify.IsCommitBearing(category) {
		count := push.DistinctSize
		commits = &count
	}

	if err := p.reconcileIssue(ctx, event, summary); err != nil {
		return err
	}

	record := domain.Event{
		ExternalID:  event.ID,
		Type:        event.Type,
		Action:      action,
		Repo:        event.Repo,
		Actor:       event.Actor.Name(),
		CreatedAt:   event.CreatedAt.UTC(),
		Public:      event.Public,
		CommitCount: commits,
		Category:    category,
		Content:     BuildContent(p.cfg.WebBaseURL, event, category, commits),
	}
	created, err := p.events.CreateEvent(ctx, record)
	if err != nil {
		return fmt.Errorf("create event %s: %w", event.ID, err)
	}
	// Repeats inside one batch are caught by HasEvent, so created is false only when another
	// replica stored the id between that check and this write.
	if created {
		summary.Created++
	} else {
		summary.Duplicates++
	}
	return nil
}

func (p *Pipeline) reconcileIssue(ctx context.Context, event githubapi.Event, summary *Summary) error {
	if p.reconciler == nil || !issueBearing(event.Type) || !p.Monitored(event.Repo) {
		return nil
	}

	obj, ok := event.IssueObject()
	if !ok {
		summary.Malformed++
		p.logger.Warn(
			"issue event without issue object",
			zap.String("external_id", event.ID),
			zap.String("repo", event.Repo),
			zap.Error(fmt.Errorf("%w: %s has no issue or pull_request", ErrMalformedPayload, event.Type)),
		)
		return nil
	}

	issue := IssueFromEvent(event, *obj)
	if !issue.Key().Valid() {
		summary.Malformed++
		p.logger.Warn("issue event without number", zap.String("external_id", event.ID), zap.String("repo", event.Repo))
		return nil
	}

	outcome, err := p.reconciler.Reconcile(ctx, issue)
	if err != nil {
		return fmt.Errorf("event %s: %w", event.ID, err)
	}
	switch outcome {
	case reconcile.OutcomeCreated:
		summary.IssuesCreated++
	case reconcile.OutcomeUpdated:
		summary.IssuesUpdated++
	}
	return nil
}

// IssueFromEvent extracts issue fields from an issue-bearing event. The creator is the acting user
// when the action is "opened", otherwise the object's author.
func IssueFromEvent(event githubapi.Event, obj githubapi.IssueObject) domain.Issue {
	issue := reconcile.FromIssueObject(event.Repo, obj)
	switch event.Payload.(type) {
	case githubapi.PullRequestPayload, githubapi.ReviewCommentPayload, githubapi.ReviewPayload:
		issue.Kind = domain.KindPullRequest
	}
	if pr, ok := event.Payload.(githubapi.PullRequestPayload); ok && issue.Number == 0 {
		issue.Number = pr.Number
	}

	action := event.Action()
	if action == "opened" {
		if actor := event.Actor.Name(); actor != "" {
			issue.Creator = actor
		}
	}
	if strings.TrimSpace(obj.State) == "" {
		switch action {
		case "closed":
			issue.State = domain.StateClosed
		default:
			issue.State = domain.StateOpen
		}
	}
	return issue
}

func (p *Pipeline) enrich(ctx context.Context, login string, summary *Summary) {
	if p.profiles == nil || p.source == nil {
		return
	}

	cached, found, err := p.profiles.GetProfile(ctx, login)
	if err != nil {
		summary.ProfileFailures++
		p.logger.Warn("read actor profile failed", zap.String("username", login), zap.Error(err))
		return
	}
	if found && !cached.FetchedAt.IsZero() {
		return
	}

	profile, err := p.source.Profile(ctx, login)
	if err != nil {
		summary.ProfileFailures++
		p.logger.Warn("actor enrichment failed", zap.String("username", login), zap.Error(err))
		return
	}
	profile.Login = login
	profile.FetchedAt = p.Now().UTC()
	if err := p.profiles.PutProfile(ctx, profile); err != nil {
		summary.ProfileFailures++
		p.logger.Warn("store actor profile failed", zap.String("username", login), zap.Error(err))
		return
	}
	summary.ProfilesFetched++
}

func issueBearing(rawType string) bool {
	switch rawType {
	case githubapi.TypeIssues, githubapi.TypePullRequest, githubapi.TypeIssueComment, githubapi.TypeReviewComment:
		return true
	default:
		return false
	}
}
