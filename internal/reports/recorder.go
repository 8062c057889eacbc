package reports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cam3ron2/ghactivity/internal/domain"
	"github.com/cam3ron2/ghactivity/internal/store"
	"go.uber.org/zap"
)

// LabelTimeTarget selects one average-label-time report.
type LabelTimeTarget struct {
	Repo   string
	Labels []string
}

// Subject is the record subject of the target.
func (t LabelTimeTarget) Subject() string {
	return t.Repo + ":" + strings.Join(cleanLabels(t.Labels), ",")
}

// ProjectTarget selects one project board.
type ProjectTarget struct {
	Org     string
	Project string
}

// Subject is the record subject of the target.
func (t ProjectTarget) Subject() string {
	return t.Org + "/" + t.Project
}

// RecorderConfig lists the reports recorded on every run.
type RecorderConfig struct {
	LabelTimes      []LabelTimeTarget
	Projects        []ProjectTarget
	LabelStateRepos []string
}

// RecordData is the storage needed by the recorder.
type RecordData interface {
	LabelData
	store.RecordStore
}

// RecordSummary counts records written by one run.
type RecordSummary struct {
	Recorded int
	Failed   int
}

// Recorder appends report snapshots.
type Recorder struct {
	data     RecordData
	projects ProjectSource
	cfg      RecorderConfig
	logger   *zap.Logger
}

// NewRecorder creates a recorder. A nil project source skips project reports.
func NewRecorder(data RecordData, projects ProjectSource, cfg RecorderConfig, logger ...*zap.Logger) *Recorder {
	resolved := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		resolved = logger[0]
	}
	return &Recorder{data: data, projects: projects, cfg: cfg, logger: resolved}
}

// Record computes and appends every configured report. One failing report does not stop the others.
func (r *Recorder) Record(ctx context.Context, now time.Time) (RecordSummary, error) {
	var summary RecordSummary
	var errs []error
	now = now.UTC()

	record := func(kind domain.RecordKind, subject string, compute func() (any, error)) {
		payload, err := compute()
		if err == nil {
			err = r.append(ctx, kind, subject, now, payload)
		}
		if err != nil {
			summary.Failed++
			errs = append(errs, err)
			r.logger.Warn("report failed", zap.String("kind", string(kind)), zap.String("subject", subject), zap.Error(err))
			return
		}
		summary.Recorded++
	}

	for _, target := range r.cfg.LabelTimes {
		record(domain.RecordAverageLabelTime, target.Subject(), func() (any, error) {
			return AverageLabelTime(ctx, r.data, target.Repo, target.Labels, now)
		})
	}
	for _, repo := range r.cfg.LabelStateRepos {
		record(domain.RecordRepoLabelState, repo, func() (any, error) {
			return RepoLabelState(ctx, r.data, repo)
		})
	}
	if r.projects != nil {
		for _, target := range r.cfg.Projects {
			record(domain.RecordProjectStats, target.Subject(), func() (any, error) {
				return CurrentProjectStats(ctx, r.projects, target.Org, target.Project)
			})
		}
	}

	r.logger.Info("reports recorded", zap.Int("recorded", summary.Recorded), zap.Int("failed", summary.Failed))
	return summary, errors.Join(errs...)
}

func (r *Recorder) append(ctx context.Context, kind domain.RecordKind, subject string, now time.Time, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", kind, err)
	}
	if err := r.data.AppendRecord(ctx, domain.Record{
		Kind:       kind,
		Subject:    subject,
		RecordedAt: now,
		Payload:    body,
	}); err != nil {
		return fmt.Errorf("append %s record %s: %w", kind, subject, err)
	}
	return nil
}

// Latest decodes the newest record of kind and subject into target. found is false when none exists.
func Latest(ctx context.Context, records store.RecordStore, kind domain.RecordKind, subject string, target any) (time.Time, bool, error) {
	items, err := records.ListRecords(ctx, kind, subject, 1)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("list %s records: %w", kind, err)
	}
	if len(items) == 0 {
		return time.Time{}, false, nil
	}
	if err := json.Unmarshal(items[0].Payload, target); err != nil {
		return time.Time{}, false, fmt.Errorf("decode %s record: %w", kind, err)
	}
	return items[0].RecordedAt, true, nil
}
