package reports

import (
	"context"
	"fmt"
	"sort"

	"github.com/cam3ron2/ghactivity/internal/domain"
	"github.com/cam3ron2/ghactivity/internal/store"
)

// Count is one labelled total.
type Count struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// ActivitySummary is the event count report of a date range.
type ActivitySummary struct {
	Total      int     `json:"total"`
	Commits    int     `json:"commits"`
	Repos      int     `json:"repos"`
	ByCategory []Count `json:"by_category"`
	ByRepo     []Count `json:"by_repo"`
	ByActor    []Count `json:"by_actor"`
}

// Activity counts events matched by filter, with each breakdown sorted by count descending.
func Activity(ctx context.Context, events store.EventStore, filter store.EventFilter) (ActivitySummary, error) {
	counts, err := events.CountEvents(ctx, filter)
	if err != nil {
		return ActivitySummary{}, fmt.Errorf("count events: %w", err)
	}

	byCategory := make(map[string]int, len(counts.ByCategory))
	for category, count := range counts.ByCategory {
		byCategory[string(category)] = count
	}
	return ActivitySummary{
		Total:      counts.Total,
		Commits:    counts.Commits,
		Repos:      len(counts.ByRepo),
		ByCategory: sortedCounts(byCategory),
		ByRepo:     sortedCounts(counts.ByRepo),
		ByActor:    sortedCounts(counts.ByActor),
	}, nil
}

// CategoryCount returns the count of one category, zero when absent.
func (s ActivitySummary) CategoryCount(category domain.Category) int {
	for _, count := range s.ByCategory {
		if count.Name == string(category) {
			return count.Count
		}
	}
	return 0
}

func sortedCounts(counts map[string]int) []Count {
	out := make([]Count, 0, len(counts))
	for name, count := range counts {
		out = append(out, Count{Name: name, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	return out
}
