package reports

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cam3ron2/ghactivity/internal/githubapi"
)

// ProjectSource reads classic project boards.
type ProjectSource interface {
	OrgProjects(ctx context.Context, org string) ([]githubapi.Project, error)
	ProjectColumns(ctx context.Context, projectID int64) ([]githubapi.ProjectColumn, error)
	ColumnCards(ctx context.Context, columnID int64) ([]githubapi.ProjectCard, error)
}

// ProjectCard is the recorded subset of a card.
type ProjectCard struct {
	Creator    string    `json:"creator"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	ContentURL string    `json:"content_url,omitempty"`
	HTMLURL    string    `json:"html_url,omitempty"`
}

// ProjectColumn is one recorded column.
type ProjectColumn struct {
	Name  string        `json:"name"`
	Cards []ProjectCard `json:"cards"`
}

// ProjectStats is a snapshot of one project board.
type ProjectStats struct {
	Org        string          `json:"org"`
	Project    string          `json:"project"`
	ProjectURL string          `json:"project_url"`
	Columns    []ProjectColumn `json:"columns"`
}

// ErrProjectNotFound means the organization has no project with the requested name.
var ErrProjectNotFound = errors.New("project not found")

// CurrentProjectStats snapshots the columns and cards of the named organization project.
func CurrentProjectStats(ctx context.Context, source ProjectSource, org, name string) (ProjectStats, error) {
	snapshot := ProjectStats{Org: org, Project: name, Columns: make([]ProjectColumn, 0)}

	projects, err := source.OrgProjects(ctx, org)
	if err != nil {
		return snapshot, fmt.Errorf("project stats %s/%s: %w", org, name, err)
	}
	var project *githubapi.Project
	for idx := range projects {
		if projects[idx].Name == name {
			project = &projects[idx]
			break
		}
	}
	if project == nil {
		return snapshot, fmt.Errorf("project stats %s/%s: %w", org, name, ErrProjectNotFound)
	}
	snapshot.ProjectURL = project.HTMLURL

	columns, err := source.ProjectColumns(ctx, project.ID)
	if err != nil {
		return snapshot, fmt.Errorf("project stats %s/%s: columns: %w", org, name, err)
	}
	for _, column := range columns {
		cards, err := source.ColumnCards(ctx, column.ID)
		if err != nil {
			return snapshot, fmt.Errorf("project stats %s/%s: column %q: %w", org, name, column.Name, err)
		}
		recorded := ProjectColumn{Name: column.Name, Cards: make([]ProjectCard, 0, len(cards))}
		for _, card := range cards {
			recorded.Cards = append(recorded.Cards, ProjectCard{
				Creator:    card.Creator,
				CreatedAt:  card.CreatedAt,
				UpdatedAt:  card.UpdatedAt,
				ContentURL: card.ContentURL,
				HTMLURL:    contentHTMLURL(card.ContentURL),
			})
		}
		snapshot.Columns = append(snapshot.Columns, recorded)
	}
	return snapshot, nil
}

// contentHTMLURL turns an API content URL (https://api.github.com/repos/o/r/issues/1) into its
// browser URL (https://github.com/o/r/issues/1).
func contentHTMLURL(contentURL string) string {
	if contentURL == "" {
		return ""
	}
	return strings.Replace(strings.Replace(contentURL, "repos/", "", 1), "api.", "", 1)
}
