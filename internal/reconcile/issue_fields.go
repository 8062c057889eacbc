package reconcile

import (
	"strings"

	"github.com/cam3ron2/ghactivity/internal/domain"
	"github.com/cam3ron2/ghactivity/internal/githubapi"
)

// FromIssueObject normalizes an upstream issue or pull request object. An empty repo falls back to
// the object's repository_url.
func FromIssueObject(repo string, obj githubapi.IssueObject) domain.Issue {
	repo = strings.TrimSpace(repo)
	if repo == "" {
		repo = obj.RepoFullName()
	}
	kind := domain.KindIssue
	if obj.IsPullRequest() {
		kind = domain.KindPullRequest
	}

	return domain.Issue{
		Repo:         repo,
		Number:       obj.Number,
		Kind:         kind,
		Title:        obj.Title,
		State:        domain.ParseIssueState(obj.State),
		Creator:      obj.User.Login,
		CommentCount: obj.Comments,
		Labels:       domain.NormalizeLabels(obj.LabelNames()),
		CreatedAt:    obj.CreatedAt.UTC(),
	}
}
