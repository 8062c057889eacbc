// Package classify maps raw GitHub event types and actions to the event taxonomy.
package classify

import (
	"strings"

	"github.com/cam3ron2/ghactivity/internal/domain"
	"github.com/cam3ron2/ghactivity/internal/githubapi"
)

// Taxonomy categories.
const (
	IssueOpened    domain.Category = "Issue Opened"
	IssueClosed    domain.Category = "Issue Closed"
	IssueTouched   domain.Category = "Issue touched"
	PROpened       domain.Category = "PR Opened"
	PRClosed       domain.Category = "PR Closed"
	PRTouched      domain.Category = "PR touched"
	Comment        domain.Category = "Comment"
	ReviewedPR     domain.Category = "Reviewed a PR"
	PushedBranch   domain.Category = "Pushed a branch"
	CreatedTag     domain.Category = "Created a tag"
	CreatedRelease domain.Category = "Created a release"
	DeletedBranch  domain.Category = "Deleted a branch"
	EditedWiki     domain.Category = "Edited a Wiki page"
	ForkedRepo     domain.Category = "Forked a repo"
	DidSomething   domain.Category = "Did something"
)

// OverrideFunc may substitute the default category. Returning "" keeps the default.
type OverrideFunc func(category domain.Category, rawType, action string) domain.Category

// Classifier is a stateless category table with an optional override.
type Classifier struct {
	override OverrideFunc
}

// New creates a classifier. A nil override uses the table as is.
func New(override OverrideFunc) *Classifier {
	return &Classifier{override: override}
}

// Classify returns the category of a raw event. It never returns "".
func (c *Classifier) Classify(rawType, action string) domain.Category {
	category := Default(rawType, action)
	if c == nil || c.override == nil {
		return category
	}
	if replaced := c.override(category, rawType, action); strings.TrimSpace(string(replaced)) != "" {
		return replaced
	}
	return category
}

// Default is the fixed classification table.
func Default(rawType, action string) domain.Category {
	switch rawType {
	case githubapi.TypeIssues:
		switch action {
		case "closed":
			return IssueClosed
		case "opened":
			return IssueOpened
		default:
			return IssueTouched
		}
	case githubapi.TypePullRequest:
		switch action {
		case "closed":
			return PRClosed
		case "opened":
			return PROpened
		default:
			return PRTouched
		}
	case githubapi.TypeIssueComment, githubapi.TypeCommitComment:
		return Comment
	case githubapi.TypeReviewComment, githubapi.TypeReview:
		return ReviewedPR
	case githubapi.TypePush:
		return PushedBranch
	case githubapi.TypeCreate:
		return CreatedTag
	case githubapi.TypeRelease:
		return CreatedRelease
	case githubapi.TypeDelete:
		return DeletedBranch
	case githubapi.TypeGollum:
		return EditedWiki
	case githubapi.TypeFork:
		return ForkedRepo
	default:
		return DidSomething
	}
}

// IsCommitBearing reports whether events of the category carry a commit count.
func IsCommitBearing(category domain.Category) bool {
	return category == PushedBranch
}

// Categories lists every table category in display order.
func Categories() []domain.Category {
	return []domain.Category{
		IssueOpened, IssueClosed, IssueTouched,
		PROpened, PRClosed, PRTouched,
		Comment, ReviewedPR, PushedBranch,
		CreatedTag, CreatedRelease, DeletedBranch,
		EditedWiki, ForkedRepo, DidSomething,
	}
}
