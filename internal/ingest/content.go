package ingest

import (
	"fmt"
	"strings"

	"github.com/cam3ron2/ghactivity/internal/domain"
	"github.com/cam3ron2/ghactivity/internal/githubapi"
)

// BuildContent returns the display text of an event and a link to the upstream object.
// Event types without a link rule get the category text only.
func BuildContent(webBaseURL string, event githubapi.Event, category domain.Category, commits *int) domain.Content {
	content := domain.Content{
		Text: string(category),
		URL:  eventLink(webBaseURL, event),
	}
	if commits != nil {
		content.Text += fmt.Sprintf(", including %d commits.", *commits)
	}
	return content
}

func eventLink(webBaseURL string, event githubapi.Event) string {
	switch payload := event.Payload.(type) {
	case githubapi.IssuesPayload:
		if payload.Issue != nil {
			return payload.Issue.HTMLURL
		}
	case githubapi.PullRequestPayload:
		if payload.PullRequest != nil {
			return payload.PullRequest.HTMLURL
		}
	case githubapi.IssueCommentPayload:
		if payload.Comment != nil {
			return payload.Comment.HTMLURL
		}
	case githubapi.CommitCommentPayload:
		if payload.Comment != nil {
			return payload.Comment.HTMLURL
		}
	case githubapi.ReviewCommentPayload:
		if payload.Comment != nil {
			return payload.Comment.HTMLURL
		}
	case githubapi.ReviewPayload:
		return payload.Review.HTMLURL
	case githubapi.PushPayload:
		return webLink(webBaseURL, event.Repo, "commits", payload.Head)
	case githubapi.CreatePayload:
		return webLink(webBaseURL, event.Repo, "tree", payload.Ref)
	case githubapi.ReleasePayload:
		return payload.Release.HTMLURL
	case githubapi.ForkPayload:
		return payload.Forkee.HTMLURL
	}
	return ""
}

func webLink(webBaseURL, repo, kind, ref string) string {
	repo = strings.Trim(strings.TrimSpace(repo), "/")
	ref = strings.TrimSpace(ref)
	if repo == "" || ref == "" {
		return ""
	}
	base := strings.TrimSuffix(strings.TrimSpace(webBaseURL), "/")
	if base == "" {
		base = "https://github.com"
	}
	return fmt.Sprintf("%s/%s/%s/%s", base, repo, kind, ref)
}
