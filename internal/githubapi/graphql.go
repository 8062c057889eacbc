package githubapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/shurcooL/githubv4"
)

// GraphQLCounter reads open issue counts through the GraphQL API.
type GraphQLCounter struct {
	client *githubv4.Client
}

// NewGraphQLCounter creates a counter. An empty endpoint targets github.com.
func NewGraphQLCounter(httpClient *http.Client, endpoint string) *GraphQLCounter {
	if strings.TrimSpace(endpoint) == "" {
		return &GraphQLCounter{client: githubv4.NewClient(httpClient)}
	}
	return &GraphQLCounter{client: githubv4.NewEnterpriseClient(endpoint, httpClient)}
}

// RepoOpenIssueCount returns open issues plus open pull requests, matching the REST open_issues figure.
func (c *GraphQLCounter) RepoOpenIssueCount(ctx context.Context, repo string) (int, CallMetadata, error) {
	owner, name, ok := SplitRepo(repo)
	if !ok {
		return 0, CallMetadata{}, fmt.Errorf("repository %q must be in owner/name form", repo)
	}

	var query struct {
		Repository struct {
			Issues struct {
				TotalCount int
			} `graphql:"issues(states: OPEN)"`
			PullRequests struct {
				TotalCount int
			} `graphql:"pullRequests(states: OPEN)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}
	variables := map[string]interface{}{
		"owner": githubv4.String(owner),
		"name":  githubv4.String(name),
	}
	if err := c.client.Query(ctx, &query, variables); err != nil {
		return 0, CallMetadata{Attempts: 1}, &UpstreamError{
			Op:     "graphql open issue count",
			Status: EndpointStatusUnknown,
			Err:    err,
		}
	}
	return query.Repository.Issues.TotalCount + query.Repository.PullRequests.TotalCount, CallMetadata{Attempts: 1}, nil
}
