package githubapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultGitHubAPIBaseURL = "https://api.github.com/"
	defaultPerPage          = 100
	defaultFeedMaxPages     = 3
	defaultAllPagesLimit    = 100

	// ProjectsPreviewAccept is the Accept header required by the classic projects API.
	ProjectsPreviewAccept = "application/vnd.github.inertia-preview+json"
)

// IssueEvent is one entry of the issue events API.
type IssueEvent struct {
	ID          int64
	Event       string
	Actor       string
	Label       string
	IssueNumber int
	CreatedAt   time.Time
}

// Project is one classic organization project board.
type Project struct {
	ID      int64
	Number  int
	Name    string
	HTMLURL string
}

// ProjectColumn is one column of a project board.
type ProjectColumn struct {
	ID   int64
	Name string
}

// ProjectCard is one card of a project column.
type ProjectCard struct {
	ID         int64
	Creator    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ContentURL string
	Note       string
}

// EventsResult is the typed result for user and repository event feeds.
type EventsResult struct {
	Events    []Event
	Malformed []error
	Metadata  CallMetadata
}

// DataClient is a typed GitHub REST data client for the activity endpoints.
type DataClient struct {
	baseURL       *url.URL
	requestClient *Client
	// FeedMaxPages bounds pages read from event feeds. GitHub serves at most 300 events per feed.
	FeedMaxPages int
	// Observe, when set, receives the outcome of every logical call.
	Observe func(op string, status EndpointStatus)
}

// NewDataClient creates a typed data client over the generic retry/rate-limit request client.
func NewDataClient(baseURL string, requestClient *Client) (*DataClient, error) {
	if requestClient == nil {
		return nil, fmt.Errorf("request client is required")
	}

	parsed, err := parseAPIBaseURL(baseURL)
	if err != nil {
		return nil, err
	}

	return &DataClient{
		baseURL:       parsed,
		requestClient: requestClient,
		FeedMaxPages:  defaultFeedMaxPages,
	}, nil
}

// Get fetches one resource. A 200 response with a non-empty body is decoded into target;
// every other outcome is an *UpstreamError.
func (c *DataClient) Get(ctx context.Context, path string, query url.Values, headers http.Header, target any) (CallMetadata, error) {
	_, metadata, err := c.get(ctx, "get "+path, path, query, headers, target)
	return metadata, err
}

// GetAllPages increments the page parameter until an empty array is returned.
func (c *DataClient) GetAllPages(ctx context.Context, path string, query url.Values, headers http.Header) ([]json.RawMessage, CallMetadata, error) {
	var (
		all      []json.RawMessage
		metadata CallMetadata
	)
	for page := 1; page <= defaultAllPagesLimit; page++ {
		pageQuery := cloneValues(query)
		pageQuery.Set("page", strconv.Itoa(page))
		if pageQuery.Get("per_page") == "" {
			pageQuery.Set("per_page", strconv.Itoa(defaultPerPage))
		}

		var items []json.RawMessage
		_, pageMetadata, err := c.get(ctx, "get all pages "+path, path, pageQuery, headers, &items)
		metadata = mergeMetadata(metadata, pageMetadata)
		if err != nil {
			return all, metadata, err
		}
		if len(items) == 0 {
			return all, metadata, nil
		}
		all = append(all, items...)
	}
	return all, metadata, fmt.Errorf("get all pages %s: page limit %d reached", path, defaultAllPagesLimit)
}

// UserEvents reads the event feed of one user. Private events are included when the token allows it.
func (c *DataClient) UserEvents(ctx context.Context, username string) (EventsResult, error) {
	trimmed := strings.TrimSpace(username)
	if trimmed == "" {
		return EventsResult{}, fmt.Errorf("username is required")
	}
	return c.eventFeed(ctx, "user events", joinURLPath("users", url.PathEscape(trimmed), "events"))
}

// RepoEvents reads the event feed of one repository, independent of actor.
func (c *DataClient) RepoEvents(ctx context.Context, repo string) (EventsResult, error) {
	path, err := repoPath(repo, "events")
	if err != nil {
		return EventsResult{}, err
	}
	return c.eventFeed(ctx, "repo events", path)
}

func (c *DataClient) eventFeed(ctx context.Context, op, path string) (EventsResult, error) {
	maxPages := c.FeedMaxPages
	if maxPages <= 0 {
		maxPages = defaultFeedMaxPages
	}

	result := EventsResult{}
	for page := 1; page <= maxPages; page++ {
		query := url.Values{}
		query.Set("per_page", strconv.Itoa(defaultPerPage))
		query.Set("page", strconv.Itoa(page))

		var items []json.RawMessage
		header, metadata, err := c.get(ctx, op, path, query, nil, &items)
		result.Metadata = mergeMetadata(result.Metadata, metadata)
		if err != nil {
			if page > 1 && StatusOf(err) == EndpointStatusEmptyBody {
				break
			}
			return result, err
		}

		events, malformed := DecodeEvents(items)
		result.Events = append(result.Events, events...)
		result.Malformed = append(result.Malformed, malformed...)

		if len(items) < defaultPerPage || !hasNextPage(header.Get("Link")) {
			break
		}
	}
	return result, nil
}

// RepoIssuesPage reads one page of open issues and pull requests, newest first.
func (c *DataClient) RepoIssuesPage(ctx context.Context, repo string, page, perPage int) ([]IssueObject, CallMetadata, error) {
	path, err := repoPath(repo, "issues")
	if err != nil {
		return nil, CallMetadata{}, err
	}
	if page <= 0 {
		return nil, CallMetadata{}, fmt.Errorf("page must be > 0")
	}
	if perPage <= 0 || perPage > defaultPerPage {
		perPage = defaultPerPage
	}

	query := url.Values{}
	query.Set("state", "open")
	query.Set("page", strconv.Itoa(page))
	query.Set("per_page", strconv.Itoa(perPage))

	var issues []IssueObject
	_, metadata, err := c.get(ctx, "repo issues page", path, query, nil, &issues)
	if err != nil {
		return nil, metadata, err
	}
	return issues, metadata, nil
}

// RepoOpenIssueCount reads the open issue count of a repository. GitHub counts pull requests in it.
func (c *DataClient) RepoOpenIssueCount(ctx context.Context, repo string) (int, CallMetadata, error) {
	path, err := repoPath(repo)
	if err != nil {
		return 0, CallMetadata{}, err
	}

	var payload struct {
		OpenIssues      *int `json:"open_issues"`
		OpenIssuesCount *int `json:"open_issues_count"`
	}
	_, metadata, err := c.get(ctx, "repo open issue count", path, nil, nil, &payload)
	if err != nil {
		return 0, metadata, err
	}
	switch {
	case payload.OpenIssues != nil:
		return *payload.OpenIssues, metadata, nil
	case payload.OpenIssuesCount != nil:
		return *payload.OpenIssuesCount, metadata, nil
	}
	return 0, metadata, fmt.Errorf("repo open issue count: %w: open_issues missing", ErrMalformedPayload)
}

// RepoIssueEvents reads the most recent issue events of a whole repository.
func (c *DataClient) RepoIssueEvents(ctx context.Context, repo string) ([]IssueEvent, CallMetadata, error) {
	path, err := repoPath(repo, "issues", "events")
	if err != nil {
		return nil, CallMetadata{}, err
	}
	maxPages := c.FeedMaxPages
	if maxPages <= 0 {
		maxPages = defaultFeedMaxPages
	}
	return c.issueEvents(ctx, "repo issue events", path, 0, maxPages)
}

// IssueEvents reads the complete event history of one issue.
func (c *DataClient) IssueEvents(ctx context.Context, repo string, number int) ([]IssueEvent, CallMetadata, error) {
	if number <= 0 {
		return nil, CallMetadata{}, fmt.Errorf("issue number must be > 0")
	}
	path, err := repoPath(repo, "issues", strconv.Itoa(number), "events")
	if err != nil {
		return nil, CallMetadata{}, err
	}
	return c.issueEvents(ctx, "issue events", path, number, defaultAllPagesLimit)
}

func (c *DataClient) issueEvents(ctx context.Context, op, path string, number, maxPages int) ([]IssueEvent, CallMetadata, error) {
	var (
		events   []IssueEvent
		metadata CallMetadata
	)
	for page := 1; page <= maxPages; page++ {
		query := url.Values{}
		query.Set("per_page", strconv.Itoa(defaultPerPage))
		query.Set("page", strconv.Itoa(page))

		var payload []issueEventPayload
		header, pageMetadata, err := c.get(ctx, op, path, query, nil, &payload)
		metadata = mergeMetadata(metadata, pageMetadata)
		if err != nil {
			if page > 1 && StatusOf(err) == EndpointStatusEmptyBody {
				break
			}
			return nil, metadata, err
		}

		for _, item := range payload {
			event := IssueEvent{
				ID:          item.ID,
				Event:       item.Event,
				Actor:       item.Actor.Login,
				IssueNumber: number,
				CreatedAt:   parseRFC3339(item.CreatedAt),
			}
			if item.Label != nil {
				event.Label = item.Label.Name
			}
			if item.Issue != nil {
				event.IssueNumber = item.Issue.Number
			}
			events = append(events, event)
		}

		if len(payload) < defaultPerPage || !hasNextPage(header.Get("Link")) {
			break
		}
	}
	return events, metadata, nil
}

// OrgProjects lists the classic project boards of an organization.
func (c *DataClient) OrgProjects(ctx context.Context, org string) ([]Project, error) {
	trimmed := strings.TrimSpace(org)
	if trimmed == "" {
		return nil, fmt.Errorf("organization is required")
	}

	items, _, err := c.GetAllPages(ctx, joinURLPath("orgs", url.PathEscape(trimmed), "projects"), nil, projectHeaders())
	if err != nil {
		return nil, err
	}
	projects := make([]Project, 0, len(items))
	for _, item := range items {
		var payload struct {
			ID      int64  `json:"id"`
			Number  int    `json:"number"`
			Name    string `json:"name"`
			HTMLURL string `json:"html_url"`
		}
		if err := json.Unmarshal(item, &payload); err != nil {
			return nil, fmt.Errorf("decode org project: %w", err)
		}
		projects = append(projects, Project(payload))
	}
	return projects, nil
}

// ProjectColumns lists the columns of one project board.
func (c *DataClient) ProjectColumns(ctx context.Context, projectID int64) ([]ProjectColumn, error) {
	if projectID <= 0 {
		return nil, fmt.Errorf("project id must be > 0")
	}

	items, _, err := c.GetAllPages(ctx, joinURLPath("projects", strconv.FormatInt(projectID, 10), "columns"), nil, projectHeaders())
	if err != nil {
		return nil, err
	}
	columns := make([]ProjectColumn, 0, len(items))
	for _, item := range items {
		var payload struct {
			ID   int64  `json:"id"`
			Name string `json:"name"`
		}
		if err := json.Unmarshal(item, &payload); err != nil {
			return nil, fmt.Errorf("decode project column: %w", err)
		}
		columns = append(columns, ProjectColumn(payload))
	}
	return columns, nil
}

// ColumnCards lists the cards of one project column.
func (c *DataClient) ColumnCards(ctx context.Context, columnID int64) ([]ProjectCard, error) {
	if columnID <= 0 {
		return nil, fmt.Errorf("column id must be > 0")
	}

	path := joinURLPath("projects", "columns", strconv.FormatInt(columnID, 10), "cards")
	items, _, err := c.GetAllPages(ctx, path, nil, projectHeaders())
	if err != nil {
		return nil, err
	}
	cards := make([]ProjectCard, 0, len(items))
	for _, item := range items {
		var payload projectCardPayload
		if err := json.Unmarshal(item, &payload); err != nil {
			return nil, fmt.Errorf("decode column card: %w", err)
		}
		card := ProjectCard{
			ID:         payload.ID,
			CreatedAt:  parseRFC3339(payload.CreatedAt),
			UpdatedAt:  parseRFC3339(payload.UpdatedAt),
			ContentURL: payload.ContentURL,
			Note:       payload.Note,
		}
		if payload.Creator != nil {
			card.Creator = payload.Creator.Login
		}
		cards = append(cards, card)
	}
	return cards, nil
}

func (c *DataClient) get(
	ctx context.Context,
	op string,
	path string,
	query url.Values,
	headers http.Header,
	target any,
) (http.Header, CallMetadata, error) {
	reqURL := c.cloneBaseURL()
	reqURL.Path = joinURLPath(reqURL.Path, path)
	if len(query) > 0 {
		reqURL.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, CallMetadata{}, fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	for key, values := range headers {
		req.Header.Del(key)
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, metadata, err := c.requestClient.Do(req)
	if err != nil {
		return nil, metadata, c.fail(&UpstreamError{Op: op, URL: reqURL.String(), Status: EndpointStatusTransport, Err: err})
	}
	if resp == nil {
		return nil, metadata, c.fail(&UpstreamError{
			Op:     op,
			URL:    reqURL.String(),
			Status: EndpointStatusTransport,
			Err:    fmt.Errorf("nil response"),
		})
	}
	if !metadata.LastDecision.Allow && metadata.LastDecision.Reason != "" {
		closeBody(resp)
		return resp.Header, metadata, c.fail(&UpstreamError{
			Op:         op,
			URL:        reqURL.String(),
			StatusCode: resp.StatusCode,
			Status:     EndpointStatusRateLimited,
		})
	}
	if resp.StatusCode != http.StatusOK {
		closeBody(resp)
		status := endpointStatusFromHTTP(resp.StatusCode, metadata.LastRateHeaders)
		if status == EndpointStatusOK {
			status = EndpointStatusUnknown
		}
		return resp.Header, metadata, c.fail(&UpstreamError{
			Op:         op,
			URL:        reqURL.String(),
			StatusCode: resp.StatusCode,
			Status:     status,
		})
	}

	body, err := readAndClose(resp)
	if err != nil {
		return resp.Header, metadata, c.fail(&UpstreamError{
			Op:         op,
			URL:        reqURL.String(),
			StatusCode: resp.StatusCode,
			Status:     EndpointStatusTransport,
			Err:        err,
		})
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return resp.Header, metadata, c.fail(&UpstreamError{
			Op:         op,
			URL:        reqURL.String(),
			StatusCode: resp.StatusCode,
			Status:     EndpointStatusEmptyBody,
		})
	}
	if err := json.Unmarshal(body, target); err != nil {
		c.observe(op, EndpointStatusOK)
		return resp.Header, metadata, fmt.Errorf("decode %s response: %w: %v", op, ErrMalformedPayload, err)
	}

	c.observe(op, EndpointStatusOK)
	return resp.Header, metadata, nil
}

func (c *DataClient) fail(err *UpstreamError) error {
	c.observe(err.Op, err.Status)
	return err
}

func (c *DataClient) observe(op string, status EndpointStatus) {
	if c.Observe != nil {
		c.Observe(op, status)
	}
}

func projectHeaders() http.Header {
	header := make(http.Header)
	header.Set("Accept", ProjectsPreviewAccept)
	return header
}

func repoPath(repo string, segments ...string) (string, error) {
	owner, name, ok := SplitRepo(repo)
	if !ok {
		return "", fmt.Errorf("repository %q must be in owner/name form", repo)
	}
	parts := append([]string{"repos", url.PathEscape(owner), url.PathEscape(name)}, segments...)
	return joinURLPath("", parts...), nil
}

// SplitRepo splits "owner/name".
func SplitRepo(repo string) (string, string, bool) {
	owner, name, found := strings.Cut(strings.TrimSpace(repo), "/")
	owner = strings.TrimSpace(owner)
	name = strings.TrimSpace(name)
	if !found || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", false
	}
	return owner, name, true
}

func parseAPIBaseURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		trimmed = defaultGitHubAPIBaseURL
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse github api base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("parse github api base url: missing scheme or host")
	}
	if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}
	return parsed, nil
}

func (c *DataClient) cloneBaseURL() *url.URL {
	cloned := *c.baseURL
	return &cloned
}

func joinURLPath(base string, segments ...string) string {
	trimmedBase := strings.TrimSuffix(base, "/")
	builder := strings.Builder{}
	builder.WriteString(trimmedBase)
	for _, segment := range segments {
		builder.WriteString("/")
		builder.WriteString(strings.Trim(segment, "/"))
	}
	return builder.String()
}

func cloneValues(values url.Values) url.Values {
	cloned := url.Values{}
	for key, list := range values {
		cloned[key] = append([]string(nil), list...)
	}
	return cloned
}

func readAndClose(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func hasNextPage(linkHeader string) bool {
	if strings.TrimSpace(linkHeader) == "" {
		return false
	}
	parts := strings.Split(linkHeader, ",")
	for _, part := range parts {
		if strings.Contains(part, `rel="next"`) {
			return true
		}
	}
	return false
}

func parseRFC3339(raw string) time.Time {
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return parsed.UTC()
}

func mergeMetadata(current CallMetadata, incoming CallMetadata) CallMetadata {
	current.Attempts += incoming.Attempts
	current.LastDecision = incoming.LastDecision
	current.LastRateHeaders = incoming.LastRateHeaders
	return current
}

type issueEventPayload struct {
	ID        int64  `json:"id"`
	Event     string `json:"event"`
	CreatedAt string `json:"created_at"`
	Actor     User   `json:"actor"`
	Label     *Label `json:"label"`
	Issue     *struct {
		Number int `json:"number"`
	} `json:"issue"`
}

type projectCardPayload struct {
	ID         int64  `json:"id"`
	Creator    *User  `json:"creator"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
	ContentURL string `json:"content_url"`
	Note       string `json:"note"`
}
