package githubapi

import (
	"context"
	"fmt"
	"strings"

	"github.com/cam3ron2/ghactivity/internal/domain"
	"github.com/google/go-github/v75/github"
)

// ProfileClient reads extended actor profiles through go-github.
type ProfileClient struct {
	rest         *RESTClient
	organization string
}

// NewProfileClient creates a profile client. An empty organization disables membership checks.
func NewProfileClient(rest *RESTClient, organization string) (*ProfileClient, error) {
	if rest == nil || rest.Client == nil {
		return nil, fmt.Errorf("rest client is required")
	}
	return &ProfileClient{
		rest:         rest,
		organization: strings.TrimSpace(organization),
	}, nil
}

// Profile returns name (falling back to login), avatar, bio and organization membership.
func (c *ProfileClient) Profile(ctx context.Context, login string) (domain.ActorProfile, error) {
	trimmed := strings.TrimSpace(login)
	if trimmed == "" {
		return domain.ActorProfile{}, fmt.Errorf("login is required")
	}

	user, resp, err := c.rest.Client.Users.Get(ctx, trimmed)
	if err != nil {
		return domain.ActorProfile{}, wrapGitHubError("get user", resp, err)
	}

	profile := domain.ActorProfile{
		Login:     trimmed,
		Name:      user.GetName(),
		AvatarURL: user.GetAvatarURL(),
		Bio:       user.GetBio(),
	}
	if strings.TrimSpace(profile.Name) == "" {
		profile.Name = trimmed
	}

	member, err := c.isMember(ctx, trimmed)
	if err != nil {
		return profile, err
	}
	profile.IsEmployee = member
	return profile, nil
}

func (c *ProfileClient) isMember(ctx context.Context, login string) (bool, error) {
	if c.organization == "" {
		return false, nil
	}

	opts := &github.ListOptions{PerPage: 100}
	for {
		orgs, resp, err := c.rest.Client.Organizations.List(ctx, login, opts)
		if err != nil {
			return false, wrapGitHubError("list user orgs", resp, err)
		}
		for _, org := range orgs {
			if strings.EqualFold(org.GetLogin(), c.organization) {
				return true, nil
			}
		}
		if resp == nil || resp.NextPage == 0 {
			return false, nil
		}
		opts.Page = resp.NextPage
	}
}

func wrapGitHubError(op string, resp *github.Response, err error) error {
	upstream := &UpstreamError{Op: op, Status: EndpointStatusTransport, Err: err}
	if resp != nil && resp.Response != nil {
		upstream.StatusCode = resp.StatusCode
		upstream.Status = endpointStatusFromHTTP(resp.StatusCode, ParseRateLimitHeaders(resp.Header, resp.StatusCode))
		if resp.Request != nil && resp.Request.URL != nil {
			upstream.URL = resp.Request.URL.String()
		}
	}
	return upstream
}
