package githubapi

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/gofri/go-github-ratelimit/github_ratelimit"
	"github.com/google/go-github/v75/github"
	"golang.org/x/oauth2"
)

// TokenAuthConfig configures personal access token authentication.
type TokenAuthConfig struct {
	Token   string
	Timeout time.Duration
	// SecondaryLimitMaxSleep caps a single secondary rate-limit sleep inside the transport.
	SecondaryLimitMaxSleep time.Duration
	BaseTransport          http.RoundTripper
}

// InstallationAuthConfig configures GitHub App installation authentication.
type InstallationAuthConfig struct {
	AppID          int64
	InstallationID int64
	PrivateKeyPath string
	Timeout        time.Duration
	BaseTransport  http.RoundTripper
}

// RESTClient wraps the go-github REST client.
type RESTClient struct {
	Client *github.Client
}

// NewTokenHTTPClient creates a bearer-token HTTP client that also waits out secondary rate limits.
func NewTokenHTTPClient(cfg TokenAuthConfig) (*http.Client, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, fmt.Errorf("access token is required")
	}

	maxSleep := cfg.SecondaryLimitMaxSleep
	if maxSleep <= 0 {
		maxSleep = time.Hour
	}
	waiter, err := github_ratelimit.NewRateLimitWaiter(cfg.BaseTransport, github_ratelimit.WithSingleSleepLimit(maxSleep, nil))
	if err != nil {
		return nil, fmt.Errorf("create rate limit waiter: %w", err)
	}

	return &http.Client{
		Transport: &oauth2.Transport{
			Base:   waiter,
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
		},
		Timeout: cfg.Timeout,
	}, nil
}

// NewInstallationHTTPClient creates an authenticated HTTP client for one GitHub App installation.
func NewInstallationHTTPClient(cfg InstallationAuthConfig) (*http.Client, error) {
	if cfg.AppID <= 0 {
		return nil, fmt.Errorf("app id must be > 0")
	}
	if cfg.InstallationID <= 0 {
		return nil, fmt.Errorf("installation id must be > 0")
	}
	if strings.TrimSpace(cfg.PrivateKeyPath) == "" {
		return nil, fmt.Errorf("private key path is required")
	}

	baseTransport := cfg.BaseTransport
	if baseTransport == nil {
		baseTransport = http.DefaultTransport
	}

	transport, err := ghinstallation.NewKeyFromFile(baseTransport, cfg.AppID, cfg.InstallationID, cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("create github app transport: %w", err)
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}, nil
}

// NewGitHubRESTClient creates a go-github client with optional API base URL override.
func NewGitHubRESTClient(httpClient *http.Client, apiBaseURL string) (*RESTClient, error) {
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	client := github.NewClient(httpClient)
	if strings.TrimSpace(apiBaseURL) == "" {
		return &RESTClient{Client: client}, nil
	}

	parsedURL, err := parseAPIBaseURL(apiBaseURL)
	if err != nil {
		return nil, err
	}
	client.BaseURL = parsedURL
	return &RESTClient{Client: client}, nil
}

// WebBaseURL derives the browser base URL from an API base URL.
// api.github.com maps to github.com; enterprise "/api/v3" prefixes are stripped.
func WebBaseURL(apiBaseURL string) string {
	parsed, err := parseAPIBaseURL(apiBaseURL)
	if err != nil {
		return "https://github.com"
	}
	host := parsed.Host
	if strings.EqualFold(host, "api.github.com") {
		host = "github.com"
	}
	web := url.URL{Scheme: parsed.Scheme, Host: host, Path: strings.TrimSuffix(strings.TrimSuffix(parsed.Path, "/"), "/api/v3")}
	return strings.TrimSuffix(web.String(), "/")
}
