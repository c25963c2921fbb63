// Package forge wraps GitHub App authentication (JWT minting, installation
// token exchange and caching) and the handful of REST calls the dispatcher
// needs: posting commit statuses, resolving branches/commits to SHAs, and
// listing changed files for the files_ignore filter.
package forge

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buildkite/roko"
	"github.com/google/go-github/v68/github"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"golang.org/x/oauth2"

	"github.com/labci/dispatcher/internal/logger"
	"github.com/labci/dispatcher/internal/metrics"
)

// APIError is returned for caller mistakes the forge client catches before
// making a request (invalid status, missing sha).
type APIError struct{ Reason string }

func (e *APIError) Error() string { return e.Reason }

// TokenCache holds the single process-wide installation access token,
// avoiding any package-level mutable state in the client itself.
type TokenCache struct {
	mu        sync.Mutex
	value     string
	expiresAt time.Time
}

// Get returns the cached token if it is still valid for at least another
// minute (to cover request latency), or ok=false otherwise.
func (c *TokenCache) Get() (token string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value == "" || time.Now().Add(time.Minute).After(c.expiresAt) {
		return "", false
	}
	return c.value, true
}

func (c *TokenCache) Set(token string, expiresAt time.Time) {
	c.mu.Lock()
	c.value, c.expiresAt = token, expiresAt
	c.mu.Unlock()
}

// Config holds the App identity this client authenticates as.
type Config struct {
	AppID          string
	PrivateKeyPath string
	ProxyURL       string
}

// Client is the dispatcher's GitHub App-authenticated REST client.
type Client struct {
	cfg        Config
	log        logger.Logger
	privateKey jwk.Key

	installationID atomic.Int64
	token          TokenCache

	metrics *metrics.Collector
}

// New loads the App's private key from cfg.PrivateKeyPath and returns a
// ready-to-use Client.
func New(cfg Config, l logger.Logger) (*Client, error) {
	pemBytes, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading app private key: %w", err)
	}
	key, err := jwk.ParseKey(pemBytes, jwk.WithPEM(true))
	if err != nil {
		return nil, fmt.Errorf("parsing app private key: %w", err)
	}
	return &Client{cfg: cfg, log: l, privateKey: key}, nil
}

// SetMetrics wires a metrics collector into the client; every REST call
// made afterward records its outcome. Optional: a nil collector (the
// zero-value default) is a safe no-op.
func (c *Client) SetMetrics(m *metrics.Collector) { c.metrics = m }

// signedJWT mints a short-lived RS256 JWT identifying the App, per GitHub's
// "authenticating as a GitHub App" flow.
func (c *Client) signedJWT() (string, error) {
	now := time.Now()
	tok, err := jwt.NewBuilder().
		Issuer(c.cfg.AppID).
		IssuedAt(now.Add(-30 * time.Second)).
		Expiration(now.Add(9 * time.Minute)).
		Build()
	if err != nil {
		return "", fmt.Errorf("building app jwt: %w", err)
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, c.privateKey))
	if err != nil {
		return "", fmt.Errorf("signing app jwt: %w", err)
	}
	return string(signed), nil
}

func retrier() *roko.Retrier {
	return roko.NewRetrier(
		roko.WithMaxAttempts(3),
		roko.WithStrategy(roko.Constant(2*time.Second)),
	)
}

// setAccessToken returns a valid installation access token, minting and
// caching a new one if needed. The installation id is resolved once (via
// the repo that first asked for a token) and cached for the process
// lifetime.
func (c *Client) setAccessToken(ctx context.Context, owner, repo string) (string, error) {
	if tok, ok := c.token.Get(); ok {
		return tok, nil
	}

	jwtTok, err := c.signedJWT()
	if err != nil {
		return "", err
	}
	jwtClient := github.NewClient(&http.Client{Transport: previewAcceptTransport{base: &bearerTransport{token: jwtTok}}})

	id := c.installationID.Load()
	if id == 0 {
		var installation *github.Installation
		err := retrier().DoWithContext(ctx, func(*roko.Retrier) error {
			var err error
			installation, _, err = jwtClient.Apps.FindRepositoryInstallation(ctx, owner, repo)
			return err
		})
		if err != nil {
			return "", fmt.Errorf("finding app installation for %s/%s: %w", owner, repo, err)
		}
		id = installation.GetID()
		c.installationID.Store(id)
	}

	var token *github.InstallationToken
	err = retrier().DoWithContext(ctx, func(*roko.Retrier) error {
		var err error
		token, _, err = jwtClient.Apps.CreateInstallationToken(ctx, id, nil)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("creating installation token: %w", err)
	}

	c.token.Set(token.GetToken(), token.GetExpiresAt().Time)
	return token.GetToken(), nil
}

// restClient returns a go-github client authenticated with a valid
// installation access token for owner/repo.
func (c *Client) restClient(ctx context.Context, owner, repo string) (*github.Client, error) {
	tok, err := c.setAccessToken(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tok})
	httpClient := &http.Client{Transport: previewAcceptTransport{base: oauth2.NewClient(ctx, ts).Transport}}
	return github.NewClient(httpClient), nil
}

var validStatuses = map[string]bool{"pending": true, "error": true, "success": true, "failure": true}

// UpdateStatus posts a commit status, defaulting targetURL to the
// log-viewer URL for this commit when empty.
func (c *Client) UpdateStatus(ctx context.Context, owner, repo, sha, status, description, checkContext, targetURL string, maxDescriptionLen int) error {
	if sha == "" {
		return &APIError{Reason: "updateStatus requires a sha"}
	}
	if !validStatuses[status] {
		return &APIError{Reason: fmt.Sprintf("invalid status %q", status)}
	}
	if targetURL == "" {
		targetURL = fmt.Sprintf("%s/logs/%s?module=%s", strings.TrimRight(c.cfg.ProxyURL, "/"), sha, repo)
	}
	if maxDescriptionLen > 0 && len(description) > maxDescriptionLen {
		description = description[:maxDescriptionLen]
	}

	client, err := c.restClient(ctx, owner, repo)
	if err != nil {
		return err
	}

	_, _, err = client.Repositories.CreateStatus(ctx, owner, repo, sha, &github.RepoStatus{
		State:       github.Ptr(status),
		TargetURL:   github.Ptr(targetURL),
		Description: github.Ptr(description),
		Context:     github.Ptr(checkContext),
	})
	c.metrics.ObserveForgeRequest("update_status", err)
	return err
}

// FetchCommit resolves a branch name or commit-ish to its full 40-char SHA.
func (c *Client) FetchCommit(ctx context.Context, owner, repo, idOrBranch string, isBranch bool) (string, error) {
	client, err := c.restClient(ctx, owner, repo)
	if err != nil {
		return "", err
	}

	if isBranch {
		branch, _, err := client.Repositories.GetBranch(ctx, owner, repo, idOrBranch, 3)
		c.metrics.ObserveForgeRequest("get_branch", err)
		if err != nil {
			return "", err
		}
		return branch.GetCommit().GetSHA(), nil
	}

	commit, _, err := client.Repositories.GetCommit(ctx, owner, repo, idOrBranch, nil)
	c.metrics.ObserveForgeRequest("get_commit", err)
	if err != nil {
		return "", err
	}
	return commit.GetSHA(), nil
}

// ListPullRequestFiles returns every file path changed by the given PR
// number, across all pages.
func (c *Client) ListPullRequestFiles(ctx context.Context, owner, repo string, number int) ([]string, error) {
	client, err := c.restClient(ctx, owner, repo)
	if err != nil {
		return nil, err
	}

	var names []string
	opts := &github.ListOptions{PerPage: 100}
	for {
		files, resp, err := client.PullRequests.ListFiles(ctx, owner, repo, number, &github.ListOptions{PerPage: opts.PerPage, Page: opts.Page})
		c.metrics.ObserveForgeRequest("list_pr_files", err)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			names = append(names, f.GetFilename())
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return names, nil
}

// ListChangedFiles returns every file path in the before...after comparison
// for a push event.
func (c *Client) ListChangedFiles(ctx context.Context, owner, repo, before, after string) ([]string, error) {
	client, err := c.restClient(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	cmp, _, err := client.Repositories.CompareCommits(ctx, owner, repo, before, after, nil)
	c.metrics.ObserveForgeRequest("compare_commits", err)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, f := range cmp.Files {
		names = append(names, f.GetFilename())
	}
	return names, nil
}

// bearerTransport injects a raw Bearer JWT, used for the App-level
// installation lookup and token-minting calls.
type bearerTransport struct {
	token string
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return http.DefaultTransport.RoundTrip(req)
}

// previewAcceptTransport adds the machine-man preview Accept header every
// forge request is expected to carry.
type previewAcceptTransport struct {
	base http.RoundTripper
}

func (t previewAcceptTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Accept", "application/vnd.github.machine-man-preview+json")
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}
