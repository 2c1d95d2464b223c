package twitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/blackmichael/retweet-curator/internal/domain"
)

const (
	defaultAPIBase  = "https://api.twitter.com"
	defaultTokenURL = "https://api.twitter.com/2/oauth2/token"
)

// Config holds the user-context credentials of the bot account.
type Config struct {
	// APIBase defaults to https://api.twitter.com.
	APIBase string

	// TokenURL is the OAuth 2.0 token endpoint used for refreshes.
	TokenURL string

	ClientID     string
	ClientSecret string
	AccessToken  string
	RefreshToken string

	// Timeout bounds every HTTP request. Defaults to 30s.
	Timeout time.Duration
}

// Client is a minimal Twitter API v2 client covering search, retweets and
// retweeter lookups for a single user context.
type Client struct {
	cfg        Config
	logger     *slog.Logger
	httpClient *http.Client

	// populated after Authenticate
	token   *oauth2.Token
	source  oauth2.TokenSource
	account domain.Account
}

var (
	_ domain.Searcher        = (*Client)(nil)
	_ domain.Retweeter       = (*Client)(nil)
	_ domain.ResharerLister  = (*Client)(nil)
	_ domain.Reauthenticator = (*Client)(nil)
)

// NewClient creates a new API client. Call Authenticate before use.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultTokenURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	return &Client{cfg: cfg, logger: logger}
}

// Authenticate builds the token source and resolves the bot account. With a
// refresh token configured, expired access tokens are refreshed
// automatically.
func (c *Client) Authenticate(ctx context.Context) error {
	base := &http.Client{Timeout: c.cfg.Timeout}
	tsCtx := context.WithValue(context.Background(), oauth2.HTTPClient, base)

	tok := c.token
	if tok == nil {
		tok = &oauth2.Token{AccessToken: c.cfg.AccessToken, RefreshToken: c.cfg.RefreshToken, TokenType: "Bearer"}
	}

	if c.cfg.RefreshToken != "" {
		conf := &oauth2.Config{
			ClientID:     c.cfg.ClientID,
			ClientSecret: c.cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: c.cfg.TokenURL},
		}
		c.source = conf.TokenSource(tsCtx, tok)
	} else {
		c.source = oauth2.StaticTokenSource(tok)
	}
	c.httpClient = oauth2.NewClient(tsCtx, c.source)

	var resp userResponse
	if err := c.get(ctx, "/2/users/me", nil, &resp); err != nil {
		return fmt.Errorf("lookup authenticated user: %w", err)
	}
	c.account = domain.Account{ID: resp.Data.ID, Username: resp.Data.Username}
	c.logger.Info("authenticated", "user_id", c.account.ID, "username", c.account.Username)
	return nil
}

// Reauthenticate discards the current session and authenticates again. The
// access token is refreshed first when a refresh token is configured.
func (c *Client) Reauthenticate(ctx context.Context) error {
	c.logger.Warn("re-authenticating")
	if c.source != nil && c.cfg.RefreshToken != "" {
		if t, err := c.source.Token(); err == nil {
			expired := *t
			expired.Expiry = time.Now().Add(-time.Minute)
			c.token = &expired
		}
	}
	c.httpClient = nil
	return c.Authenticate(ctx)
}

// Account returns the authenticated bot account. Only valid after
// Authenticate.
func (c *Client) Account() domain.Account {
	return c.account
}

// Search runs a recent search and returns the posts that carry media with
// their first attachment joined in. Posts without media are dropped.
func (c *Client) Search(ctx context.Context, query string) ([]domain.Candidate, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("max_results", "100")
	params.Set("expansions", "attachments.media_keys,author_id")
	params.Set("media.fields", "duration_ms,type")
	params.Set("tweet.fields", "author_id")

	var resp searchResponse
	if err := c.get(ctx, "/2/tweets/search/recent", params, &resp); err != nil {
		return nil, fmt.Errorf("search recent: %w", err)
	}

	media := make(map[string]mediaObject, len(resp.Includes.Media))
	for _, m := range resp.Includes.Media {
		media[m.MediaKey] = m
	}

	candidates := make([]domain.Candidate, 0, len(resp.Data))
	for _, t := range resp.Data {
		if len(t.Attachments.MediaKeys) == 0 {
			c.logger.Debug("dropping post without attachments", "post_id", t.ID)
			continue
		}
		m, ok := media[t.Attachments.MediaKeys[0]]
		if !ok {
			c.logger.Debug("dropping post without media metadata", "post_id", t.ID)
			continue
		}
		candidates = append(candidates, domain.Candidate{
			ID:         t.ID,
			AuthorID:   t.AuthorID,
			Text:       t.Text,
			MediaKey:   m.MediaKey,
			MediaType:  m.Type,
			DurationMS: m.DurationMS,
		})
	}
	return candidates, nil
}

// Retweet re-shares postID from the authenticated account.
func (c *Client) Retweet(ctx context.Context, postID string) error {
	if c.account.ID == "" {
		return fmt.Errorf("not authenticated: call Authenticate first")
	}

	var resp retweetResponse
	path := "/2/users/" + url.PathEscape(c.account.ID) + "/retweets"
	if err := c.post(ctx, path, retweetRequest{TweetID: postID}, &resp); err != nil {
		return fmt.Errorf("retweet %s: %w", postID, err)
	}
	if !resp.Data.Retweeted {
		return &domain.RequestError{StatusCode: http.StatusOK, Detail: "retweet not applied"}
	}
	return nil
}

// Resharers returns every account that retweeted postID. A deleted or
// protected post yields an empty list.
func (c *Client) Resharers(ctx context.Context, postID string) ([]domain.Account, error) {
	path := "/2/tweets/" + url.PathEscape(postID) + "/retweeted_by"
	params := url.Values{}
	params.Set("max_results", "100")

	var accounts []domain.Account
	for {
		var resp retweetedByResponse
		if err := c.get(ctx, path, params, &resp); err != nil {
			return nil, fmt.Errorf("retweeted_by %s: %w", postID, err)
		}
		for _, u := range resp.Data {
			accounts = append(accounts, domain.Account{ID: u.ID, Username: u.Username})
		}
		if len(resp.Errors) > 0 && len(resp.Data) == 0 {
			c.logger.Debug("retweeted_by returned errors", "post_id", postID, "error", resp.Errors[0].Detail)
		}
		if resp.Meta.NextToken == "" {
			return accounts, nil
		}
		params.Set("pagination_token", resp.Meta.NextToken)
	}
}

func (c *Client) get(ctx context.Context, path string, params url.Values, result any) error {
	u := c.cfg.APIBase + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req, result)
}

func (c *Client) post(ctx context.Context, path string, body any, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIBase+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, result)
}

func (c *Client) do(req *http.Request, result any) error {
	if c.httpClient == nil {
		return fmt.Errorf("not authenticated: call Authenticate first")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return req.Context().Err()
		}
		return domain.NewTransientError(fmt.Errorf("send request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.NewTransientError(fmt.Errorf("read response: %w", err))
	}

	if err := classify(resp.StatusCode, respBody); err != nil {
		return err
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// classify maps a non-2xx status to a domain error. Throttling and server
// errors are transient; everything else is a refusal.
func classify(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	detail := errorDetail(body)
	if status == http.StatusTooManyRequests || status >= 500 {
		return domain.NewTransientError(fmt.Errorf("API error (status %d): %s", status, detail))
	}
	return &domain.RequestError{StatusCode: status, Detail: detail}
}

func errorDetail(body []byte) string {
	var problem apiProblem
	if err := json.Unmarshal(body, &problem); err == nil {
		if problem.Detail != "" {
			return problem.Detail
		}
		if len(problem.Errors) > 0 && problem.Errors[0].Message != "" {
			return problem.Errors[0].Message
		}
	}
	return strings.TrimSpace(string(body))
}

type userResponse struct {
	Data struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"data"`
}

type tweetObject struct {
	ID          string `json:"id"`
	Text        string `json:"text"`
	AuthorID    string `json:"author_id"`
	Attachments struct {
		MediaKeys []string `json:"media_keys"`
	} `json:"attachments"`
}

type mediaObject struct {
	MediaKey   string `json:"media_key"`
	Type       string `json:"type"`
	DurationMS int64  `json:"duration_ms"`
}

type searchResponse struct {
	Data     []tweetObject `json:"data"`
	Includes struct {
		Media []mediaObject `json:"media"`
	} `json:"includes"`
}

type retweetRequest struct {
	TweetID string `json:"tweet_id"`
}

type retweetResponse struct {
	Data struct {
		Retweeted bool `json:"retweeted"`
	} `json:"data"`
}

type retweetedByResponse struct {
	Data []struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"data"`
	Errors []struct {
		Detail string `json:"detail"`
	} `json:"errors"`
	Meta struct {
		NextToken string `json:"next_token"`
	} `json:"meta"`
}

type apiProblem struct {
	Detail string `json:"detail"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}
