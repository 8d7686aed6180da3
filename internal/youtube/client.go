package youtube

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/RezaEskandarii/tubefire/custom_errors"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL  = "https://www.googleapis.com/youtube/v3"
	defaultTokenURL = "https://oauth2.googleapis.com/token"
	readOnlyScope   = "https://www.googleapis.com/auth/youtube.readonly"
	defaultPageSize = 50
)

type Config struct {
	BaseURL string
	APIKey  string
	// OAuth refresh-token credentials; used instead of the API key when RefreshToken is set.
	ClientID      string
	ClientSecret  string
	RefreshToken  string
	TokenURL      string
	RatePerSecond float64
	PageSize      int
	Timeout       time.Duration
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 30 * time.Second
	}
	return c.Timeout
}

type sharedState struct {
	limiter    *rate.Limiter
	categories *categoryCache
}

type categoryCache struct {
	mu    sync.RWMutex
	names map[string]string
}

func newCategoryCache() *categoryCache {
	return &categoryCache{names: make(map[string]string)}
}

func (c *categoryCache) get(id string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.names[id]
	return name, ok
}

func (c *categoryCache) put(id, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names[id] = name
}

// Client talks to the YouTube Data API v3.
type Client struct {
	baseURL    string
	apiKey     string
	pageSize   int
	httpClient *http.Client
	shared     *sharedState
}

// NewClient creates a standalone client. base may be nil.
func NewClient(cfg Config, base *http.Client) *Client {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if base == nil {
		base = &http.Client{Timeout: cfg.timeout()}
	}
	return newClient(cfg, base, &sharedState{limiter: rate.NewLimiter(limit, 1), categories: newCategoryCache()})
}

func newClient(cfg Config, base *http.Client, shared *sharedState) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 || pageSize > defaultPageSize {
		pageSize = defaultPageSize
	}

	httpClient := base
	if cfg.RefreshToken != "" {
		tokenURL := cfg.TokenURL
		if tokenURL == "" {
			tokenURL = defaultTokenURL
		}
		conf := &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       []string{readOnlyScope},
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		}
		// token refreshes go through the same transport (and proxy) as API calls
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		httpClient = conf.Client(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
		httpClient.Timeout = base.Timeout
	}

	return &Client{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		pageSize:   pageSize,
		httpClient: httpClient,
		shared:     shared,
	}
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) doRequest(ctx context.Context, endpoint string, params url.Values, result any) error {
	if err := c.shared.limiter.Wait(ctx); err != nil {
		return err
	}
	if c.apiKey != "" {
		params.Set("key", c.apiKey)
	}
	apiURL := c.baseURL + endpoint + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", custom_errors.ErrUpstream, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp apiError
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Error.Message != "" {
			return fmt.Errorf("%w: youtube API error (status %d): %s", custom_errors.ErrUpstream, resp.StatusCode, errResp.Error.Message)
		}
		return fmt.Errorf("%w: youtube API error: status %d", custom_errors.ErrUpstream, resp.StatusCode)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

type thumbnails map[string]struct {
	URL string `json:"url"`
}

// best picks the largest available rendition.
func (t thumbnails) best() string {
	for _, size := range []string{"maxres", "standard", "high", "medium", "default"} {
		if th, ok := t[size]; ok && th.URL != "" {
			return th.URL
		}
	}
	return ""
}

func (c *Client) Subscriptions(ctx context.Context, channelID, pageToken string) (*SubscriptionPage, error) {
	var body struct {
		NextPageToken string `json:"nextPageToken"`
		Items         []struct {
			Snippet struct {
				Title      string     `json:"title"`
				Thumbnails thumbnails `json:"thumbnails"`
				ResourceID struct {
					ChannelID string `json:"channelId"`
				} `json:"resourceId"`
			} `json:"snippet"`
		} `json:"items"`
	}
	params := url.Values{
		"part":       {"snippet"},
		"channelId":  {channelID},
		"maxResults": {strconv.Itoa(c.pageSize)},
	}
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}
	if err := c.doRequest(ctx, "/subscriptions", params, &body); err != nil {
		return nil, err
	}

	page := &SubscriptionPage{NextToken: body.NextPageToken}
	for _, it := range body.Items {
		if it.Snippet.ResourceID.ChannelID == "" {
			continue
		}
		page.Items = append(page.Items, SubscriptionItem{
			ChannelID: it.Snippet.ResourceID.ChannelID,
			Title:     it.Snippet.Title,
			Thumbnail: it.Snippet.Thumbnails.best(),
		})
	}
	return page, nil
}

// UploadsPlaylistID maps a channel id to its uploads playlist ("UCxyz" -> "UUxyz").
func UploadsPlaylistID(channelID string) string {
	if strings.HasPrefix(channelID, "UC") {
		return "UU" + channelID[2:]
	}
	return channelID
}

func (c *Client) Uploads(ctx context.Context, channelID, pageToken string) (*UploadPage, error) {
	var body struct {
		NextPageToken string `json:"nextPageToken"`
		Items         []struct {
			ContentDetails struct {
				VideoID          string `json:"videoId"`
				VideoPublishedAt string `json:"videoPublishedAt"`
			} `json:"contentDetails"`
		} `json:"items"`
	}
	params := url.Values{
		"part":       {"contentDetails"},
		"playlistId": {UploadsPlaylistID(channelID)},
		"maxResults": {strconv.Itoa(c.pageSize)},
	}
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}
	if err := c.doRequest(ctx, "/playlistItems", params, &body); err != nil {
		return nil, err
	}

	page := &UploadPage{NextToken: body.NextPageToken}
	for _, it := range body.Items {
		item := UploadItem{VideoID: it.ContentDetails.VideoID}
		if ts := it.ContentDetails.VideoPublishedAt; ts != "" {
			t, err := time.Parse(time.RFC3339, ts)
			if err != nil {
				return nil, fmt.Errorf("video %s: bad publish date %q: %w", item.VideoID, ts, err)
			}
			item.PublishedAt = t
		}
		page.Items = append(page.Items, item)
	}
	return page, nil
}

func (c *Client) VideoDetails(ctx context.Context, videoID string) (*VideoDetails, error) {
	var body struct {
		Items []struct {
			ID      string `json:"id"`
			Snippet struct {
				Title       string     `json:"title"`
				Description string     `json:"description"`
				ChannelID   string     `json:"channelId"`
				CategoryID  string     `json:"categoryId"`
				PublishedAt time.Time  `json:"publishedAt"`
				Thumbnails  thumbnails `json:"thumbnails"`
			} `json:"snippet"`
		} `json:"items"`
	}
	params := url.Values{"part": {"snippet"}, "id": {videoID}}
	if err := c.doRequest(ctx, "/videos", params, &body); err != nil {
		return nil, err
	}
	if len(body.Items) == 0 {
		return nil, fmt.Errorf("%w: video %s", custom_errors.ErrNotFound, videoID)
	}

	v := body.Items[0]
	category, err := c.categoryName(ctx, v.Snippet.CategoryID)
	if err != nil {
		return nil, err
	}
	return &VideoDetails{
		ID:          v.ID,
		Title:       v.Snippet.Title,
		Description: v.Snippet.Description,
		Thumbnail:   v.Snippet.Thumbnails.best(),
		ChannelID:   v.Snippet.ChannelID,
		Category:    category,
		PublishedAt: v.Snippet.PublishedAt,
	}, nil
}

func (c *Client) categoryName(ctx context.Context, id string) (string, error) {
	if id == "" {
		return uncategorized, nil
	}
	if name, ok := c.shared.categories.get(id); ok {
		return name, nil
	}

	var body struct {
		Items []struct {
			Snippet struct {
				Title string `json:"title"`
			} `json:"snippet"`
		} `json:"items"`
	}
	if err := c.doRequest(ctx, "/videoCategories", url.Values{"part": {"snippet"}, "id": {id}}, &body); err != nil {
		return "", err
	}
	name := uncategorized
	if len(body.Items) > 0 && body.Items[0].Snippet.Title != "" {
		name = body.Items[0].Snippet.Title
	}
	c.shared.categories.put(id, name)
	return name, nil
}
