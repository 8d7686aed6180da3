// Package youtube reads channel subscriptions, upload history and video details from YouTube.
package youtube

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"
)

// Source is the remote catalog the sync and ingest workers reconcile against.
type Source interface {
	// Subscriptions returns one page of the channels channelID is subscribed to.
	Subscriptions(ctx context.Context, channelID, pageToken string) (*SubscriptionPage, error)
	// Uploads returns one page of channelID's upload history, newest first.
	Uploads(ctx context.Context, channelID, pageToken string) (*UploadPage, error)
	VideoDetails(ctx context.Context, videoID string) (*VideoDetails, error)
}

// SourceFactory builds a Source that routes through proxy, or connects directly when proxy is nil.
type SourceFactory func(proxy *url.URL) Source

type SubscriptionItem struct {
	ChannelID string
	Title     string
	Thumbnail string
}

type SubscriptionPage struct {
	Items     []SubscriptionItem
	NextToken string
}

type UploadItem struct {
	VideoID     string
	PublishedAt time.Time
}

type UploadPage struct {
	Items     []UploadItem
	NextToken string
}

type VideoDetails struct {
	ID          string
	Title       string
	Description string
	Thumbnail   string
	ChannelID   string
	Category    string
	PublishedAt time.Time
}

const (
	DetailsAPI    = "api"
	DetailsScrape = "scrape"
)

// NewFactory returns a SourceFactory whose sources share one rate limiter and one category cache.
// detailsMode picks where video details come from: the Data API or the watch page scraper.
func NewFactory(cfg Config, detailsMode string, l *log.Logger) SourceFactory {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	shared := &sharedState{
		limiter:    rate.NewLimiter(limit, 1),
		categories: newCategoryCache(),
	}
	return func(proxy *url.URL) Source {
		base := &http.Client{Timeout: cfg.timeout()}
		if proxy != nil {
			base.Transport = &http.Transport{Proxy: http.ProxyURL(proxy)}
		}
		api := newClient(cfg, base, shared)
		if detailsMode == DetailsScrape {
			return &scrapingSource{Client: api, scraper: NewScraper(base, l)}
		}
		return api
	}
}

// scrapingSource lists through the API but reads details from the watch page.
type scrapingSource struct {
	*Client
	scraper *Scraper
}

func (s *scrapingSource) VideoDetails(ctx context.Context, videoID string) (*VideoDetails, error) {
	return s.scraper.VideoDetails(ctx, videoID)
}
