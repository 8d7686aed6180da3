package youtube

import (
	"context"
	"fmt"
	"net/http"

	"github.com/RezaEskandarii/tubefire/custom_errors"
	"github.com/RezaEskandarii/tubefire/internal/logger"
	"github.com/charmbracelet/log"
	ytdl "github.com/kkdai/youtube/v2"
)

const uncategorized = "Uncategorized"

// Scraper reads video details from the public watch page instead of the Data API.
// The watch page carries no category, so every video lands in Uncategorized.
type Scraper struct {
	client ytdl.Client
	logger *log.Logger
}

func NewScraper(httpClient *http.Client, l *log.Logger) *Scraper {
	return &Scraper{
		client: ytdl.Client{HTTPClient: httpClient},
		logger: logger.With(l, "component", "youtube-scraper"),
	}
}

func (s *Scraper) VideoDetails(ctx context.Context, videoID string) (*VideoDetails, error) {
	video, err := s.client.GetVideoContext(ctx, videoID)
	if err != nil {
		return nil, fmt.Errorf("%w: scrape %s: %v", custom_errors.ErrUpstream, videoID, err)
	}

	var thumbnail string
	if n := len(video.Thumbnails); n > 0 {
		thumbnail = video.Thumbnails[n-1].URL
	}
	s.logger.Debug("scraped video", "video_id", video.ID, "channel_id", video.ChannelID)
	return &VideoDetails{
		ID:          video.ID,
		Title:       video.Title,
		Description: video.Description,
		Thumbnail:   thumbnail,
		ChannelID:   video.ChannelID,
		Category:    uncategorized,
		PublishedAt: video.PublishDate,
	}, nil
}
