package feed

import (
	"context"
	"errors"
	"time"

	"github.com/Novexpro/Novexpro-sub000/internal/config"
	"github.com/Novexpro/Novexpro-sub000/internal/model"
)

// HTTPSource fetches one feed over HTTP.
type HTTPSource struct {
	client    *Client
	url       string
	headers   map[string]string
	extractor *Extractor
	now       func() time.Time
}

// NewHTTPSource creates a source for the configured feed.
func NewHTTPSource(client *Client, cfg config.FeedConfig, loc *time.Location) (*HTTPSource, error) {
	feed, err := model.ParseFeedID(cfg.ID)
	if err != nil {
		return nil, err
	}
	return &HTTPSource{
		client:    client,
		url:       cfg.URL,
		headers:   cfg.Headers,
		extractor: NewExtractor(feed, cfg.Extract, loc),
		now:       time.Now,
	}, nil
}

// Feed returns the feed id.
func (s *HTTPSource) Feed() model.FeedID {
	return s.extractor.Feed()
}

// Fetch performs one request and returns a validated quote. Errors are
// *model.FetchError or *model.ValidationError.
func (s *HTTPSource) Fetch(ctx context.Context) (model.PriceQuote, error) {
	body, err := s.client.get(ctx, s.url, s.headers)
	if err != nil {
		fe := &model.FetchError{Feed: s.Feed(), Err: err}
		var se *statusError
		if errors.As(err, &se) {
			fe.StatusCode = se.StatusCode
		}
		return model.PriceQuote{}, fe
	}
	return s.extractor.Extract(body, s.now())
}
