package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mr1hm/go-disaster-risk/internal/config"
)

// ErrFeedUnavailable marks a feed-level failure: network error, timeout,
// non-200 status or an undecodable body.
var ErrFeedUnavailable = errors.New("feed unavailable")

type FeedError struct {
	Source string
	Status int
	Err    error
}

func (e *FeedError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("feed %s: unexpected status %d", e.Source, e.Status)
	}
	return fmt.Sprintf("feed %s: %v", e.Source, e.Err)
}

func (e *FeedError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrFeedUnavailable}
	}
	return []error{ErrFeedUnavailable, e.Err}
}

// RawRecord is one feed event before normalization.
type RawRecord struct {
	ID          string
	Title       string
	Description string
	Link        string
	Categories  []string
	Geometry    []GeometryPoint
	Source      string
}

type GeometryPoint struct {
	Lon            float64
	Lat            float64
	Date           time.Time
	MagnitudeValue *float64
	MagnitudeUnit  string
}

// FeedBatch is what one source contributed to a run. Malformed counts
// entries that could not be decoded at all.
type FeedBatch struct {
	Source    string
	Records   []RawRecord
	Malformed int
}

type feedResponse struct {
	Events []json.RawMessage `json:"events"`
}

type feedEvent struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Link        string         `json:"link"`
	Categories  []feedCategory `json:"categories"`
	Geometry    []feedGeometry `json:"geometry"`
}

type feedCategory struct {
	Title string `json:"title"`
}

type feedGeometry struct {
	Date           string          `json:"date"`
	Type           string          `json:"type"`
	Coordinates    json.RawMessage `json:"coordinates"`
	MagnitudeValue *float64        `json:"magnitudeValue"`
	MagnitudeUnit  string          `json:"magnitudeUnit"`
}

type FeedClient struct {
	http   *resty.Client
	apiKey string
}

// NewFeedClient builds a client whose every attempt is bounded by timeout.
// Network errors, 429 and 5xx responses are retried.
func NewFeedClient(timeout time.Duration, retries int, apiKey string) *FeedClient {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Accept", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		})

	return &FeedClient{
		http:   client,
		apiKey: apiKey,
	}
}

func (c *FeedClient) Fetch(ctx context.Context, src config.FeedSource) (FeedBatch, error) {
	req := c.http.R().SetContext(ctx)
	if c.apiKey != "" {
		req.SetQueryParam("api_key", c.apiKey)
	}

	resp, err := req.Get(src.URL)
	if err != nil {
		return FeedBatch{}, &FeedError{Source: src.Name, Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return FeedBatch{}, &FeedError{Source: src.Name, Status: resp.StatusCode()}
	}

	return decodeFeed(src, resp.Body())
}

// Close releases idle connections held by the underlying transport.
func (c *FeedClient) Close() {
	c.http.GetClient().CloseIdleConnections()
}

// decodeFeed decodes the envelope strictly and each event leniently, so one
// bad entry cannot sink the whole batch.
func decodeFeed(src config.FeedSource, body []byte) (FeedBatch, error) {
	var data feedResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return FeedBatch{}, &FeedError{Source: src.Name, Err: fmt.Errorf("error decoding body: %w", err)}
	}

	batch := FeedBatch{
		Source:  src.Name,
		Records: make([]RawRecord, 0, len(data.Events)),
	}
	for _, raw := range data.Events {
		var fe feedEvent
		if err := json.Unmarshal(raw, &fe); err != nil {
			batch.Malformed++
			continue
		}
		batch.Records = append(batch.Records, toRawRecord(src, fe))
	}
	return batch, nil
}

func toRawRecord(src config.FeedSource, fe feedEvent) RawRecord {
	rec := RawRecord{
		ID:          fe.ID,
		Title:       strings.TrimSpace(fe.Title),
		Description: fe.Description,
		Link:        fe.Link,
		Source:      src.Name,
	}
	if rec.Link == "" && fe.ID != "" {
		rec.Link = recordURL(src.URL, fe.ID)
	}
	for _, c := range fe.Categories {
		if c.Title != "" {
			rec.Categories = append(rec.Categories, c.Title)
		}
	}
	for _, g := range fe.Geometry {
		p, ok := toPoint(g)
		if ok {
			rec.Geometry = append(rec.Geometry, p)
		}
	}
	return rec
}

// toPoint reads a Point, or the centroid of a Polygon's outer ring.
func toPoint(g feedGeometry) (GeometryPoint, bool) {
	date, err := time.Parse(time.RFC3339, g.Date)
	if err != nil {
		return GeometryPoint{}, false
	}
	p := GeometryPoint{
		Date:           date.UTC(),
		MagnitudeValue: g.MagnitudeValue,
		MagnitudeUnit:  g.MagnitudeUnit,
	}

	var point []float64
	if err := json.Unmarshal(g.Coordinates, &point); err == nil {
		if len(point) < 2 {
			return GeometryPoint{}, false
		}
		p.Lon, p.Lat = point[0], point[1]
		return p, true
	}

	var polygon [][][]float64
	if err := json.Unmarshal(g.Coordinates, &polygon); err != nil || len(polygon) == 0 || len(polygon[0]) == 0 {
		return GeometryPoint{}, false
	}
	var n float64
	for _, c := range polygon[0] {
		if len(c) < 2 {
			return GeometryPoint{}, false
		}
		p.Lon += c[0]
		p.Lat += c[1]
		n++
	}
	p.Lon /= n
	p.Lat /= n
	return p, true
}

// recordURL derives a per-event URL from the feed URL: query dropped, id appended.
func recordURL(feedURL, id string) string {
	u, err := url.Parse(feedURL)
	if err != nil {
		return ""
	}
	u.RawQuery = ""
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + url.PathEscape(id)
	return u.String()
}
