package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"example.com/buskercal/internal/domain"
)

// SchedulePath is the feed route that serves the slot list.
const SchedulePath = "/feed/api/schedule"

// ScheduleResponse is the feed's JSON body.
type ScheduleResponse struct {
	Slots []domain.RawRecord `json:"slots"`
}

// HTTPFeed fetches the schedule from a JSON feed guarded by an access key.
type HTTPFeed struct {
	httpClient *http.Client
	baseURL    string
	accessKey  string
}

var _ Extractor = (*HTTPFeed)(nil)

// NewHTTPFeed configures a client; a zero timeout falls back to 10s.
func NewHTTPFeed(baseURL, accessKey string, timeout time.Duration) *HTTPFeed {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPFeed{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		accessKey:  accessKey,
	}
}

func (f *HTTPFeed) FetchSchedule(ctx context.Context) ([]domain.RawRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+SchedulePath, nil)
	if err != nil {
		return nil, &Error{Kind: KindPermanent, Err: err}
	}
	req.Header.Set("X-Access-Key", f.accessKey)
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &Error{Kind: KindTransient, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &Error{Kind: KindTransient, Err: fmt.Errorf("feed responded with %s", resp.Status)}
	default:
		return nil, &Error{Kind: KindPermanent, Err: fmt.Errorf("feed responded with %s", resp.Status)}
	}

	var payload ScheduleResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &Error{Kind: KindPermanent, Err: fmt.Errorf("decode schedule: %w", err)}
	}
	return payload.Slots, nil
}
