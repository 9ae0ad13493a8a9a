package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"example.com/buskercal/internal/domain"
)

const listPageSize = 250

// GoogleConfig selects the calendar and how hard it may be driven.
type GoogleConfig struct {
	CalendarID      string
	CredentialsPath string
	Timezone        string
	// RequestsPerSecond paces every API call. Zero disables pacing.
	RequestsPerSecond float64
}

// Google implements Client on the Google Calendar v3 API.
type Google struct {
	events     *gcal.EventsService
	calendarID string
	loc        *time.Location
	limiter    *rate.Limiter
	logger     *slog.Logger
}

var _ Client = (*Google)(nil)

// NewGoogle builds the adapter. Extra options are appended after the
// credentials option, so tests can point it at a local endpoint.
func NewGoogle(ctx context.Context, cfg GoogleConfig, logger *slog.Logger, opts ...option.ClientOption) (*Google, error) {
	if cfg.CalendarID == "" {
		return nil, errors.New("calendar id is required")
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load calendar timezone: %w", err)
	}
	var clientOpts []option.ClientOption
	if cfg.CredentialsPath != "" {
		clientOpts = append(clientOpts,
			option.WithCredentialsFile(cfg.CredentialsPath),
			option.WithScopes(gcal.CalendarScope),
		)
	}
	clientOpts = append(clientOpts, opts...)
	svc, err := gcal.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Google{
		events:     svc.Events,
		calendarID: cfg.CalendarID,
		loc:        loc,
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger.With("component", "calendar"),
	}, nil
}

func (g *Google) CreateEvent(ctx context.Context, spec EventSpec) (string, error) {
	start, err := g.instant(spec.Date, spec.StartTime)
	if err != nil {
		return "", &APIError{Kind: KindPermanent, Op: "create", Err: err}
	}
	end, err := g.instant(spec.Date, spec.EndTime)
	if err != nil {
		return "", &APIError{Kind: KindPermanent, Op: "create", Err: err}
	}
	event := &gcal.Event{
		Summary:     spec.Title,
		Location:    spec.Location,
		Description: spec.Description,
		Start:       &gcal.EventDateTime{DateTime: start.Format(time.RFC3339), TimeZone: g.loc.String()},
		End:         &gcal.EventDateTime{DateTime: end.Format(time.RFC3339), TimeZone: g.loc.String()},
		Reminders: &gcal.EventReminders{
			UseDefault: false,
			Overrides: []*gcal.EventReminder{
				{Method: "email", Minutes: 24 * 60},
				{Method: "popup", Minutes: 60},
			},
			ForceSendFields: []string{"UseDefault"},
		},
	}
	if spec.Fingerprint != "" {
		event.ExtendedProperties = &gcal.EventExtendedProperties{
			Private: map[string]string{FingerprintProperty: spec.Fingerprint.String()},
		}
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}
	created, err := g.events.Insert(g.calendarID, event).SendUpdates("none").Context(ctx).Do()
	if err != nil {
		return "", classify("create", err)
	}
	g.logger.Info("calendar event created", "event_id", created.Id, "fingerprint", spec.Fingerprint.Short())
	return created.Id, nil
}

func (g *Google) ListEvents(ctx context.Context, from, to string) ([]LiveEvent, error) {
	lo, err := time.ParseInLocation(domain.DateLayout, from, g.loc)
	if err != nil {
		return nil, &APIError{Kind: KindPermanent, Op: "list", Err: err}
	}
	hi, err := time.ParseInLocation(domain.DateLayout, to, g.loc)
	if err != nil {
		return nil, &APIError{Kind: KindPermanent, Op: "list", Err: err}
	}

	var (
		out       []LiveEvent
		pageToken string
	)
	for {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		call := g.events.List(g.calendarID).
			SingleEvents(true).
			OrderBy("startTime").
			TimeMin(lo.Format(time.RFC3339)).
			TimeMax(hi.AddDate(0, 0, 1).Format(time.RFC3339)).
			MaxResults(listPageSize).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		page, err := call.Do()
		if err != nil {
			return nil, classify("list", err)
		}
		for _, item := range page.Items {
			if item.Status == "cancelled" {
				continue
			}
			out = append(out, g.liveEvent(item))
		}
		if page.NextPageToken == "" {
			return out, nil
		}
		pageToken = page.NextPageToken
	}
}

// UpdateEvent patches the visible fields of id back to spec. Reminders and
// the fingerprint property are left as they are.
func (g *Google) UpdateEvent(ctx context.Context, id string, spec EventSpec) error {
	start, err := g.instant(spec.Date, spec.StartTime)
	if err != nil {
		return &APIError{Kind: KindPermanent, Op: "update", Err: err}
	}
	end, err := g.instant(spec.Date, spec.EndTime)
	if err != nil {
		return &APIError{Kind: KindPermanent, Op: "update", Err: err}
	}
	patch := &gcal.Event{
		Summary:     spec.Title,
		Location:    spec.Location,
		Description: spec.Description,
		Start:       &gcal.EventDateTime{DateTime: start.Format(time.RFC3339), TimeZone: g.loc.String()},
		End:         &gcal.EventDateTime{DateTime: end.Format(time.RFC3339), TimeZone: g.loc.String()},
		// An emptied location has to be sent to be cleared.
		ForceSendFields: []string{"Location"},
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := g.events.Patch(g.calendarID, id, patch).SendUpdates("none").Context(ctx).Do(); err != nil {
		return classify("update", err)
	}
	g.logger.Info("calendar event updated", "event_id", id, "fingerprint", spec.Fingerprint.Short())
	return nil
}

// DeleteEvent treats an already deleted event as success.
func (g *Google) DeleteEvent(ctx context.Context, id string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	err := g.events.Delete(g.calendarID, id).SendUpdates("none").Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && (gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone) {
			return nil
		}
		return classify("delete", err)
	}
	g.logger.Info("calendar event deleted", "event_id", id)
	return nil
}

func (g *Google) instant(date, clock string) (time.Time, error) {
	return time.ParseInLocation(domain.DateLayout+" "+domain.TimeLayout, date+" "+clock, g.loc)
}

func (g *Google) liveEvent(item *gcal.Event) LiveEvent {
	ev := LiveEvent{
		ID:       item.Id,
		Summary:  item.Summary,
		Location: item.Location,
	}
	if item.ExtendedProperties != nil {
		ev.Fingerprint = domain.Fingerprint(item.ExtendedProperties.Private[FingerprintProperty])
	}
	if item.Start != nil {
		if item.Start.DateTime != "" {
			if ts, err := time.Parse(time.RFC3339, item.Start.DateTime); err == nil {
				ts = ts.In(g.loc)
				ev.Date = ts.Format(domain.DateLayout)
				ev.StartTime = ts.Format(domain.TimeLayout)
			}
		} else {
			ev.Date = item.Start.Date
		}
	}
	if item.End != nil && item.End.DateTime != "" {
		if ts, err := time.Parse(time.RFC3339, item.End.DateTime); err == nil {
			ev.EndTime = ts.In(g.loc).Format(domain.TimeLayout)
		}
	}
	return ev
}

func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("calendar %s: %w", op, err)
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return &APIError{Kind: kindForStatus(gerr), Op: op, Status: gerr.Code, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &APIError{Kind: KindTransient, Op: op, Err: err}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &APIError{Kind: KindTransient, Op: op, Err: err}
	}
	return &APIError{Kind: KindPermanent, Op: op, Err: err}
}

func kindForStatus(gerr *googleapi.Error) ErrorKind {
	switch {
	case gerr.Code == http.StatusTooManyRequests:
		return KindRateLimited
	case gerr.Code == http.StatusForbidden:
		for _, item := range gerr.Errors {
			if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
				return KindRateLimited
			}
		}
		return KindUnauthorized
	case gerr.Code == http.StatusUnauthorized:
		return KindUnauthorized
	case gerr.Code >= 500:
		return KindTransient
	default:
		return KindPermanent
	}
}
