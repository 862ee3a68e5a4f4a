package fetch

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"

	"github.com/felixgeelhaar/staysync/internal/reservations/domain"
)

// CalDAVFetcher queries a CalDAV calendar collection and returns its events
// serialized as one VCALENDAR, so it shares the iCalendar normalizer.
type CalDAVFetcher struct {
	httpClient *http.Client
	username   string
	password   string
	// Lookback and Horizon bound the queried time range around now.
	Lookback time.Duration
	Horizon  time.Duration
	now      func() time.Time
}

// NewCalDAVFetcher creates a CalDAV fetcher. Credentials embedded in a
// source location take precedence over username and password.
func NewCalDAVFetcher(httpClient *http.Client, username, password string) *CalDAVFetcher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &CalDAVFetcher{
		httpClient: httpClient,
		username:   username,
		password:   password,
		Lookback:   30 * 24 * time.Hour,
		Horizon:    2 * 365 * 24 * time.Hour,
		now:        time.Now,
	}
}

func (f *CalDAVFetcher) Fetch(ctx context.Context, src domain.SourceDescriptor) (Response, error) {
	u, err := url.Parse(src.Location)
	if err != nil || u.Host == "" {
		return Response{}, permanent(src, 0, fmt.Errorf("invalid caldav location %q", src.Location))
	}

	username, password := f.username, f.password
	if u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}
	endpoint := (&url.URL{Scheme: u.Scheme, Host: u.Host}).String()

	rec := &statusRecorder{inner: f.httpClient}
	var httpClient webdav.HTTPClient = rec
	if username != "" {
		httpClient = webdav.HTTPClientWithBasicAuth(rec, username, password)
	}
	client, err := caldav.NewClient(httpClient, endpoint)
	if err != nil {
		return Response{}, permanent(src, 0, fmt.Errorf("create caldav client: %w", err))
	}

	now := f.now().UTC()
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:  "VCALENDAR",
			Props: []string{"VERSION"},
			Comps: []caldav.CalendarCompRequest{{
				Name:  "VEVENT",
				Props: []string{"UID", "DTSTAMP", "SUMMARY", "DTSTART", "DTEND", "DURATION", "STATUS"},
			}},
		},
		CompFilter: caldav.CompFilter{
			Name: "VCALENDAR",
			Comps: []caldav.CompFilter{{
				Name:  "VEVENT",
				Start: now.Add(-f.Lookback),
				End:   now.Add(f.Horizon),
			}},
		},
	}

	objects, err := client.QueryCalendar(ctx, u.Path, query)
	if err != nil {
		if status := rec.status(); status >= 400 {
			if classified := classifyStatus(src, status); classified != nil {
				return Response{}, classified
			}
		}
		return Response{}, classifyTransport(src, fmt.Errorf("query calendar: %w", err))
	}

	body, err := mergeCalendarObjects(objects)
	if err != nil {
		return Response{}, permanent(src, 0, err)
	}
	return Response{Body: body}, nil
}

// mergeCalendarObjects folds the events of every object into one calendar.
func mergeCalendarObjects(objects []caldav.CalendarObject) ([]byte, error) {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//StaySync//CalDAV Fetch//EN")

	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		for _, child := range obj.Data.Children {
			if child.Name == ical.CompEvent {
				cal.Children = append(cal.Children, child)
			}
		}
	}

	var buf bytes.Buffer
	if len(cal.Children) == 0 {
		return buf.Bytes(), nil
	}
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, fmt.Errorf("encode calendar: %w", err)
	}
	return buf.Bytes(), nil
}

// statusRecorder remembers the last response status so errors from the
// CalDAV client can be classified.
type statusRecorder struct {
	inner *http.Client

	mu   sync.Mutex
	last int
}

func (r *statusRecorder) Do(req *http.Request) (*http.Response, error) {
	resp, err := r.inner.Do(req)
	if resp != nil {
		r.mu.Lock()
		r.last = resp.StatusCode
		r.mu.Unlock()
	}
	return resp, err
}

func (r *statusRecorder) status() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}
