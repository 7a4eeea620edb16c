package scache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/singleflight"

	"github.com/spikeview/go-spikeview/apierror"
)

const spikeDataPath = "api/spike-data"

type httpSource struct {
	url    *url.URL
	client *http.Client
	header http.Header

	group        singleflight.Group
	flightsMutex sync.Mutex
	flights      map[string]*flight
}

// flight is one shared in-progress request. It carries its own context so
// that its lifetime is tied to the set of joined callers, not to whichever
// caller happened to initiate it.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	joiners int
}

// SourceOption is an option for NewHTTPSource.
type SourceOption func(*sourceConfig)

type sourceConfig struct {
	retryMax     int
	retryWaitMin time.Duration
	retryWaitMax time.Duration
}

// WithRetry configures transport-level retry for the HTTP source. Retry is
// off by default; the orchestrator itself never retries a failed fetch.
func WithRetry(retryMax int, waitMin, waitMax time.Duration) SourceOption {
	return func(cfg *sourceConfig) {
		cfg.retryMax = retryMax
		cfg.retryWaitMin = waitMin
		cfg.retryWaitMax = waitMax
	}
}

// NewHTTPSource creates a Source that fetches channel data from the
// recording backend over HTTP. Concurrent identical requests, such as two
// panels showing the same channels, are collapsed into a single round trip.
func NewHTTPSource(srcURL string, client *http.Client, options ...SourceOption) (Source, error) {
	u, err := url.Parse(srcURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("url must have http or https scheme: %s", srcURL)
	}
	u.Path = ""
	u = u.JoinPath(spikeDataPath)

	if client == nil {
		client = http.DefaultClient
	}

	var cfg sourceConfig
	for _, opt := range options {
		opt(&cfg)
	}
	if cfg.retryMax != 0 {
		rclient := &retryablehttp.Client{
			HTTPClient:   client,
			RetryWaitMin: cfg.retryWaitMin,
			RetryWaitMax: cfg.retryWaitMax,
			RetryMax:     cfg.retryMax,
			CheckRetry:   retryablehttp.DefaultRetryPolicy,
			Backoff:      retryablehttp.DefaultBackoff,
		}
		client = rclient.StandardClient()
	}

	return &httpSource{
		url:     u,
		client:  client,
		flights: make(map[string]*flight),
	}, nil
}

// AddHeader adds a header, such as an authorization token, sent with every
// request.
func (s *httpSource) AddHeader(key, value string) {
	if s.header == nil {
		s.header = make(map[string][]string)
	}
	s.header.Add(key, value)
}

// Fetch collapses byte-identical concurrent requests from independent
// query streams into one round trip. The shared round trip runs on its own
// context and is aborted only once every joined caller has canceled, so one
// stream superseding its request cannot fail another stream's fetch.
func (s *httpSource) Fetch(ctx context.Context, req Request) (map[int]json.RawMessage, error) {
	key := flightKey(req)

	s.flightsMutex.Lock()
	f, ok := s.flights[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.Background())
		f = &flight{ctx: fctx, cancel: cancel}
		s.flights[key] = f
	}
	f.joiners++
	s.flightsMutex.Unlock()

	ch := s.group.DoChan(key, func() (any, error) {
		data, err := s.fetch(f.ctx, req)
		s.flightsMutex.Lock()
		if s.flights[key] == f {
			delete(s.flights, key)
		}
		s.flightsMutex.Unlock()
		f.cancel()
		return data, err
	})

	select {
	case res := <-ch:
		s.leave(key, f)
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(map[int]json.RawMessage), nil
	case <-ctx.Done():
		s.leave(key, f)
		return nil, ctx.Err()
	}
}

// leave drops one joiner from a flight. The last joiner to leave aborts the
// underlying request and detaches the key from the flight group so that
// later calls start a fresh request instead of joining a dying one.
func (s *httpSource) leave(key string, f *flight) {
	s.flightsMutex.Lock()
	f.joiners--
	if f.joiners == 0 {
		if s.flights[key] == f {
			delete(s.flights, key)
		}
		s.group.Forget(key)
		f.cancel()
	}
	s.flightsMutex.Unlock()
}

func (s *httpSource) fetch(ctx context.Context, req Request) (map[int]json.RawMessage, error) {
	body, err := json.Marshal(&req)
	if err != nil {
		return nil, err
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for key, vals := range s.header {
		for _, val := range vals {
			hreq.Header.Add(key, val)
		}
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Add("Accept", "application/json")

	resp, err := s.client.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, apierror.FromResponse(resp.StatusCode, respBody)
	}

	// The backend keys payloads by channel number rendered as a decimal
	// string. Payload contents stay opaque.
	var byName map[string]json.RawMessage
	if err = json.Unmarshal(respBody, &byName); err != nil {
		return nil, err
	}
	data := make(map[int]json.RawMessage, len(byName))
	for name, payload := range byName {
		ch, err := strconv.Atoi(name)
		if err != nil {
			return nil, fmt.Errorf("response contains non-channel key %q: %w", name, err)
		}
		data[ch] = payload
	}
	return data, nil
}

func (s *httpSource) String() string {
	return s.url.String()
}

// flightKey identifies a request for single-flight deduplication. It
// includes the dataset so that requests straddling a dataset switch are
// never collapsed together.
func flightKey(req Request) string {
	threshold := "none"
	if req.Threshold != nil {
		threshold = strconv.FormatFloat(*req.Threshold, 'g', -1, 64)
	}
	var b strings.Builder
	b.WriteString(req.Dataset)
	for _, ch := range req.Channels {
		b.WriteByte(',')
		b.WriteString(strconv.Itoa(ch))
	}
	for _, field := range []string{
		strconv.FormatInt(req.WindowStart, 10),
		strconv.FormatInt(req.WindowEnd, 10),
		threshold,
		strconv.FormatBool(req.Invert),
		strconv.FormatBool(req.UsePrecomputed),
		string(req.DataType),
		string(req.FilterType),
	} {
		b.WriteByte('|')
		b.WriteString(field)
	}
	return b.String()
}
