// Package fetch downloads a single asset over HTTP, reporting progress while
// the body is read and returning it as one buffer.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/samcharles93/ember/internal/logger"
	"github.com/samcharles93/ember/internal/metrics"
)

const (
	defaultChunkSize = 256 << 10
	maxPrealloc      = 1 << 30
)

// ErrNoBody is returned when a successful response carries no body.
var ErrNoBody = errors.New("response has no body")

// NetworkError reports a rejected request or a non-success status. Status is
// zero when no response was received.
type NetworkError struct {
	URL    string
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

type Fetcher struct {
	client    *resty.Client
	chunkSize int
	log       logger.Logger
}

type Option func(*Fetcher)

// WithHTTPClient replaces the underlying net/http client.
func WithHTTPClient(hc *http.Client) Option {
	return func(f *Fetcher) {
		if hc != nil {
			f.client = resty.NewWithClient(hc)
		}
	}
}

// WithToken sends token as a bearer credential.
func WithToken(token string) Option {
	return func(f *Fetcher) {
		if token != "" {
			f.client.SetAuthToken(token)
		}
	}
}

func WithUserAgent(ua string) Option {
	return func(f *Fetcher) {
		if ua != "" {
			f.client.SetHeader("User-Agent", ua)
		}
	}
}

// WithHeaderTimeout bounds the wait for response headers. The body read is
// not limited, so large downloads are governed by the context alone.
func WithHeaderTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d <= 0 {
			return
		}
		rt := f.client.GetClient().Transport
		if rt == nil {
			rt = http.DefaultTransport
		}
		base, ok := rt.(*http.Transport)
		if !ok {
			f.log.Warn("header timeout ignored for custom transport", "transport", fmt.Sprintf("%T", rt))
			return
		}
		t := base.Clone()
		t.ResponseHeaderTimeout = d
		f.client.SetTransport(t)
	}
}

func WithChunkSize(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.chunkSize = n
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(f *Fetcher) { f.log = logger.OrNop(l) }
}

// New returns a fetcher. Options apply in order, so WithHTTPClient should come
// before options that configure headers.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:    resty.New(),
		chunkSize: defaultChunkSize,
		log:       logger.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads url and returns the body. asset names the download in the
// events sent to obs, which may be nil. The context is checked before every
// chunk read.
func (f *Fetcher) Fetch(ctx context.Context, url, asset string, obs Observer) (data []byte, err error) {
	if obs == nil {
		obs = nopObserver{}
	}
	defer func() { metrics.FetchDone(asset, err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := f.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &NetworkError{URL: url, Err: err}
	}
	body := resp.RawBody()
	if body != nil {
		defer body.Close()
	}
	if !resp.IsSuccess() {
		return nil, &NetworkError{URL: url, Status: resp.StatusCode(), Err: errors.New(resp.Status())}
	}
	if body == nil || resp.StatusCode() == http.StatusNoContent {
		return nil, ErrNoBody
	}

	total, hasTotal := contentLength(resp.Header().Get("Content-Length"))
	f.log.Debug("download started", "asset", asset, "url", url, "size", total)
	obs.Observe(Begin{Asset: asset})

	if hasTotal && total <= maxPrealloc {
		data = make([]byte, 0, total)
	}
	buf := make([]byte, f.chunkSize)
	var received int64
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, rerr := body.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
			received += int64(n)
			metrics.FetchBytes(asset, n)
			ev := Progress{Asset: asset, Received: received}
			if hasTotal {
				ev.Total, ev.Percent, ev.HasTotal = total, percent(received, total), true
			}
			obs.Observe(ev)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, &NetworkError{URL: url, Status: resp.StatusCode(), Err: rerr}
		}
	}

	obs.Observe(Complete{Asset: asset, Bytes: received})
	f.log.Debug("download complete", "asset", asset, "bytes", received)
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

func contentLength(v string) (int64, bool) {
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// percent is round(received/total*100). An empty body is complete at 100.
func percent(received, total int64) int {
	if total <= 0 {
		return 100
	}
	return int(math.Round(float64(received) / float64(total) * 100))
}
