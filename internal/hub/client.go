package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

const (
	headerRepoCommit = "X-Repo-Commit"
	headerLinkedETag = "X-Linked-Etag"
	headerLinkedSize = "X-Linked-Size"
)

var sha256Re = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Options configures the hub transport client.
type Options struct {
	// Endpoint is the content host base URL, e.g. "https://huggingface.co".
	Endpoint string

	// Token is an optional bearer token sent with every request.
	Token string

	// UserAgent overrides the default User-Agent header.
	UserAgent string

	// MaxIdleConnsPerHost sets connection pool sizing. Default: 16.
	MaxIdleConnsPerHost int

	// ResponseHeaderTimeout bounds the wait for response headers. It must
	// not bound the body read, which can legitimately take hours for large
	// weight files. Default: 30s.
	ResponseHeaderTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.MaxIdleConnsPerHost == 0 {
		opts.MaxIdleConnsPerHost = 16
	}

	if opts.ResponseHeaderTimeout == 0 {
		opts.ResponseHeaderTimeout = 30 * time.Second
	}

	if opts.UserAgent == "" {
		opts.UserAgent = "hubfetch"
	}

	return opts
}

// FetchResult is one streaming GET response.
type FetchResult struct {
	// Body streams the requested bytes; the caller must close it.
	Body io.ReadCloser

	// Offset is the byte offset the stream actually starts at. It is zero
	// when the host ignored the Range header and replayed the whole file.
	Offset int64

	// ContentLength is the advertised length of this response body,
	// -1 when unknown.
	ContentLength int64

	Metadata FileMetadata
}

// Client talks to the content host. It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	endpoint   string
	userAgent  string
}

// NewClient builds a client for the given host. When a token is configured,
// requests carry bearer authentication via an oauth2 static token source.
func NewClient(opts Options) *Client {
	opts = opts.withDefaults()

	var rt http.RoundTripper = otelhttp.NewTransport(&http.Transport{
		MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
		MaxIdleConns:          opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		// Raw bytes only: transparent gzip would break range arithmetic.
		DisableCompression: true,
	})

	if opts.Token != "" {
		rt = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token}),
			Base:   rt,
		}
	}

	return &Client{
		httpClient: &http.Client{Transport: rt},
		endpoint:   strings.TrimSuffix(opts.Endpoint, "/"),
		userAgent:  opts.UserAgent,
	}
}

// Stat learns the size, entity tag, range support, and pointer metadata for a
// file via HEAD, falling back to a zero-range GET when the host rejects HEAD.
func (c *Client) Stat(ctx context.Context, handle FileHandle) (*FileMetadata, error) {
	rawURL := handle.ResolveURL(c.endpoint)

	resp, err := c.do(ctx, http.MethodHead, rawURL, "")
	if err != nil {
		return nil, err
	}

	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		return c.statByRange(ctx, rawURL)
	}

	if err := classifyStatus(resp, rawURL); err != nil {
		return nil, err
	}

	meta := metadataFromHeaders(resp)
	if resp.ContentLength > 0 {
		meta.Size = resp.ContentLength
	}

	if linked := resp.Header.Get(headerLinkedSize); linked != "" {
		size, err := strconv.ParseInt(linked, 10, 64)
		if err != nil {
			return nil, &InvalidResponseError{Reason: fmt.Sprintf("malformed %s header %q", headerLinkedSize, linked), Err: err}
		}

		meta.Size = size
	}

	return &meta, nil
}

// statByRange issues a GET for the first byte and derives the total size from
// the Content-Range header. Used when HEAD is unsupported.
func (c *Client) statByRange(ctx context.Context, rawURL string) (*FileMetadata, error) {
	resp, err := c.do(ctx, http.MethodGet, rawURL, "bytes=0-0")
	if err != nil {
		return nil, err
	}

	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if err := classifyStatus(resp, rawURL); err != nil {
		return nil, err
	}

	meta := metadataFromHeaders(resp)

	switch resp.StatusCode {
	case http.StatusPartialContent:
		_, _, total, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			return nil, err
		}

		meta.Size = total
		meta.AcceptsRanges = true
	case http.StatusOK:
		// Host ignored the range request entirely.
		if resp.ContentLength > 0 {
			meta.Size = resp.ContentLength
		}

		meta.AcceptsRanges = false
	default:
		return nil, &InvalidResponseError{Reason: fmt.Sprintf("unexpected status %s for ranged stat", resp.Status)}
	}

	return &meta, nil
}

// Fetch opens a streaming GET for the file, starting at offset when the
// caller resumes a partial transfer. The returned result reports the offset
// the stream actually starts at; callers must handle hosts that ignore the
// Range header and restart from zero.
func (c *Client) Fetch(ctx context.Context, handle FileHandle, offset int64) (*FetchResult, error) {
	rawURL := handle.ResolveURL(c.endpoint)

	rangeHeader := ""
	if offset > 0 {
		rangeHeader = fmt.Sprintf("bytes=%d-", offset)
	}

	resp, err := c.do(ctx, http.MethodGet, rawURL, rangeHeader)
	if err != nil {
		return nil, err
	}

	if err := classifyStatus(resp, rawURL); err != nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		return nil, err
	}

	result := &FetchResult{
		Body:          resp.Body,
		ContentLength: resp.ContentLength,
		Metadata:      metadataFromHeaders(resp),
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		start, _, _, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			resp.Body.Close()

			return nil, err
		}

		if start != offset {
			resp.Body.Close()

			return nil, &InvalidResponseError{
				Reason: fmt.Sprintf("requested range at offset %d but host answered at %d", offset, start),
			}
		}

		result.Offset = offset
		result.Metadata.AcceptsRanges = true
	case http.StatusOK:
		result.Offset = 0
	default:
		resp.Body.Close()

		return nil, &InvalidResponseError{Reason: fmt.Sprintf("unexpected status %s for fetch", resp.Status)}
	}

	return result, nil
}

func (c *Client) do(ctx context.Context, method, rawURL, rangeHeader string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, &InvalidResponseError{Reason: "building request", Err: err}
	}

	req.Header.Set("User-Agent", c.userAgent)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyRequestError(ctx, strings.ToLower(method), err)
	}

	return resp, nil
}

// classifyRequestError maps transport-level failures onto the error taxonomy.
// Context cancellation is propagated as-is so callers can tell a caller-side
// abort from a host-side failure.
func classifyRequestError(ctx context.Context, operation string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Operation: operation, Err: err}
	}

	return &NetworkError{Operation: operation, Err: err}
}

func classifyStatus(resp *http.Response, rawURL string) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return &UnauthorizedError{URL: rawURL}
	case resp.StatusCode == http.StatusForbidden:
		return &ForbiddenError{URL: rawURL}
	case resp.StatusCode == http.StatusNotFound:
		return &NotFoundError{URL: rawURL}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 500:
		return &ServerError{StatusCode: resp.StatusCode, Status: resp.Status}
	case resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented:
		// Handled by the HEAD fallback before classification.
		return nil
	default:
		return &InvalidResponseError{Reason: fmt.Sprintf("unexpected status %s from %s", resp.Status, rawURL)}
	}
}

func metadataFromHeaders(resp *http.Response) FileMetadata {
	meta := FileMetadata{
		ETag:          cleanETag(resp.Header.Get("ETag")),
		Commit:        resp.Header.Get(headerRepoCommit),
		AcceptsRanges: strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes"),
	}

	// Pointer metadata wins over any size heuristic: the linked etag is the
	// sha256 of the actual object an LFS pointer file refers to.
	if linked := cleanETag(resp.Header.Get(headerLinkedETag)); linked != "" {
		meta.LFSPointer = true
		if sha256Re.MatchString(linked) {
			meta.Checksum = linked
		}
	}

	return meta
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms. Returns
// zero when the value is absent or malformed.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}

		return time.Duration(secs) * time.Second
	}

	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}

	return 0
}

func cleanETag(etag string) string {
	etag = strings.TrimPrefix(etag, "W/")

	return strings.Trim(etag, `"`)
}

// parseContentRange parses "bytes start-end/total"; total is -1 for "*".
func parseContentRange(header string) (start, end, total int64, err error) {
	value := strings.TrimPrefix(header, "bytes ")

	parts := strings.Split(value, "/")
	if len(parts) != 2 {
		return 0, 0, 0, &InvalidResponseError{Reason: fmt.Sprintf("malformed Content-Range %q", header)}
	}

	rangeParts := strings.Split(parts[0], "-")
	if len(rangeParts) != 2 {
		return 0, 0, 0, &InvalidResponseError{Reason: fmt.Sprintf("malformed Content-Range %q", header)}
	}

	if start, err = strconv.ParseInt(rangeParts[0], 10, 64); err != nil {
		return 0, 0, 0, &InvalidResponseError{Reason: fmt.Sprintf("malformed Content-Range start %q", header), Err: err}
	}

	if end, err = strconv.ParseInt(rangeParts[1], 10, 64); err != nil {
		return 0, 0, 0, &InvalidResponseError{Reason: fmt.Sprintf("malformed Content-Range end %q", header), Err: err}
	}

	if parts[1] == "*" {
		return start, end, -1, nil
	}

	if total, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
		return 0, 0, 0, &InvalidResponseError{Reason: fmt.Sprintf("malformed Content-Range total %q", header), Err: err}
	}

	return start, end, total, nil
}
