package goresample

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/valyala/fasthttp"
)

// Default read-ahead window (64KB): IFDs and small tag arrays usually arrive
// in a single request.
const defaultReadAheadSize = 64 * 1024

// HTTPRangeReader is an io.ReadSeeker over a remote file, fetching bytes
// with HTTP range requests. Reads are served from a read-ahead window that
// is refilled when a read falls outside it.
type HTTPRangeReader struct {
	url    string
	client *fasthttp.Client

	mu   sync.Mutex
	size int64
	pos  int64

	window        []byte
	windowStart   int64
	readAheadSize int
	requests      int
}

// NewHTTPRangeReader creates a reader for url. The file size is probed
// once; it stays -1 when the server does not report it.
func NewHTTPRangeReader(url string, client *fasthttp.Client) *HTTPRangeReader {
	rr := &HTTPRangeReader{
		url:           url,
		client:        client,
		readAheadSize: defaultReadAheadSize,
		windowStart:   -1,
	}
	rr.size = rr.probeSize()
	return rr
}

// NewHTTPRangeReaderWithReadAhead creates a reader with a custom read-ahead
// window.
func NewHTTPRangeReaderWithReadAhead(url string, client *fasthttp.Client, readAheadSize int) *HTTPRangeReader {
	rr := NewHTTPRangeReader(url, client)
	if readAheadSize > 0 {
		rr.readAheadSize = readAheadSize
	}
	return rr
}

// probeSize asks for the content length with HEAD, then with a one byte
// range request whose Content-Range carries the total.
func (rr *HTTPRangeReader) probeSize() int64 {
	if rr.client == nil {
		return -1
	}
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(rr.url)
	req.Header.SetMethod(fasthttp.MethodHead)
	if err := rr.client.Do(req, resp); err == nil && resp.StatusCode() == fasthttp.StatusOK {
		if n := resp.Header.ContentLength(); n > 0 {
			return int64(n)
		}
	}

	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Range", "bytes=0-0")
	resp.Reset()
	if err := rr.client.Do(req, resp); err != nil {
		return -1
	}
	if total, ok := contentRangeTotal(string(resp.Header.Peek("Content-Range"))); ok {
		return total
	}
	return -1
}

// contentRangeTotal parses the total of "bytes a-b/total".
func contentRangeTotal(v string) (int64, bool) {
	_, total, ok := strings.Cut(v, "/")
	if !ok || total == "*" {
		return 0, false
	}
	n, err := strconv.ParseInt(total, 10, 64)
	return n, err == nil && n > 0
}

// Read implements io.Reader.
func (rr *HTTPRangeReader) Read(p []byte) (int, error) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	if len(p) == 0 {
		return 0, nil
	}
	if rr.size >= 0 && rr.pos >= rr.size {
		return 0, io.EOF
	}

	n := 0
	for n < len(p) {
		if rr.size >= 0 && rr.pos >= rr.size {
			break
		}
		if !rr.inWindow(rr.pos) {
			if err := rr.fill(rr.pos, len(p)-n); err != nil {
				if n > 0 {
					return n, nil
				}
				return 0, err
			}
			if !rr.inWindow(rr.pos) {
				break
			}
		}
		c := copy(p[n:], rr.window[rr.pos-rr.windowStart:])
		n += c
		rr.pos += int64(c)
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (rr *HTTPRangeReader) inWindow(pos int64) bool {
	return rr.windowStart >= 0 && pos >= rr.windowStart && pos < rr.windowStart+int64(len(rr.window))
}

// fill loads the window starting at start, at least want bytes long.
func (rr *HTTPRangeReader) fill(start int64, want int) error {
	size := max(rr.readAheadSize, want)
	end := start + int64(size) - 1
	if rr.size >= 0 && end >= rr.size {
		end = rr.size - 1
	}
	data, err := rr.fetchRange(start, end)
	if err != nil {
		return err
	}
	rr.window = data
	rr.windowStart = start
	return nil
}

// fetchRange fetches the inclusive byte range [start, end].
func (rr *HTTPRangeReader) fetchRange(start, end int64) ([]byte, error) {
	if rr.client == nil {
		return nil, fmt.Errorf("no HTTP client")
	}
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(rr.url)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	if err := rr.client.Do(req, resp); err != nil {
		return nil, fmt.Errorf("failed to fetch bytes %d-%d: %w", start, end, err)
	}
	rr.requests++
	Logger().Debug("range request", slog.String("url", rr.url), slog.Int64("start", start), slog.Int64("end", end))

	body := resp.Body()
	switch resp.StatusCode() {
	case fasthttp.StatusPartialContent:
	case fasthttp.StatusOK:
		// the server ignored the range and sent the whole file
		if start >= int64(len(body)) {
			return nil, io.EOF
		}
		body = body[start:min(int64(len(body)), end+1)]
	case fasthttp.StatusRequestedRangeNotSatisfiable:
		return nil, io.EOF
	default:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode())
	}

	// the body is released with the response
	result := make([]byte, len(body))
	copy(result, body)
	return result, nil
}

// Seek implements io.Seeker. The window is kept; Read refills it when the
// position leaves it.
func (rr *HTTPRangeReader) Seek(offset int64, whence int) (int64, error) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = rr.pos + offset
	case io.SeekEnd:
		if rr.size < 0 {
			return 0, fmt.Errorf("cannot seek from end: file size unknown")
		}
		newPos = rr.size + offset
	default:
		return 0, fmt.Errorf("invalid whence: %d", whence)
	}
	if newPos < 0 {
		return 0, fmt.Errorf("negative position: %d", newPos)
	}
	rr.pos = newPos
	return rr.pos, nil
}

// Size returns the file size, or -1 if unknown
func (rr *HTTPRangeReader) Size() int64 {
	return rr.size
}

// Requests returns the number of range requests issued so far.
func (rr *HTTPRangeReader) Requests() int {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	return rr.requests
}
