package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/akumarsingh35/dozlo-sub000/internal/retry"
)

// httpReadSeeker exposes a remote media object as an io.ReadSeekCloser
// using byte-range requests, so the decoder can seek without
// re-downloading from the start. The signed-URL endpoint guarantees
// range support (206 + Content-Range).
type httpReadSeeker struct {
	ctx    context.Context
	client *http.Client
	url    string

	size int64
	off  int64
	body io.ReadCloser
}

func newHTTPReadSeeker(ctx context.Context, client *http.Client, url string) (*httpReadSeeker, error) {
	r := &httpReadSeeker{
		ctx:    ctx,
		client: client,
		url:    url,
		size:   -1,
	}
	// Open eagerly so Load fails fast on a dead or rejected URL and the
	// total size is known before the decoder asks to seek.
	if err := r.open(0); err != nil {
		return nil, err
	}
	return r, nil
}

// open starts a ranged request at the given offset, replacing any
// current body.
func (r *httpReadSeeker) open(from int64) error {
	r.closeBody()

	req, err := http.NewRequestWithContext(r.ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create media request: %w", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-", from))

	resp, err := r.client.Do(req)
	if err != nil {
		return retry.Wrap(retry.KindNetwork, fmt.Errorf("failed to fetch media: %w", err))
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		if size, ok := parseContentRangeTotal(resp.Header.Get("Content-Range")); ok {
			r.size = size
		}
	case http.StatusOK:
		// Server ignored the range header; only acceptable from the start
		if from != 0 {
			resp.Body.Close()
			return retry.Wrap(retry.KindLoad,
				fmt.Errorf("server ignored range request at offset %d", from))
		}
		if resp.ContentLength >= 0 {
			r.size = resp.ContentLength
		}
	case http.StatusUnauthorized, http.StatusForbidden:
		resp.Body.Close()
		return retry.Wrap(retry.KindAuth,
			fmt.Errorf("media URL rejected with status %d", resp.StatusCode))
	case http.StatusNotFound, http.StatusGone:
		resp.Body.Close()
		return retry.Wrap(retry.KindLoad,
			fmt.Errorf("media object missing, status %d", resp.StatusCode))
	default:
		resp.Body.Close()
		return retry.Wrap(retry.KindLoad,
			fmt.Errorf("media request returned status %d", resp.StatusCode))
	}

	r.body = resp.Body
	r.off = from
	return nil
}

func (r *httpReadSeeker) Read(p []byte) (int, error) {
	if r.body == nil {
		if r.size >= 0 && r.off >= r.size {
			return 0, io.EOF
		}
		if err := r.open(r.off); err != nil {
			return 0, err
		}
	}

	n, err := r.body.Read(p)
	r.off += int64(n)
	if err == io.EOF {
		r.closeBody()
		if r.size >= 0 && r.off < r.size {
			// Connection ended early; the next Read reopens at the
			// current offset
			log.Debug().Int64("off", r.off).Int64("size", r.size).Msg("Media body ended early, will reopen")
			return n, nil
		}
	}
	return n, err
}

func (r *httpReadSeeker) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.off + offset
	case io.SeekEnd:
		if r.size < 0 {
			return 0, fmt.Errorf("cannot seek from end: size unknown")
		}
		abs = r.size + offset
	default:
		return 0, fmt.Errorf("invalid seek whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("negative seek offset %d", abs)
	}

	if abs != r.off {
		// Drop the current body; the next Read opens a fresh range
		r.closeBody()
		r.off = abs
	}
	return abs, nil
}

func (r *httpReadSeeker) Close() error {
	r.closeBody()
	return nil
}

func (r *httpReadSeeker) closeBody() {
	if r.body != nil {
		r.body.Close()
		r.body = nil
	}
}

// parseContentRangeTotal extracts the total size from a
// "bytes start-end/total" header value.
func parseContentRangeTotal(value string) (int64, bool) {
	idx := strings.LastIndexByte(value, '/')
	if idx < 0 {
		return 0, false
	}
	totalStr := value[idx+1:]
	if totalStr == "*" {
		return 0, false
	}
	total, err := strconv.ParseInt(totalStr, 10, 64)
	if err != nil {
		return 0, false
	}
	return total, true
}
