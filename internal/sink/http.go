package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"camrelay/internal/relay"
)

// HTTPSink POSTs each frame to <base>/cameras/<cam_id>/frames as image/jpeg.
type HTTPSink struct {
	base    string
	client  *http.Client
	timeout time.Duration
}

// NewHTTPSink returns a sink posting under baseURL. timeout bounds each POST;
// zero means only the caller's context applies.
func NewHTTPSink(baseURL string, timeout time.Duration) *HTTPSink {
	return &HTTPSink{
		base:    strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		timeout: timeout,
	}
}

func (s *HTTPSink) Send(ctx context.Context, id relay.CameraID, f relay.Frame) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	target := s.base + "/cameras/" + url.PathEscape(string(id)) + "/frames"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(f.Data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("X-Frame-Seq", strconv.FormatUint(f.Seq, 10))
	req.Header.Set("X-Captured-At", f.CapturedAt.UTC().Format(time.RFC3339Nano))

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post frame %d: unexpected status %s", f.Seq, resp.Status)
	}
	return nil
}
