package poller

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/bcrosbie/personaliz/internal/domain"
)

const (
	DefaultCheckTimeout   = 10 * time.Second
	DefaultMaxBodyBytes   = 1 << 20
	defaultCheckUserAgent = "personaliz-poller/1.0"
)

// CheckResult summarizes one successful check.
type CheckResult struct {
	StatusCode int
	Bytes      int
	Matches    int
}

// Checker performs the network side of polling and web handlers.
type Checker interface {
	CheckURL(ctx context.Context, handler domain.EventHandler) (CheckResult, error)
	CheckWeb(ctx context.Context, handler domain.EventHandler) (CheckResult, error)
}

type responseTooLargeError struct {
	limit int64
}

func (e responseTooLargeError) Error() string {
	return fmt.Sprintf("response body exceeded limit of %d bytes", e.limit)
}

// HTTPChecker issues bounded GET requests. Every failure is reported as
// domain.CodeExternalCheckFailed and never retried.
type HTTPChecker struct {
	client       *http.Client
	timeout      time.Duration
	maxBodyBytes int64
}

func NewHTTPChecker(timeout time.Duration) *HTTPChecker {
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	return &HTTPChecker{
		client:       &http.Client{Timeout: timeout},
		timeout:      timeout,
		maxBodyBytes: DefaultMaxBodyBytes,
	}
}

func (c *HTTPChecker) CheckURL(ctx context.Context, handler domain.EventHandler) (CheckResult, error) {
	status, body, err := c.fetch(ctx, handler)
	if err != nil {
		return CheckResult{StatusCode: status}, err
	}
	return CheckResult{StatusCode: status, Bytes: len(body)}, nil
}

// CheckWeb fetches the page and applies the optional selector and contains
// assertions from the handler's config_json.
func (c *HTTPChecker) CheckWeb(ctx context.Context, handler domain.EventHandler) (CheckResult, error) {
	cfg, err := domain.ParseHandlerConfig(handler.ConfigJSON)
	if err != nil {
		return CheckResult{}, err
	}

	status, body, err := c.fetch(ctx, handler)
	result := CheckResult{StatusCode: status, Bytes: len(body)}
	if err != nil {
		return result, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return result, domain.ExternalCheck("failed to parse html", err)
	}

	selection := doc.Selection
	if cfg.Selector != "" {
		selection = doc.Find(cfg.Selector)
		result.Matches = selection.Length()
		if result.Matches == 0 {
			return result, domain.ExternalCheck(fmt.Sprintf("selector %q matched nothing", cfg.Selector), nil)
		}
	}
	if cfg.Contains != "" && !strings.Contains(selection.Text(), cfg.Contains) {
		return result, domain.ExternalCheck(fmt.Sprintf("page does not contain %q", cfg.Contains), nil)
	}
	return result, nil
}

func (c *HTTPChecker) fetch(ctx context.Context, handler domain.EventHandler) (int, []byte, error) {
	target := strings.TrimSpace(domain.Deref(handler.URL))
	if target == "" {
		return 0, nil, domain.InvalidArgument(fmt.Sprintf("handler %q has no url", handler.Name))
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return 0, nil, domain.ExternalCheck("invalid check url", err)
	}
	req.Header.Set("User-Agent", defaultCheckUserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, domain.ExternalCheck(fmt.Sprintf("GET %s failed", target), err)
	}
	defer resp.Body.Close()

	body, err := readAllWithLimit(resp.Body, c.maxBodyBytes)
	if err != nil {
		return resp.StatusCode, nil, domain.ExternalCheck(fmt.Sprintf("failed to read response from %s", target), err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return resp.StatusCode, body, domain.ExternalCheck(fmt.Sprintf("GET %s returned %d", target, resp.StatusCode), nil)
	}
	return resp.StatusCode, body, nil
}

func readAllWithLimit(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	lr := &io.LimitedReader{R: r, N: limit + 1}
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, responseTooLargeError{limit: limit}
	}
	return data, nil
}
