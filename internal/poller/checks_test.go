package poller

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bcrosbie/personaliz/internal/domain"
)

const samplePage = `<html><body>
<ul class="releases"><li>v1.2.0</li><li>v1.1.0</li></ul>
<p id="status">All systems operational</p>
</body></html>`

func newPageServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(samplePage))
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	})
	mux.HandleFunc("/huge", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func webHandler(url, config string) domain.EventHandler {
	return domain.EventHandler{Name: "page", EventType: domain.HandlerWeb, URL: domain.StringPtr(url), ConfigJSON: config}
}

func TestCheckURL(t *testing.T) {
	server := newPageServer(t)
	checker := NewHTTPChecker(time.Second)

	result, err := checker.CheckURL(context.Background(), webHandler(server.URL+"/ok", "{}"))
	if err != nil {
		t.Fatalf("check ok: %v", err)
	}
	if result.StatusCode != http.StatusOK || result.Bytes == 0 {
		t.Fatalf("unexpected result %+v", result)
	}

	result, err = checker.CheckURL(context.Background(), webHandler(server.URL+"/broken", "{}"))
	if !domain.IsCode(err, domain.CodeExternalCheckFailed) {
		t.Fatalf("expected external check failure, got %v", err)
	}
	if result.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected status to be reported, got %d", result.StatusCode)
	}
}

func TestCheckURLUnreachable(t *testing.T) {
	server := newPageServer(t)
	url := server.URL
	server.Close()

	_, err := NewHTTPChecker(time.Second).CheckURL(context.Background(), webHandler(url, "{}"))
	if !domain.IsCode(err, domain.CodeExternalCheckFailed) {
		t.Fatalf("expected external check failure, got %v", err)
	}
}

func TestCheckURLRequiresURL(t *testing.T) {
	_, err := NewHTTPChecker(time.Second).CheckURL(context.Background(), domain.EventHandler{Name: "blank"})
	if !domain.IsCode(err, domain.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestCheckWebSelectorAndContains(t *testing.T) {
	server := newPageServer(t)
	checker := NewHTTPChecker(time.Second)
	ctx := context.Background()

	result, err := checker.CheckWeb(ctx, webHandler(server.URL+"/ok", `{"selector":"ul.releases li"}`))
	if err != nil {
		t.Fatalf("selector check: %v", err)
	}
	if result.Matches != 2 {
		t.Fatalf("expected 2 matches, got %d", result.Matches)
	}

	if _, err := checker.CheckWeb(ctx, webHandler(server.URL+"/ok", `{"selector":"#status","contains":"operational"}`)); err != nil {
		t.Fatalf("contains check: %v", err)
	}

	_, err = checker.CheckWeb(ctx, webHandler(server.URL+"/ok", `{"selector":"#status","contains":"v1.2.0"}`))
	if !domain.IsCode(err, domain.CodeExternalCheckFailed) {
		t.Fatalf("expected contains mismatch to fail, got %v", err)
	}

	_, err = checker.CheckWeb(ctx, webHandler(server.URL+"/ok", `{"selector":"table"}`))
	if !domain.IsCode(err, domain.CodeExternalCheckFailed) {
		t.Fatalf("expected empty selector to fail, got %v", err)
	}

	_, err = checker.CheckWeb(ctx, webHandler(server.URL+"/ok", `{not json`))
	if !domain.IsCode(err, domain.CodeInvalidArgument) {
		t.Fatalf("expected invalid config to be reported, got %v", err)
	}
}

func TestCheckRejectsOversizedBody(t *testing.T) {
	server := newPageServer(t)
	checker := NewHTTPChecker(time.Second)
	checker.maxBodyBytes = 16

	_, err := checker.CheckURL(context.Background(), webHandler(server.URL+"/huge", "{}"))
	if !domain.IsCode(err, domain.CodeExternalCheckFailed) {
		t.Fatalf("expected external check failure, got %v", err)
	}
	var limitErr responseTooLargeError
	if !errors.As(err, &limitErr) || limitErr.limit != 16 {
		t.Fatalf("expected size limit error in chain, got %v", err)
	}
}
