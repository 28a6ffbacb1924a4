package playbook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/davidahmann/afu9/pkg/types"
)

const (
	ActionHTTPCheck = "http_check"

	maxCheckBody = 1 << 20
)

type HTTPCheckInput struct {
	URL                  string            `yaml:"url"`
	Method               string            `yaml:"method,omitempty"`
	Headers              map[string]string `yaml:"headers,omitempty"`
	Body                 string            `yaml:"body,omitempty"`
	ExpectedStatus       int               `yaml:"expected_status,omitempty"`
	ExpectedBodyIncludes string            `yaml:"expected_body_includes,omitempty"`
	TimeoutSeconds       int               `yaml:"timeout_seconds,omitempty"`
}

func (in HTTPCheckInput) check() error {
	if strings.TrimSpace(in.URL) == "" {
		return errors.New("url is required")
	}
	if in.ExpectedStatus != 0 && (in.ExpectedStatus < 100 || in.ExpectedStatus > 599) {
		return fmt.Errorf("expected_status %d out of range", in.ExpectedStatus)
	}
	if in.TimeoutSeconds < 0 {
		return errors.New("timeout_seconds must not be negative")
	}
	return nil
}

// NewHTTPCheck returns the http_check action. Each attempt makes exactly
// one request; the engine owns retries.
func NewHTTPCheck(client *http.Client, defaultTimeout time.Duration) Action {
	if client == nil {
		client = http.DefaultClient
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 10 * time.Second
	}
	return Typed(func(ctx context.Context, _ *StepContext, in HTTPCheckInput) (map[string]any, error) {
		return runHTTPCheck(ctx, client, defaultTimeout, in)
	}, HTTPCheckInput.check)
}

func runHTTPCheck(ctx context.Context, client *http.Client, defaultTimeout time.Duration, in HTTPCheckInput) (map[string]any, error) {
	target, err := url.Parse(in.URL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, Fail(types.StepCodeInvalidInput, "invalid url %q", in.URL)
	}
	method := strings.ToUpper(strings.TrimSpace(in.Method))
	if method == "" {
		method = http.MethodGet
	}
	expected := in.ExpectedStatus
	if expected == 0 {
		expected = http.StatusOK
	}
	timeout := defaultTimeout
	if in.TimeoutSeconds > 0 {
		timeout = time.Duration(in.TimeoutSeconds) * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if in.Body != "" {
		body = strings.NewReader(in.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, Fail(types.StepCodeInvalidInput, "build request: %v", err)
	}
	for k, v := range in.Headers {
		req.Header.Set(k, v)
	}

	started := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, Transient(types.StepCodeHTTPError, "%s %s: %v", method, target.Redacted(), err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxCheckBody))
	if err != nil {
		return nil, Transient(types.StepCodeHTTPError, "read body: %v", err)
	}

	out := map[string]any{
		"url":         target.Redacted(),
		"method":      method,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(started).Milliseconds(),
	}
	if resp.StatusCode != expected {
		se := Transient(types.StepCodeStatusMismatch, "expected status %d, got %d", expected, resp.StatusCode)
		se.Output = out
		return nil, se
	}
	if in.ExpectedBodyIncludes != "" && !strings.Contains(string(payload), in.ExpectedBodyIncludes) {
		se := Transient(types.StepCodeBodyMismatch, "response body does not contain %q", in.ExpectedBodyIncludes)
		se.Output = out
		return nil, se
	}
	return out, nil
}
