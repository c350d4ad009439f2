package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/stacklight/faxpipe/internal/retry"
)

// HTTPProvider calls a REST OCR service: POST {endpoint}/extract with the
// raw document body and Content-Type set to the document MIME type.
type HTTPProvider struct {
	endpoint string
	apiKey   string
	client   *http.Client
	log      *zap.Logger
}

// NewHTTPProvider builds an OCR client. A nil httpClient gets a default
// with a 60 s request timeout.
func NewHTTPProvider(endpoint, apiKey string, httpClient *http.Client, log *zap.Logger) *HTTPProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPProvider{endpoint: endpoint, apiKey: apiKey, client: httpClient, log: log}
}

// Extract runs OCR over the document, retrying transient failures with the
// standard 250 ms / 1 s / 4 s schedule.
func (p *HTTPProvider) Extract(ctx context.Context, data []byte, mimeType string) (*Result, error) {
	var result *Result
	err := retry.Do(ctx, func() error {
		var err error
		result, err = p.extractOnce(ctx, data, mimeType)
		return err
	}, func(err error) bool {
		return errors.Is(err, ErrTransient)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (p *HTTPProvider) extractOnce(ctx context.Context, data []byte, mimeType string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/extract", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("building ocr request: %w", err)
	}
	req.Header.Set("Content-Type", mimeType)
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	t0 := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("ocr request timed out: %w", ErrTransient)
		}
		return nil, fmt.Errorf("ocr request failed: %v: %w", err, ErrTransient)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading ocr response: %v: %w", err, ErrTransient)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// fallthrough to decode
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		p.log.Warn("ocr transient failure",
			zap.Int("status", resp.StatusCode),
			zap.Duration("elapsed", time.Since(t0)))
		return nil, fmt.Errorf("ocr status %d: %w", resp.StatusCode, ErrTransient)
	default:
		return nil, fmt.Errorf("ocr status %d: %s: %w", resp.StatusCode, truncate(body, 200), ErrUnavailable)
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decoding ocr response: %v: %w", err, ErrUnavailable)
	}
	p.log.Debug("ocr extract complete",
		zap.Int("lines", len(result.Lines)),
		zap.Int("words", len(result.Words)),
		zap.Duration("elapsed", time.Since(t0)))
	return &result, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
