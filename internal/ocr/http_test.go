package ocr

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testResult() *Result {
	return &Result{
		Lines: []Line{
			{Text: "Patient Name: Jordan Doe", Confidence: 0.98},
			{Text: "Member ID: M-1234", Confidence: 0.94},
		},
		Words: []Word{
			{Text: "Jordan", Confidence: 0.98},
			{Text: "Doe", Confidence: 0.97},
		},
	}
}

func TestExtractSuccess(t *testing.T) {
	var gotMime, gotAuth string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/extract", r.URL.Path)
		gotMime = r.Header.Get("Content-Type")
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		_ = json.NewEncoder(w).Encode(testResult())
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "secret-key", srv.Client(), zaptest.NewLogger(t))
	res, err := p.Extract(context.Background(), []byte("fax bytes"), "application/pdf")
	require.NoError(t, err)

	assert.Equal(t, "application/pdf", gotMime)
	assert.Equal(t, "Bearer secret-key", gotAuth)
	assert.Equal(t, []byte("fax bytes"), gotBody)
	assert.Len(t, res.Lines, 2)
	assert.InDelta(t, 0.96, res.MeanConfidence(), 1e-9)
	assert.Equal(t, "Patient Name: Jordan Doe\nMember ID: M-1234", res.Text())
}

func TestExtractRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(testResult())
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "", srv.Client(), zaptest.NewLogger(t))
	res, err := p.Extract(context.Background(), []byte("doc"), "image/png")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load(), "two 429s then success")
	assert.Len(t, res.Lines, 2)
}

func TestExtractTransientExhaustion(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "", srv.Client(), zaptest.NewLogger(t))
	_, err := p.Extract(context.Background(), []byte("doc"), "image/png")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, int32(4), calls.Load(), "initial attempt plus three retries")
}

func TestExtractPermanentFailureNoRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unsupported document", http.StatusBadRequest)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "", srv.Client(), zaptest.NewLogger(t))
	_, err := p.Extract(context.Background(), []byte("doc"), "image/png")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(1), calls.Load(), "4xx is not retried")
}

func TestExtractBadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "", srv.Client(), zaptest.NewLogger(t))
	_, err := p.Extract(context.Background(), []byte("doc"), "image/png")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestMeanConfidenceSkipsEmptyLines(t *testing.T) {
	res := &Result{Lines: []Line{
		{Text: "real text", Confidence: 0.9},
		{Text: "   ", Confidence: 0.1},
		{Text: "", Confidence: 0.0},
	}}
	assert.InDelta(t, 0.9, res.MeanConfidence(), 1e-9)

	empty := &Result{}
	assert.Zero(t, empty.MeanConfidence())
}
