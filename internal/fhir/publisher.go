// Package fhir delivers finalized records to a downstream FHIR endpoint.
// Delivery is best-effort: the pipeline never blocks completion on it and
// exactly-once is not guaranteed.
package fhir

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/stacklight/faxpipe/internal/types"
)

// Publisher receives fully-formed records for downstream delivery.
type Publisher interface {
	Publish(ctx context.Context, rec *types.ProcessedRecord) error
}

// Nop discards everything. Used when no FHIR endpoint is configured.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, *types.ProcessedRecord) error { return nil }

// HTTPPublisher POSTs a DocumentReference-shaped payload per record.
type HTTPPublisher struct {
	endpoint string
	token    string
	client   *http.Client
	log      *zap.Logger
}

// NewHTTPPublisher builds a publisher for the given FHIR base endpoint.
func NewHTTPPublisher(endpoint, token string, httpClient *http.Client, log *zap.Logger) *HTTPPublisher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPPublisher{endpoint: endpoint, token: token, client: httpClient, log: log}
}

// documentReference is the minimal FHIR R4 shape the downstream accepts.
type documentReference struct {
	ResourceType string            `json:"resourceType"`
	Status       string            `json:"status"`
	Identifier   []identifier      `json:"identifier"`
	Date         string            `json:"date"`
	Description  string            `json:"description,omitempty"`
	Extension    map[string]any    `json:"extension,omitempty"`
	Content      map[string]string `json:"content,omitempty"`
}

type identifier struct {
	System string `json:"system"`
	Value  string `json:"value"`
}

// Publish serializes the record and POSTs it to {endpoint}/DocumentReference.
func (p *HTTPPublisher) Publish(ctx context.Context, rec *types.ProcessedRecord) error {
	doc := documentReference{
		ResourceType: "DocumentReference",
		Status:       "current",
		Identifier: []identifier{
			{System: "urn:faxpipe:processing-id", Value: rec.ProcessingID},
			{System: "urn:faxpipe:content-hash", Value: rec.ContentHash},
		},
		Date:        rec.UpdatedAt.UTC().Format(time.RFC3339),
		Description: string(rec.Classification),
		Extension: map[string]any{
			"tenant_id":          rec.TenantID,
			"kv_pairs":           rec.KVPairs,
			"kv_confidences":     rec.KVConfidences,
			"overall_confidence": rec.OverallConfidence,
		},
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshaling document reference: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.endpoint+"/DocumentReference", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building fhir request: %w", err)
	}
	req.Header.Set("Content-Type", "application/fhir+json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to fhir endpoint: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("fhir endpoint returned %d: %s", resp.StatusCode, msg)
	}

	p.log.Debug("record published to fhir",
		zap.String("processing_id", rec.ProcessingID),
		zap.Int("status", resp.StatusCode))
	return nil
}
