package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/stacklight/faxpipe/internal/ocr"
	"github.com/stacklight/faxpipe/internal/telemetry"
	"github.com/stacklight/faxpipe/internal/types"
)

const (
	maxRetries     = 3
	initialBackoff = 1 * time.Second
	maxTokens      = 4096
)

// errAPIKeyRequired is returned when an API key is needed but not provided.
var errAPIKeyRequired = errors.New("API key required")

// Claude implements Extractor against the Anthropic API.
type Claude struct {
	client         anthropic.Client
	model          anthropic.Model
	freeFormTmpl   *template.Template
	templateTmpl   *template.Template
	reanalysisTmpl *template.Template
	maxRetries     int
	initialBackoff time.Duration
	log            *zap.Logger
}

// NewClaude creates the Anthropic-backed extractor. Env var
// ANTHROPIC_API_KEY takes precedence over the explicit apiKey.
func NewClaude(apiKey, model string, log *zap.Logger) (*Claude, error) {
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY or extractor_api_key", errAPIKeyRequired)
	}
	if log == nil {
		log = zap.NewNop()
	}

	funcs := template.FuncMap{"join": strings.Join}
	freeForm, err := template.New("freeform").Parse(freeFormPromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("parsing free-form template: %w", err)
	}
	tplTmpl, err := template.New("template").Funcs(funcs).Parse(templatePromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("parsing template prompt: %w", err)
	}
	reTmpl, err := template.New("reanalysis").Parse(reanalysisPromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("parsing reanalysis template: %w", err)
	}

	llmMetricsOnce.Do(initLLMMetrics)

	return &Claude{
		client:         anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:          anthropic.Model(model),
		freeFormTmpl:   freeForm,
		templateTmpl:   tplTmpl,
		reanalysisTmpl: reTmpl,
		maxRetries:     maxRetries,
		initialBackoff: initialBackoff,
		log:            log,
	}, nil
}

// llmMetrics holds lazily-initialized OTel instruments for Anthropic calls.
var llmMetrics struct {
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
	duration     metric.Float64Histogram
}

var llmMetricsOnce sync.Once

func initLLMMetrics() {
	m := telemetry.Meter("github.com/stacklight/faxpipe/extract")
	llmMetrics.inputTokens, _ = m.Int64Counter("faxpipe.llm.input_tokens",
		metric.WithDescription("Anthropic API input tokens consumed"),
		metric.WithUnit("{token}"),
	)
	llmMetrics.outputTokens, _ = m.Int64Counter("faxpipe.llm.output_tokens",
		metric.WithDescription("Anthropic API output tokens generated"),
		metric.WithUnit("{token}"),
	)
	llmMetrics.duration, _ = m.Float64Histogram("faxpipe.llm.request.duration",
		metric.WithDescription("Anthropic API request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
}

// ExtractFreeForm runs unconstrained extraction over the OCR text.
func (c *Claude) ExtractFreeForm(ctx context.Context, res *ocr.Result) (*FreeFormResult, error) {
	var buf strings.Builder
	if err := c.freeFormTmpl.Execute(&buf, struct{ Text string }{Text: res.Text()}); err != nil {
		return nil, fmt.Errorf("rendering free-form prompt: %w", err)
	}

	blocks := []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(buf.String())}
	raw, err := c.callWithRetry(ctx, "extract_freeform", blocks)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrExtractFail)
	}

	var payload struct {
		KVPairs        map[string]string  `json:"kv_pairs"`
		KVConfidences  map[string]float64 `json:"kv_confidences"`
		Classification string             `json:"classification"`
		Summary        string             `json:"summary"`
	}
	if err := json.Unmarshal([]byte(stripFences(raw)), &payload); err != nil {
		return nil, fmt.Errorf("decoding extraction response: %v: %w", err, ErrExtractFail)
	}

	kv, confs := MergeCaseInsensitive(payload.KVPairs, payload.KVConfidences)
	NormalizeAddressFields(kv)
	confs = ApplyPairConfidences(kv, confs, res.Words)

	return &FreeFormResult{
		KVPairs:        kv,
		KVConfidences:  confs,
		Classification: types.ParseClassification(payload.Classification),
		Summary:        payload.Summary,
	}, nil
}

// ExtractWithTemplate runs canonical-field extraction guided by a tenant
// template.
func (c *Claude) ExtractWithTemplate(ctx context.Context, res *ocr.Result, tpl *types.Template) (*TemplateResult, error) {
	data := struct {
		Text    string
		Fields  []types.TemplateField
		Aliases bool
	}{Text: res.Text(), Fields: tpl.Fields}
	for _, f := range tpl.Fields {
		if len(f.Aliases) > 0 {
			data.Aliases = true
			break
		}
	}

	var buf strings.Builder
	if err := c.templateTmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("rendering template prompt: %w", err)
	}

	blocks := []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(buf.String())}
	raw, err := c.callWithRetry(ctx, "extract_template", blocks)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrExtractFail)
	}

	var payload struct {
		KVPairs        map[string]string  `json:"kv_pairs"`
		KVConfidences  map[string]float64 `json:"kv_confidences"`
		UnmappedKeys   []string           `json:"unmapped_keys"`
		Classification string             `json:"classification"`
	}
	if err := json.Unmarshal([]byte(stripFences(raw)), &payload); err != nil {
		return nil, fmt.Errorf("decoding template extraction response: %v: %w", err, ErrExtractFail)
	}

	// Drop keys that are not canonical fields of the template; the model
	// occasionally returns extras despite instructions.
	canonical := make(map[string]string, len(tpl.Fields))
	for _, f := range tpl.Fields {
		canonical[strings.ToLower(f.CanonicalName)] = f.CanonicalName
	}
	kv := map[string]string{}
	confs := map[string]float64{}
	unmapped := append([]string{}, payload.UnmappedKeys...)
	for k, v := range payload.KVPairs {
		name, ok := canonical[strings.ToLower(k)]
		if !ok {
			unmapped = append(unmapped, k)
			continue
		}
		kv[name] = v
		confs[name] = payload.KVConfidences[k]
	}
	NormalizeAddressFields(kv)
	confs = ApplyPairConfidences(kv, confs, res.Words)
	sort.Strings(unmapped)

	return &TemplateResult{
		KVPairs:        kv,
		KVConfidences:  confs,
		Classification: types.ParseClassification(payload.Classification),
		UnmappedKeys:   unmapped,
	}, nil
}

// ReanalyzeFields sends the source image plus the low-confidence fields to
// the vision model and returns per-field verdicts.
func (c *Claude) ReanalyzeFields(ctx context.Context, req ReanalysisRequest) ([]FieldAnalysis, error) {
	if len(req.Fields) == 0 {
		return nil, nil
	}
	var buf strings.Builder
	if err := c.reanalysisTmpl.Execute(&buf, req); err != nil {
		return nil, fmt.Errorf("rendering reanalysis prompt: %w", err)
	}

	blocks := []anthropic.ContentBlockParamUnion{
		anthropic.NewImageBlockBase64(req.MediaType, req.ImageB64),
		anthropic.NewTextBlock(buf.String()),
	}
	raw, err := c.callWithRetry(ctx, "reanalyze", blocks)
	if err != nil {
		return nil, err
	}

	var out []FieldAnalysis
	if err := json.Unmarshal([]byte(stripFences(raw)), &out); err != nil {
		return nil, fmt.Errorf("decoding reanalysis response: %w", err)
	}
	return out, nil
}

func (c *Claude) callWithRetry(ctx context.Context, operation string, blocks []anthropic.ContentBlockParamUnion) (string, error) {
	tracer := telemetry.Tracer("github.com/stacklight/faxpipe/extract")
	ctx, span := tracer.Start(ctx, "anthropic.messages.new")
	defer span.End()
	span.SetAttributes(
		attribute.String("faxpipe.llm.model", string(c.model)),
		attribute.String("faxpipe.llm.operation", operation),
	)

	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(blocks...),
		},
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := c.initialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		t0 := time.Now()
		message, err := c.client.Messages.New(ctx, params)
		ms := float64(time.Since(t0).Milliseconds())

		if err == nil {
			modelAttr := attribute.String("faxpipe.llm.model", string(c.model))
			if llmMetrics.inputTokens != nil {
				llmMetrics.inputTokens.Add(ctx, message.Usage.InputTokens, metric.WithAttributes(modelAttr))
				llmMetrics.outputTokens.Add(ctx, message.Usage.OutputTokens, metric.WithAttributes(modelAttr))
				llmMetrics.duration.Record(ctx, ms, metric.WithAttributes(modelAttr))
			}
			span.SetAttributes(
				attribute.Int64("faxpipe.llm.input_tokens", message.Usage.InputTokens),
				attribute.Int64("faxpipe.llm.output_tokens", message.Usage.OutputTokens),
				attribute.Int("faxpipe.llm.attempts", attempt+1),
			)

			if len(message.Content) == 0 {
				return "", fmt.Errorf("unexpected response format: no content blocks")
			}
			content := message.Content[0]
			if content.Type != "text" {
				return "", fmt.Errorf("unexpected response format: not a text block (type=%s)", content.Type)
			}
			return content.Text, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !isRetryable(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return "", fmt.Errorf("non-retryable error: %w", err)
		}
		c.log.Warn("anthropic call failed, retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	if lastErr != nil {
		span.RecordError(lastErr)
		span.SetStatus(codes.Error, lastErr.Error())
	}
	return "", fmt.Errorf("failed after %d retries: %w", c.maxRetries+1, lastErr)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}

// stripFences removes a surrounding markdown code fence if the model added
// one despite instructions.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
