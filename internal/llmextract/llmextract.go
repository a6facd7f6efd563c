// Package llmextract invokes the extraction model with a versioned
// prompt template and parses its output into PageExtraction records.
// Determinism: temperature zero, output capped, any nested object in
// the response is flattened by joining keys with "_".
package llmextract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/nexusidp/document-processor/internal/errors"
	"github.com/nexusidp/document-processor/internal/logging"
	"github.com/nexusidp/document-processor/internal/model"
)

// BatchPages is the maximum number of pages grouped into one invocation.
// Callers group adjacent pages of the same account before calling Extract.
const BatchPages = 2

const llmTimeout = 180 * time.Second

// PromptTemplate is a versioned prompt. Its Version is recorded into
// every PageExtraction produced by this adapter so callers can later
// decide whether to invalidate on upgrade.
type PromptTemplate struct {
	Version string
	Body    string
}

// LoanPrompt and GenericPrompt are the two versioned templates the
// pipeline selects between by document type.
var LoanPrompt = PromptTemplate{
	Version: "v1",
	Body: "Extract every labeled field and its value from the following loan " +
		"document page text. Return a flat JSON object mapping field name to " +
		"{value, confidence}. Confidence is an integer 0-100 reflecting your " +
		"certainty in the OCR text and the extraction.",
}

var GenericPrompt = PromptTemplate{
	Version: "v1",
	Body: "Extract every labeled field and its value from the following " +
		"document text. Return a flat JSON object mapping field name to " +
		"{value, confidence}.",
}

// Adapter is the LLM Adapter (C3).
type Adapter struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *logging.Logger
}

func New(baseURL, apiKey string) *Adapter {
	return &Adapter{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: llmTimeout},
		log:        logging.NewLogger("llmextract"),
	}
}

// chatRequest/chatResponse model a minimal OpenAI-compatible chat
// completion call. temperature is pinned to 0 for determinism.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// ExtractBatch extracts fields from up to BatchPages pages of text in a
// single invocation, returning one PageExtraction per input page in the
// same order. pageTexts must not exceed BatchPages entries.
func (a *Adapter) ExtractBatch(ctx context.Context, docID string, pageTexts []string, prompt PromptTemplate) ([]model.PageExtraction, error) {
	if len(pageTexts) == 0 {
		return nil, apperrors.NewInvalidError(docID, "no pages in batch")
	}
	if len(pageTexts) > BatchPages {
		return nil, apperrors.NewInvalidError(docID, fmt.Sprintf("batch exceeds BATCH_PAGES=%d", BatchPages))
	}

	octx, cancel := context.WithTimeout(ctx, llmTimeout)
	defer cancel()

	raw, err := a.invoke(octx, pageTexts, prompt)
	if err != nil {
		return nil, err
	}

	results := make([]model.PageExtraction, len(pageTexts))
	for i := range pageTexts {
		pe, err := parsePageExtraction(raw[i], prompt.Version)
		if err != nil {
			return nil, apperrors.NewPermanentError(docID, fmt.Sprintf("llm parse failure: %v", err))
		}
		results[i] = pe
	}
	return results, nil
}

// invoke sends one chat completion request per page (the external
// model has no native multi-document batching primitive) but under a
// single deadline, matching the one-call-per-batch accounting in §4.3.
func (a *Adapter) invoke(ctx context.Context, pageTexts []string, prompt PromptTemplate) ([]map[string]interface{}, error) {
	out := make([]map[string]interface{}, len(pageTexts))
	for i, text := range pageTexts {
		parsed, err := a.invokeOne(ctx, text, prompt)
		if err != nil {
			return nil, err
		}
		out[i] = parsed
	}
	return out, nil
}

func (a *Adapter) invokeOne(ctx context.Context, pageText string, prompt PromptTemplate) (map[string]interface{}, error) {
	requestID := uuid.NewString()
	body := chatRequest{
		Model:       "gpt-4o-mini",
		Temperature: 0,
		MaxTokens:   2048,
		Messages: []chatMessage{
			{Role: "system", Content: prompt.Body},
			{Role: "user", Content: pageText},
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, apperrors.NewPermanentError("", fmt.Sprintf("marshal llm request: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, apperrors.NewPermanentError("", fmt.Sprintf("build llm request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", requestID)
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		a.log.Warn("llm call failed", "request_id", requestID, "error", err.Error())
		return nil, apperrors.NewTransientError("", fmt.Sprintf("llm call: %v", err), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewTransientError("", fmt.Sprintf("read llm response: %v", err), err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		a.log.Warn("llm call returned retryable status", "request_id", requestID, "status", resp.StatusCode)
		return nil, apperrors.NewTransientError("", fmt.Sprintf("llm status %d", resp.StatusCode), nil)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.NewPermanentError("", fmt.Sprintf("llm status %d: %s", resp.StatusCode, string(respBody)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil || len(parsed.Choices) == 0 {
		return nil, apperrors.NewPermanentError("", fmt.Sprintf("malformed llm envelope: %v", err))
	}

	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(parsed.Choices[0].Message.Content), &fields); err != nil {
		return nil, apperrors.NewPermanentError("", fmt.Sprintf("llm output not a flat json object: %v", err))
	}
	return flatten("", fields), nil
}

// flatten joins nested object keys with "_" so the result is always a
// flat field-name -> value map, per §4.3.
func flatten(prefix string, in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for k, v := range in {
		name := k
		if prefix != "" {
			name = prefix + "_" + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			for nk, nv := range flatten(name, nested) {
				out[nk] = nv
			}
			continue
		}
		out[name] = v
	}
	return out
}

// parsePageExtraction converts a flattened field map into a
// PageExtraction. Each value is expected to be an object with "value"
// and "confidence" keys; a bare scalar is accepted with confidence
// defaulted to 0 (the model declined to estimate).
func parsePageExtraction(fields map[string]interface{}, promptVersion string) (model.PageExtraction, error) {
	pe := model.NewPageExtraction()
	pe.PromptVersion = promptVersion
	pe.LastAction = model.ActionExtract

	var total float64
	var count int
	for name, raw := range fields {
		fv, err := toFieldValue(raw)
		if err != nil {
			return model.PageExtraction{}, fmt.Errorf("field %q: %w", name, err)
		}
		pe.Data[name] = fv
		total += float64(fv.Confidence)
		count++
	}
	if count > 0 {
		pe.OverallConfidence = total / float64(count)
	}
	return pe, nil
}

func toFieldValue(raw interface{}) (model.FieldValue, error) {
	switch v := raw.(type) {
	case map[string]interface{}:
		val, _ := v["value"].(string)
		conf := 0
		if c, ok := v["confidence"].(float64); ok {
			conf = int(c)
		}
		return model.FieldValue{Value: val, Confidence: conf, Source: model.SourceAIExtracted}, nil
	case string:
		return model.FieldValue{Value: v, Confidence: 0, Source: model.SourceAIExtracted}, nil
	case float64:
		return model.FieldValue{Value: strings.TrimSuffix(fmt.Sprintf("%v", v), ".0"), Confidence: 0, Source: model.SourceAIExtracted}, nil
	default:
		return model.FieldValue{}, fmt.Errorf("unsupported value type %T", raw)
	}
}
