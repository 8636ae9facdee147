package parser

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/fundgate/fundgate/internal/credit"
)

const systemPrompt = `You extract data from consumer credit reports.
Return ONLY a JSON object: {"ok": bool, "reason": string|null, "bureaus": {"experian": Bureau|null, "equifax": Bureau|null, "transunion": Bureau|null}}.
Bureau = {"score": int, "utilization_pct": number, "inquiries": int, "negatives": int, "late_payment_events": int,
"names": [string], "addresses": [string], "employers": [string], "tradelines": [{"creditor": string, "account_type": string,
"status": string, "balance": number, "limit": number, "opened_date": string, "late_payments": int}], "reportDate": "YYYY-MM-DD"}.
Use null for a bureau the document does not contain. If the document is not a credit report, return ok=false with a short reason addressed to the user.`

type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// OpenAI calls an OpenAI-compatible chat/completions endpoint with the PDF
// attached as a file content part.
type OpenAI struct {
	cfg        OpenAIConfig
	httpClient *http.Client
	schema     *jsonschema.Schema
	log        *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig, logger *slog.Logger) (*OpenAI, error) {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	schema, err := compileSchema(bureauSchema())
	if err != nil {
		return nil, err
	}
	return &OpenAI{
		cfg:        cfg,
		httpClient: &http.Client{},
		schema:     schema,
		log:        logger,
	}, nil
}

func (c *OpenAI) Parse(ctx context.Context, pdf []byte, filename string) (credit.ParseResult, error) {
	rid := uuid.New().String()
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	c.log.Info("parser.start", "req_id", rid, "model", c.cfg.Model, "bytes", len(pdf), "filename", filename)

	body := map[string]any{
		"model":           c.cfg.Model,
		"temperature":     0,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []map[string]any{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": []map[string]any{
				{"type": "file", "file": map[string]any{
					"filename":  filename,
					"file_data": "data:application/pdf;base64," + base64.StdEncoding.EncodeToString(pdf),
				}},
				{"type": "text", "text": "Extract the bureau data from this credit report."},
			}},
		},
	}

	raw, err := c.post(ctx, strings.TrimRight(c.cfg.BaseURL, "/")+"/chat/completions", body)
	if err != nil {
		c.log.Error("parser.http_error", "req_id", rid, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return credit.ParseResult{}, err
	}

	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		return credit.ParseResult{}, fmt.Errorf("decode model response: %w", err)
	}
	if len(cc.Choices) == 0 {
		return credit.ParseResult{}, fmt.Errorf("no choices in model response")
	}
	content := []byte(stripCodeFences(cc.Choices[0].Message.Content))

	if err := validate(c.schema, content); err != nil {
		c.log.Error("parser.schema_validation_failed", "req_id", rid, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return credit.ParseResult{OK: false, Reason: "We could not read the data in this report."}, nil
	}

	var out credit.ParseResult
	if err := json.Unmarshal(content, &out); err != nil {
		return credit.ParseResult{}, fmt.Errorf("unmarshal parse result: %w", err)
	}
	if out.OK && out.Bureaus == nil {
		out.Bureaus = &credit.Bureaus{}
	}

	c.log.Info("parser.ok",
		"req_id", rid,
		"ok", out.OK,
		"bureaus", len(presentOf(out)),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

func presentOf(r credit.ParseResult) []credit.BureauName {
	if r.Bureaus == nil {
		return nil
	}
	return r.Bureaus.Present()
}

func (c *OpenAI) post(ctx context.Context, url string, body map[string]any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("model api request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read model response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}
