package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/yungbote/nexusflow-backend/internal/platform/logger"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(func() {
		log.Sync()
	})
	return log
}

func newTestClient(t *testing.T, roundTrip func(*http.Request) (*http.Response, error)) *client {
	t.Helper()
	return &client{
		log:        newTestLogger(t),
		baseURL:    "http://openai.local",
		apiKey:     "test-key",
		model:      "gpt-5.2",
		embedModel: "text-embedding-3-small",
		httpClient: &http.Client{Transport: roundTripFunc(roundTrip)},
		maxRetries: 2,
		noTempSeen: map[string]time.Time{},
	}
}

func jsonResponse(t *testing.T, status int, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	return &http.Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       io.NopCloser(bytes.NewReader(raw)),
	}
}

func TestEmbedAssemblesByIndex(t *testing.T) {
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		if r.URL.Path != "/v1/embeddings" {
			t.Fatalf("path: want=%q got=%q", "/v1/embeddings", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Fatalf("authorization header: got=%q", got)
		}
		// Out-of-order rows must land at their index.
		return jsonResponse(t, http.StatusOK, map[string]any{
			"data": []map[string]any{
				{"index": 1, "embedding": []float64{4, 5, 6}},
				{"index": 0, "embedding": []float64{1, 2, 3}},
			},
		}), nil
	})

	vecs, err := c.Embed(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("vectors length: want=2 got=%d", len(vecs))
	}
	if vecs[0][0] != 1 || vecs[1][0] != 4 {
		t.Fatalf("vector ordering mismatch: got=%v", vecs)
	}
}

func TestEmbedBlankInputReplacedWithSpace(t *testing.T) {
	var captured embeddingsRequest
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		return jsonResponse(t, http.StatusOK, map[string]any{
			"data": []map[string]any{
				{"index": 0, "embedding": []float64{1}},
			},
		}), nil
	})

	if _, err := c.Embed(context.Background(), []string{"   "}); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(captured.Input) != 1 || captured.Input[0] != " " {
		t.Fatalf("blank input not normalized: got=%q", captured.Input)
	}
}

func TestDoRetriesOnRetryableStatus(t *testing.T) {
	attempts := 0
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		attempts++
		if attempts == 1 {
			return jsonResponse(t, http.StatusTooManyRequests, map[string]any{"error": "slow down"}), nil
		}
		return jsonResponse(t, http.StatusOK, map[string]any{"ok": true}), nil
	})

	var out map[string]any
	if err := c.do(context.Background(), "POST", "/v1/test", map[string]any{}, &out); err != nil {
		t.Fatalf("do: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts: want=2 got=%d", attempts)
	}
}

func TestDoDoesNotRetryOnBadRequest(t *testing.T) {
	attempts := 0
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		attempts++
		return jsonResponse(t, http.StatusBadRequest, map[string]any{"error": "bad input"}), nil
	})

	err := c.do(context.Background(), "POST", "/v1/test", map[string]any{}, nil)
	if err == nil {
		t.Fatalf("do: expected error, got nil")
	}
	if attempts != 1 {
		t.Fatalf("attempts: want=1 got=%d", attempts)
	}
}

func TestGenerateJSONParsesOutputText(t *testing.T) {
	var captured map[string]any
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		if r.URL.Path != "/v1/responses" {
			t.Fatalf("path: want=%q got=%q", "/v1/responses", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		return jsonResponse(t, http.StatusOK, map[string]any{
			"output": []map[string]any{
				{
					"type": "message",
					"role": "assistant",
					"content": []map[string]any{
						{"type": "output_text", "text": `{"level1":"Technical Support"}`},
					},
				},
			},
		}), nil
	})

	obj, err := c.GenerateJSON(context.Background(), "sys", "user", "classification", map[string]any{"type": "object"})
	if err != nil {
		t.Fatalf("GenerateJSON: %v", err)
	}
	if obj["level1"] != "Technical Support" {
		t.Fatalf("parsed object mismatch: got=%v", obj)
	}

	text, ok := captured["text"].(map[string]any)
	if !ok {
		t.Fatalf("text format missing: got=%T", captured["text"])
	}
	format, ok := text["format"].(map[string]any)
	if !ok {
		t.Fatalf("format type: got=%T", text["format"])
	}
	if format["type"] != "json_schema" || format["name"] != "classification" {
		t.Fatalf("format fields mismatch: got=%v", format)
	}
	if format["strict"] != true {
		t.Fatalf("strict flag not set: got=%v", format["strict"])
	}
}

func TestGenerateTextTemperatureFallback(t *testing.T) {
	temp := 0.2
	attempts := 0
	var sawTemperature []bool
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		attempts++
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_, hasTemp := body["temperature"]
		sawTemperature = append(sawTemperature, hasTemp)
		if hasTemp {
			return jsonResponse(t, http.StatusBadRequest, map[string]any{
				"error": map[string]any{"message": "Unsupported parameter: 'temperature'"},
			}), nil
		}
		return jsonResponse(t, http.StatusOK, map[string]any{
			"output": []map[string]any{
				{
					"type": "message",
					"role": "assistant",
					"content": []map[string]any{
						{"type": "output_text", "text": "hello"},
					},
				},
			},
		}), nil
	})
	c.temperature = &temp

	text, err := c.GenerateText(context.Background(), "sys", "user")
	if err != nil {
		t.Fatalf("GenerateText: %v", err)
	}
	if text != "hello" {
		t.Fatalf("text: want=%q got=%q", "hello", text)
	}
	if attempts != 2 || !sawTemperature[0] || sawTemperature[1] {
		t.Fatalf("expected temp then no-temp retry, attempts=%d saw=%v", attempts, sawTemperature)
	}
	if !c.modelIsNoTemp("gpt-5.2") {
		t.Fatalf("model should be remembered as no-temperature")
	}
}

func TestGenerateJSONRefusal(t *testing.T) {
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		return jsonResponse(t, http.StatusOK, map[string]any{
			"output":  []map[string]any{},
			"refusal": "cannot comply",
		}), nil
	})

	if _, err := c.GenerateJSON(context.Background(), "sys", "user", "s", map[string]any{}); err == nil {
		t.Fatalf("GenerateJSON: expected refusal error, got nil")
	}
}
