package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/yungbote/nexusflow-backend/internal/pkg/ctxutil"
	"github.com/yungbote/nexusflow-backend/internal/platform/logger"
)

const maxErrorBodyBytes = 1024

// Point is a vector plus its payload, addressed by a caller-chosen id
// (the engine uses ticket UUIDs).
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// ScoredPoint is a search hit with its payload.
type ScoredPoint struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// RetrievedPoint is a point fetched by id, optionally with its stored vector.
type RetrievedPoint struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// Client is a minimal Qdrant points client over the REST API.
type Client struct {
	log      *logger.Logger
	cfg      Config
	baseURL  string
	distance string
	http     *http.Client
}

type qdrantEnvelope struct {
	Result json.RawMessage `json:"result"`
	Status json.RawMessage `json:"status"`
	Time   float64         `json:"time"`
}

type searchResultItem struct {
	ID      json.RawMessage `json:"id"`
	Score   float64         `json:"score"`
	Payload map[string]any  `json:"payload"`
}

type retrieveResultItem struct {
	ID      json.RawMessage `json:"id"`
	Payload map[string]any  `json:"payload"`
	Vector  []float64       `json:"vector"`
}

func NewClient(log *logger.Logger, cfg Config) (*Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	c := &Client{
		log:     log.With("client", "QdrantClient"),
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	if err := c.verifyReady(context.Background()); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) Collection() string { return c.cfg.Collection }
func (c *Client) VectorDim() int     { return c.cfg.VectorDim }

// EnsureCollection creates the collection with cosine distance when it does
// not exist yet, and validates the stored dimension when it does. With
// recreate=true any existing collection is dropped first.
func (c *Client) EnsureCollection(ctx context.Context, recreate bool) error {
	const op = "ensure_collection"

	if recreate {
		if err := c.doJSON(ctx, op, http.MethodDelete, c.collectionPath(""), nil, nil); err != nil {
			var opErrTyped *OperationError
			if !errors.As(err, &opErrTyped) || opErrTyped.StatusCode != http.StatusNotFound {
				return err
			}
		}
	}

	info, err := c.collectionInfo(ctx, op)
	if err != nil {
		var opErrTyped *OperationError
		if !errors.As(err, &opErrTyped) || opErrTyped.StatusCode != http.StatusNotFound {
			return err
		}
		req := map[string]any{
			"vectors": map[string]any{
				"size":     c.cfg.VectorDim,
				"distance": "Cosine",
			},
		}
		if err := c.doJSON(ctx, op, http.MethodPut, c.collectionPath(""), req, nil); err != nil {
			return err
		}
		c.distance = "Cosine"
		c.log.Info("Qdrant collection created",
			"collection", c.cfg.Collection,
			"vector_dim", c.cfg.VectorDim,
		)
		return nil
	}

	if info.size != 0 && info.size != c.cfg.VectorDim {
		return &OperationError{
			Code:      OperationErrorValidation,
			Operation: op,
			Message: fmt.Sprintf(
				"qdrant collection %q vector size mismatch: expected=%d actual=%d",
				c.cfg.Collection,
				c.cfg.VectorDim,
				info.size,
			),
		}
	}
	c.distance = info.distance
	return nil
}

// UpsertPoints writes points with wait=true so reads after the call see them.
func (c *Client) UpsertPoints(ctx context.Context, points []Point) error {
	const op = "upsert"
	if len(points) == 0 {
		return nil
	}

	body := make([]map[string]any, 0, len(points))
	for _, p := range points {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return opErr(op, OperationErrorValidation, "point id is required", nil)
		}
		if len(p.Vector) == 0 {
			return opErr(op, OperationErrorValidation, fmt.Sprintf("point %q has empty vector", id), nil)
		}
		if c.cfg.VectorDim > 0 && len(p.Vector) != c.cfg.VectorDim {
			return opErr(
				op,
				OperationErrorValidation,
				fmt.Sprintf(
					"point %q dimension mismatch: expected=%d got=%d",
					id,
					c.cfg.VectorDim,
					len(p.Vector),
				),
				nil,
			)
		}
		payload := p.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		body = append(body, map[string]any{
			"id":      id,
			"vector":  p.Vector,
			"payload": payload,
		})
	}

	req := map[string]any{"points": body}
	return c.doJSON(ctx, op, http.MethodPut, c.collectionPath("/points?wait=true"), req, nil)
}

// SearchPoints returns up to limit hits sorted by normalized score descending.
func (c *Client) SearchPoints(ctx context.Context, vector []float32, limit int, filter map[string]any) ([]ScoredPoint, error) {
	const op = "search"
	if len(vector) == 0 {
		return nil, opErr(op, OperationErrorValidation, "query vector required", nil)
	}
	if c.cfg.VectorDim > 0 && len(vector) != c.cfg.VectorDim {
		return nil, opErr(
			op,
			OperationErrorValidation,
			fmt.Sprintf("query vector dimension mismatch: expected=%d got=%d", c.cfg.VectorDim, len(vector)),
			nil,
		)
	}
	if limit <= 0 {
		limit = 10
	}

	req := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
		"with_vector":  false,
	}
	if len(filter) > 0 {
		translated, err := translateFilterMap(filter)
		if err != nil {
			var opErrTyped *OperationError
			if errors.As(err, &opErrTyped) && opErrTyped.Code == OperationErrorUnsupportedFilter {
				c.log.Warn("qdrant search filter unsupported", "error", err)
			}
			return nil, err
		}
		req["filter"] = translated.asMap()
	}

	var rawResults []searchResultItem
	if err := c.doJSON(ctx, op, http.MethodPost, c.collectionPath("/points/search"), req, &rawResults); err != nil {
		return nil, err
	}

	out := make([]ScoredPoint, 0, len(rawResults))
	for _, item := range rawResults {
		id := decodePointID(item.ID)
		if id == "" {
			continue
		}
		out = append(out, ScoredPoint{
			ID:      id,
			Score:   c.normalizeScore(item.Score),
			Payload: item.Payload,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].ID < out[j].ID
		}
		return out[i].Score > out[j].Score
	})
	return out, nil
}

// RetrievePoints fetches points by id, including stored vectors when withVector is set.
func (c *Client) RetrievePoints(ctx context.Context, ids []string, withVector bool) ([]RetrievedPoint, error) {
	const op = "retrieve"
	clean := make([]string, 0, len(ids))
	for _, id := range ids {
		if s := strings.TrimSpace(id); s != "" {
			clean = append(clean, s)
		}
	}
	if len(clean) == 0 {
		return nil, nil
	}

	req := map[string]any{
		"ids":          clean,
		"with_payload": true,
		"with_vector":  withVector,
	}
	var rawResults []retrieveResultItem
	if err := c.doJSON(ctx, op, http.MethodPost, c.collectionPath("/points"), req, &rawResults); err != nil {
		return nil, err
	}

	out := make([]RetrievedPoint, 0, len(rawResults))
	for _, item := range rawResults {
		id := decodePointID(item.ID)
		if id == "" {
			continue
		}
		var vec []float32
		if len(item.Vector) > 0 {
			vec = make([]float32, len(item.Vector))
			for i, f := range item.Vector {
				vec[i] = float32(f)
			}
		}
		out = append(out, RetrievedPoint{
			ID:      id,
			Vector:  vec,
			Payload: item.Payload,
		})
	}
	return out, nil
}

// DeletePoints removes points by id with wait=true.
func (c *Client) DeletePoints(ctx context.Context, ids []string) error {
	const op = "delete"
	seen := make(map[string]struct{}, len(ids))
	clean := make([]string, 0, len(ids))
	for _, id := range ids {
		s := strings.TrimSpace(id)
		if s == "" {
			continue
		}
		if _, exists := seen[s]; exists {
			continue
		}
		seen[s] = struct{}{}
		clean = append(clean, s)
	}
	if len(clean) == 0 {
		return nil
	}

	req := map[string]any{"points": clean}
	return c.doJSON(ctx, op, http.MethodPost, c.collectionPath("/points/delete?wait=true"), req, nil)
}

// CountPoints returns the exact number of points in the collection.
func (c *Client) CountPoints(ctx context.Context) (int64, error) {
	const op = "count"
	var result struct {
		Count int64 `json:"count"`
	}
	req := map[string]any{"exact": true}
	if err := c.doJSON(ctx, op, http.MethodPost, c.collectionPath("/points/count"), req, &result); err != nil {
		return 0, err
	}
	return result.Count, nil
}

type collectionParams struct {
	size     int
	distance string
}

func (c *Client) collectionInfo(ctx context.Context, op string) (collectionParams, error) {
	var result struct {
		Config struct {
			Params struct {
				Vectors struct {
					Size     int    `json:"size"`
					Distance string `json:"distance"`
				} `json:"vectors"`
			} `json:"params"`
		} `json:"config"`
	}
	if err := c.doJSON(ctx, op, http.MethodGet, c.collectionPath(""), nil, &result); err != nil {
		return collectionParams{}, err
	}
	return collectionParams{
		size:     result.Config.Params.Vectors.Size,
		distance: strings.TrimSpace(result.Config.Params.Vectors.Distance),
	}, nil
}

func (c *Client) verifyReady(ctx context.Context) error {
	const op = "bootstrap_verify"

	readyReq, err := http.NewRequestWithContext(ctxutil.Default(ctx), http.MethodGet, c.baseURL+"/readyz", nil)
	if err != nil {
		return opErr(op, OperationErrorTransportFailed, "build ready request failed", err)
	}
	readyResp, err := c.http.Do(readyReq)
	if err != nil {
		return classifyHTTPCallError(op, "qdrant ready check failed", err)
	}
	_ = readyResp.Body.Close()
	if readyResp.StatusCode < 200 || readyResp.StatusCode >= 300 {
		return &OperationError{
			Code:       OperationErrorQueryFailed,
			Operation:  op,
			StatusCode: readyResp.StatusCode,
			Message:    fmt.Sprintf("qdrant ready check returned status=%d", readyResp.StatusCode),
		}
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(in); err != nil {
			return opErr(op, OperationErrorEncodeFailed, "encode request failed", err)
		}
		body = &buf
	}

	req, err := http.NewRequestWithContext(ctxutil.Default(ctx), method, c.baseURL+path, body)
	if err != nil {
		return opErr(op, OperationErrorTransportFailed, "build request failed", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyHTTPCallError(op, "qdrant request failed", err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 10*maxErrorBodyBytes))
	if readErr != nil {
		return opErr(op, OperationErrorDecodeFailed, "read response failed", readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &OperationError{
			Code:       OperationErrorQueryFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("qdrant http status=%d body=%q", resp.StatusCode, truncateBody(raw)),
		}
	}

	var envelope qdrantEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return opErr(op, OperationErrorDecodeFailed, "decode qdrant envelope failed", err)
	}
	if statusErr := parseEnvelopeStatus(envelope.Status); statusErr != "" {
		return &OperationError{
			Code:       OperationErrorQueryFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    statusErr,
		}
	}

	if out == nil {
		return nil
	}
	if len(envelope.Result) == 0 || string(envelope.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return opErr(op, OperationErrorDecodeFailed, "decode qdrant result failed", err)
	}
	return nil
}

func classifyHTTPCallError(op, message string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return opErr(op, OperationErrorTimeout, message, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return opErr(op, OperationErrorTimeout, message, err)
	}
	return opErr(op, OperationErrorTransportFailed, message, err)
}

func parseEnvelopeStatus(raw json.RawMessage) string {
	status := strings.TrimSpace(string(raw))
	if status == "" || status == "null" {
		return ""
	}

	var statusString string
	if err := json.Unmarshal(raw, &statusString); err == nil {
		if strings.EqualFold(statusString, "ok") {
			return ""
		}
		return fmt.Sprintf("qdrant status=%q", statusString)
	}

	var statusObject struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &statusObject); err == nil {
		if strings.TrimSpace(statusObject.Error) != "" {
			return strings.TrimSpace(statusObject.Error)
		}
	}

	return fmt.Sprintf("qdrant status=%s", status)
}

func truncateBody(raw []byte) string {
	if len(raw) <= maxErrorBodyBytes {
		return string(raw)
	}
	return string(raw[:maxErrorBodyBytes]) + "..."
}

func decodePointID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var idString string
	if err := json.Unmarshal(raw, &idString); err == nil {
		return strings.TrimSpace(idString)
	}
	var idNumber int64
	if err := json.Unmarshal(raw, &idNumber); err == nil {
		return fmt.Sprintf("%d", idNumber)
	}
	return strings.TrimSpace(string(raw))
}

func (c *Client) normalizeScore(score float64) float64 {
	switch strings.ToLower(strings.TrimSpace(c.distance)) {
	case "euclid", "manhattan":
		if score < 0 {
			score = -score
		}
		return 1.0 / (1.0 + score)
	default:
		return score
	}
}

func (c *Client) collectionPath(suffix string) string {
	path := "/collections/" + c.cfg.Collection
	if strings.TrimSpace(suffix) == "" {
		return path
	}
	return path + suffix
}
