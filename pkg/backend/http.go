package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/harunnryd/scribeflow/pkg/errorsx"
	"github.com/harunnryd/scribeflow/pkg/logging"
)

type HTTPConfig struct {
	BaseURL string
	// APIKey authenticates control-plane calls (consultation/session create).
	// Chunk uploads use the session capability token instead.
	APIKey string
	// Timeout bounds each HTTP round trip.
	Timeout time.Duration
	// PollAttempts and PollInterval bound transcript polling.
	PollAttempts int
	PollInterval time.Duration
	// Sleep overrides poll waiting, for tests.
	Sleep func(time.Duration)

	HTTPClient *http.Client
}

func (c HTTPConfig) withDefaults() HTTPConfig {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.PollAttempts <= 0 {
		c.PollAttempts = 60
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.Sleep == nil {
		c.Sleep = time.Sleep
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c
}

// HTTPClient talks to the transcription backend over its REST surface.
type HTTPClient struct {
	cfg HTTPConfig
	log *slog.Logger
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	return &HTTPClient{
		cfg: cfg.withDefaults(),
		log: logging.NewComponentLogger(slog.Default(), "backend"),
	}
}

func (c *HTTPClient) CreateConsultation(ctx context.Context, targetID string) (Consultation, error) {
	var out Consultation
	body := map[string]string{"target_id": targetID}
	if err := c.postJSON(ctx, "/v1/consultations", c.cfg.APIKey, body, &out); err != nil {
		return Consultation{}, fmt.Errorf("create consultation: %w", err)
	}
	return out, nil
}

func (c *HTTPClient) CreateSession(ctx context.Context, consultationID string) (Session, error) {
	var out Session
	path := "/v1/consultations/" + consultationID + "/sessions"
	if err := c.postJSON(ctx, path, c.cfg.APIKey, nil, &out); err != nil {
		return Session{}, errorsx.Wrap(fmt.Errorf("create session: %w", err), errorsx.ReasonSessionCreate)
	}
	if out.Token == "" {
		return Session{}, errorsx.Wrap(fmt.Errorf("create session: backend returned no token"), errorsx.ReasonSessionCreate)
	}
	return out, nil
}

func (c *HTTPClient) UploadChunk(ctx context.Context, token string, up ChunkUpload) (ChunkRecord, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("chunk_number", strconv.Itoa(up.Number))
	_ = w.WriteField("sequence_order", strconv.Itoa(up.SequenceOrder))
	_ = w.WriteField("duration_ms", strconv.FormatInt(up.Duration.Milliseconds(), 10))
	part, err := w.CreateFormFile("audio", fmt.Sprintf("chunk-%d.webm", up.Number))
	if err != nil {
		return ChunkRecord{}, fmt.Errorf("upload chunk: build form: %w", err)
	}
	if _, err := part.Write(up.Data); err != nil {
		return ChunkRecord{}, fmt.Errorf("upload chunk: write payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return ChunkRecord{}, fmt.Errorf("upload chunk: close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/chunks", &buf)
	if err != nil {
		return ChunkRecord{}, fmt.Errorf("upload chunk: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", w.FormDataContentType())
	if up.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", up.IdempotencyKey)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return ChunkRecord{}, errorsx.Wrap(fmt.Errorf("upload chunk: %w", err), errorsx.ReasonUploadTransient)
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp); err != nil {
		return ChunkRecord{}, fmt.Errorf("upload chunk %d: %w", up.Number, err)
	}
	var out ChunkRecord
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ChunkRecord{}, errorsx.Wrap(fmt.Errorf("upload chunk: decode response: %w", err), errorsx.ReasonUploadTransient)
	}
	return out, nil
}

func (c *HTTPClient) CompleteSession(ctx context.Context, token, sessionID string) error {
	path := "/v1/sessions/" + sessionID + "/complete"
	if err := c.postJSON(ctx, path, token, nil, nil); err != nil {
		return errorsx.Wrap(fmt.Errorf("complete session %s: %w", sessionID, err), errorsx.ReasonSessionComplete)
	}
	return nil
}

func (c *HTTPClient) CompleteConsultation(ctx context.Context, consultationID string) error {
	path := "/v1/consultations/" + consultationID + "/complete"
	if err := c.postJSON(ctx, path, c.cfg.APIKey, nil, nil); err != nil {
		return errorsx.Wrap(fmt.Errorf("complete consultation %s: %w", consultationID, err), errorsx.ReasonConsultComplete)
	}
	return nil
}

func (c *HTTPClient) FetchSegments(ctx context.Context, consultationID string) ([]Segment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/consultations/"+consultationID+"/segments", nil)
	if err != nil {
		return nil, fmt.Errorf("fetch segments: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("fetch segments: %w", err), errorsx.ReasonTranscript)
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("fetch segments: %w", err), errorsx.ReasonTranscript)
	}
	var out struct {
		Complete bool      `json:"complete"`
		Segments []Segment `json:"segments"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("fetch segments: decode: %w", err), errorsx.ReasonTranscript)
	}
	if !out.Complete {
		return out.Segments, errNotReady
	}
	return out.Segments, nil
}

var errNotReady = fmt.Errorf("transcript not ready")

// PollSegments fetches segments repeatedly until the backend reports the
// transcript complete or the attempt budget runs out. On exhaustion it returns
// whatever segments the last fetch produced alongside the error.
func (c *HTTPClient) PollSegments(ctx context.Context, consultationID string) ([]Segment, error) {
	var (
		segments []Segment
		err      error
	)
	for attempt := 0; attempt < c.cfg.PollAttempts; attempt++ {
		if ctx.Err() != nil {
			return segments, ctx.Err()
		}
		segments, err = c.FetchSegments(ctx, consultationID)
		if err == nil {
			return segments, nil
		}
		if err != errNotReady {
			return segments, err
		}
		c.log.Debug("transcript_poll_pending",
			slog.String("consultation_id", consultationID),
			slog.Int("attempt", attempt+1))
		c.cfg.Sleep(c.cfg.PollInterval)
	}
	return segments, errorsx.Wrap(
		fmt.Errorf("transcript for consultation %s not ready after %d polls", consultationID, c.cfg.PollAttempts),
		errorsx.ReasonTranscript)
}

func (c *HTTPClient) postJSON(ctx context.Context, path, bearer string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, rd)
	if err != nil {
		return err
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonUploadTransient)
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// classifyStatus maps an HTTP response onto the retry taxonomy: 5xx and
// timeouts are transient, 401/403 mean the capability token is dead, any
// other 4xx is a validation failure that retrying cannot fix.
func classifyStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("backend returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errorsx.Wrap(err, errorsx.ReasonTokenInvalid)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return errorsx.Wrap(err, errorsx.ReasonUploadTransient)
	default:
		return errorsx.Wrap(err, errorsx.ReasonUploadValidation)
	}
}
