package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	apperrors "github.com/shehryarbajwa/browserpilot/internal/errors"
)

const maxErrorBody = 4096

// Transport is a small JSON-over-HTTP client shared by the HTTP backends
type Transport struct {
	Engine  string
	BaseURL string
	Client  *http.Client
	Header  http.Header
}

// NewTransport returns a transport rooted at baseURL
func NewTransport(engineName, baseURL string, client *http.Client, header http.Header) *Transport {
	if client == nil {
		client = http.DefaultClient
	}
	if header == nil {
		header = http.Header{}
	}
	return &Transport{
		Engine:  engineName,
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  client,
		Header:  header,
	}
}

// StatusError is a non-2xx response from a backend
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Do sends body as JSON and decodes a JSON response into out. Network
// failures, 5xx and 429 come back as *errors.EngineError; other non-2xx
// responses come back as *StatusError.
func (t *Transport) Do(ctx context.Context, op, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	for k, values := range t.Header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.Client.Do(req)
	if err != nil {
		return &apperrors.EngineError{Engine: t.Engine, Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return &apperrors.EngineError{Engine: t.Engine, Op: op, Err: statusErr}
		}
		return statusErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

// AsRejection turns a 4xx StatusError from a submit call into a
// SubmissionRejectedError and passes anything else through.
func AsRejection(err error) error {
	if apperrors.Is(err, apperrors.ErrEngineUnavailable) {
		return err
	}
	var statusErr *StatusError
	if apperrors.As(err, &statusErr) {
		return &apperrors.SubmissionRejectedError{StatusCode: statusErr.StatusCode, Detail: statusErr.Body}
	}
	return err
}
