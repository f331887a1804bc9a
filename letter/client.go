package letter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"
)

// RenderRequest identifies the case, decision, and document the rendering
// service needs to produce a determination letter.
type RenderRequest struct {
	CaseExternalID string `json:"case_external_id"`
	DocumentID     string `json:"document_id"`
	DecisionKind   string `json:"decision_kind"`
	Outcome        string `json:"outcome"`
}

// Package is the metadata returned for a successfully rendered letter.
type Package struct {
	BlobURL       string    `json:"blob_url"`
	Filename      string    `json:"filename"`
	FileSizeBytes int64     `json:"file_size_bytes"`
	GeneratedAt   time.Time `json:"generated_at"`
}

// RenderError is a typed failure from the rendering service. Server-class
// codes are retried; everything else is permanent.
type RenderError struct {
	StatusCode int
	Body       string
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("letter: render failed with status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the failure is server-class.
func (e *RenderError) Retryable() bool {
	return e.StatusCode >= 500
}

// Client calls the letter-rendering collaborator over HTTP. Requests carry a
// short-lived HS256 bearer token minted per call.
type Client struct {
	baseURL       string
	signingSecret []byte
	httpc         *http.Client
	maxElapsed    time.Duration
}

func NewClient(baseURL, signingSecret string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:       baseURL,
		signingSecret: []byte(signingSecret),
		httpc:         &http.Client{Timeout: timeout},
		maxElapsed:    2 * time.Minute,
	}
}

// Render requests letter generation, retrying with exponential backoff on
// server-class errors only.
func (c *Client) Render(ctx context.Context, req RenderRequest) (Package, error) {
	if req.CaseExternalID == "" {
		return Package{}, fmt.Errorf("letter: missing case external id")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Package{}, fmt.Errorf("letter: marshal render request: %w", err)
	}

	var pkg Package
	operation := func() error {
		var opErr error
		pkg, opErr = c.renderOnce(ctx, body)
		if opErr == nil {
			return nil
		}
		if re, ok := opErr.(*RenderError); ok && !re.Retryable() {
			return backoff.Permanent(opErr)
		}
		return opErr
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = c.maxElapsed
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return Package{}, err
	}
	return pkg, nil
}

func (c *Client) renderOnce(ctx context.Context, body []byte) (Package, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/letters", bytes.NewReader(body))
	if err != nil {
		return Package{}, fmt.Errorf("letter: build request: %w", err)
	}

	token, err := c.mintToken()
	if err != nil {
		return Package{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return Package{}, fmt.Errorf("letter: call render service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Package{}, &RenderError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var pkg Package
	if err := json.NewDecoder(resp.Body).Decode(&pkg); err != nil {
		return Package{}, fmt.Errorf("letter: decode render response: %w", err)
	}
	return pkg, nil
}

func (c *Client) mintToken() (string, error) {
	claims := jwt.MapClaims{
		"iss": "caseflow-worker",
		"aud": "letter-renderer",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(5 * time.Minute).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.signingSecret)
	if err != nil {
		return "", fmt.Errorf("letter: sign token: %w", err)
	}
	return signed, nil
}
