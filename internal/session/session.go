// Package session talks to the upload-session issuer: the backend endpoint
// that hands out temporary write credentials and a canonical storage path for
// a new media asset.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"
)

// Request carries everything the issuer needs to open an upload session.
type Request struct {
	OrgID           string  `json:"orgId"`
	Bucket          string  `json:"bucket"`
	FileName        string  `json:"fileName"`
	FileSizeBytes   int64   `json:"fileSizeBytes"`
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
}

// Credentials are time-limited write credentials for the object store.
type Credentials struct {
	AccessKeyID     string    `json:"accessKeyId"`
	SecretAccessKey string    `json:"secretAccessKey"`
	SessionToken    string    `json:"sessionToken,omitempty"`
	ExpiresAt       time.Time `json:"expiresAt,omitempty"`
}

// Grant is the issuer's answer: a media identifier, where to put the bytes,
// and credentials allowed to do so.
type Grant struct {
	MediaID     string      `json:"mediaId"`
	StoragePath string      `json:"storagePath"`
	Credentials Credentials `json:"credentials"`
}

// Issuer opens upload sessions.
type Issuer interface {
	IssueUploadSession(ctx context.Context, req Request) (*Grant, error)
}

// Client is the HTTP implementation of Issuer.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient constructs an issuer client against the given base URL.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// IssueUploadSession requests a signed upload session from the backend.
func (c *Client) IssueUploadSession(ctx context.Context, req Request) (*Grant, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal session request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/upload-sessions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build session request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("issue upload session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("issuer rejected session: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var grant Grant
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return nil, fmt.Errorf("decode session grant: %w", err)
	}
	if grant.MediaID == "" || grant.StoragePath == "" {
		return nil, fmt.Errorf("issuer returned incomplete grant")
	}
	return &grant, nil
}

// SanitizeFileName strips any path components and characters the storage
// layer should never see from a client-supplied file name.
func SanitizeFileName(name string) string {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "." || base == string(filepath.Separator) {
		return "upload"
	}
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "upload"
	}
	return b.String()
}
