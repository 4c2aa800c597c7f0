package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HeartbeatInterval is how often the server writes a keep-alive comment.
const HeartbeatInterval = 15 * time.Second

// WriteFrame writes one SSE frame carrying ev as JSON.
func WriteFrame(w io.Writer, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if ev.ID != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", ev.ID); err != nil {
			return fmt.Errorf("write event id: %w", err)
		}
	}

	if _, err := fmt.Fprintf(w, "event: %s\n", ev.Type); err != nil {
		return fmt.Errorf("write event type: %w", err)
	}

	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write event data: %w", err)
	}

	return nil
}

// WriteHeartbeat writes an SSE comment that clients ignore.
func WriteHeartbeat(w io.Writer) error {
	_, err := io.WriteString(w, ": heartbeat\n\n")

	return err
}

// SSEDialer opens push channels over HTTP server-sent events at
// <BaseURL>/stream/<requestID>?token=<token>.
type SSEDialer struct {
	BaseURL string
	Client  *http.Client
}

func (d *SSEDialer) Dial(ctx context.Context, requestID, token string) (Conn, error) { //nolint:ireturn
	endpoint := fmt.Sprintf("%s/stream/%s?token=%s",
		strings.TrimSuffix(d.BaseURL, "/"), url.PathEscape(requestID), url.QueryEscape(token))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()

		return nil, fmt.Errorf("stream rejected (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return &sseConn{body: resp.Body, reader: bufio.NewReader(resp.Body)}, nil
}

type sseConn struct {
	body   io.ReadCloser
	reader *bufio.Reader
}

// Next returns the data of the next event. Comments, event names and ids
// are skipped; multi-line data is joined with newlines.
func (c *sseConn) Next(ctx context.Context) ([]byte, error) {
	var data bytes.Buffer

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		line, err := c.reader.ReadString('\n')
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			return nil, err
		}

		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if data.Len() > 0 {
				return data.Bytes(), nil
			}
		case strings.HasPrefix(line, ":"):
			// heartbeat
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}

			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

func (c *sseConn) Close() error {
	return c.body.Close()
}

// HTTPTokenIssuer requests tokens from POST <BaseURL>/stream/token.
type HTTPTokenIssuer struct {
	BaseURL string
	Client  *http.Client
}

type tokenRequest struct {
	RequestID string `json:"request_id,omitempty"`
}

func (i *HTTPTokenIssuer) IssueToken(ctx context.Context, requestID string) (string, error) {
	body, err := json.Marshal(tokenRequest{RequestID: requestID})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(i.BaseURL, "/")+"/stream/token", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := i.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("token request failed with status %d", resp.StatusCode)
	}

	var token Token
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}

	return token.Value, nil
}

// StoreIssuer issues tokens straight from a TokenStore, for in-process subscribers.
type StoreIssuer struct {
	Store TokenStore
	TTL   time.Duration
}

func (i StoreIssuer) IssueToken(ctx context.Context, requestID string) (string, error) {
	token, err := i.Store.Issue(ctx, requestID, i.TTL)
	if err != nil {
		return "", err
	}

	return token.Value, nil
}
