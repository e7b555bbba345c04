// Package remote implements clients for the backend chat object store
// and the passkey bundle store. All payloads travel encrypted; this
// package never sees plaintext or key material beyond opaque blobs.
package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	syncerrors "github.com/alexjbarnes/chat-sync/internal/errors"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxListResponseBytes caps listing response body reads so a
	// misbehaving server cannot consume unbounded memory.
	maxListResponseBytes = 8 * 1024 * 1024

	// maxBlobBytes caps a single chat blob download.
	maxBlobBytes = 64 * 1024 * 1024

	// formatVersionHeader carries the frame format version of a chat
	// blob. Version 1 (raw binary frame) is the only version written;
	// version 0 is accepted on read for legacy data.
	formatVersionHeader = "X-Chat-Format-Version"

	// syncVersionHeader carries the server's current sync version of a
	// chat blob on reads, mirroring the syncVersion field of listing
	// entries.
	syncVersionHeader = "X-Chat-Sync-Version"

	// expectedVersionHeader carries the optimistic-concurrency token on
	// writes. The server rejects the write with 409 when its stored
	// version is newer.
	expectedVersionHeader = "X-Expected-Sync-Version"
)

// ListOptions controls a chat listing request.
type ListOptions struct {
	Limit             int
	ContinuationToken string
	IncludeContent    bool
}

// RemoteChat is one entry in a listing response. Content is only
// populated when the listing was requested with IncludeContent; it is
// always an encrypted frame.
type RemoteChat struct {
	ID            string
	UpdatedAt     time.Time
	SyncVersion   int64
	FormatVersion int
	Content       []byte
}

// ListResult is the outcome of a listing call.
type ListResult struct {
	Conversations         []RemoteChat
	NextContinuationToken string
}

// ChatStore is the remote chat object store surface consumed by the
// pagination engine and the sync orchestrator. Implemented by Client
// (HTTP backend) and S3Store (self-hosted bucket).
type ChatStore interface {
	ListChats(ctx context.Context, opts ListOptions) (*ListResult, error)
	GetChat(ctx context.Context, chatID string) (*RemoteChat, error)
	PutChat(ctx context.Context, chatID string, blob []byte, expectedVersion int64) (int64, error)
	DeleteChat(ctx context.Context, chatID string) error
}

// Client talks to the chat backend over authenticated HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so bearer tokens never leak to
// third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates a backend client. If httpClient is nil, a client
// with a 30-second timeout and same-host redirect policy is used.
func NewClient(baseURL string, tokens TokenSource, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
	}
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// do sends an authenticated request and returns the response. The
// caller owns the response body. Network errors come back wrapped as
// TransientError.
func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, headers map[string]string) (*http.Response, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining token: %w", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return nil, &TransientError{Err: fmt.Errorf("sending request to %s: %w", endpoint, err)}
	}

	return resp, nil
}

// checkStatus drains and classifies a non-2xx response.
func checkStatus(resp *http.Response, endpoint string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	err := fmt.Errorf("API %s returned status %d: %s", endpoint, resp.StatusCode, sanitizeResponseBody(body))

	if isTransientStatus(resp.StatusCode) {
		return &TransientError{Err: err}
	}

	return err
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// ListChats fetches one page of the remote chat listing. The response
// is parsed tolerantly: unknown fields are ignored and optional fields
// default to their zero values, so backend payload evolution does not
// break older clients.
func (c *Client) ListChats(ctx context.Context, opts ListOptions) (*ListResult, error) {
	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}

	if opts.ContinuationToken != "" {
		q.Set("continuation_token", opts.ContinuationToken)
	}

	if opts.IncludeContent {
		q.Set("include_content", "true")
	}

	endpoint := "/v1/chats"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	resp, err := c.do(ctx, http.MethodGet, endpoint, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("listing chats: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, endpoint); err != nil {
		return nil, fmt.Errorf("listing chats: %w", err)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxListResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading listing response: %w", err)
	}

	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("listing chats: invalid JSON response")
	}

	parsed := gjson.ParseBytes(body)
	result := &ListResult{
		NextContinuationToken: parsed.Get("nextContinuationToken").String(),
	}

	for _, conv := range parsed.Get("conversations").Array() {
		chat := RemoteChat{
			ID:            conv.Get("id").String(),
			SyncVersion:   conv.Get("syncVersion").Int(),
			FormatVersion: int(conv.Get("formatVersion").Int()),
		}

		if chat.ID == "" {
			continue
		}

		if ts := conv.Get("updatedAt").String(); ts != "" {
			if at, err := time.Parse(time.RFC3339, ts); err == nil {
				chat.UpdatedAt = at
			}
		}

		if content := conv.Get("content").String(); content != "" {
			decoded, err := decodeBase64(content)
			if err != nil {
				return nil, fmt.Errorf("decoding content for chat %s: %w", chat.ID, err)
			}

			chat.Content = decoded
		}

		result.Conversations = append(result.Conversations, chat)
	}

	return result, nil
}

// GetChat downloads the encrypted blob for a chat. The returned entry
// carries the raw frame bytes plus the format and sync versions from
// the response headers.
func (c *Client) GetChat(ctx context.Context, chatID string) (*RemoteChat, error) {
	endpoint := "/v1/chats/" + url.PathEscape(chatID)

	resp, err := c.do(ctx, http.MethodGet, endpoint, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching chat %s: %w", chatID, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, endpoint); err != nil {
		return nil, fmt.Errorf("fetching chat %s: %w", chatID, err)
	}

	blob, err := io.ReadAll(io.LimitReader(resp.Body, maxBlobBytes))
	if err != nil {
		return nil, fmt.Errorf("reading chat %s: %w", chatID, err)
	}

	chat := &RemoteChat{ID: chatID, Content: blob}

	if v := resp.Header.Get(formatVersionHeader); v != "" {
		chat.FormatVersion, err = strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("fetching chat %s: bad format version %q", chatID, v)
		}
	}

	if v := resp.Header.Get(syncVersionHeader); v != "" {
		chat.SyncVersion, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("fetching chat %s: bad sync version %q", chatID, v)
		}
	}

	return chat, nil
}

// PutChat uploads an encrypted chat blob. expectedVersion is the sync
// version the caller last saw; the server rejects the write with 409
// when its copy is newer. Returns the new sync version assigned by the
// server.
func (c *Client) PutChat(ctx context.Context, chatID string, blob []byte, expectedVersion int64) (int64, error) {
	endpoint := "/v1/chats/" + url.PathEscape(chatID)

	headers := map[string]string{
		"Content-Type":        "application/octet-stream",
		formatVersionHeader:   "1",
		expectedVersionHeader: strconv.FormatInt(expectedVersion, 10),
	}

	resp, err := c.do(ctx, http.MethodPut, endpoint, blob, headers)
	if err != nil {
		return 0, fmt.Errorf("uploading chat %s: %w", chatID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return 0, fmt.Errorf("uploading chat %s: %w", chatID, syncerrors.ErrVersionConflict)
	}

	if err := checkStatus(resp, endpoint); err != nil {
		return 0, fmt.Errorf("uploading chat %s: %w", chatID, err)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return 0, fmt.Errorf("reading upload response for chat %s: %w", chatID, err)
	}

	newVersion := gjson.GetBytes(body, "syncVersion").Int()
	if newVersion == 0 {
		newVersion = expectedVersion + 1
	}

	return newVersion, nil
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// DeleteChat removes a chat from the remote store.
func (c *Client) DeleteChat(ctx context.Context, chatID string) error {
	endpoint := "/v1/chats/" + url.PathEscape(chatID)

	resp, err := c.do(ctx, http.MethodDelete, endpoint, nil, nil)
	if err != nil {
		return fmt.Errorf("deleting chat %s: %w", chatID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}

	if err := checkStatus(resp, endpoint); err != nil {
		return fmt.Errorf("deleting chat %s: %w", chatID, err)
	}

	return nil
}
