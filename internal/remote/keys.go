package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	syncerrors "github.com/alexjbarnes/chat-sync/internal/errors"
)

// StoreWrappedBundle uploads the KEK-wrapped key bundle for a
// credential. The blob is already encrypted client-side; the backend
// only ever sees ciphertext indexed by credential id.
func (c *Client) StoreWrappedBundle(ctx context.Context, credentialID string, wrapped []byte) error {
	endpoint := "/v1/keys/" + url.PathEscape(credentialID)

	headers := map[string]string{"Content-Type": "application/octet-stream"}

	resp, err := c.do(ctx, http.MethodPut, endpoint, wrapped, headers)
	if err != nil {
		return fmt.Errorf("storing key backup: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, endpoint); err != nil {
		return fmt.Errorf("storing key backup: %w", err)
	}

	return nil
}

// RetrieveWrappedBundle downloads the KEK-wrapped key bundle for a
// credential. Returns ErrBackupMissing when the backend holds no
// record for the id.
func (c *Client) RetrieveWrappedBundle(ctx context.Context, credentialID string) ([]byte, error) {
	endpoint := "/v1/keys/" + url.PathEscape(credentialID)

	resp, err := c.do(ctx, http.MethodGet, endpoint, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching key backup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, syncerrors.ErrBackupMissing
	}

	if err := checkStatus(resp, endpoint); err != nil {
		return nil, fmt.Errorf("fetching key backup: %w", err)
	}

	wrapped, err := io.ReadAll(io.LimitReader(resp.Body, maxBlobBytes))
	if err != nil {
		return nil, fmt.Errorf("reading key backup: %w", err)
	}

	return wrapped, nil
}

// AccountFlags are account-scoped hints persisted server-side so they
// survive device changes.
type AccountFlags struct {
	HasSeenPasskeyIntro bool `json:"hasSeenPasskeyIntro"`
}

// GetAccountFlags fetches the account-scoped flags.
func (c *Client) GetAccountFlags(ctx context.Context) (*AccountFlags, error) {
	endpoint := "/v1/account/flags"

	resp, err := c.do(ctx, http.MethodGet, endpoint, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching account flags: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, endpoint); err != nil {
		return nil, fmt.Errorf("fetching account flags: %w", err)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return nil, fmt.Errorf("reading account flags: %w", err)
	}

	var flags AccountFlags
	if err := json.Unmarshal(body, &flags); err != nil {
		return nil, fmt.Errorf("decoding account flags: %w", err)
	}

	return &flags, nil
}

// SetAccountFlags persists the account-scoped flags.
func (c *Client) SetAccountFlags(ctx context.Context, flags AccountFlags) error {
	endpoint := "/v1/account/flags"

	body, err := json.Marshal(flags)
	if err != nil {
		return fmt.Errorf("encoding account flags: %w", err)
	}

	headers := map[string]string{"Content-Type": "application/json"}

	resp, err := c.do(ctx, http.MethodPut, endpoint, body, headers)
	if err != nil {
		return fmt.Errorf("storing account flags: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, endpoint); err != nil {
		return fmt.Errorf("storing account flags: %w", err)
	}

	return nil
}
