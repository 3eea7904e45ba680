package api

import (
	"context"
	"errors"
	"strings"

	"github.com/jmcleod/keystate/keyconnector"
)

var _ keyconnector.Fetcher = (*Client)(nil)

type userKeyResponse struct {
	Key string `json:"key"`
}

// FetchMasterKey gets <keyConnectorURL>/user-keys with the user's token.
func (c *Client) FetchMasterKey(ctx context.Context, keyConnectorURL, userID string) (string, error) {
	if keyConnectorURL == "" {
		return "", keyconnector.ErrMissingKeyConnectorURL
	}
	if userID == "" {
		return "", errors.New("key connector requests need a user")
	}
	var resp userKeyResponse
	url := strings.TrimSuffix(keyConnectorURL, "/") + "/user-keys"
	if err := c.getJSON(ctx, url, userID, &resp); err != nil {
		return "", err
	}
	return resp.Key, nil
}
