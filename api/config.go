package api

import (
	"context"

	"github.com/jmcleod/keystate/serverconfig"
)

var _ serverconfig.Fetcher = (*Client)(nil)

// FetchConfig gets /api/config. An empty userID makes an anonymous request
// against the configured server.
func (c *Client) FetchConfig(ctx context.Context, userID string) (*serverconfig.Response, error) {
	root, err := c.apiURL(ctx, userID)
	if err != nil {
		return nil, err
	}
	var resp serverconfig.Response
	if err := c.getJSON(ctx, root+"/config", userID, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
