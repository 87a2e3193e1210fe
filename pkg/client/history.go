package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aeolun/teamchat/pkg/protocol"
)

// maxHistoryBody bounds how much of a history response is read
const maxHistoryBody = 16 * 1024 * 1024

// HTTPHistory fetches channel history from the REST endpoint
// GET {baseURL}/channels/{id}/messages, which returns a JSON array of
// messages in bootstrap order.
type HTTPHistory struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPHistory creates a history fetcher. token is sent as a bearer
// token when non-empty.
func NewHTTPHistory(baseURL, token string, timeout time.Duration) *HTTPHistory {
	return &HTTPHistory{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

// FetchHistory implements HistoryFetcher
func (h *HTTPHistory) FetchHistory(ctx context.Context, channelID string) ([]protocol.Message, error) {
	endpoint := fmt.Sprintf("%s/channels/%s/messages", h.baseURL, url.PathEscape(channelID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build history request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("history request: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var messages []protocol.Message
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxHistoryBody)).Decode(&messages); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}

	for i := range messages {
		if messages[i].ChannelID == "" {
			messages[i].ChannelID = channelID
		}
	}
	return messages, nil
}
