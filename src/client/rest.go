package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const DiscordAPI = "https://discord.com/api/v10"

// REST covers the two HTTP calls the gateway needs: discovery and a channel
// lookup for the tooling.
type REST struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

func NewREST(token, baseURL string) *REST {
	if baseURL == "" {
		baseURL = DiscordAPI
	}
	return &REST{
		token:   token,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// GatewayBot fetches the gateway URL and recommended shard count.
func (r *REST) GatewayBot(ctx context.Context) (GatewayBotResponse, error) {
	var response GatewayBotResponse
	if err := r.get(ctx, "/gateway/bot", &response); err != nil {
		return GatewayBotResponse{}, err
	}
	if response.Url == "" {
		return GatewayBotResponse{}, fmt.Errorf("gateway response has no url")
	}
	return response, nil
}

func (r *REST) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bot %s", r.token))

	res, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error making http request: %w", err)
	}
	defer res.Body.Close()

	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("could not read response body: %w", err)
	}

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %d: %s", path, res.StatusCode, strings.TrimSpace(string(resBody)))
	}

	if err := json.Unmarshal(resBody, out); err != nil {
		return fmt.Errorf("could not unmarshal response body: %w", err)
	}
	return nil
}
