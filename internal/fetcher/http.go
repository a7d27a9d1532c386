package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const defaultUserAgent = "fxrates/1.0"

// httpSource holds the transport shared by the JSON vendors.
type httpSource struct {
	client    *http.Client
	baseURL   string
	apiKey    string
	userAgent string
}

func newHTTPSource(opts Options, fallbackURL string) httpSource {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = fallbackURL
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}
	return httpSource{
		// Deadlines come from the adapter's context.
		client:    &http.Client{},
		baseURL:   baseURL,
		apiKey:    opts.APIKey,
		userAgent: ua,
	}
}

// get performs a GET and returns the status code and raw body.
func (h httpSource) get(ctx context.Context, endpoint string, query url.Values) (int, []byte, error) {
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, nil, networkf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", h.userAgent)

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, nil, networkf("send request: %w", redactKey(err, h.apiKey))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, networkf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func decodeJSON(body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return malformedf("decode response: %w", err)
	}
	return nil
}

type errorResponse struct {
	Error       any    `json:"error"`
	Message     string `json:"message"`
	Description string `json:"description"`
	ErrorType   string `json:"error-type"`
}

func parseHTTPError(vendor string, status int, payload []byte) *FetchError {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		switch {
		case apiErr.Description != "":
			return networkf("%s api error (%d): %s", vendor, status, apiErr.Description)
		case apiErr.Message != "":
			return networkf("%s api error (%d): %s", vendor, status, apiErr.Message)
		case apiErr.ErrorType != "":
			return networkf("%s api error (%d): %s", vendor, status, apiErr.ErrorType)
		}
	}
	if len(payload) > 0 {
		return networkf("%s api error (%d): %s", vendor, status, strings.TrimSpace(string(payload)))
	}
	return networkf("%s api error (%d)", vendor, status)
}

// redactKey strips the API key from transport errors, which echo the request URL.
func redactKey(err error, key string) error {
	if key == "" || !strings.Contains(err.Error(), key) {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), key, "***"))
}
