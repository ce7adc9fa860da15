package applier

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/adflip/adflip/internal/domain"
)

// OAuth error codes the graph API uses for credential and throttling
// failures.
const (
	graphCodeAuthExpired = 190
	graphCodeAppLimit    = 4
	graphCodeUserLimit   = 17
	graphCodePageLimit   = 32
	graphCodeAdsLimit    = 613
)

// GraphClient talks to the ads platform's graph-style REST API. The engine
// only depends on the set-status and read-entity capabilities.
type GraphClient struct {
	baseURL string
	client  *http.Client
}

func NewGraphClient(baseURL string, timeout time.Duration) *GraphClient {
	return &GraphClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type graphError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// SetStatus posts the entity's new status. adID may reference an ad, adset
// or campaign; the API shape is the same at every granularity.
func (c *GraphClient) SetStatus(ctx context.Context, token, adID string, status domain.AdStatus) error {
	form := url.Values{}
	form.Set("status", string(status))

	endpoint := c.baseURL + "/" + url.PathEscape(adID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return classifyResponse(resp)
}

// GetStatus reads the entity's current status.
func (c *GraphClient) GetStatus(ctx context.Context, token, adID string) (domain.AdStatus, error) {
	endpoint := c.baseURL + "/" + url.PathEscape(adID) + "?fields=status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("get status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", classifyResponse(resp)
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode entity: %w", err)
	}
	return domain.AdStatus(body.Status), nil
}

// classifyResponse maps a non-2xx platform response onto the domain error
// taxonomy so the applier and executor can act on it.
func classifyResponse(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	var ge graphError
	if err := json.Unmarshal(raw, &ge); err == nil && ge.Error.Code != 0 {
		switch ge.Error.Code {
		case graphCodeAuthExpired:
			return fmt.Errorf("%w: %s", domain.ErrAuthExpired, ge.Error.Message)
		case graphCodeAppLimit, graphCodeUserLimit, graphCodePageLimit, graphCodeAdsLimit:
			return fmt.Errorf("%w: %s", domain.ErrRateLimited, ge.Error.Message)
		default:
			return fmt.Errorf("platform error %d: %s", ge.Error.Code, ge.Error.Message)
		}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: http 401", domain.ErrAuthExpired)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: http 429", domain.ErrRateLimited)
	default:
		return fmt.Errorf("platform http %d", resp.StatusCode)
	}
}
