// Package client is a typed HTTP client for the arena API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/arena/internal/api"
	"github.com/atmx/arena/internal/model"
)

// Client calls the arena API as the holder of Token.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
}

func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) Settings(ctx context.Context) (model.Settings, error) {
	var out model.Settings
	err := c.jsonRequest(ctx, http.MethodGet, "/api/v1/settings", nil, &out)
	return out, err
}

func (c *Client) UpdateSettings(ctx context.Context, token string, fee decimal.Decimal, maxAssets int) (model.Settings, error) {
	var out model.Settings
	err := c.jsonRequest(ctx, http.MethodPut, "/api/v1/settings", api.SettingsRequest{
		FeeToken:    token,
		CreationFee: &fee,
		MaxAssets:   maxAssets,
	}, &out)
	return out, err
}

func (c *Client) PortfolioTypes(ctx context.Context) ([]string, error) {
	var out []string
	err := c.jsonRequest(ctx, http.MethodGet, "/api/v1/portfolio-types", nil, &out)
	return out, err
}

func (c *Client) AddPortfolioType(ctx context.Context, name string) (int, error) {
	var out struct {
		Index int `json:"index"`
	}
	err := c.jsonRequest(ctx, http.MethodPost, "/api/v1/portfolio-types", api.PortfolioTypeRequest{Name: name}, &out)
	return out.Index, err
}

func (c *Client) Authorize(ctx context.Context, address string) error {
	return c.jsonRequest(ctx, http.MethodPost, "/api/v1/authorized-callers", api.AuthorizeRequest{Address: address}, nil)
}

func (c *Client) Rounds(ctx context.Context) ([]model.Round, error) {
	var out []model.Round
	err := c.jsonRequest(ctx, http.MethodGet, "/api/v1/rounds", nil, &out)
	return out, err
}

func (c *Client) Round(ctx context.Context, id int64) (model.Round, error) {
	var out model.Round
	err := c.jsonRequest(ctx, http.MethodGet, fmt.Sprintf("/api/v1/rounds/%d", id), nil, &out)
	return out, err
}

func (c *Client) StartRound(ctx context.Context, duration time.Duration) (model.Round, error) {
	var out model.Round
	err := c.jsonRequest(ctx, http.MethodPost, "/api/v1/rounds/start", api.StartRoundRequest{
		DurationSeconds: int64(duration / time.Second),
	}, &out)
	return out, err
}

func (c *Client) EndRound(ctx context.Context) (model.Round, error) {
	var out model.Round
	err := c.jsonRequest(ctx, http.MethodPost, "/api/v1/rounds/end", nil, &out)
	return out, err
}

func (c *Client) CreatePortfolio(ctx context.Context, portfolioType string, assets []string, weights []int64) (model.Portfolio, error) {
	var out model.Portfolio
	err := c.jsonRequest(ctx, http.MethodPost, "/api/v1/portfolios", api.CreatePortfolioRequest{
		PortfolioType: portfolioType,
		Assets:        assets,
		Weights:       weights,
	}, &out)
	return out, err
}

func (c *Client) ViewPortfolio(ctx context.Context, roundID int64, index int, participant string) (model.Portfolio, error) {
	var out model.Portfolio
	path := fmt.Sprintf("/api/v1/rounds/%d/portfolios/%d/%s", roundID, index, url.PathEscape(participant))
	err := c.jsonRequest(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) PrizePool(ctx context.Context, roundID int64) (decimal.Decimal, error) {
	var out api.PrizePoolResponse
	err := c.jsonRequest(ctx, http.MethodGet, fmt.Sprintf("/api/v1/rounds/%d/prize-pool", roundID), nil, &out)
	return out.PrizePool, err
}

func (c *Client) Winners(ctx context.Context, roundID int64) ([]string, error) {
	var out api.WinnersResponse
	err := c.jsonRequest(ctx, http.MethodGet, fmt.Sprintf("/api/v1/rounds/%d/winners", roundID), nil, &out)
	return out.Winners, err
}

func (c *Client) IsWinner(ctx context.Context, roundID int64, participant string) (bool, error) {
	var out api.WinnerResponse
	path := fmt.Sprintf("/api/v1/rounds/%d/winners/%s", roundID, url.PathEscape(participant))
	err := c.jsonRequest(ctx, http.MethodGet, path, nil, &out)
	return out.Winner, err
}

func (c *Client) IsOwnerWinner(ctx context.Context, roundID int64) (bool, error) {
	var out api.WinnerResponse
	err := c.jsonRequest(ctx, http.MethodGet, fmt.Sprintf("/api/v1/rounds/%d/owner-winner", roundID), nil, &out)
	return out.Winner, err
}

func (c *Client) Standings(ctx context.Context, roundID int64) ([]model.Standing, error) {
	var out []model.Standing
	err := c.jsonRequest(ctx, http.MethodGet, fmt.Sprintf("/api/v1/rounds/%d/standings", roundID), nil, &out)
	return out, err
}

func (c *Client) Withdraw(ctx context.Context, roundID int64) (decimal.Decimal, error) {
	var out api.WithdrawResponse
	err := c.jsonRequest(ctx, http.MethodPost, fmt.Sprintf("/api/v1/rounds/%d/withdraw", roundID), nil, &out)
	return out.Amount, err
}

func (c *Client) jsonRequest(ctx context.Context, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var payload struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
			msg = payload.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
