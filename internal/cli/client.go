package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/starfariii/coinflip1/internal/auth"
	"github.com/starfariii/coinflip1/internal/coinflip"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// APIError is a non-2xx response from the coinflip API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api status %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) Signup(ctx context.Context, email, password string) (auth.Session, error) {
	var out auth.Session
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/auth/signup", "", map[string]any{
		"email":    email,
		"password": password,
	}, &out, "")
	return out, err
}

func (c *Client) Login(ctx context.Context, email, password string) (auth.Session, error) {
	var out auth.Session
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email":    email,
		"password": password,
	}, &out, "")
	return out, err
}

func (c *Client) Catalog(ctx context.Context, accessToken string) ([]coinflip.CatalogItem, error) {
	var out struct {
		Items []coinflip.CatalogItem `json:"items"`
	}
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/catalog", accessToken, nil, &out, "")
	return out.Items, err
}

func (c *Client) Inventory(ctx context.Context, accessToken string) (coinflip.Inventory, error) {
	var out coinflip.Inventory
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/inventory", accessToken, nil, &out, "")
	return out, err
}

func (c *Client) History(ctx context.Context, accessToken string, limit int) ([]coinflip.HistoryEntry, error) {
	path := "/v1/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		History []coinflip.HistoryEntry `json:"history"`
	}
	err := c.jsonRequest(ctx, http.MethodGet, path, accessToken, nil, &out, "")
	return out.History, err
}

func (c *Client) ListMatches(ctx context.Context, accessToken string) ([]coinflip.Match, error) {
	var out struct {
		Matches []coinflip.Match `json:"matches"`
	}
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/matches", accessToken, nil, &out, "")
	return out.Matches, err
}

func (c *Client) GetMatch(ctx context.Context, accessToken, matchID string) (coinflip.Match, error) {
	var out coinflip.Match
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/matches/"+url.PathEscape(matchID), accessToken, nil, &out, "")
	return out, err
}

func (c *Client) CreateMatch(ctx context.Context, accessToken, idem string, side coinflip.Side, items []coinflip.StakeRef) (coinflip.Match, error) {
	var out coinflip.Match
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/matches", accessToken, map[string]any{
		"side":  side,
		"items": items,
	}, &out, idem)
	return out, err
}

func (c *Client) JoinMatch(ctx context.Context, accessToken, idem, matchID string, items []coinflip.StakeRef) (coinflip.Match, error) {
	var out coinflip.Match
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/matches/"+url.PathEscape(matchID)+"/join", accessToken, map[string]any{
		"items": items,
	}, &out, idem)
	return out, err
}

func (c *Client) CancelMatch(ctx context.Context, accessToken, idem, matchID string) error {
	return c.jsonRequest(ctx, http.MethodDelete, "/v1/matches/"+url.PathEscape(matchID), accessToken, nil, nil, idem)
}

func (c *Client) jsonRequest(ctx context.Context, method, path, accessToken string, in any, out any, idem string) error {
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
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	if idem != "" {
		req.Header.Set("Idempotency-Key", idem)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func readAPIError(resp *http.Response) *APIError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		apiErr.Message = body.Error
		apiErr.Code = body.Code
	}
	return apiErr
}
