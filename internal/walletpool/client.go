package walletpool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zkVerify/zkVerify-qa/internal/common"
)

// Lease is a wallet acquired from the server
type Lease struct {
	Key    string
	Secret string
}

// Client talks to a wallet pool server
type Client struct {
	baseURL      string
	http         *http.Client
	logger       *zap.Logger
	pollInterval time.Duration
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithPollInterval sets the delay between polls of a queued ticket
func WithPollInterval(d time.Duration) ClientOption {
	return func(c *Client) { c.pollInterval = d }
}

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// NewClient creates a client for the server at baseURL
func NewClient(baseURL string, logger *zap.Logger, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		http:         &http.Client{Timeout: 10 * time.Second},
		logger:       logger,
		pollInterval: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Acquire polls the server until a wallet is available or ctx is done
func (c *Client) Acquire(ctx context.Context) (Lease, error) {
	ticket := ""
	for {
		resp, err := c.requestWallet(ctx, ticket)
		if err != nil {
			return Lease{}, err
		}
		if resp.Available {
			c.logger.Debug("Wallet acquired", zap.String("key", resp.Key))
			return Lease{Key: resp.Key, Secret: resp.Wallet}, nil
		}

		if ticket == "" {
			c.logger.Info("Wallet pool empty, waiting", zap.String("ticket", resp.Ticket), zap.Int("position", resp.Position))
		}
		ticket = resp.Ticket

		select {
		case <-time.After(c.pollInterval):
		case <-ctx.Done():
			return Lease{}, ctx.Err()
		}
	}
}

func (c *Client) requestWallet(ctx context.Context, ticket string) (WalletResponse, error) {
	endpoint := c.baseURL + "/wallet"
	if ticket != "" {
		endpoint += "?ticket=" + url.QueryEscape(ticket)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return WalletResponse{}, err
	}

	var out WalletResponse
	if err := c.do(req, &out, http.StatusOK, http.StatusAccepted); err != nil {
		return WalletResponse{}, err
	}
	return out, nil
}

// Release hands a wallet back to the server
func (c *Client) Release(ctx context.Context, key string) error {
	body, err := json.Marshal(ReleaseRequest{Key: key})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/release", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	var out ReleaseResponse
	if err := c.do(req, &out, http.StatusOK); err != nil {
		return err
	}
	if !out.Success {
		return fmt.Errorf("release %s: server refused", key)
	}
	return nil
}

func (c *Client) do(req *http.Request, out any, accept ...int) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", common.ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	for _, code := range accept {
		if resp.StatusCode == code {
			return json.NewDecoder(resp.Body).Decode(out)
		}
	}

	var apiErr ErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&apiErr)
	var sentinel error
	switch resp.StatusCode {
	case http.StatusRequestTimeout:
		sentinel = common.ErrTimeout
	case http.StatusNotFound:
		sentinel = common.ErrNotFound
	case http.StatusConflict:
		sentinel = ErrNotLeased
	case http.StatusServiceUnavailable:
		sentinel = common.ErrResourceBusy
	default:
		return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, apiErr.Error)
	}
	return fmt.Errorf("%s %s: %w: %s", req.Method, req.URL.Path, sentinel, apiErr.Error)
}
