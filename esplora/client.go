package esplora

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fastjson"
)

var ErrNotFound = errors.New("not found")

// Client is an Esplora REST client (blockstream.info, mempool.space).
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client whose every call is bounded by timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) doRequest(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("esplora error %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	return data, nil
}

func (c *Client) getJSON(ctx context.Context, path string) ([]byte, error) {
	data, err := c.doRequest(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := fastjson.ValidateBytes(data); err != nil {
		return nil, fmt.Errorf("invalid json from %s: %w", path, err)
	}
	return data, nil
}

// Transaction fetches and decodes a transaction by id.
func (c *Client) Transaction(ctx context.Context, txid string) (*Transaction, error) {
	data, err := c.doRequest(ctx, "/tx/"+txid)
	if err != nil {
		return nil, err
	}

	var p fastjson.Parser
	v, err := p.ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("parse transaction: %w", err)
	}

	tx := &Transaction{
		TxID:        string(v.GetStringBytes("txid")),
		Confirmed:   v.GetBool("status", "confirmed"),
		BlockHeight: v.GetInt64("status", "block_height"),
	}
	for _, out := range v.GetArray("vout") {
		tx.Outputs = append(tx.Outputs, Output{
			Address: string(out.GetStringBytes("scriptpubkey_address")),
			Value:   out.GetInt64("value"),
		})
	}
	return tx, nil
}

// RawTransaction returns the upstream transaction JSON unchanged.
func (c *Client) RawTransaction(ctx context.Context, txid string) ([]byte, error) {
	return c.getJSON(ctx, "/tx/"+txid)
}

// Address returns the upstream address summary JSON unchanged.
func (c *Client) Address(ctx context.Context, address string) ([]byte, error) {
	return c.getJSON(ctx, "/address/"+address)
}

// FeeEstimates returns the confirmation-target to sat/vB map JSON.
func (c *Client) FeeEstimates(ctx context.Context) ([]byte, error) {
	return c.getJSON(ctx, "/fee-estimates")
}

// TipHeight returns the height of the best block.
func (c *Client) TipHeight(ctx context.Context) (int64, error) {
	data, err := c.doRequest(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	height, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse tip height: %w", err)
	}
	return height, nil
}
