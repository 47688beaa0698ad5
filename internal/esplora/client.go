// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

// Package esplora implements chain query and broadcast client over Esplora REST API.
package esplora

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// maxResponseSize limits the body read from the API.
const maxResponseSize = 1 << 20

var (
	// ErrEsplora defines errors class of the client.
	ErrEsplora = errors.New("esplora")
	// ErrInputsSpent defines broadcast rejected because some input is spent or conflicts with mempool.
	ErrInputsSpent = errors.New("inputs missing or spent")
)

// spentRejections defines node reject reasons of transactions spending unavailable outputs.
var spentRejections = []string{
	"bad-txns-inputs-missingorspent",
	"txn-mempool-conflict",
	"missing-inputs",
	"insufficient fee, rejecting replacement",
}

// Config defines configurable values for Esplora client.
type Config struct {
	URL     string        `long:"url" env:"URL" description:"Esplora API base url."`
	Timeout time.Duration `long:"timeout" description:"Timeout of a single API request."`
}

// Client is Esplora REST API client.
type Client struct {
	config Config
	http   *http.Client
}

// NewClient is a constructor for Client.
func NewClient(config Config) *Client {
	return &Client{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
	}
}

// outSpend describes spending status of an output.
type outSpend struct {
	Spent bool   `json:"spent"`
	TxID  string `json:"txid"`
}

// IsOutputSpent returns true if the output is spent by a confirmed or mempool transaction.
func (client *Client) IsOutputSpent(ctx context.Context, txID string, vout uint32) (bool, error) {
	var spend outSpend
	if err := client.getJSON(ctx, fmt.Sprintf("/tx/%s/outspend/%d", txID, vout), &spend); err != nil {
		return false, err
	}

	return spend.Spent, nil
}

// GetTipHeight returns height of the best block.
func (client *Client) GetTipHeight(ctx context.Context) (int64, error) {
	body, err := client.do(ctx, http.MethodGet, "/blocks/tip/height", nil)
	if err != nil {
		return 0, err
	}

	height, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, errors.Join(ErrEsplora, err)
	}

	return height, nil
}

// BroadcastTransaction pushes raw hex transaction and returns its id.
// Rejections caused by spent or conflicting inputs wrap ErrInputsSpent.
func (client *Client) BroadcastTransaction(ctx context.Context, rawTx string) (string, error) {
	body, err := client.do(ctx, http.MethodPost, "/tx", strings.NewReader(rawTx))
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(body)), nil
}

// getJSON requests path and decodes JSON response into v.
func (client *Client) getJSON(ctx context.Context, path string, v any) error {
	body, err := client.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}

	if err = json.Unmarshal(body, v); err != nil {
		return errors.Join(ErrEsplora, err)
	}

	return nil
}

// do sends request and returns response body of successful response.
func (client *Client) do(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(client.config.URL, "/")+path, body)
	if err != nil {
		return nil, errors.Join(ErrEsplora, err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "text/plain")
	}

	resp, err := client.http.Do(req)
	if err != nil {
		return nil, errors.Join(ErrEsplora, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, errors.Join(ErrEsplora, err)
	}

	if resp.StatusCode != http.StatusOK {
		message := strings.TrimSpace(string(respBody))
		for _, rejection := range spentRejections {
			if strings.Contains(message, rejection) {
				return nil, fmt.Errorf("%w: %w: %s", ErrEsplora, ErrInputsSpent, message)
			}
		}

		return nil, fmt.Errorf("%w: %s %s: status %d: %s", ErrEsplora, method, path, resp.StatusCode, message)
	}

	return respBody, nil
}
