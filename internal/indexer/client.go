// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

// Package indexer implements rate limited client of the rune and inscription indexer API.
package indexer

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/BoostyLabs/runemarket/bitcoin"
	"github.com/BoostyLabs/runemarket/bitcoin/ord/runes"
)

// maxResponseSize limits the body read from the API.
const maxResponseSize = 4 << 20

var (
	// ErrIndexer defines errors class of the client.
	ErrIndexer = errors.New("indexer")
	// ErrNotFound defines asset unknown to the indexer.
	ErrNotFound = errors.New("not found")
)

// Config defines configurable values for indexer client.
type Config struct {
	URL       string        `long:"url" env:"URL" description:"Indexer API base url."`
	APIKey    string        `long:"api-key" env:"API_KEY" description:"Bearer token of the indexer API."`
	Timeout   time.Duration `long:"timeout" description:"Timeout of a single API request."`
	RateLimit time.Duration `long:"rate-limit" description:"Minimal interval between API requests."`
	RateBurst int           `long:"rate-burst" description:"Number of requests allowed to exceed the rate limit."`
}

// Client is indexer REST API client.
type Client struct {
	config  Config
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient is a constructor for Client.
func NewClient(config Config) *Client {
	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Every(config.RateLimit)
	}

	burst := config.RateBurst
	if burst < 1 {
		burst = 1
	}

	return &Client{
		config:  config,
		http:    &http.Client{Timeout: config.Timeout},
		limiter: rate.NewLimiter(limit, burst),
	}
}

type runeBalanceResponse struct {
	RuneID string `json:"rune_id"`
	Amount string `json:"amount"`
	TxID   string `json:"txid"`
	Vout   uint32 `json:"vout"`
	Value  int64  `json:"value"`
}

type utxoResponse struct {
	TxID         string                `json:"txid"`
	Vout         uint32                `json:"vout"`
	Value        int64                 `json:"value"`
	ScriptPubKey string                `json:"script_pubkey"`
	Height       int64                 `json:"height"`
	Runes        []runeBalanceResponse `json:"runes"`
}

type inscriptionResponse struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	TxID    string `json:"txid"`
	Vout    uint32 `json:"vout"`
	Value   int64  `json:"value"`
}

type runeResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	SpacedName   string `json:"spaced_name"`
	Symbol       string `json:"symbol"`
	Divisibility uint8  `json:"divisibility"`
}

// GetAddressRuneBalance returns rune balances held by the address per utxo.
func (client *Client) GetAddressRuneBalance(ctx context.Context, address string) ([]bitcoin.RuneBalance, error) {
	var resp []runeBalanceResponse
	if err := client.getJSON(ctx, "/v1/address/"+url.PathEscape(address)+"/runes", &resp); err != nil {
		return nil, err
	}

	return toRuneBalances(resp, nil)
}

// GetAddressUTXOs returns unspent outputs of the address with their rune balances.
func (client *Client) GetAddressUTXOs(ctx context.Context, address string) ([]bitcoin.UTXO, error) {
	var resp []utxoResponse
	if err := client.getJSON(ctx, "/v1/address/"+url.PathEscape(address)+"/utxos", &resp); err != nil {
		return nil, err
	}

	utxos := make([]bitcoin.UTXO, 0, len(resp))
	for _, item := range resp {
		script, err := hex.DecodeString(item.ScriptPubKey)
		if err != nil {
			return nil, fmt.Errorf("%w: utxo %s:%d script: %w", ErrIndexer, item.TxID, item.Vout, err)
		}

		utxo := bitcoin.UTXO{
			TxHash:  item.TxID,
			Index:   item.Vout,
			Amount:  item.Value,
			Script:  script,
			Address: address,
			Height:  item.Height,
		}

		location := utxo.Location()
		if utxo.Runes, err = toRuneBalances(item.Runes, &location); err != nil {
			return nil, err
		}

		utxos = append(utxos, utxo)
	}

	return utxos, nil
}

// GetAddressInscriptions returns inscriptions owned by the address.
func (client *Client) GetAddressInscriptions(ctx context.Context, address string) ([]bitcoin.Inscription, error) {
	var resp []inscriptionResponse
	if err := client.getJSON(ctx, "/v1/address/"+url.PathEscape(address)+"/inscriptions", &resp); err != nil {
		return nil, err
	}

	inscriptions := make([]bitcoin.Inscription, 0, len(resp))
	for _, item := range resp {
		inscriptions = append(inscriptions, toInscription(item))
	}

	return inscriptions, nil
}

// GetInscriptionInfo returns current owner and location of the inscription.
func (client *Client) GetInscriptionInfo(ctx context.Context, inscriptionID string) (bitcoin.Inscription, error) {
	var resp inscriptionResponse
	if err := client.getJSON(ctx, "/v1/inscription/"+url.PathEscape(inscriptionID), &resp); err != nil {
		return bitcoin.Inscription{}, err
	}

	return toInscription(resp), nil
}

// GetUTXORuneBalance returns rune balances held by the output.
func (client *Client) GetUTXORuneBalance(ctx context.Context, location bitcoin.AssetLocation) ([]bitcoin.RuneBalance, error) {
	var resp []runeBalanceResponse
	if err := client.getJSON(ctx, fmt.Sprintf("/v1/utxo/%s/%d/runes", url.PathEscape(location.TxID), location.Vout), &resp); err != nil {
		return nil, err
	}

	return toRuneBalances(resp, &location)
}

// GetRuneInfo returns rune metadata.
func (client *Client) GetRuneInfo(ctx context.Context, runeID runes.RuneID) (bitcoin.RuneAsset, error) {
	var resp runeResponse
	if err := client.getJSON(ctx, "/v1/rune/"+runeID.String(), &resp); err != nil {
		return bitcoin.RuneAsset{}, err
	}

	if resp.ID != "" && resp.ID != runeID.String() {
		return bitcoin.RuneAsset{}, fmt.Errorf("%w: requested rune %s, got %s", ErrIndexer, runeID, resp.ID)
	}

	return bitcoin.RuneAsset{
		ID:           runeID,
		Name:         resp.Name,
		SpacedName:   resp.SpacedName,
		Symbol:       resp.Symbol,
		Divisibility: resp.Divisibility,
	}, nil
}

// toRuneBalances converts response items, location overrides the one of the items if set.
func toRuneBalances(items []runeBalanceResponse, location *bitcoin.AssetLocation) ([]bitcoin.RuneBalance, error) {
	balances := make([]bitcoin.RuneBalance, 0, len(items))
	for _, item := range items {
		runeID, err := runes.NewRuneIDFromString(item.RuneID)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrIndexer, err)
		}

		amount, ok := new(big.Int).SetString(item.Amount, 10)
		if !ok || amount.Sign() < 0 {
			return nil, fmt.Errorf("%w: invalid rune %s amount %q", ErrIndexer, item.RuneID, item.Amount)
		}

		balance := bitcoin.RuneBalance{
			RuneID:   runeID,
			Amount:   amount,
			Location: bitcoin.AssetLocation{TxID: item.TxID, Vout: item.Vout, Value: item.Value},
		}
		if location != nil {
			balance.Location = *location
		}

		balances = append(balances, balance)
	}

	return balances, nil
}

func toInscription(item inscriptionResponse) bitcoin.Inscription {
	return bitcoin.Inscription{
		ID:       item.ID,
		Address:  item.Address,
		Location: bitcoin.AssetLocation{TxID: item.TxID, Vout: item.Vout, Value: item.Value},
	}
}

// getJSON waits for the limiter, requests path and decodes JSON response into v.
func (client *Client) getJSON(ctx context.Context, path string, v any) error {
	if err := client.limiter.Wait(ctx); err != nil {
		return errors.Join(ErrIndexer, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(client.config.URL, "/")+path, nil)
	if err != nil {
		return errors.Join(ErrIndexer, err)
	}

	req.Header.Set("Accept", "application/json")
	if client.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+client.config.APIKey)
	}

	resp, err := client.http.Do(req)
	if err != nil {
		return errors.Join(ErrIndexer, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return errors.Join(ErrIndexer, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s: %w", ErrIndexer, path, ErrNotFound)
	default:
		return fmt.Errorf("%w: %s: status %d: %s", ErrIndexer, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err = json.Unmarshal(body, v); err != nil {
		return errors.Join(ErrIndexer, err)
	}

	return nil
}
