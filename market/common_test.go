// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package market_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/BoostyLabs/runemarket/bitcoin"
	"github.com/BoostyLabs/runemarket/bitcoin/ord/runes"
	"github.com/BoostyLabs/runemarket/bitcoin/signer"
	"github.com/BoostyLabs/runemarket/bitcoin/txbuilder"
	"github.com/BoostyLabs/runemarket/bitcoin/utils"
	"github.com/BoostyLabs/runemarket/internal/cache"
	"github.com/BoostyLabs/runemarket/internal/indexer"
	"github.com/BoostyLabs/runemarket/internal/metrics"
	"github.com/BoostyLabs/runemarket/market"
	"github.com/BoostyLabs/runemarket/market/marketdb"
)

var testParams = &chaincfg.TestNet3Params

type testWallet struct {
	key *btcec.PrivateKey
}

func newTestWallet(seed byte) testWallet {
	key, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{seed}, 32))
	return testWallet{key: key}
}

func (w testWallet) pubKey() string {
	return hex.EncodeToString(w.key.PubKey().SerializeCompressed())
}

func (w testWallet) address(t *testing.T, scriptType utils.ScriptType) string {
	pubKey := w.key.PubKey()

	var (
		addr btcutil.Address
		err  error
	)
	switch scriptType {
	case utils.P2PKH:
		addr, err = btcutil.NewAddressPubKeyHash(btcutil.Hash160(pubKey.SerializeCompressed()), testParams)
	case utils.P2WPKH:
		addr, err = btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pubKey.SerializeCompressed()), testParams)
	case utils.P2TR:
		addr, err = btcutil.NewAddressTaproot(schnorr.SerializePubKey(txscript.ComputeTaprootKeyNoScript(pubKey)), testParams)
	default:
		t.Fatalf("unexpected script type %s", scriptType)
	}
	require.NoError(t, err)

	return addr.EncodeAddress()
}

func (w testWallet) script(t *testing.T, scriptType utils.ScriptType) []byte {
	return utils.MustAddressToScript(w.address(t, scriptType), testParams)
}

// sign signs inputs of encoded packet and returns it encoded.
func (w testWallet) sign(t *testing.T, encoded string, finalize bool, inputs ...int) string {
	p, err := txbuilder.DecodePSBT(encoded)
	require.NoError(t, err)

	err = signer.NewSigner(testParams).Sign(signer.SignParams{Packet: p, Inputs: inputs, PrivateKey: w.key, Finalize: finalize})
	require.NoError(t, err)

	signed, err := txbuilder.EncodePSBT(p)
	require.NoError(t, err)

	return signed
}

func txID(b byte) string {
	return hex.EncodeToString(bytes.Repeat([]byte{b}, 32))
}

func locationKey(location bitcoin.AssetLocation) string {
	return fmt.Sprintf("%s:%d", location.TxID, location.Vout)
}

// fakeIndexer serves asset facts registered by tests.
type fakeIndexer struct {
	mu           sync.Mutex
	runes        map[runes.RuneID]bitcoin.RuneAsset
	utxoRunes    map[string][]bitcoin.RuneBalance
	inscriptions map[string][]bitcoin.Inscription
	utxos        map[string][]bitcoin.UTXO
}

func newFakeIndexer() *fakeIndexer {
	return &fakeIndexer{
		runes:        make(map[runes.RuneID]bitcoin.RuneAsset),
		utxoRunes:    make(map[string][]bitcoin.RuneBalance),
		inscriptions: make(map[string][]bitcoin.Inscription),
		utxos:        make(map[string][]bitcoin.UTXO),
	}
}

func (f *fakeIndexer) setRune(asset bitcoin.RuneAsset) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runes[asset.ID] = asset
}

func (f *fakeIndexer) setUTXORunes(location bitcoin.AssetLocation, balances ...bitcoin.RuneBalance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.utxoRunes[locationKey(location)] = balances
}

func (f *fakeIndexer) addInscription(inscription bitcoin.Inscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inscriptions[inscription.Address] = append(f.inscriptions[inscription.Address], inscription)
}

func (f *fakeIndexer) moveInscription(id, address string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for owner, inscriptions := range f.inscriptions {
		for idx := range inscriptions {
			if inscriptions[idx].ID == id {
				inscriptions[idx].Address = address
				f.inscriptions[owner] = inscriptions
			}
		}
	}
}

func (f *fakeIndexer) setUTXOs(address string, utxos ...bitcoin.UTXO) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.utxos[address] = utxos
}

func (f *fakeIndexer) GetAddressRuneBalance(_ context.Context, address string) ([]bitcoin.RuneBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var balances []bitcoin.RuneBalance
	for _, utxo := range f.utxos[address] {
		balances = append(balances, utxo.Runes...)
	}

	return balances, nil
}

func (f *fakeIndexer) GetAddressUTXOs(_ context.Context, address string) ([]bitcoin.UTXO, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]bitcoin.UTXO(nil), f.utxos[address]...), nil
}

func (f *fakeIndexer) GetAddressInscriptions(_ context.Context, address string) ([]bitcoin.Inscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var owned []bitcoin.Inscription
	for _, inscriptions := range f.inscriptions {
		for _, inscription := range inscriptions {
			if inscription.Address == address {
				owned = append(owned, inscription)
			}
		}
	}

	return owned, nil
}

func (f *fakeIndexer) GetInscriptionInfo(_ context.Context, inscriptionID string) (bitcoin.Inscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, inscriptions := range f.inscriptions {
		for _, inscription := range inscriptions {
			if inscription.ID == inscriptionID {
				return inscription, nil
			}
		}
	}

	return bitcoin.Inscription{}, indexer.ErrNotFound
}

func (f *fakeIndexer) GetUTXORuneBalance(_ context.Context, location bitcoin.AssetLocation) ([]bitcoin.RuneBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.utxoRunes[locationKey(location)], nil
}

func (f *fakeIndexer) GetRuneInfo(_ context.Context, runeID runes.RuneID) (bitcoin.RuneAsset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	asset, ok := f.runes[runeID]
	if !ok {
		return bitcoin.RuneAsset{}, indexer.ErrNotFound
	}

	return asset, nil
}

// fakeChain tracks spent outputs and broadcast transactions.
type fakeChain struct {
	mu           sync.Mutex
	spent        map[string]bool
	broadcasts   []string
	broadcastErr error
	spendOnError []bitcoin.AssetLocation // marked spent when broadcast fails.
	spentErr     error
}

func newFakeChain() *fakeChain {
	return &fakeChain{spent: make(map[string]bool)}
}

func (f *fakeChain) spend(location bitcoin.AssetLocation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spent[locationKey(location)] = true
}

func (f *fakeChain) broadcastCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.broadcasts)
}

func (f *fakeChain) IsOutputSpent(_ context.Context, txID string, vout uint32) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.spentErr != nil {
		return false, f.spentErr
	}

	return f.spent[fmt.Sprintf("%s:%d", txID, vout)], nil
}

func (f *fakeChain) BroadcastTransaction(_ context.Context, rawTx string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.broadcastErr != nil {
		for _, location := range f.spendOnError {
			f.spent[locationKey(location)] = true
		}

		return "", f.broadcastErr
	}

	f.broadcasts = append(f.broadcasts, rawTx)

	return "", nil
}

func (f *fakeChain) GetTipHeight(context.Context) (int64, error) {
	return 840000, nil
}

// testEnv is a service with in-memory collaborators.
type testEnv struct {
	service  *market.Service
	store    *marketdb.StoreMock
	cache    *cache.Cache
	indexer  *fakeIndexer
	chain    *fakeChain
	metrics  *metrics.Metrics
	seller   testWallet
	buyer    testWallet
	treasury testWallet
}

func newTestEnv(t *testing.T) *testEnv {
	env := &testEnv{
		store:    marketdb.NewStoreMock(),
		cache:    cache.New(cache.Config{Size: 100, TTL: 3 * time.Minute}),
		indexer:  newFakeIndexer(),
		chain:    newFakeChain(),
		seller:   newTestWallet(0x41),
		buyer:    newTestWallet(0x42),
		treasury: newTestWallet(0x43),
	}

	var err error
	env.metrics, err = metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)

	env.service, err = market.NewService(market.Config{
		Network:           "testnet",
		ServiceFeeAddress: env.treasury.address(t, utils.P2WPKH),
		RequestTimeout:    time.Second,
	}, env.store, env.cache, env.indexer, env.chain, env.metrics)
	require.NoError(t, err)

	return env
}

// listing describes assets of a listing.
type listing struct {
	runeID      runes.RuneID
	rune        bitcoin.AssetLocation
	inscription *bitcoin.AssetLocation
	price       int64
}

// register makes indexer aware of listing assets owned by the seller.
func (env *testEnv) register(t *testing.T, l listing) {
	env.indexer.setRune(bitcoin.RuneAsset{
		ID:           l.runeID,
		Name:         fmt.Sprintf("RUNE%d", l.runeID.TxID),
		SpacedName:   fmt.Sprintf("RUNE•%d", l.runeID.TxID),
		Symbol:       "R",
		Divisibility: 2,
	})
	env.indexer.setUTXORunes(l.rune, bitcoin.RuneBalance{RuneID: l.runeID, Amount: big.NewInt(1000), Location: l.rune})

	if l.inscription != nil {
		env.indexer.addInscription(bitcoin.Inscription{
			ID:       l.inscription.TxID + "i0",
			Address:  env.seller.address(t, utils.P2TR),
			Location: *l.inscription,
		})
	}
}

// signedListing returns seller signed listing template.
func (env *testEnv) signedListing(t *testing.T, l listing, tamper ...func(p *psbt.Packet)) string {
	p, err := txbuilder.NewTxBuilder(testParams).BuildListingPSBT(txbuilder.ListingParams{
		Rune:            l.rune,
		Inscription:     l.inscription,
		SellerAddress:   env.seller.address(t, utils.P2TR),
		SellerPubKey:    env.seller.pubKey(),
		Price:           l.price,
		FundingReceiver: env.seller.address(t, utils.P2WPKH),
	})
	require.NoError(t, err)

	for _, f := range tamper {
		f(p)
	}

	encoded, err := txbuilder.EncodePSBT(p)
	require.NoError(t, err)

	inputs := make([]int, len(p.Inputs))
	for idx := range inputs {
		inputs[idx] = idx
	}

	return env.seller.sign(t, encoded, false, inputs...)
}

// list registers and lists assets returning created offer.
func (env *testEnv) list(t *testing.T, l listing) *market.Offer {
	env.register(t, l)

	offer, err := env.service.CreateOffer(context.Background(), market.CreateOfferRequest{
		PSBT:      env.signedListing(t, l),
		Address:   env.seller.address(t, utils.P2TR),
		RuneID:    l.runeID.String(),
		UnitPrice: "100",
	})
	require.NoError(t, err)

	return offer
}

// fundBuyer sets buyer payment utxos.
func (env *testEnv) fundBuyer(t *testing.T, amounts ...int64) {
	utxos := make([]bitcoin.UTXO, len(amounts))
	for idx, amount := range amounts {
		utxos[idx] = bitcoin.UTXO{
			TxHash:  txID(byte(0xa0 + idx)),
			Index:   uint32(idx),
			Amount:  amount,
			Script:  env.buyer.script(t, utils.P2WPKH),
			Address: env.buyer.address(t, utils.P2WPKH),
		}
	}

	env.indexer.setUTXOs(env.buyer.address(t, utils.P2WPKH), utxos...)
}

func (env *testEnv) prepareRequest(t *testing.T, ids ...int64) market.PrepareSettlementRequest {
	return market.PrepareSettlementRequest{
		OfferIDs:        ids,
		BuyerAddress:    env.buyer.address(t, utils.P2WPKH),
		BuyerPubKey:     env.buyer.pubKey(),
		ReceiverAddress: env.buyer.address(t, utils.P2TR),
		FeeRate:         10,
	}
}

// signedSettlement prepares settlement of the offers and signs it by the buyer.
func (env *testEnv) signedSettlement(t *testing.T, ids []int64, tamper ...func(p *psbt.Packet)) market.SubmitSettlementRequest {
	prepared, err := env.service.PrepareSettlement(context.Background(), env.prepareRequest(t, ids...))
	require.NoError(t, err)

	encoded := prepared.PSBT
	if len(tamper) != 0 {
		p, err := txbuilder.DecodePSBT(encoded)
		require.NoError(t, err)

		for _, f := range tamper {
			f(p)
		}

		encoded, err = txbuilder.EncodePSBT(p)
		require.NoError(t, err)
	}

	req := market.SubmitSettlementRequest{
		PSBT:            env.buyer.sign(t, encoded, true, prepared.SignIndexes...),
		BuyerAddress:    env.buyer.address(t, utils.P2WPKH),
		ReceiverAddress: env.buyer.address(t, utils.P2TR),
		SignIndexes:     prepared.SignIndexes,
		OfferIDs:        ids,
	}
	if prepared.SplitPSBT != "" {
		req.SplitPSBT = env.buyer.sign(t, prepared.SplitPSBT, false, prepared.SplitSignIndexes...)
	}

	return req
}

func (env *testEnv) status(t *testing.T, id int64) market.Status {
	offer, ok := env.store.Offer(id)
	require.True(t, ok)

	return offer.Status
}
