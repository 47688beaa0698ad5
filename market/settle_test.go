// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package market_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"github.com/fortytw2/leaktest"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/BoostyLabs/runemarket/bitcoin"
	"github.com/BoostyLabs/runemarket/bitcoin/ord/runes"
	"github.com/BoostyLabs/runemarket/bitcoin/txbuilder"
	"github.com/BoostyLabs/runemarket/bitcoin/utils"
	"github.com/BoostyLabs/runemarket/internal/esplora"
	"github.com/BoostyLabs/runemarket/market"
)

// outputTo returns index of the first output paying to script.
func outputTo(t *testing.T, p *psbt.Packet, script []byte) int {
	for idx, txOut := range p.UnsignedTx.TxOut {
		if bytes.Equal(txOut.PkScript, script) {
			return idx
		}
	}

	t.Fatal("output is not found")
	return -1
}

func mergedListing(b byte, runeTx uint32, price int64) listing {
	return listing{
		runeID: runes.RuneID{Block: 840000, TxID: runeTx},
		rune:   bitcoin.AssetLocation{TxID: txID(b), Vout: 0, Value: 546},
		price:  price,
	}
}

func TestPrepareSettlement(t *testing.T) {
	ctx := context.Background()

	t.Run("single offer", func(t *testing.T) {
		env := newTestEnv(t)
		offer := env.list(t, mergedListing(0x10, 1, 100000))
		env.fundBuyer(t, 600, 600, 500000)

		prepared, err := env.service.PrepareSettlement(ctx, env.prepareRequest(t, offer.ID))
		require.NoError(t, err)
		require.Equal(t, []int64{offer.ID}, prepared.OfferIDs)
		require.Equal(t, []int{0, 1, 3}, prepared.SignIndexes)
		require.EqualValues(t, 1000, prepared.ServiceFee)
		require.Positive(t, prepared.Fee)

		p, err := txbuilder.DecodePSBT(prepared.PSBT)
		require.NoError(t, err)
		require.Equal(t, offer.Location.TxID, p.UnsignedTx.TxIn[2].PreviousOutPoint.Hash.String())
		require.EqualValues(t, 1000, p.UnsignedTx.TxOut[outputTo(t, p, env.treasury.script(t, utils.P2WPKH))].Value)
	})

	t.Run("asset utxos are not spent as payment", func(t *testing.T) {
		env := newTestEnv(t)
		offer := env.list(t, mergedListing(0x11, 1, 100000))
		env.fundBuyer(t, 600, 600, 500000, 800000)

		buyerAddress := env.buyer.address(t, utils.P2WPKH)
		utxos, err := env.indexer.GetAddressUTXOs(ctx, buyerAddress)
		require.NoError(t, err)

		// the largest utxo holds runes, the second largest holds an inscription.
		utxos[3].Runes = []bitcoin.RuneBalance{{RuneID: runes.RuneID{Block: 1, TxID: 1}, Location: utxos[3].Location()}}
		env.indexer.setUTXOs(buyerAddress, utxos...)
		env.indexer.addInscription(bitcoin.Inscription{ID: "i0", Address: buyerAddress, Location: utxos[2].Location()})

		_, err = env.service.PrepareSettlement(ctx, env.prepareRequest(t, offer.ID))
		require.ErrorIs(t, err, market.ErrInsufficientFunds)
	})

	t.Run("offers sorted by rune id", func(t *testing.T) {
		env := newTestEnv(t)
		second := env.list(t, mergedListing(0x12, 2, 50000))
		first := env.list(t, mergedListing(0x13, 1, 100000))
		env.fundBuyer(t, 600, 600, 700, 500000)

		prepared, err := env.service.PrepareSettlement(ctx, env.prepareRequest(t, second.ID, first.ID))
		require.NoError(t, err)
		require.Equal(t, []int64{first.ID, second.ID}, prepared.OfferIDs)
		require.EqualValues(t, 1500, prepared.ServiceFee)
	})

	t.Run("insufficient funds", func(t *testing.T) {
		env := newTestEnv(t)
		offer := env.list(t, mergedListing(0x14, 1, 100000))
		env.fundBuyer(t, 600, 600, 5000)

		_, err := env.service.PrepareSettlement(ctx, env.prepareRequest(t, offer.ID))
		require.ErrorIs(t, err, market.ErrInsufficientFunds)

		var insufficientErr *txbuilder.InsufficientError
		require.ErrorAs(t, err, &insufficientErr)
		require.Equal(t, txbuilder.CauserBuyer, insufficientErr.Causer)
	})

	t.Run("padding split", func(t *testing.T) {
		env := newTestEnv(t)
		offer := env.list(t, mergedListing(0x1a, 1, 100000))
		env.fundBuyer(t, 500000)

		prepared, err := env.service.PrepareSettlement(ctx, env.prepareRequest(t, offer.ID))
		require.NoError(t, err)
		require.NotEmpty(t, prepared.SplitPSBT)
		require.Equal(t, []int{0}, prepared.SplitSignIndexes)
		require.Positive(t, prepared.SplitFee)
		require.Equal(t, []int{0, 1, 3}, prepared.SignIndexes)

		split, err := txbuilder.DecodePSBT(prepared.SplitPSBT)
		require.NoError(t, err)
		require.Equal(t, txID(0xa0), split.UnsignedTx.TxIn[0].PreviousOutPoint.Hash.String())

		p, err := txbuilder.DecodePSBT(prepared.PSBT)
		require.NoError(t, err)
		for _, idx := range prepared.SignIndexes {
			require.Equal(t, split.UnsignedTx.TxHash(), p.UnsignedTx.TxIn[idx].PreviousOutPoint.Hash)
		}
	})

	t.Run("explicit padding", func(t *testing.T) {
		env := newTestEnv(t)
		offer := env.list(t, mergedListing(0x1b, 1, 100000))
		env.fundBuyer(t, 700, 800, 600, 500000)

		req := env.prepareRequest(t, offer.ID)
		req.PaddingUTXOs = []string{txID(0xa1) + ":1", txID(0xa0) + ":0"}

		prepared, err := env.service.PrepareSettlement(ctx, req)
		require.NoError(t, err)
		require.Empty(t, prepared.SplitPSBT)

		p, err := txbuilder.DecodePSBT(prepared.PSBT)
		require.NoError(t, err)
		require.Equal(t, txID(0xa1), p.UnsignedTx.TxIn[0].PreviousOutPoint.Hash.String())
		require.Equal(t, txID(0xa0), p.UnsignedTx.TxIn[1].PreviousOutPoint.Hash.String())
		require.EqualValues(t, 1500, p.UnsignedTx.TxOut[0].Value)
	})

	t.Run("stale offers", func(t *testing.T) {
		env := newTestEnv(t)
		offer := env.list(t, mergedListing(0x15, 1, 100000))
		env.fundBuyer(t, 600, 600, 600, 500000)

		_, err := env.service.PrepareSettlement(ctx, env.prepareRequest(t, offer.ID, 1000))
		require.ErrorIs(t, err, market.ErrStaleAsset)
		require.ErrorIs(t, err, market.ErrOfferNoLongerActive)
		require.Equal(t, []int64{1000}, market.InvalidOfferIDs(err))
	})

	t.Run("invalid request", func(t *testing.T) {
		env := newTestEnv(t)
		offer := env.list(t, mergedListing(0x16, 1, 100000))
		env.fundBuyer(t, 600, 600, 500000)

		tooMany := make([]int64, txbuilder.MaxSettlementOffers+1)
		for idx := range tooMany {
			tooMany[idx] = int64(idx + 1)
		}

		tests := []struct {
			name   string
			modify func(req *market.PrepareSettlementRequest)
		}{
			{"too many offers", func(req *market.PrepareSettlementRequest) { req.OfferIDs = tooMany }},
			{"no offers", func(req *market.PrepareSettlementRequest) { req.OfferIDs = nil }},
			{"zero fee rate", func(req *market.PrepareSettlementRequest) { req.FeeRate = 0 }},
			{"huge fee rate", func(req *market.PrepareSettlementRequest) { req.FeeRate = 1000000 }},
			{"buyer address", func(req *market.PrepareSettlementRequest) { req.BuyerAddress = "address" }},
			{"receiver address", func(req *market.PrepareSettlementRequest) { req.ReceiverAddress = "address" }},
			{"legacy buyer", func(req *market.PrepareSettlementRequest) { req.BuyerAddress = env.buyer.address(t, utils.P2PKH) }},
			{"unknown padding utxo", func(req *market.PrepareSettlementRequest) { req.PaddingUTXOs = []string{txID(0xee) + ":0", txID(0xa0) + ":0"} }},
			{"duplicated padding utxo", func(req *market.PrepareSettlementRequest) { req.PaddingUTXOs = []string{txID(0xa0) + ":0", txID(0xa0) + ":0"} }},
		}
		for _, test := range tests {
			t.Run(test.name, func(t *testing.T) {
				req := env.prepareRequest(t, offer.ID)
				test.modify(&req)

				_, err := env.service.PrepareSettlement(ctx, req)
				require.ErrorIs(t, err, market.ErrValidation)
			})
		}
	})
}

func TestSubmitSettlement(t *testing.T) {
	ctx := context.Background()

	t.Run("filled", func(t *testing.T) {
		env := newTestEnv(t)
		offer := env.list(t, mergedListing(0x10, 1, 100000))
		env.fundBuyer(t, 600, 600, 500000)

		req := env.signedSettlement(t, []int64{offer.ID})
		submitted, err := env.service.SubmitSettlement(ctx, req)
		require.NoError(t, err)
		require.Equal(t, []int64{offer.ID}, submitted.OfferIDs)
		require.Equal(t, market.StatusFilled, env.status(t, offer.ID))
		require.EqualValues(t, 1, testutil.ToFloat64(env.metrics.Settlements.WithLabelValues("filled")))
		require.EqualValues(t, 1, testutil.ToFloat64(env.metrics.OffersFilled))

		require.Equal(t, 1, env.chain.broadcastCount())
		rawTx, err := hex.DecodeString(env.chain.broadcasts[0])
		require.NoError(t, err)

		var tx wire.MsgTx
		require.NoError(t, tx.Deserialize(bytes.NewReader(rawTx)))
		require.Equal(t, submitted.TxID, tx.TxHash().String())
		for _, txIn := range tx.TxIn {
			require.NotEmpty(t, txIn.Witness)
		}

		orders := env.store.Orders()
		require.Len(t, orders, 1)
		require.Equal(t, offer.ID, orders[0].OfferID)
		require.Equal(t, submitted.TxID, orders[0].TxID)
		require.Equal(t, req.BuyerAddress, orders[0].Buyer)
		require.Equal(t, req.ReceiverAddress, orders[0].ItemReceiver)

		activities := env.store.Activities()
		require.Equal(t, market.ActivityBuy, activities[len(activities)-1].Type)
		require.Equal(t, submitted.TxID, activities[len(activities)-1].TxID)

		t.Run("filled offer is stale", func(t *testing.T) {
			_, err := env.service.SubmitSettlement(ctx, req)
			require.ErrorIs(t, err, market.ErrStaleAsset)
			require.ErrorIs(t, err, market.ErrOfferNoLongerActive)
			require.Equal(t, []int64{offer.ID}, market.InvalidOfferIDs(err))
			require.Equal(t, 1, env.chain.broadcastCount())

			_, err = env.service.PrepareSettlement(ctx, env.prepareRequest(t, offer.ID))
			require.ErrorIs(t, err, market.ErrStaleAsset)
		})

		t.Run("filled offer is not relisted", func(t *testing.T) {
			env.register(t, mergedListing(0x10, 1, 100000))

			_, err := env.service.CreateOffer(ctx, market.CreateOfferRequest{
				PSBT:      env.signedListing(t, mergedListing(0x10, 1, 100000)),
				Address:   env.seller.address(t, utils.P2TR),
				RuneID:    "840000:1",
				UnitPrice: "100",
			})
			require.ErrorIs(t, err, market.ErrOfferNoLongerActive)
			require.Equal(t, market.StatusFilled, env.status(t, offer.ID))
		})
	})

	t.Run("bulk", func(t *testing.T) {
		env := newTestEnv(t)
		inscription := bitcoin.AssetLocation{TxID: txID(0x14), Vout: 1, Value: 600}
		merged := env.list(t, mergedListing(0x11, 2, 50000))
		split := env.list(t, listing{
			runeID:      runes.RuneID{Block: 840000, TxID: 1},
			rune:        bitcoin.AssetLocation{TxID: txID(0x12), Vout: 0, Value: 546},
			inscription: &inscription,
			price:       20000,
		})
		env.fundBuyer(t, 600, 600, 700, 500000)

		ids := []int64{merged.ID, split.ID}
		submitted, err := env.service.SubmitSettlement(ctx, env.signedSettlement(t, ids))
		require.NoError(t, err)
		require.ElementsMatch(t, ids, submitted.OfferIDs)
		require.Equal(t, market.StatusFilled, env.status(t, merged.ID))
		require.Equal(t, market.StatusFilled, env.status(t, split.ID))
		require.Len(t, env.store.Orders(), 2)
		require.Equal(t, 1, env.chain.broadcastCount())
	})

	t.Run("filled with padding split", func(t *testing.T) {
		env := newTestEnv(t)
		offer := env.list(t, mergedListing(0x1a, 1, 100000))
		env.fundBuyer(t, 500000)

		req := env.signedSettlement(t, []int64{offer.ID})
		require.NotEmpty(t, req.SplitPSBT)

		submitted, err := env.service.SubmitSettlement(ctx, req)
		require.NoError(t, err)
		require.Equal(t, market.StatusFilled, env.status(t, offer.ID))

		// split goes first, settlement spends its outputs.
		require.Equal(t, 2, env.chain.broadcastCount())
		txs := make([]wire.MsgTx, 2)
		for idx := range txs {
			rawTx, err := hex.DecodeString(env.chain.broadcasts[idx])
			require.NoError(t, err)
			require.NoError(t, txs[idx].Deserialize(bytes.NewReader(rawTx)))
		}
		require.Equal(t, txID(0xa0), txs[0].TxIn[0].PreviousOutPoint.Hash.String())
		require.Equal(t, submitted.TxID, txs[1].TxHash().String())
		require.Equal(t, txs[0].TxHash(), txs[1].TxIn[0].PreviousOutPoint.Hash)
	})

	t.Run("invalid padding split", func(t *testing.T) {
		env := newTestEnv(t)
		offer := env.list(t, mergedListing(0x1a, 1, 100000))
		env.fundBuyer(t, 500000)

		prepared, err := env.service.PrepareSettlement(ctx, env.prepareRequest(t, offer.ID))
		require.NoError(t, err)

		other := newTestEnv(t)
		otherOffer := other.list(t, mergedListing(0x1b, 1, 100000))
		other.fundBuyer(t, 400000)
		foreignSplit := other.signedSettlement(t, []int64{otherOffer.ID}).SplitPSBT
		require.NotEmpty(t, foreignSplit)

		tests := []struct {
			name  string
			split string
			err   error
		}{
			{"unsigned", prepared.SplitPSBT, market.ErrInvalidSignature},
			{"not spent by settlement", foreignSplit, market.ErrValidation},
		}
		for _, test := range tests {
			t.Run(test.name, func(t *testing.T) {
				req := env.signedSettlement(t, []int64{offer.ID})
				req.SplitPSBT = test.split

				_, err := env.service.SubmitSettlement(ctx, req)
				require.ErrorIs(t, err, test.err)
				require.Equal(t, market.StatusActive, env.status(t, offer.ID))
				require.Zero(t, env.chain.broadcastCount())
			})
		}

		t.Run("split rejected", func(t *testing.T) {
			req := env.signedSettlement(t, []int64{offer.ID})
			env.chain.broadcastErr = fmt.Errorf("%w: connection refused", esplora.ErrEsplora)

			_, err := env.service.SubmitSettlement(ctx, req)
			require.ErrorIs(t, err, market.ErrBroadcast)
			require.Equal(t, market.StatusActive, env.status(t, offer.ID))
			require.Empty(t, env.store.Orders())
		})
	})

	t.Run("diverged settlement", func(t *testing.T) {
		env := newTestEnv(t)
		offer := env.list(t, mergedListing(0x15, 1, 100000))
		env.fundBuyer(t, 600, 600, 500000)

		tests := []struct {
			name   string
			tamper func(p *psbt.Packet)
		}{
			{"payout reduced", func(p *psbt.Packet) {
				p.UnsignedTx.TxOut[outputTo(t, p, env.seller.script(t, utils.P2WPKH))].Value--
			}},
			{"service fee reduced", func(p *psbt.Packet) {
				p.UnsignedTx.TxOut[outputTo(t, p, env.treasury.script(t, utils.P2WPKH))].Value = bitcoin.DustLimit
			}},
			{"service fee redirected", func(p *psbt.Packet) {
				p.UnsignedTx.TxOut[outputTo(t, p, env.treasury.script(t, utils.P2WPKH))].PkScript = env.buyer.script(t, utils.P2WPKH)
			}},
		}
		for _, test := range tests {
			t.Run(test.name, func(t *testing.T) {
				_, err := env.service.SubmitSettlement(ctx, env.signedSettlement(t, []int64{offer.ID}, test.tamper))
				require.ErrorIs(t, err, market.ErrShapeMismatch)

				var shapeErr *market.ShapeMismatchError
				require.ErrorAs(t, err, &shapeErr)
				require.Equal(t, market.StatusActive, env.status(t, offer.ID))
				require.Zero(t, env.chain.broadcastCount())
			})
		}
	})

	t.Run("invalid buyer signature", func(t *testing.T) {
		env := newTestEnv(t)
		offer := env.list(t, mergedListing(0x16, 1, 100000))
		env.fundBuyer(t, 600, 600, 500000)

		t.Run("seller input claimed", func(t *testing.T) {
			req := env.signedSettlement(t, []int64{offer.ID})
			req.SignIndexes = append(req.SignIndexes, 2)

			_, err := env.service.SubmitSettlement(ctx, req)
			require.ErrorIs(t, err, market.ErrValidation)
		})

		t.Run("unsigned payment", func(t *testing.T) {
			prepared, err := env.service.PrepareSettlement(ctx, env.prepareRequest(t, offer.ID))
			require.NoError(t, err)

			_, err = env.service.SubmitSettlement(ctx, market.SubmitSettlementRequest{
				PSBT:            prepared.PSBT,
				BuyerAddress:    env.buyer.address(t, utils.P2WPKH),
				ReceiverAddress: env.buyer.address(t, utils.P2TR),
				SignIndexes:     prepared.SignIndexes,
				OfferIDs:        []int64{offer.ID},
			})
			require.ErrorIs(t, err, market.ErrInvalidSignature)
		})

		t.Run("signed by another wallet", func(t *testing.T) {
			req := env.signedSettlement(t, []int64{offer.ID})
			req.BuyerAddress = env.seller.address(t, utils.P2WPKH)

			_, err := env.service.SubmitSettlement(ctx, req)
			require.ErrorIs(t, err, market.ErrInvalidSignature)
		})

		require.Equal(t, market.StatusActive, env.status(t, offer.ID))
		require.Zero(t, env.chain.broadcastCount())
	})

	t.Run("spent before broadcast", func(t *testing.T) {
		env := newTestEnv(t)
		offer := env.list(t, mergedListing(0x17, 1, 100000))
		env.fundBuyer(t, 600, 600, 500000)

		req := env.signedSettlement(t, []int64{offer.ID})
		env.chain.spend(offer.Location)

		_, err := env.service.SubmitSettlement(ctx, req)
		require.ErrorIs(t, err, market.ErrStaleAsset)
		require.ErrorIs(t, err, market.ErrInputsSpent)
		require.Equal(t, []int64{offer.ID}, market.InvalidOfferIDs(err))
		require.Equal(t, market.StatusCancelled, env.status(t, offer.ID))
		require.Zero(t, env.chain.broadcastCount())
	})

	t.Run("broadcast rejected", func(t *testing.T) {
		tests := []struct {
			name      string
			err       error
			spent     bool
			cancelled bool
		}{
			{
				name:      "inputs spent",
				err:       fmt.Errorf("%w: %w: bad-txns-inputs-missingorspent", esplora.ErrEsplora, esplora.ErrInputsSpent),
				spent:     true,
				cancelled: true,
			},
			{
				name: "node unavailable",
				err:  fmt.Errorf("%w: connection refused", esplora.ErrEsplora),
			},
		}
		for _, test := range tests {
			t.Run(test.name, func(t *testing.T) {
				env := newTestEnv(t)
				offer := env.list(t, mergedListing(0x18, 1, 100000))
				env.fundBuyer(t, 600, 600, 500000)

				req := env.signedSettlement(t, []int64{offer.ID})
				env.chain.broadcastErr = test.err
				if test.spent {
					env.chain.spendOnError = offer.Locations()
				}

				_, err := env.service.SubmitSettlement(ctx, req)
				require.ErrorIs(t, err, market.ErrBroadcast)
				require.Empty(t, env.store.Orders())

				if test.cancelled {
					require.ErrorIs(t, err, market.ErrInputsSpent)
					require.Equal(t, []int64{offer.ID}, market.InvalidOfferIDs(err))
					require.Equal(t, market.StatusCancelled, env.status(t, offer.ID))
					return
				}

				require.Empty(t, market.InvalidOfferIDs(err))
				require.Equal(t, market.StatusActive, env.status(t, offer.ID))
			})
		}
	})

	t.Run("concurrent fill", func(t *testing.T) {
		env := newTestEnv(t)
		offer := env.list(t, mergedListing(0x19, 1, 100000))
		env.fundBuyer(t, 600, 600, 500000)
		req := env.signedSettlement(t, []int64{offer.ID})

		defer leaktest.Check(t)()

		const submissions = 4
		var (
			wg   sync.WaitGroup
			errs = make([]error, submissions)
		)
		for idx := 0; idx < submissions; idx++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				_, errs[idx] = env.service.SubmitSettlement(ctx, req)
			}(idx)
		}
		wg.Wait()

		var filled int
		for _, err := range errs {
			if err == nil {
				filled++
				continue
			}

			require.ErrorIs(t, err, market.ErrOfferNoLongerActive)
			require.True(t, errors.Is(err, market.ErrStaleAsset))
		}
		require.Equal(t, 1, filled)
		require.Equal(t, 1, env.chain.broadcastCount())
		require.Len(t, env.store.Orders(), 1)
		require.Equal(t, market.StatusFilled, env.status(t, offer.ID))
	})
}
