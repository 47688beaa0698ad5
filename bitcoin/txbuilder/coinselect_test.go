// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package txbuilder_test

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/BoostyLabs/runemarket/bitcoin"
	"github.com/BoostyLabs/runemarket/bitcoin/txbuilder"
	"github.com/BoostyLabs/runemarket/bitcoin/utils"
)

func TestSelectCoins(t *testing.T) {
	payer := newTestWallet(t, 0x41)
	paymentScript := payer.script(t, utils.P2WPKH)
	targetScript := payer.script(t, utils.P2TR)

	utxo := func(b byte, amount int64) bitcoin.UTXO {
		return bitcoin.UTXO{TxHash: txID(b), Index: uint32(b), Amount: amount, Script: paymentScript}
	}

	t.Run("with change", func(t *testing.T) {
		selection, err := txbuilder.SelectCoins(txbuilder.CoinSelectParams{
			UTXOs:        []bitcoin.UTXO{utxo(1, 20000), utxo(2, 50000)},
			FeeRate:      2,
			Targets:      []*wire.TxOut{wire.NewTxOut(10000, targetScript)},
			ChangeScript: paymentScript,
		})
		require.NoError(t, err)
		require.Equal(t, []bitcoin.UTXO{utxo(2, 50000)}, selection.Inputs)
		require.EqualValues(t, 153, selection.VSize)
		require.EqualValues(t, 306, selection.Fee)
		require.NotNil(t, selection.Change)
		require.EqualValues(t, 39694, selection.Change.Value)
		require.Equal(t, paymentScript, selection.Change.PkScript)
	})

	t.Run("change folded into fee", func(t *testing.T) {
		selection, err := txbuilder.SelectCoins(txbuilder.CoinSelectParams{
			UTXOs:        []bitcoin.UTXO{utxo(1, 10500)},
			FeeRate:      2,
			Targets:      []*wire.TxOut{wire.NewTxOut(10000, targetScript)},
			ChangeScript: paymentScript,
		})
		require.NoError(t, err)
		require.Len(t, selection.Inputs, 1)
		require.Nil(t, selection.Change)
		require.EqualValues(t, 122, selection.VSize)
		require.EqualValues(t, 500, selection.Fee)
	})

	t.Run("largest first", func(t *testing.T) {
		selection, err := txbuilder.SelectCoins(txbuilder.CoinSelectParams{
			UTXOs:        []bitcoin.UTXO{utxo(1, 1000), utxo(2, 30000), utxo(3, 20000)},
			FeeRate:      1,
			Targets:      []*wire.TxOut{wire.NewTxOut(25000, targetScript)},
			ChangeScript: paymentScript,
		})
		require.NoError(t, err)
		require.Equal(t, []bitcoin.UTXO{utxo(2, 30000)}, selection.Inputs)
	})

	t.Run("committed inputs are never selected", func(t *testing.T) {
		committed := utxo(1, 600)
		selection, err := txbuilder.SelectCoins(txbuilder.CoinSelectParams{
			UTXOs:        []bitcoin.UTXO{committed, utxo(2, 20000)},
			FeeRate:      3,
			Targets:      []*wire.TxOut{wire.NewTxOut(15000, targetScript)},
			Committed:    []txbuilder.CommittedInput{{Location: committed.Location(), Weight: 272}},
			ChangeScript: paymentScript,
		})
		require.NoError(t, err)
		require.Equal(t, []bitcoin.UTXO{utxo(2, 20000)}, selection.Inputs)
	})

	t.Run("committed value covers targets", func(t *testing.T) {
		selection, err := txbuilder.SelectCoins(txbuilder.CoinSelectParams{
			UTXOs:        []bitcoin.UTXO{utxo(2, 20000)},
			FeeRate:      1,
			Targets:      []*wire.TxOut{wire.NewTxOut(546, targetScript)},
			Committed:    []txbuilder.CommittedInput{{Location: bitcoin.AssetLocation{TxID: txID(9), Vout: 0, Value: 5000}, Weight: 272}},
			ChangeScript: paymentScript,
		})
		require.NoError(t, err)
		require.Empty(t, selection.Inputs)
		require.NotNil(t, selection.Change)
	})

	t.Run("insufficient funds", func(t *testing.T) {
		_, err := txbuilder.SelectCoins(txbuilder.CoinSelectParams{
			UTXOs:        []bitcoin.UTXO{utxo(1, 1000), utxo(2, 2000)},
			FeeRate:      5,
			Targets:      []*wire.TxOut{wire.NewTxOut(10000, targetScript)},
			ChangeScript: paymentScript,
		})
		require.ErrorIs(t, err, bitcoin.ErrInsufficientNativeBalance)

		var insufficientErr *txbuilder.InsufficientError
		require.True(t, errors.As(err, &insufficientErr))
		require.Equal(t, txbuilder.CauserBuyer, insufficientErr.Causer)
		require.Equal(t, txbuilder.InsufficientErrorTypeBitcoin, insufficientErr.Type)
		require.EqualValues(t, 3000, insufficientErr.Have)
		require.Greater(t, insufficientErr.Need, int64(10000))
	})

	t.Run("insufficient funds net of reserved value", func(t *testing.T) {
		padding := utxo(1, 1200)
		_, err := txbuilder.SelectCoins(txbuilder.CoinSelectParams{
			UTXOs:   []bitcoin.UTXO{padding, utxo(2, 5000)},
			FeeRate: 1,
			Targets: []*wire.TxOut{
				wire.NewTxOut(1200, paymentScript),
				wire.NewTxOut(10000, targetScript),
			},
			Committed:    []txbuilder.CommittedInput{{Location: padding.Location(), Weight: 272}},
			ChangeScript: paymentScript,
			Reserved:     1200,
		})

		var insufficientErr *txbuilder.InsufficientError
		require.ErrorAs(t, err, &insufficientErr)
		require.EqualValues(t, 5000, insufficientErr.Have)
		require.Greater(t, insufficientErr.Need, int64(10000))
		require.Less(t, insufficientErr.Need, int64(11200))
	})

	t.Run("invalid fee rate", func(t *testing.T) {
		_, err := txbuilder.SelectCoins(txbuilder.CoinSelectParams{FeeRate: 0})
		require.ErrorIs(t, err, txbuilder.ErrInvalidFeeRate)
	})

	t.Run("random balance", func(t *testing.T) {
		rnd := rand.New(rand.NewSource(42))
		for i := 0; i < 200; i++ {
			utxos := make([]bitcoin.UTXO, 1+rnd.Intn(10))
			for idx := range utxos {
				utxos[idx] = utxo(byte(idx+1), 546+rnd.Int63n(100000))
			}

			committed := make([]txbuilder.CommittedInput, 0)
			excluded := make(map[string]struct{})
			var committedValue int64
			for _, u := range utxos {
				if rnd.Intn(4) == 0 {
					committed = append(committed, txbuilder.CommittedInput{Location: u.Location(), Weight: 272})
					excluded[u.Location().String()] = struct{}{}
					committedValue += u.Amount
				}
			}

			target := 546 + rnd.Int63n(150000)
			feeRate := 1 + rnd.Int63n(50)
			selection, err := txbuilder.SelectCoins(txbuilder.CoinSelectParams{
				UTXOs:        utxos,
				FeeRate:      feeRate,
				Targets:      []*wire.TxOut{wire.NewTxOut(target, targetScript)},
				Committed:    committed,
				ChangeScript: paymentScript,
			})
			if err != nil {
				require.ErrorIs(t, err, bitcoin.ErrInsufficientNativeBalance)
				continue
			}

			available := committedValue
			for _, input := range selection.Inputs {
				_, ok := excluded[input.Location().String()]
				require.False(t, ok)
				available += input.Amount
			}

			var change int64
			if selection.Change != nil {
				change = selection.Change.Value
				require.Greater(t, change, bitcoin.DustLimit)
			}

			require.Equal(t, available, target+selection.Fee+change)
			require.GreaterOrEqual(t, selection.Fee, selection.VSize*feeRate)
		}
	})
}
