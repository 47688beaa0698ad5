// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package txbuilder_test

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/BoostyLabs/runemarket/bitcoin/txbuilder"
)

func TestExtractAddressTypeInputIndexesFromPSBT(t *testing.T) {
	tests := []struct {
		psbt     string
		expected map[txbuilder.InputsHelpingKey][]int
	}{
		{
			"cHNidP8BAPICAAAAAkZXKFP369ZOSUKg4F+781Lp64ePDidu1UPsQxzWUorXBAAAAAD/////RlcoU/fr1k5JQqDgX7vzUunrh48OJ27VQ+xDHNZSitcCAAAAAP////8EAAAAAAAAAAAMal0JFgIA4ghNnRoBIgIAAAAAAAAiUSAu6vu/kq8tH14IZsvr1he5lWJfN2J6Y4yQTd0mhUTDECICAAAAAAAAIlEgyTbXlQM2cHAjy50YCG0+l5N+McVx/87HcNiEC44gWmQb8AwAAAAAACJRIMk215UDNnBwI8udGAhtPpeTfjHFcf/Ox3DYhAuOIFpkAAAAAAEQAQABIAEBAAEBKiICAAAAAAAAIV9iaXRjb2luX3RyYW5zYWN0aW9uX3J1bmVfc2NyaXB0XwEDBAEAAAABFyAp+mEcNhNVsILuWT/rNoAJqpxr0e02yZg+3NET+42jPwABASVQ+AwAAAAAABxfYml0Y29pbl90cmFuc2FjdGlvbl9zY3JpcHRfAQMEAQAAAAEEFgAU8+s8RTsBFB5gK+stEzX2vlB7gTgAAAAAAA==",
			map[txbuilder.InputsHelpingKey][]int{txbuilder.TaprootInputsHelpingKey: {0}, txbuilder.PaymentInputsHelpingKey: {1}},
		},
		{
			"cHNidP8BAH4CAAAAAUZXKFP369ZOSUKg4F+781Lp64ePDidu1UPsQxzWUorXAgAAAAD/////AjxzAAAAAAAAIlEgLur7v5KvLR9eCGbL69YXuZViXzdiemOMkE3dJoVEwxDvgQwAAAAAABepFKpYjpRh5/yszRC1NNtHIt1yMSLBhwAAAAABIAEAAAEBJVD4DAAAAAAAHF9iaXRjb2luX3RyYW5zYWN0aW9uX3NjcmlwdF8BAwQBAAAAAQQWABTz6zxFOwEUHmAr6y0TNfa+UHuBOAAAAA==",
			map[txbuilder.InputsHelpingKey][]int{txbuilder.PaymentInputsHelpingKey: {0}},
		},
	}
	for _, test := range tests {
		p, err := txbuilder.DecodePSBT(test.psbt)
		require.NoError(t, err)

		result, err := txbuilder.ExtractAddressTypeInputIndexesFromPSBT(p)
		require.NoError(t, err)
		require.EqualValues(t, test.expected, result)

		// the same packet hex encoded.
		raw, err := base64.StdEncoding.DecodeString(test.psbt)
		require.NoError(t, err)

		p, err = txbuilder.DecodePSBT(hex.EncodeToString(raw))
		require.NoError(t, err)

		result, err = txbuilder.ExtractAddressTypeInputIndexesFromPSBT(p)
		require.NoError(t, err)
		require.EqualValues(t, test.expected, result)

		encoded, err := txbuilder.EncodePSBT(p)
		require.NoError(t, err)

		p, err = txbuilder.DecodePSBT(encoded)
		require.NoError(t, err)
		require.Equal(t, len(test.expected), len(p.Unknowns))
	}

	t.Run("index out of range", func(t *testing.T) {
		p, err := txbuilder.DecodePSBT(tests[1].psbt)
		require.NoError(t, err)

		p.Unknowns = append(p.Unknowns, &psbt.Unknown{Key: txbuilder.TaprootInputsHelpingKey.Bytes(), Value: []byte{4}})
		_, err = txbuilder.ExtractAddressTypeInputIndexesFromPSBT(p)
		require.ErrorIs(t, err, txbuilder.ErrInvalidPSBT)
	})
}

func TestDecodePSBT(t *testing.T) {
	for _, encoded := range []string{"", "   ", "cHNidP8=", "70736274ff00", "not a psbt"} {
		_, err := txbuilder.DecodePSBT(encoded)
		require.ErrorIs(t, err, txbuilder.ErrInvalidPSBT, encoded)
	}
}

func TestWitness(t *testing.T) {
	t.Run("ParseWitness", func(t *testing.T) {
		witness := wire.TxWitness{bytes.Repeat([]byte{1}, 65), {}, bytes.Repeat([]byte{2}, 33)}

		var buf bytes.Buffer
		require.NoError(t, psbt.WriteTxWitness(&buf, witness))

		parsed, err := txbuilder.ParseWitness(buf.Bytes())
		require.NoError(t, err)
		require.Equal(t, witness, parsed)

		_, err = txbuilder.ParseWitness(append(buf.Bytes(), 0x00))
		require.ErrorIs(t, err, txbuilder.ErrInvalidWitness)

		_, err = txbuilder.ParseWitness(buf.Bytes()[:10])
		require.ErrorIs(t, err, txbuilder.ErrInvalidWitness)

		_, err = txbuilder.ParseWitness([]byte{0xfd})
		require.ErrorIs(t, err, txbuilder.ErrInvalidWitness)
	})

	t.Run("SignatureSigHashType", func(t *testing.T) {
		tests := []struct {
			signature []byte
			expected  txscript.SigHashType
		}{
			{bytes.Repeat([]byte{1}, 64), txscript.SigHashDefault},
			{append(bytes.Repeat([]byte{1}, 64), 0x83), txbuilder.SellerSigHashType},
			{append(bytes.Repeat([]byte{1}, 71), 0x01), txscript.SigHashAll},
			{nil, txscript.SigHashDefault},
		}
		for _, test := range tests {
			require.Equal(t, test.expected, txbuilder.SignatureSigHashType(test.signature))
		}
	})
}
