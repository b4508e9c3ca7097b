// Package utxo selects spendable outputs to cover a target amount. Grounded
// on the teacher's wallet.SelectUTXOs (wallet/transaction.go) and
// electrum.Client.ListUnspent, but generalized per spec §4.3: selection is
// first-fit in server order rather than the teacher's largest-first
// heuristic, and each chosen UTXO is paired with its previous transaction's
// exact output script, since the PSBT witness_utxo must carry the script
// verbatim rather than a script reconstructed from the address.
package utxo

import (
	"bytes"
	"context"
	"encoding/hex"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/spacesops/wdk-wallet-btc/internal/electrum"
	"github.com/spacesops/wdk-wallet-btc/internal/walleterrors"
)

// Chosen is one selected input, carrying the exact previous output so a PSBT
// witness_utxo can be built without reconstructing the script.
type Chosen struct {
	PrevTxHash  chainhash.Hash
	PrevVout    uint32
	Value       uint64
	ScriptPubKey []byte
}

// Gateway is the subset of electrum.Gateway the planner depends on.
type Gateway interface {
	Unspent(ctx context.Context, scriptHash string) ([]electrum.UnspentRef, error)
	GetTransactionHex(ctx context.Context, txid string) (string, error)
}

// Plan selects unspent outputs for scriptHash covering at least amount
// sats, walking the gateway's listing in the order returned (first-fit, no
// optimization) and resolving each chosen UTXO's previous transaction to
// learn its exact scriptPubKey.
func Plan(ctx context.Context, gw Gateway, scriptHash string, amount uint64) ([]Chosen, error) {
	refs, err := gw.Unspent(ctx, scriptHash)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, walleterrors.New(walleterrors.KindNoUnspent, "no unspent outputs for this account")
	}

	var chosen []Chosen
	var total uint64
	for _, ref := range refs {
		resolved, err := resolve(ctx, gw, ref)
		if err != nil {
			return nil, err
		}
		chosen = append(chosen, resolved)
		total += ref.Value
		if total >= amount {
			break
		}
	}
	if total < amount {
		return nil, walleterrors.New(walleterrors.KindInsufficientBal, "available %d sats is less than requested %d sats", total, amount)
	}
	return chosen, nil
}

// resolve fetches ref's previous transaction and extracts the exact
// scriptPubKey and value of the referenced output.
func resolve(ctx context.Context, gw Gateway, ref electrum.UnspentRef) (Chosen, error) {
	rawHex, err := gw.GetTransactionHex(ctx, ref.TxHash)
	if err != nil {
		return Chosen{}, walleterrors.Wrap(walleterrors.KindRPCError, err, "fetching previous transaction %s", ref.TxHash)
	}
	rawBytes, err := hex.DecodeString(rawHex)
	if err != nil {
		return Chosen{}, walleterrors.Wrap(walleterrors.KindRPCError, err, "decoding previous transaction %s", ref.TxHash)
	}

	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(rawBytes)); err != nil {
		return Chosen{}, walleterrors.Wrap(walleterrors.KindRPCError, err, "parsing previous transaction %s", ref.TxHash)
	}
	if int(ref.TxPos) >= len(tx.TxOut) {
		return Chosen{}, walleterrors.New(walleterrors.KindRPCError, "previous transaction %s has no output %d", ref.TxHash, ref.TxPos)
	}
	out := tx.TxOut[ref.TxPos]

	hash, err := chainhash.NewHashFromStr(ref.TxHash)
	if err != nil {
		return Chosen{}, walleterrors.Wrap(walleterrors.KindRPCError, err, "parsing txid %s", ref.TxHash)
	}

	return Chosen{
		PrevTxHash:   *hash,
		PrevVout:     ref.TxPos,
		Value:        uint64(out.Value),
		ScriptPubKey: out.PkScript,
	}, nil
}
