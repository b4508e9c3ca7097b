// Package txbuilder assembles, fees, signs, and finalizes a PSBT paying a
// single recipient from the account's Taproot output, per spec §4.4.
//
// Grounded on the teacher's wallet.BuildTransaction (wallet/transaction.go,
// raw wire.MsgTx assembly and two-pass fee sizing) and path_wallet_psbt.go
// (PSBT v0 construction via btcsuite's btcutil/psbt package and the Schnorr
// key-path signing in signInput). The teacher builds a bare wire.MsgTx for
// sends and only uses PSBT for its separate sign/cosign API; this package
// always goes through PSBT so the fee-discovery and signing logic lives in
// one path, as spec §4.4 requires.
package txbuilder

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/spacesops/wdk-wallet-btc/internal/utxo"
	"github.com/spacesops/wdk-wallet-btc/internal/walleterrors"
)

// Fee policy constants from spec §3.
const (
	DustLimit   = 546
	MinFeeFloor = 141
)

// sequenceRBF is the input sequence number signaling BIP-125
// Replace-By-Fee, matching the teacher's SequenceRBF.
const sequenceRBF = 0xFFFFFFFD

// Signer exposes the account's BIP-341 tweaked private key, used for the
// key-path Schnorr signatures, and its output script, decoupling the builder
// from keymaterial's concrete type.
type Signer interface {
	TweakedPrivateKey() (*btcec.PrivateKey, error)
	OutputScriptPubKey() ([]byte, error)
}

// Result is the outcome of building and signing a send transaction.
type Result struct {
	Txid    string
	RawHex  string
	Fee     uint64
	VSize   int
}

// Build assembles a PSBT spending the chosen UTXOs to pay amount sats to
// recipientScript, with any change returned to the account's own Taproot
// output, following the two-pass fee-discovery policy of spec §4.4.
func Build(ctx context.Context, params *chaincfg.Params, signer Signer, chosen []utxo.Chosen, amount uint64, recipientScript []byte, feeRate uint64) (*Result, error) {
	if amount <= DustLimit {
		return nil, walleterrors.New(walleterrors.KindAmountBelowDust, "amount %d is at or below dust limit %d", amount, DustLimit)
	}

	var totalIn uint64
	for _, c := range chosen {
		totalIn += c.Value
	}

	changeScript, err := signer.OutputScriptPubKey()
	if err != nil {
		return nil, err
	}

	// First pass: fee=0, to learn vsize.
	packet, err := assemble(chosen, amount, recipientScript, 0, changeScript)
	if err != nil {
		return nil, err
	}
	if err := signAll(packet, chosen, signer); err != nil {
		return nil, err
	}
	vsize, err := vsizeOf(packet)
	if err != nil {
		return nil, err
	}

	feeTrial := uint64(math.Ceil(float64(feeRate) * float64(vsize)))
	if feeTrial < MinFeeFloor {
		feeTrial = MinFeeFloor
	}

	if totalIn < amount+feeTrial {
		return nil, walleterrors.New(walleterrors.KindInsufficientBal, "available %d sats cannot cover %d send + %d fee", totalIn, amount, feeTrial)
	}

	// Second pass: rebuild with the discovered fee; change-dropping may
	// still occur here if the new fee eats into what used to be change.
	packet, err = assemble(chosen, amount, recipientScript, feeTrial, changeScript)
	if err != nil {
		return nil, err
	}
	if err := signAll(packet, chosen, signer); err != nil {
		return nil, err
	}
	vsize, err = vsizeOf(packet)
	if err != nil {
		return nil, err
	}

	for i := range packet.Inputs {
		if err := psbt.Finalize(packet, i); err != nil {
			return nil, walleterrors.Wrap(walleterrors.KindRPCError, err, "finalizing input %d", i)
		}
	}

	finalTx, err := psbt.Extract(packet)
	if err != nil {
		return nil, walleterrors.Wrap(walleterrors.KindRPCError, err, "extracting final transaction")
	}

	var buf bytes.Buffer
	if err := finalTx.Serialize(&buf); err != nil {
		return nil, walleterrors.Wrap(walleterrors.KindRPCError, err, "serializing transaction")
	}

	var totalOut uint64
	for _, out := range finalTx.TxOut {
		totalOut += uint64(out.Value)
	}
	actualFee := totalIn - totalOut

	return &Result{
		Txid:   finalTx.TxHash().String(),
		RawHex: hex.EncodeToString(buf.Bytes()),
		Fee:    actualFee,
		VSize:  vsize,
	}, nil
}

// assemble builds an unsigned PSBT v0: one input per chosen UTXO with its
// witness_utxo and tap_internal_key, one output to the recipient, and an
// optional change output back to the account's own Taproot script.
func assemble(chosen []utxo.Chosen, amount uint64, recipientScript []byte, fee uint64, changeScript []byte) (*psbt.Packet, error) {
	var totalIn uint64
	tx := wire.NewMsgTx(2)
	for _, c := range chosen {
		hash := c.PrevTxHash
		outpoint := wire.NewOutPoint(&hash, c.PrevVout)
		txIn := wire.NewTxIn(outpoint, nil, nil)
		txIn.Sequence = sequenceRBF // BIP-125 RBF signaling
		tx.AddTxIn(txIn)
		totalIn += c.Value
	}

	tx.AddTxOut(wire.NewTxOut(int64(amount), recipientScript))

	change := int64(totalIn) - int64(amount) - int64(fee)
	if change < 0 {
		return nil, walleterrors.New(walleterrors.KindInsufficientBal, "inputs %d cannot cover amount %d plus fee %d", totalIn, amount, fee)
	}
	includeChange := change > DustLimit
	if includeChange {
		tx.AddTxOut(wire.NewTxOut(change, changeScript))
	}

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, walleterrors.Wrap(walleterrors.KindRPCError, err, "building psbt")
	}

	for i, c := range chosen {
		packet.Inputs[i].WitnessUtxo = &wire.TxOut{Value: int64(c.Value), PkScript: c.ScriptPubKey}
		internalKey, err := internalKeyFromScript(c.ScriptPubKey)
		if err == nil {
			packet.Inputs[i].TaprootInternalKey = internalKey
		}
		packet.Inputs[i].SighashType = txscript.SigHashDefault
	}

	return packet, nil
}

// internalKeyFromScript extracts the 32-byte x-only key committed in a P2TR
// scriptPubKey (OP_1 <32 bytes>). Used to populate TaprootInternalKey; the
// builder signs with the caller-supplied Signer regardless, so a failure
// here is not fatal to construction.
func internalKeyFromScript(script []byte) ([]byte, error) {
	if len(script) != 34 || script[0] != txscript.OP_1 || script[1] != txscript.OP_DATA_32 {
		return nil, fmt.Errorf("not a P2TR script")
	}
	return script[2:], nil
}

// signAll produces the BIP-341 key-path Schnorr signature for every input
// and stores it as the PSBT's taproot key-spend signature.
func signAll(packet *psbt.Packet, chosen []utxo.Chosen, signer Signer) error {
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(chosen))
	for i, c := range chosen {
		prevOuts[packet.UnsignedTx.TxIn[i].PreviousOutPoint] = &wire.TxOut{
			Value:    int64(c.Value),
			PkScript: c.ScriptPubKey,
		}
	}
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(packet.UnsignedTx, fetcher)

	privKey, err := signer.TweakedPrivateKey()
	if err != nil {
		return err
	}

	for i := range chosen {
		// privKey is already tweaked, so the sighash is signed directly
		// (txscript.RawTxInTaprootSignature would apply the tweak again).
		sigHash, err := txscript.CalcTaprootSignatureHash(sigHashes, txscript.SigHashDefault, packet.UnsignedTx, i, fetcher)
		if err != nil {
			return walleterrors.Wrap(walleterrors.KindMalformedSignature, err, "signing input %d", i)
		}
		sig, err := schnorr.Sign(privKey, sigHash)
		if err != nil {
			return walleterrors.Wrap(walleterrors.KindMalformedSignature, err, "signing input %d", i)
		}
		packet.Inputs[i].TaprootKeySpendSig = sig.Serialize()
	}
	return nil
}

// vsizeOf computes a transaction's virtual size from a fully-witnessed PSBT
// without finalizing it, by building a throwaway copy with witnesses
// attached directly (psbt.Extract requires Finalize, which clears data we
// still need for the second pass).
func vsizeOf(packet *psbt.Packet) (int, error) {
	tx := packet.UnsignedTx.Copy()
	for i, in := range packet.Inputs {
		if in.TaprootKeySpendSig == nil {
			continue
		}
		tx.TxIn[i].Witness = wire.TxWitness{in.TaprootKeySpendSig}
	}
	weight := tx.SerializeSizeStripped()*3 + tx.SerializeSize()
	return (weight + 3) / 4, nil
}
