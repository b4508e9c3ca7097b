package history

import (
	"bytes"
	"context"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/spacesops/wdk-wallet-btc/internal/electrum"
)

type fakeGateway struct {
	history []electrum.HistoryEntry
	rawTxs  map[string]string
}

func (f *fakeGateway) History(ctx context.Context, scriptHash string) ([]electrum.HistoryEntry, error) {
	return f.history, nil
}

func (f *fakeGateway) GetTransactionHex(ctx context.Context, txid string) (string, error) {
	return f.rawTxs[txid], nil
}

func p2trScript(t *testing.T, tag byte) []byte {
	t.Helper()
	key := make([]byte, 32)
	key[0] = tag
	script, err := txscript.NewScriptBuilder().AddOp(txscript.OP_1).AddData(key).Script()
	if err != nil {
		t.Fatalf("script: %v", err)
	}
	return script
}

func encodeTx(t *testing.T, ins []wire.OutPoint, outs []*wire.TxOut) string {
	t.Helper()
	tx := wire.NewMsgTx(2)
	// A transaction with no inputs does not survive a round trip through
	// wire's witness-aware encoding, so funding transactions get a
	// placeholder input.
	if len(ins) == 0 {
		ins = []wire.OutPoint{{Index: wire.MaxPrevOutIndex}}
	}
	for _, in := range ins {
		tx.AddTxIn(wire.NewTxIn(&in, nil, nil))
	}
	for _, out := range outs {
		tx.AddTxOut(out)
	}
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return hex.EncodeToString(buf.Bytes())
}

func TestResolveIncomingPayment(t *testing.T) {
	selfScript := p2trScript(t, 0xAA)
	otherScript := p2trScript(t, 0xBB)

	fundingTxHex := encodeTx(t, nil, []*wire.TxOut{{Value: 50000, PkScript: otherScript}})
	fundingHash := txFromHex(t, fundingTxHex).TxHash()

	paymentTxHex := encodeTx(t,
		[]wire.OutPoint{{Hash: fundingHash, Index: 0}},
		[]*wire.TxOut{{Value: 49000, PkScript: selfScript}},
	)

	gw := &fakeGateway{
		history: []electrum.HistoryEntry{{TxHash: "payment", Height: 100}},
		rawTxs: map[string]string{
			"payment":            paymentTxHex,
			fundingHash.String(): fundingTxHex,
		},
	}

	r, err := New(gw, &chaincfg.RegressionNetParams, selfScript, "self-address")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	records, err := r.Resolve(context.Background(), "scripthash", Options{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Direction != Incoming {
		t.Errorf("expected incoming, got %s", records[0].Direction)
	}
	if records[0].Value != 49000 {
		t.Errorf("expected value 49000, got %d", records[0].Value)
	}
}

func TestResolveOutgoingPaymentWithChange(t *testing.T) {
	selfScript := p2trScript(t, 0xAA)
	otherScript := p2trScript(t, 0xBB)

	fundingTxHex := encodeTx(t, nil, []*wire.TxOut{{Value: 100000, PkScript: selfScript}})
	fundingHash := txFromHex(t, fundingTxHex).TxHash()

	sendTxHex := encodeTx(t,
		[]wire.OutPoint{{Hash: fundingHash, Index: 0}},
		[]*wire.TxOut{
			{Value: 30000, PkScript: otherScript},
			{Value: 69000, PkScript: selfScript}, // change
		},
	)

	gw := &fakeGateway{
		history: []electrum.HistoryEntry{{TxHash: "send", Height: 0}},
		rawTxs: map[string]string{
			"send":               sendTxHex,
			fundingHash.String(): fundingTxHex,
		},
	}

	r, err := New(gw, &chaincfg.RegressionNetParams, selfScript, "self-address")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	records, err := r.Resolve(context.Background(), "scripthash", Options{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record (change excluded), got %d: %+v", len(records), records)
	}
	if records[0].Direction != Outgoing {
		t.Errorf("expected outgoing, got %s", records[0].Direction)
	}
	if records[0].Value != 30000 {
		t.Errorf("expected value 30000, got %d", records[0].Value)
	}
	if records[0].Fee == nil || *records[0].Fee != 1000 {
		t.Errorf("expected fee 1000, got %v", records[0].Fee)
	}
	if records[0].BlockHeight != 0 {
		t.Errorf("expected unconfirmed height 0, got %d", records[0].BlockHeight)
	}
}

func TestResolveDirectionFilter(t *testing.T) {
	selfScript := p2trScript(t, 0xAA)
	otherScript := p2trScript(t, 0xBB)

	fundingTxHex := encodeTx(t, nil, []*wire.TxOut{{Value: 100000, PkScript: otherScript}})
	fundingHash := txFromHex(t, fundingTxHex).TxHash()
	incomingTxHex := encodeTx(t,
		[]wire.OutPoint{{Hash: fundingHash, Index: 0}},
		[]*wire.TxOut{{Value: 99000, PkScript: selfScript}},
	)

	gw := &fakeGateway{
		history: []electrum.HistoryEntry{{TxHash: "incoming", Height: 5}},
		rawTxs: map[string]string{
			"incoming":           incomingTxHex,
			fundingHash.String(): fundingTxHex,
		},
	}
	r, err := New(gw, &chaincfg.RegressionNetParams, selfScript, "self-address")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	records, err := r.Resolve(context.Background(), "scripthash", Options{Direction: Outgoing})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no outgoing records, got %d", len(records))
	}
}

func txFromHex(t *testing.T, rawHex string) *wire.MsgTx {
	t.Helper()
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	return &tx
}
