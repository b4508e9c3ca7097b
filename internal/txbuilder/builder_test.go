package txbuilder

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"

	"github.com/spacesops/wdk-wallet-btc/internal/utxo"
)

// fakeSigner supplies the BIP-86 tweaked form of a fixed private key and a
// fixed P2TR change script, standing in for keymaterial.KeyMaterial in tests.
type fakeSigner struct {
	priv         *btcec.PrivateKey
	changeScript []byte
}

func (f *fakeSigner) TweakedPrivateKey() (*btcec.PrivateKey, error) {
	return txscript.TweakTaprootPrivKey(*f.priv, nil), nil
}

func (f *fakeSigner) OutputScriptPubKey() ([]byte, error) {
	return f.changeScript, nil
}

func p2trScript(t *testing.T, priv *btcec.PrivateKey) []byte {
	t.Helper()
	internalKey := priv.PubKey()
	outputKey := txscript.ComputeTaprootKeyNoScript(internalKey)
	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_1).
		AddData(schnorr.SerializePubKey(outputKey)).
		Script()
	if err != nil {
		t.Fatalf("building script: %v", err)
	}
	return script
}

func sampleChosen(t *testing.T, priv *btcec.PrivateKey, n int, value int64) []utxo.Chosen {
	t.Helper()
	script := p2trScript(t, priv)
	var hash chainhash.Hash
	hash[0] = 0xAA
	var out []utxo.Chosen
	for i := 0; i < n; i++ {
		out = append(out, utxo.Chosen{
			PrevTxHash:   hash,
			PrevVout:     uint32(i),
			Value:        uint64(value),
			ScriptPubKey: script,
		})
	}
	return out
}

func TestBuildRejectsDustAmount(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	signer := &fakeSigner{priv: priv, changeScript: p2trScript(t, priv)}
	chosen := sampleChosen(t, priv, 1, 100000)
	recipient := p2trScript(t, priv)

	_, err = Build(context.Background(), &chaincfg.RegressionNetParams, signer, chosen, DustLimit, recipient, 2)
	if err == nil {
		t.Fatal("expected dust-limit rejection")
	}
}

func TestBuildProducesSignedTransaction(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	signer := &fakeSigner{priv: priv, changeScript: p2trScript(t, priv)}
	chosen := sampleChosen(t, priv, 1, 100000)
	recipient := p2trScript(t, priv)

	result, err := Build(context.Background(), &chaincfg.RegressionNetParams, signer, chosen, 10000, recipient, 2)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if result.Txid == "" {
		t.Error("expected non-empty txid")
	}
	if result.RawHex == "" {
		t.Error("expected non-empty raw hex")
	}
	if result.Fee < MinFeeFloor {
		t.Errorf("fee %d below floor %d", result.Fee, MinFeeFloor)
	}
}

func TestBuildInsufficientBalance(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	signer := &fakeSigner{priv: priv, changeScript: p2trScript(t, priv)}
	chosen := sampleChosen(t, priv, 1, 1000)
	recipient := p2trScript(t, priv)

	_, err = Build(context.Background(), &chaincfg.RegressionNetParams, signer, chosen, 10000, recipient, 2)
	if err == nil {
		t.Fatal("expected insufficient balance error")
	}
}
