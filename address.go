package btc

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/spacesops/wdk-wallet-btc/internal/walleterrors"
)

// decodeTaprootAddress parses a bech32m Taproot address for the given
// network and returns its scriptPubKey. Grounded on the teacher's
// wallet.GetScriptPubKey (wallet/address.go), generalized to reject
// non-Taproot address types since this account only ever pays P2TR.
func decodeTaprootAddress(address string, params *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, walleterrors.Wrap(walleterrors.KindInvalidPath, err, "invalid address %q", address)
	}
	if _, ok := addr.(*btcutil.AddressTaproot); !ok {
		return nil, walleterrors.New(walleterrors.KindInvalidPath, "address %q is not a Taproot address", address)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, walleterrors.Wrap(walleterrors.KindInvalidPath, err, "failed to build script for %q", address)
	}
	return script, nil
}
