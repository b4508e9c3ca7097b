// Package network maps the account's Taproot network tag to the chain
// parameters the rest of the module needs: coin type for the BIP-86
// derivation path and the btcsuite chain params used for address encoding.
package network

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
)

// Network identifies which Bitcoin chain an account operates on.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Regtest Network = "regtest"
)

// Parse validates a network tag.
func Parse(s string) (Network, error) {
	switch Network(s) {
	case Mainnet, Testnet, Regtest:
		return Network(s), nil
	default:
		return "", fmt.Errorf("unknown network: %q (supported: mainnet, testnet, regtest)", s)
	}
}

// CoinType returns the BIP-44 coin type used in m/86'/coin'/0'/0/i: 0 on
// mainnet, 1 otherwise.
func (n Network) CoinType() uint32 {
	if n == Mainnet {
		return 0
	}
	return 1
}

// Params returns the btcsuite chain parameters for this network.
func (n Network) Params() (*chaincfg.Params, error) {
	switch n {
	case Mainnet:
		return &chaincfg.MainNetParams, nil
	case Testnet:
		return &chaincfg.TestNet3Params, nil
	case Regtest:
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network: %q", n)
	}
}

// HRP returns the Bech32m human-readable part for Taproot addresses on this
// network: bc, tb, or bcrt.
func (n Network) HRP() (string, error) {
	params, err := n.Params()
	if err != nil {
		return "", err
	}
	return params.Bech32HRPSegwit, nil
}
