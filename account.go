// Package btc implements a self-custodial, single-key Taproot (BIP-86)
// Bitcoin account: address derivation, balance and UTXO queries against an
// Electrum server, message signing, transaction construction, and history
// reconstruction.
//
// Grounded on the teacher's btcBackend (backend.go): the account binds the
// same pieces the teacher's Vault secrets engine bound — wallet key
// material, a lazily-connected Electrum client, and UTXO/transaction
// logic — but as a plain library façade instead of a Vault framework
// backend, matching spec §4.6.
package btc

import (
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/spacesops/wdk-wallet-btc/internal/electrum"
	"github.com/spacesops/wdk-wallet-btc/internal/history"
	"github.com/spacesops/wdk-wallet-btc/internal/keymaterial"
	"github.com/spacesops/wdk-wallet-btc/internal/network"
	"github.com/spacesops/wdk-wallet-btc/internal/txbuilder"
	"github.com/spacesops/wdk-wallet-btc/internal/utxo"
	"github.com/spacesops/wdk-wallet-btc/internal/walleterrors"
)

// Config configures a new Account. Mirrors spec §6 "Configuration".
type Config struct {
	// Seed material: exactly one of Mnemonic or Seed must be set.
	Mnemonic   string
	Passphrase string
	Seed       []byte

	// Path is the relative derivation suffix "account'/change/index".
	Path string

	Network network.Network

	Electrum electrum.Config

	Logger hclog.Logger
}

// SendOptions parameterizes quote_send/send_transaction.
type SendOptions struct {
	To    string
	Value uint64
	// FeeRate overrides the gateway-estimated fee rate, in sat/vB. Zero
	// means "ask the gateway".
	FeeRate uint64
}

// Quote is the result of quote_send: what send_transaction would do,
// without broadcasting.
type Quote struct {
	Fee       uint64
	VSize     int
	TotalSend uint64
}

// SendResult is the result of a broadcast send.
type SendResult struct {
	Txid   string
	RawHex string
	Fee    uint64
}

// TransferOptions parameterizes get_transfers.
type TransferOptions struct {
	Direction history.Direction
	Limit     int
	Skip      int
}

// Account is the public surface of one BIP-86 Taproot wallet account. The
// zero value is not usable; construct with New.
type Account struct {
	mu sync.Mutex

	key *keymaterial.KeyMaterial
	gw  *electrum.Gateway
	log hclog.Logger

	scriptPubKey []byte
	scriptHash   string

	resolver *history.Resolver

	disposed bool
}

// New constructs an Account: derives the BIP-86 key material and prepares a
// (not-yet-connected) Electrum gateway. Spec §4.6, §4.1 "construct".
func New(cfg Config) (*Account, error) {
	key, err := keymaterial.New(keymaterial.Params{
		Mnemonic:   cfg.Mnemonic,
		Passphrase: cfg.Passphrase,
		Seed:       cfg.Seed,
		Path:       cfg.Path,
		Network:    cfg.Network,
	})
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	electrumCfg := cfg.Electrum
	if electrumCfg.Host == "" {
		electrumCfg = electrum.DefaultConfig()
	}
	electrumCfg.Logger = logger
	gw := electrum.New(electrumCfg)

	scriptPubKey, err := key.OutputScriptPubKey()
	if err != nil {
		return nil, err
	}
	scriptHash := electrum.ScriptHash(scriptPubKey)

	chainParams, err := cfg.Network.Params()
	if err != nil {
		return nil, err
	}
	resolver, err := history.New(gw, chainParams, scriptPubKey, key.Address())
	if err != nil {
		return nil, err
	}

	return &Account{
		key:          key,
		gw:           gw,
		log:          logger,
		scriptPubKey: scriptPubKey,
		scriptHash:   scriptHash,
		resolver:     resolver,
	}, nil
}

// Address returns the account's bech32m Taproot address. Does not require
// the gateway and never fails.
func (a *Account) Address() string {
	return a.key.Address()
}

// checkActive returns walleterrors.ErrDisposed if the account has been
// disposed. Spec §4.6 state machine.
func (a *Account) checkActive() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.disposed {
		return walleterrors.ErrDisposed
	}
	return nil
}

// Balance returns the account's confirmed balance in satoshis. Spec §4.6
// "balance()".
func (a *Account) Balance(ctx context.Context) (uint64, error) {
	if err := a.checkActive(); err != nil {
		return 0, err
	}
	bal, err := a.gw.ScriptBalance(ctx, a.scriptHash)
	if err != nil {
		return 0, err
	}
	return bal.Confirmed, nil
}

// SignMessage signs m with the account's untweaked child key. Spec §4.6
// "sign_message".
func (a *Account) SignMessage(m []byte) (string, error) {
	if err := a.checkActive(); err != nil {
		return "", err
	}
	return a.key.SignMessage(m)
}

// VerifyMessage verifies a signature produced by SignMessage. Spec §4.6
// "verify_message".
func (a *Account) VerifyMessage(m []byte, sigHex string) (bool, error) {
	if err := a.checkActive(); err != nil {
		return false, err
	}
	return a.key.VerifyMessage(m, sigHex)
}

// QuoteSend plans but does not broadcast a send, returning the fee it would
// pay. Spec §4.6 "quote_send".
func (a *Account) QuoteSend(ctx context.Context, opts SendOptions) (*Quote, error) {
	if err := a.checkActive(); err != nil {
		return nil, err
	}
	result, err := a.buildSend(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Quote{Fee: result.Fee, VSize: result.VSize, TotalSend: opts.Value}, nil
}

// SendTransaction builds, signs, and broadcasts a payment. Spec §4.6
// "send_transaction".
func (a *Account) SendTransaction(ctx context.Context, opts SendOptions) (*SendResult, error) {
	if err := a.checkActive(); err != nil {
		return nil, err
	}
	result, err := a.buildSend(ctx, opts)
	if err != nil {
		return nil, err
	}
	txid, err := a.gw.Broadcast(ctx, result.RawHex)
	if err != nil {
		return nil, err
	}
	return &SendResult{Txid: txid, RawHex: result.RawHex, Fee: result.Fee}, nil
}

func (a *Account) buildSend(ctx context.Context, opts SendOptions) (*txbuilder.Result, error) {
	// Dust is rejected before any gateway I/O, per spec: AmountBelowDust
	// "surfaced before I/O".
	if opts.Value <= txbuilder.DustLimit {
		return nil, walleterrors.New(walleterrors.KindAmountBelowDust, "amount %d is at or below dust limit %d", opts.Value, txbuilder.DustLimit)
	}

	recipientScript, err := addressToScript(opts.To, a.key.Network())
	if err != nil {
		return nil, err
	}

	feeRate := opts.FeeRate
	if feeRate == 0 {
		feeRate, err = a.gw.EstimateFeePerVByte(ctx)
		if err != nil {
			return nil, err
		}
	}

	chosen, err := utxo.Plan(ctx, a.gw, a.scriptHash, opts.Value)
	if err != nil {
		return nil, err
	}

	chainParams, err := a.key.Network().Params()
	if err != nil {
		return nil, err
	}

	return txbuilder.Build(ctx, chainParams, a.key, chosen, opts.Value, recipientScript, feeRate)
}

// GetTransfers reconstructs per-output history records. Spec §4.6
// "get_transfers".
func (a *Account) GetTransfers(ctx context.Context, opts TransferOptions) ([]history.Record, error) {
	if err := a.checkActive(); err != nil {
		return nil, err
	}
	return a.resolver.Resolve(ctx, a.scriptHash, history.Options{
		Direction: opts.Direction,
		Limit:     opts.Limit,
		Skip:      opts.Skip,
	})
}

// Dispose zeroizes the account's private key and closes the Electrum
// connection. Idempotent. Spec §4.6 state machine, §5 "Shared resources".
func (a *Account) Dispose() {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return
	}
	a.disposed = true
	a.mu.Unlock()

	a.key.Dispose()
	a.gw.Close()
}

// Transfer, QuoteTransfer, and TokenBalance are not supported by a
// single-asset Taproot account. Spec §4.6 "Unsupported operations".
func (a *Account) Transfer(ctx context.Context, opts SendOptions) (*SendResult, error) {
	return nil, walleterrors.Unsupported("transfer")
}

func (a *Account) QuoteTransfer(ctx context.Context, opts SendOptions) (*Quote, error) {
	return nil, walleterrors.Unsupported("quote_transfer")
}

func (a *Account) TokenBalance(ctx context.Context, tokenID string) (uint64, error) {
	return 0, walleterrors.Unsupported("token_balance")
}

func addressToScript(addr string, net network.Network) ([]byte, error) {
	params, err := net.Params()
	if err != nil {
		return nil, err
	}
	return decodeTaprootAddress(addr, params)
}
