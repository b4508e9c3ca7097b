// Package keymaterial derives the single BIP-86 Taproot key for an account
// from a BIP-39 mnemonic or raw seed, and performs the BIP-341 key tweak and
// Schnorr/ECDSA signing operations that depend on it.
//
// Grounded on the teacher's wallet.DeriveAccountKeyForType/DeriveAddressKey
// (github.com/btcsuite/btcd/btcutil/hdkeychain derivation) and
// wallet.GenerateP2TRAddress (github.com/btcsuite/btcd/txscript taproot
// helpers), generalized to BIP-86-only and to validate a mnemonic via
// github.com/tyler-smith/go-bip39 the way Klingon-tech-klingdex's
// internal/wallet/wallet.go does.
package keymaterial

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/txscript"
	"github.com/tyler-smith/go-bip39"

	"github.com/spacesops/wdk-wallet-btc/internal/network"
	"github.com/spacesops/wdk-wallet-btc/internal/walleterrors"
)

// purpose is the BIP-86 Taproot derivation purpose, m/86'/...
const purpose = 86

// Params configures the construction of a KeyMaterial.
type Params struct {
	// Mnemonic is a BIP-39 mnemonic phrase. Mutually exclusive with Seed.
	Mnemonic string
	// Passphrase is the optional BIP-39 passphrase ("25th word"), only used
	// together with Mnemonic.
	Passphrase string
	// Seed is a raw 64-byte seed. Mutually exclusive with Mnemonic.
	Seed []byte
	// Path is the relative suffix "account'/change/index", e.g. "0'/0/0".
	Path string
	// Network selects coin type and address encoding.
	Network network.Network
}

// KeyMaterial holds the derived BIP-86 child key for one account and the
// Taproot address/keys computed from it. It is not safe for concurrent use
// without external synchronization beyond what's documented per method.
type KeyMaterial struct {
	mu       sync.Mutex
	disposed bool

	network network.Network
	path    string // full absolute path, e.g. m/86'/0'/0'/0/0

	child *hdkeychain.ExtendedKey // zeroized in place on Dispose

	internalPubKey [32]byte // x-only internal key (BIP-341)
	outputPubKey   [32]byte // x-only tweaked output key
	address        string
}

// New validates the input, derives the seed and BIP-86 child key, computes
// the Taproot internal/output keys and address, and returns the ready
// KeyMaterial. Mirrors spec §4.1 "construct".
func New(p Params) (*KeyMaterial, error) {
	seed, err := resolveSeed(p.Mnemonic, p.Passphrase, p.Seed)
	if err != nil {
		return nil, err
	}

	suffix, err := parsePathSuffix(p.Path)
	if err != nil {
		return nil, err
	}

	params, err := p.Network.Params()
	if err != nil {
		return nil, walleterrors.Wrap(walleterrors.KindInvalidPath, err, "unknown network")
	}

	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, walleterrors.Wrap(walleterrors.KindInvalidSeedPhrase, err, "failed to derive master node")
	}

	child := master
	fullPath := []uint32{
		hdkeychain.HardenedKeyStart + purpose,
		hdkeychain.HardenedKeyStart + p.Network.CoinType(),
	}
	fullPath = append(fullPath, suffix...)

	for _, idx := range fullPath {
		child, err = child.Derive(idx)
		if err != nil {
			return nil, walleterrors.Wrap(walleterrors.KindInvalidPath, err, "child key derivation failed")
		}
	}

	pubKey, err := child.ECPubKey()
	if err != nil {
		return nil, walleterrors.Wrap(walleterrors.KindInvalidPath, err, "failed to derive public key")
	}

	internal := schnorr.SerializePubKey(pubKey)
	outputKey := txscript.ComputeTaprootKeyNoScript(pubKey)
	output := schnorr.SerializePubKey(outputKey)

	addr, err := btcutil.NewAddressTaproot(output, params)
	if err != nil {
		return nil, walleterrors.Wrap(walleterrors.KindInvalidPath, err, "failed to encode taproot address")
	}

	km := &KeyMaterial{
		network: p.Network,
		path:    formatPath(p.Network, suffix),
		child:   child,
		address: addr.EncodeAddress(),
	}
	copy(km.internalPubKey[:], internal)
	copy(km.outputPubKey[:], output)
	return km, nil
}

// resolveSeed validates exactly one of mnemonic/seed is provided and returns
// the 64-byte BIP-39 seed.
func resolveSeed(mnemonic, passphrase string, seed []byte) ([]byte, error) {
	switch {
	case mnemonic != "" && len(seed) != 0:
		return nil, walleterrors.New(walleterrors.KindInvalidSeedPhrase, "provide either a mnemonic or a seed, not both")
	case mnemonic != "":
		if !bip39.IsMnemonicValid(mnemonic) {
			return nil, walleterrors.New(walleterrors.KindInvalidSeedPhrase, "mnemonic checksum validation failed")
		}
		return bip39.NewSeed(mnemonic, passphrase), nil
	case len(seed) == 64:
		return seed, nil
	default:
		return nil, walleterrors.New(walleterrors.KindInvalidSeedPhrase, "seed must be exactly 64 bytes, got %d", len(seed))
	}
}

// parsePathSuffix parses "account'/change/index" into three BIP-32 indexes,
// the first hardened. Per spec §6, any character outside digits and a
// trailing hardening marker is InvalidPath.
func parsePathSuffix(path string) ([]uint32, error) {
	parts := strings.Split(path, "/")
	if len(parts) != 3 {
		return nil, walleterrors.New(walleterrors.KindInvalidPath, "path %q must have exactly 3 components", path)
	}

	out := make([]uint32, 3)
	for i, part := range parts {
		hardened := strings.HasSuffix(part, "'")
		digits := strings.TrimSuffix(part, "'")
		if digits == "" {
			return nil, walleterrors.New(walleterrors.KindInvalidPath, "empty path component in %q", path)
		}
		for _, r := range digits {
			if r < '0' || r > '9' {
				return nil, walleterrors.New(walleterrors.KindInvalidPath, "invalid character %q in path %q", r, path)
			}
		}
		n, err := strconv.ParseUint(digits, 10, 32)
		if err != nil {
			return nil, walleterrors.Wrap(walleterrors.KindInvalidPath, err, "invalid path component %q", part)
		}
		if i == 0 && !hardened {
			return nil, walleterrors.New(walleterrors.KindInvalidPath, "path %q must have a hardened first component", path)
		}
		idx := uint32(n)
		if hardened {
			idx += hdkeychain.HardenedKeyStart
		}
		out[i] = idx
	}
	return out, nil
}

// formatPath renders the full absolute derivation path as a display string.
// Per spec §9 Open Question, this is a string, not a numeric type.
func formatPath(n network.Network, suffix []uint32) string {
	render := func(idx uint32) string {
		if idx >= hdkeychain.HardenedKeyStart {
			return fmt.Sprintf("%d'", idx-hdkeychain.HardenedKeyStart)
		}
		return fmt.Sprintf("%d", idx)
	}
	return fmt.Sprintf("m/%d'/%d'/%s/%s/%s",
		purpose, n.CoinType(), render(suffix[0]), render(suffix[1]), render(suffix[2]))
}

// Network returns the account's network.
func (km *KeyMaterial) Network() network.Network { return km.network }

// Path returns the full absolute derivation path, e.g. "m/86'/0'/0'/0/0".
func (km *KeyMaterial) Path() string { return km.path }

// Address returns the cached bech32m Taproot address.
func (km *KeyMaterial) Address() string { return km.address }

// InternalPubKey returns the 32-byte x-only BIP-341 internal key.
func (km *KeyMaterial) InternalPubKey() [32]byte { return km.internalPubKey }

// OutputPubKey returns the 32-byte x-only BIP-341 output (tweaked) key —
// the key the P2TR scriptPubKey commits to.
func (km *KeyMaterial) OutputPubKey() [32]byte { return km.outputPubKey }

// OutputScriptPubKey returns the P2TR scriptPubKey (OP_1 <32-byte output
// key>) this account's own address pays to, for use as a change output in
// txbuilder.
func (km *KeyMaterial) OutputScriptPubKey() ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_1).
		AddData(km.outputPubKey[:]).
		Script()
}

// PublicKeyCompressed returns the 33-byte compressed child public key.
func (km *KeyMaterial) PublicKeyCompressed() ([]byte, error) {
	km.mu.Lock()
	defer km.mu.Unlock()
	if km.disposed {
		return nil, walleterrors.ErrDisposed
	}
	pubKey, err := km.child.ECPubKey()
	if err != nil {
		return nil, walleterrors.Wrap(walleterrors.KindDisposed, err, "public key unavailable")
	}
	return pubKey.SerializeCompressed(), nil
}

// privKeyLocked returns the live child private key. Caller must hold km.mu
// and must have already checked km.disposed.
func (km *KeyMaterial) privKeyLocked() (*btcec.PrivateKey, error) {
	priv, err := km.child.ECPrivKey()
	if err != nil {
		return nil, walleterrors.Wrap(walleterrors.KindDisposed, err, "private key unavailable")
	}
	return priv, nil
}

// SignMessage returns the hex-encoded DER ECDSA signature of SHA256(m) under
// the untweaked child private key. Spec §4.1 "sign_message".
func (km *KeyMaterial) SignMessage(m []byte) (string, error) {
	km.mu.Lock()
	defer km.mu.Unlock()
	if km.disposed {
		return "", walleterrors.ErrDisposed
	}

	priv, err := km.privKeyLocked()
	if err != nil {
		return "", err
	}

	hash := sha256.Sum256(m)
	sig := ecdsa.Sign(priv, hash[:])
	return hex.EncodeToString(sig.Serialize()), nil
}

// VerifyMessage verifies a hex-encoded DER ECDSA signature over SHA256(m)
// against this account's public key. Spec §4.1 "verify_message": parse
// failures surface MalformedSignature; mismatches return false, nil.
func (km *KeyMaterial) VerifyMessage(m []byte, sigHex string) (bool, error) {
	km.mu.Lock()
	disposed := km.disposed
	km.mu.Unlock()
	if disposed {
		return false, walleterrors.ErrDisposed
	}

	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, walleterrors.Wrap(walleterrors.KindMalformedSignature, err, "signature is not valid hex")
	}

	sig, err := ecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return false, walleterrors.Wrap(walleterrors.KindMalformedSignature, err, "failed to parse signature")
	}

	pubKeyBytes, err := km.PublicKeyCompressed()
	if err != nil {
		return false, err
	}
	pubKey, err := btcec.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false, walleterrors.Wrap(walleterrors.KindMalformedSignature, err, "failed to parse public key")
	}

	hash := sha256.Sum256(m)
	return sig.Verify(hash[:], pubKey), nil
}

// TweakedPrivateKey computes priv' = priv + H_TapTweak(internalPubKey) mod n
// (no script tree), per BIP-341 key-path spending (spec §4.1
// "tweaked_signer"). The returned key must not outlive the signing
// operation that needs it.
func (km *KeyMaterial) TweakedPrivateKey() (*btcec.PrivateKey, error) {
	km.mu.Lock()
	defer km.mu.Unlock()
	if km.disposed {
		return nil, walleterrors.ErrDisposed
	}

	priv, err := km.privKeyLocked()
	if err != nil {
		return nil, err
	}

	tweaked := txscript.TweakTaprootPrivKey(*priv, nil)
	if tweaked == nil {
		return nil, walleterrors.ErrInvalidTweak
	}
	return tweaked, nil
}

// Dispose zeroizes the key's private material. After Dispose, every
// operation requiring the private key fails with walleterrors.ErrDisposed.
// Spec §3 "Lifecycle".
func (km *KeyMaterial) Dispose() {
	km.mu.Lock()
	defer km.mu.Unlock()
	if km.disposed {
		return
	}
	km.child.Zero()
	km.disposed = true
}

// Disposed reports whether Dispose has already been called.
func (km *KeyMaterial) Disposed() bool {
	km.mu.Lock()
	defer km.mu.Unlock()
	return km.disposed
}
