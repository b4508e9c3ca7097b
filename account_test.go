package btc

import (
	"context"
	"strings"
	"testing"

	"github.com/spacesops/wdk-wallet-btc/internal/network"
	"github.com/spacesops/wdk-wallet-btc/internal/walleterrors"
)

const testMnemonic = "cook voyage document eight skate token alien guide drink uncle term abuse"

func newTestAccount(t *testing.T) *Account {
	t.Helper()
	acct, err := New(Config{
		Mnemonic: testMnemonic,
		Path:     "0'/0/0",
		Network:  network.Regtest,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return acct
}

func TestAccountAddress(t *testing.T) {
	acct := newTestAccount(t)
	if !strings.HasPrefix(acct.Address(), "bcrt1p") {
		t.Errorf("expected bcrt1p address, got %s", acct.Address())
	}
}

func TestAccountSignVerifyRoundTrip(t *testing.T) {
	acct := newTestAccount(t)
	msg := []byte("pay to the order of")

	sig, err := acct.SignMessage(msg)
	if err != nil {
		t.Fatalf("SignMessage: %v", err)
	}
	ok, err := acct.VerifyMessage(msg, sig)
	if err != nil {
		t.Fatalf("VerifyMessage: %v", err)
	}
	if !ok {
		t.Error("expected signature to verify")
	}

	ok, err = acct.VerifyMessage([]byte("different"), sig)
	if err != nil {
		t.Fatalf("VerifyMessage: %v", err)
	}
	if ok {
		t.Error("expected mismatch for different message")
	}
}

func TestAccountDisposeBlocksFurtherOps(t *testing.T) {
	acct := newTestAccount(t)
	acct.Dispose()
	acct.Dispose() // idempotent

	_, err := acct.SignMessage([]byte("m"))
	var werr *walleterrors.Error
	if !walleterrors.As(err, &werr) || werr.Kind != walleterrors.KindDisposed {
		t.Fatalf("expected Disposed, got %v", err)
	}

	_, err = acct.Balance(context.Background())
	if !walleterrors.As(err, &werr) || werr.Kind != walleterrors.KindDisposed {
		t.Fatalf("expected Disposed, got %v", err)
	}
}

func TestAccountUnsupportedOperations(t *testing.T) {
	acct := newTestAccount(t)

	_, err := acct.Transfer(context.Background(), SendOptions{})
	assertUnsupported(t, err)

	_, err = acct.QuoteTransfer(context.Background(), SendOptions{})
	assertUnsupported(t, err)

	_, err = acct.TokenBalance(context.Background(), "anything")
	assertUnsupported(t, err)
}

func assertUnsupported(t *testing.T, err error) {
	t.Helper()
	var werr *walleterrors.Error
	if !walleterrors.As(err, &werr) || werr.Kind != walleterrors.KindUnsupported {
		t.Fatalf("expected Unsupported, got %v", err)
	}
}

func TestAccountSendTransactionDustRejected(t *testing.T) {
	acct := newTestAccount(t)
	defer acct.Dispose()

	_, err := acct.QuoteSend(context.Background(), SendOptions{
		To:      acct.Address(),
		Value:   500,
		FeeRate: 1,
	})
	var werr *walleterrors.Error
	if !walleterrors.As(err, &werr) || werr.Kind != walleterrors.KindAmountBelowDust {
		t.Fatalf("expected AmountBelowDust before any network I/O, got %v", err)
	}
}
