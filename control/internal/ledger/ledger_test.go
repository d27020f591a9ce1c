package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaymesh/relaymesh/control/internal/relayerr"
)

type fakeBackend struct {
	deposit VerifiedDeposit
	err     error
}

func (f *fakeBackend) VerifyDeposit(txID, expectedTo string) (VerifiedDeposit, error) {
	return f.deposit, f.err
}

func newTestLedger(t *testing.T, backend SettlementBackend) *Ledger {
	t.Helper()
	l, err := New(t.TempDir(), backend, zap.NewNop())
	require.NoError(t, err)
	return l
}

func TestDeductFailsOnInsufficientBalanceWithoutMutating(t *testing.T) {
	l := newTestLedger(t, nil)
	l.Credit("0xAAA", 5.0, "")

	ok, err := l.Deduct("0xAAA", 10.0)
	require.NoError(t, err)
	require.False(t, ok)

	b := l.GetBalance("0xAAA")
	require.Equal(t, 5.0, b.Balance)
}

func TestDeductNeverDrivesBalanceNegative(t *testing.T) {
	l := newTestLedger(t, nil)
	l.Credit("0xAAA", 10.0, "")

	ok, err := l.Deduct("0xAAA", 10.0)
	require.NoError(t, err)
	require.True(t, ok)

	b := l.GetBalance("0xAAA")
	require.Equal(t, 0.0, b.Balance)

	ok, err = l.Deduct("0xAAA", 0.01)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 0.0, l.GetBalance("0xAAA").Balance)
}

func TestWalletAddressesAreCaseInsensitive(t *testing.T) {
	l := newTestLedger(t, nil)
	l.Credit("0xAbCdEf", 3.0, "")

	require.True(t, l.HasEnough("0xABCDEF", 3.0))
	require.Equal(t, 3.0, l.GetBalance("0xabcdef").Balance)
}

func TestVerifyAndCreditIsIdempotentOnReplayedTx(t *testing.T) {
	backend := &fakeBackend{deposit: VerifiedDeposit{Confirmed: true, From: "0xAAA", Amount: 7.5}}
	l := newTestLedger(t, backend)

	amount, err := l.VerifyAndCredit("tx-1", "0xAAA")
	require.NoError(t, err)
	require.Equal(t, 7.5, amount)
	require.Equal(t, 7.5, l.GetBalance("0xAAA").Balance)

	_, err = l.VerifyAndCredit("tx-1", "0xAAA")
	require.Error(t, err)
	require.Equal(t, relayerr.DepositAlreadyProcessed, relayerr.CodeOf(err))
	// Balance must not have been credited twice.
	require.Equal(t, 7.5, l.GetBalance("0xAAA").Balance)
}

func TestVerifyAndCreditRejectsSenderMismatch(t *testing.T) {
	backend := &fakeBackend{deposit: VerifiedDeposit{Confirmed: true, From: "0xBBB", Amount: 1.0}}
	l := newTestLedger(t, backend)

	_, err := l.VerifyAndCredit("tx-2", "0xAAA")
	require.Error(t, err)
	require.Equal(t, relayerr.DepositSenderMismatch, relayerr.CodeOf(err))
	require.Nil(t, l.GetBalance("0xAAA"))
}

func TestVerifyAndCreditRejectsUnconfirmedDeposit(t *testing.T) {
	backend := &fakeBackend{deposit: VerifiedDeposit{Confirmed: false}}
	l := newTestLedger(t, backend)

	_, err := l.VerifyAndCredit("tx-3", "0xAAA")
	require.Error(t, err)
}

func TestVerifyAndCreditRejectsWithoutPanickingWhenBackendUnconfigured(t *testing.T) {
	l := newTestLedger(t, nil)

	_, err := l.VerifyAndCredit("tx-5", "0xAAA")
	require.Error(t, err)
	require.Nil(t, l.GetBalance("0xAAA"))
}

func TestLedgerStateSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	l1, err := New(dir, nil, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, l1.Credit("0xAAA", 12.0, "tx-4"))

	l2, err := New(dir, nil, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, 12.0, l2.GetBalance("0xAAA").Balance)
}
