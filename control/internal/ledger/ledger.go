// Package ledger implements the prepaid balance ledger (§4.6): per-wallet
// balances, deposit idempotency, and atomic deduct-on-success, persisted as
// two flat JSON files written temp-then-rename.
//
// The persistence idiom is grounded on this codebase's worker-side
// connection state file (os.CreateTemp in the target directory, write,
// close, os.Rename) rather than any relational store — §1's Non-goals
// bound persistence to exactly this ledger and its idempotency set.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaymesh/relaymesh/control/internal/relayerr"
	"github.com/relaymesh/relaymesh/shared/types"
)

const (
	balancesFile = "balances.json"
	depositsFile = "processed-deposits.json"
)

// SettlementBackend is the capability consulted to verify an on-chain
// deposit transaction (§1 Out-of-scope, §4.6).
type SettlementBackend interface {
	VerifyDeposit(txID, expectedTo string) (VerifiedDeposit, error)
}

// VerifiedDeposit is what a SettlementBackend reports about a confirmed
// on-chain transaction.
type VerifiedDeposit struct {
	Confirmed bool
	From      string
	Amount    float64
}

// unconfiguredBackend is the default SettlementBackend when no RPC verifier
// is configured. It rejects every deposit rather than leaving backend nil,
// so POST /api/deposit returns the documented 400 instead of panicking.
type unconfiguredBackend struct{}

func (unconfiguredBackend) VerifyDeposit(txID, expectedTo string) (VerifiedDeposit, error) {
	return VerifiedDeposit{}, fmt.Errorf("ledger: no settlement backend configured, cannot verify deposits")
}

// Ledger is the single authoritative store of wallet balances.
type Ledger struct {
	mu         sync.Mutex
	balances   map[string]*types.Balance
	processed  map[string]struct{}
	dataDir    string
	backend    SettlementBackend
	logger     *zap.Logger
}

// New constructs a Ledger, loading any previously persisted state from
// dataDir. A missing file is treated as an empty ledger.
func New(dataDir string, backend SettlementBackend, logger *zap.Logger) (*Ledger, error) {
	if backend == nil {
		backend = unconfiguredBackend{}
	}
	l := &Ledger{
		balances:  make(map[string]*types.Balance),
		processed: make(map[string]struct{}),
		dataDir:   dataDir,
		backend:   backend,
		logger:    logger,
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("ledger: create data dir: %w", err)
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) load() error {
	if raw, err := os.ReadFile(filepath.Join(l.dataDir, balancesFile)); err == nil {
		var list []*types.Balance
		if err := json.Unmarshal(raw, &list); err != nil {
			return fmt.Errorf("ledger: parse %s: %w", balancesFile, err)
		}
		for _, b := range list {
			l.balances[b.Wallet] = b
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("ledger: read %s: %w", balancesFile, err)
	}

	if raw, err := os.ReadFile(filepath.Join(l.dataDir, depositsFile)); err == nil {
		var ids []string
		if err := json.Unmarshal(raw, &ids); err != nil {
			return fmt.Errorf("ledger: parse %s: %w", depositsFile, err)
		}
		for _, id := range ids {
			l.processed[id] = struct{}{}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("ledger: read %s: %w", depositsFile, err)
	}
	return nil
}

// persistLocked writes both files via temp-then-rename. Must be called
// with l.mu held; Deduct, Credit and VerifyAndCredit all call it before
// releasing the lock, so the file I/O happens while the lock is held and
// other ledger calls wait for it.
func (l *Ledger) persistLocked() error {
	balList := make([]*types.Balance, 0, len(l.balances))
	for _, b := range l.balances {
		balList = append(balList, b)
	}
	if err := writeJSONAtomic(filepath.Join(l.dataDir, balancesFile), balList); err != nil {
		return err
	}

	ids := make([]string, 0, len(l.processed))
	for id := range l.processed {
		ids = append(ids, id)
	}
	return writeJSONAtomic(filepath.Join(l.dataDir, depositsFile), ids)
}

func writeJSONAtomic(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("ledger: marshal %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("ledger: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("ledger: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("ledger: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("ledger: rename temp file: %w", err)
	}
	return nil
}

func normalize(wallet string) string { return strings.ToLower(wallet) }

// GetOrCreate returns wallet's balance record, creating a zeroed one if
// this is the first time the wallet has been seen.
func (l *Ledger) GetOrCreate(wallet string) *types.Balance {
	w := normalize(wallet)

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.getOrCreateLocked(w)
}

func (l *Ledger) getOrCreateLocked(wallet string) *types.Balance {
	b, ok := l.balances[wallet]
	if !ok {
		b = &types.Balance{Wallet: wallet, LastActivity: time.Now()}
		l.balances[wallet] = b
	}
	return b
}

// GetBalance returns wallet's balance record, or nil if unknown.
func (l *Ledger) GetBalance(wallet string) *types.Balance {
	w := normalize(wallet)

	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.balances[w]
	if !ok {
		return nil
	}
	cp := *b
	return &cp
}

// HasEnough reports whether wallet's balance is at least amount.
func (l *Ledger) HasEnough(wallet string, amount float64) bool {
	w := normalize(wallet)

	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.balances[w]
	if !ok {
		return amount <= 0
	}
	return b.Balance >= amount
}

// Deduct is the atomic charge point: under the lock, if balance is
// insufficient it returns false and mutates nothing; otherwise it debits
// the wallet, persists, and returns true. Callers must only invoke Deduct
// after a query produced at least one non-error result — failed queries
// must never call this.
func (l *Ledger) Deduct(wallet string, amount float64) (bool, error) {
	w := normalize(wallet)

	l.mu.Lock()
	b := l.getOrCreateLocked(w)
	if b.Balance < amount {
		l.mu.Unlock()
		return false, nil
	}
	b.Balance -= amount
	b.TotalSpent += amount
	b.LastActivity = time.Now()
	err := l.persistLocked()
	l.mu.Unlock()

	if err != nil {
		return true, err
	}
	return true, nil
}

// Credit adds amount to wallet's balance, recording txId in its deposit
// history if provided, and persists.
func (l *Ledger) Credit(wallet string, amount float64, txID string) error {
	w := normalize(wallet)

	l.mu.Lock()
	b := l.getOrCreateLocked(w)
	b.Balance += amount
	b.TotalDeposited += amount
	b.LastActivity = time.Now()
	if txID != "" {
		b.DepositHistory = append(b.DepositHistory, types.Deposit{
			TxID: txID, Amount: amount, CreditedAt: time.Now(),
		})
	}
	err := l.persistLocked()
	l.mu.Unlock()
	return err
}

// VerifyAndCredit consults the SettlementBackend to confirm txId represents
// a value transfer to the platform wallet from expectedFrom, guards on
// deposit idempotency, and on success atomically records txId and credits
// the amount. The two files are written by separate renames, balances
// first, so a crash between the renames can leave the idempotency marker
// on disk behind the balance.
func (l *Ledger) VerifyAndCredit(txID, expectedFrom string) (float64, error) {
	l.mu.Lock()
	if _, seen := l.processed[txID]; seen {
		l.mu.Unlock()
		return 0, relayerr.New(relayerr.DepositAlreadyProcessed, "deposit already processed")
	}
	l.mu.Unlock()

	deposit, err := l.backend.VerifyDeposit(txID, expectedFrom)
	if err != nil {
		return 0, relayerr.Wrap(relayerr.Internal, "settlement backend error", err)
	}
	if !deposit.Confirmed {
		return 0, relayerr.New(relayerr.Internal, "deposit transaction not confirmed")
	}
	if !strings.EqualFold(deposit.From, expectedFrom) {
		return 0, relayerr.New(relayerr.DepositSenderMismatch, "deposit sender does not match wallet")
	}

	w := normalize(expectedFrom)

	l.mu.Lock()
	if _, seen := l.processed[txID]; seen {
		l.mu.Unlock()
		return 0, relayerr.New(relayerr.DepositAlreadyProcessed, "deposit already processed")
	}
	l.processed[txID] = struct{}{}
	b := l.getOrCreateLocked(w)
	b.Balance += deposit.Amount
	b.TotalDeposited += deposit.Amount
	b.LastActivity = time.Now()
	b.DepositHistory = append(b.DepositHistory, types.Deposit{
		TxID: txID, Amount: deposit.Amount, CreditedAt: time.Now(),
	})
	err = l.persistLocked()
	l.mu.Unlock()

	if err != nil {
		return 0, err
	}
	return deposit.Amount, nil
}
