package state

import (
	"errors"
	"math/big"
	"testing"

	"escrowd/core/types"
	"escrowd/escrow"
	"escrowd/storage"
)

func testAddress(fill byte) types.Address {
	var addr types.Address
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func testEscrow(orderID uint64) *escrow.Escrow {
	return &escrow.Escrow{
		OrderID:   orderID,
		Payer:     testAddress(0x01),
		Payee:     testAddress(0x02),
		Asset:     "EUR",
		Amount:    big.NewInt(1000),
		Status:    escrow.StatusLocked,
		CreatedAt: 100,
		Expiry:    100 + escrow.LockDuration,
	}
}

func TestEscrowPutEnforcesUniqueness(t *testing.T) {
	db := storage.NewMemDB()
	manager := NewManager(db)

	if err := manager.EscrowPut(testEscrow(1)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := manager.EscrowPut(testEscrow(1)); !errors.Is(err, escrow.ErrDuplicateOrder) {
		t.Fatalf("expected ErrDuplicateOrder, got %v", err)
	}
	if err := manager.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Uniqueness also holds against committed state seen by a new overlay.
	fresh := NewManager(db)
	if err := fresh.EscrowPut(testEscrow(1)); !errors.Is(err, escrow.ErrDuplicateOrder) {
		t.Fatalf("expected ErrDuplicateOrder from committed record, got %v", err)
	}
}

func TestEscrowUpdateRequiresExisting(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	if err := manager.EscrowUpdate(testEscrow(1)); !errors.Is(err, escrow.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := manager.EscrowPut(testEscrow(1)); err != nil {
		t.Fatalf("put: %v", err)
	}
	updated := testEscrow(1)
	updated.Status = escrow.StatusCompleted
	if err := manager.EscrowUpdate(updated); err != nil {
		t.Fatalf("update: %v", err)
	}
	esc, ok := manager.EscrowGet(1)
	if !ok {
		t.Fatal("record should exist")
	}
	if esc.Status != escrow.StatusCompleted {
		t.Fatalf("expected completed, got %s", esc.Status)
	}
}

func TestCommitIsAllOrNothing(t *testing.T) {
	db := storage.NewMemDB()
	manager := NewManager(db)
	if err := manager.EscrowPut(testEscrow(1)); err != nil {
		t.Fatalf("put: %v", err)
	}

	// Staged writes are invisible to other overlays until Commit.
	other := NewManager(db)
	if _, ok := other.EscrowGet(1); ok {
		t.Fatal("uncommitted write must not be visible")
	}
	if err := manager.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, ok := NewManager(db).EscrowGet(1); !ok {
		t.Fatal("committed write must be visible")
	}
}

// faultDB injects a write failure at the batch boundary.
type faultDB struct {
	storage.Database
	writeErr error
}

func (db *faultDB) Write(batch *storage.Batch) error {
	if db.writeErr != nil {
		return db.writeErr
	}
	return db.Database.Write(batch)
}

func TestCommitFaultLeavesStoreUntouched(t *testing.T) {
	mem := storage.NewMemDB()
	db := &faultDB{Database: mem, writeErr: errors.New("disk full")}
	manager := NewManager(db)

	if err := manager.EscrowPut(testEscrow(1)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := manager.EscrowCredit(1, "EUR", big.NewInt(1000)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	account := types.NewAccount()
	account.Balances["EUR"] = big.NewInt(500)
	if err := manager.PutAccount(testAddress(0x01), account); err != nil {
		t.Fatalf("put account: %v", err)
	}
	if err := manager.Commit(); err == nil {
		t.Fatal("commit must surface the write failure")
	}

	// A failed commit applies none of the staged keys: no record, no vault
	// balance, no account.
	fresh := NewManager(mem)
	if _, ok := fresh.EscrowGet(1); ok {
		t.Fatal("failed commit must not leave an escrow record")
	}
	held, err := fresh.EscrowBalance(1, "EUR")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if held.Sign() != 0 {
		t.Fatalf("failed commit must not leave a vault balance, holds %s", held)
	}
	acc, err := fresh.GetAccount(testAddress(0x01))
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acc.BalanceOf("EUR").Sign() != 0 {
		t.Fatal("failed commit must not leave an account balance")
	}
}

func TestTransferMovesBalances(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	from := testAddress(0x01)
	to := testAddress(0x02)

	account := types.NewAccount()
	account.Balances["EUR"] = big.NewInt(1000)
	if err := manager.PutAccount(from, account); err != nil {
		t.Fatalf("put account: %v", err)
	}
	if err := manager.Transfer(from, to, "eur", big.NewInt(400)); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	fromAcc, err := manager.GetAccount(from)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if got := fromAcc.BalanceOf("EUR"); got.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("sender should hold 600, holds %s", got)
	}
	toAcc, err := manager.GetAccount(to)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if got := toAcc.BalanceOf("EUR"); got.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("receiver should hold 400, holds %s", got)
	}
}

func TestTransferOverdrawFails(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	from := testAddress(0x01)
	to := testAddress(0x02)

	if err := manager.Transfer(from, to, "EUR", big.NewInt(1)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	toAcc, err := manager.GetAccount(to)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if toAcc.BalanceOf("EUR").Sign() != 0 {
		t.Fatal("failed transfer must not credit the receiver")
	}
}

func TestTransferZeroAndSelfAreNoOps(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	addr := testAddress(0x01)
	if err := manager.Transfer(addr, testAddress(0x02), "EUR", big.NewInt(0)); err != nil {
		t.Fatalf("zero transfer: %v", err)
	}
	if err := manager.Transfer(addr, addr, "EUR", big.NewInt(10)); err != nil {
		t.Fatalf("self transfer: %v", err)
	}
}

func TestCustodyAddressDeterministicPerAsset(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	eur1, err := manager.CustodyAddress("eur")
	if err != nil {
		t.Fatalf("custody address: %v", err)
	}
	eur2, err := manager.CustodyAddress("EUR")
	if err != nil {
		t.Fatalf("custody address: %v", err)
	}
	if eur1 != eur2 {
		t.Fatal("custody address must be deterministic across casings")
	}
	usd, err := manager.CustodyAddress("USD")
	if err != nil {
		t.Fatalf("custody address: %v", err)
	}
	if eur1 == usd {
		t.Fatal("custody addresses must differ per asset")
	}
	if eur1.IsZero() {
		t.Fatal("custody address must not be zero")
	}
}

func TestVaultCreditDebitReconciles(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	if err := manager.EscrowCredit(1, "EUR", big.NewInt(1000)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	balance, err := manager.EscrowBalance(1, "EUR")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("vault should hold 1000, holds %s", balance)
	}
	if err := manager.EscrowDebit(1, "EUR", big.NewInt(1000)); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if err := manager.EscrowDebit(1, "EUR", big.NewInt(1)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("over-debit: expected ErrInsufficientFunds, got %v", err)
	}
}
