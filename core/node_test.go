package core

import (
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"escrowd/core/types"
	"escrowd/escrow"
	"escrowd/storage"
)

var (
	payerAddr = mustAddress("0x0101010101010101010101010101010101010101")
	payeeAddr = mustAddress("0x0202020202020202020202020202020202020202")
)

func mustAddress(s string) types.Address {
	addr, err := types.ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return addr
}

func testGenesis() *Genesis {
	return &Genesis{Alloc: map[string]map[string]string{
		payerAddr.String(): {"EUR": "10000"},
	}}
}

func newTestNode(t *testing.T) *Node {
	t.Helper()
	node, err := NewNode(storage.NewMemDB(), testGenesis())
	require.NoError(t, err)
	return node
}

func requireBalance(t *testing.T, node *Node, addr types.Address, want int64) {
	t.Helper()
	balance, err := node.Balance(addr, "EUR")
	require.NoError(t, err)
	require.Zero(t, balance.Cmp(big.NewInt(want)), "balance of %s: got %s, want %d", addr, balance, want)
}

func TestNodeLifecycleComplete(t *testing.T) {
	node := newTestNode(t)

	esc, err := node.CreateEscrow(1, payerAddr, payeeAddr, "EUR", big.NewInt(1000), payerAddr)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusLocked, esc.Status)
	require.Equal(t, esc.CreatedAt+escrow.LockDuration, esc.Expiry)
	requireBalance(t, node, payerAddr, 9000)

	held, err := node.EscrowBalance(1, "EUR")
	require.NoError(t, err)
	require.Zero(t, held.Cmp(big.NewInt(1000)))

	require.NoError(t, node.CompleteOrder(1, payeeAddr))
	requireBalance(t, node, payeeAddr, 1000)

	custody, err := node.CustodyAddress("EUR")
	require.NoError(t, err)
	requireBalance(t, node, custody, 0)

	details, err := node.GetEscrowDetails(1)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusCompleted, details.Status)

	held, err = node.EscrowBalance(1, "EUR")
	require.NoError(t, err)
	require.Zero(t, held.Sign())
}

func TestNodeFailedOperationLeavesStateUntouched(t *testing.T) {
	node := newTestNode(t)
	_, err := node.CreateEscrow(1, payerAddr, payeeAddr, "EUR", big.NewInt(1000), payerAddr)
	require.NoError(t, err)

	err = node.CompleteOrder(1, payerAddr)
	require.ErrorIs(t, err, escrow.ErrUnauthorized)

	details, err := node.GetEscrowDetails(1)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusLocked, details.Status)
	requireBalance(t, node, payerAddr, 9000)
	requireBalance(t, node, payeeAddr, 0)
}

func TestNodeCancelAfterExpiryByAnyCaller(t *testing.T) {
	node := newTestNode(t)
	now := int64(1_700_000_000)
	node.SetNowFunc(func() int64 { return now })

	_, err := node.CreateEscrow(1, payerAddr, payeeAddr, "EUR", big.NewInt(1000), payerAddr)
	require.NoError(t, err)

	now += 25 * 60 * 60
	stranger := mustAddress("0x0909090909090909090909090909090909090909")
	require.NoError(t, node.CancelOrder(1, stranger))

	details, err := node.GetEscrowDetails(1)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusRefunded, details.Status)
	requireBalance(t, node, payerAddr, 10_000)
}

func TestNodePartialRefundSplit(t *testing.T) {
	node := newTestNode(t)
	_, err := node.CreateEscrow(1, payerAddr, payeeAddr, "EUR", big.NewInt(1000), payerAddr)
	require.NoError(t, err)

	require.NoError(t, node.PartialRefund(1, big.NewInt(300), payeeAddr))
	requireBalance(t, node, payerAddr, 9300)
	requireBalance(t, node, payeeAddr, 700)

	details, err := node.GetEscrowDetails(1)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusPartialRefunded, details.Status)
}

// flakyDB fails batch writes on demand while delegating everything else.
type flakyDB struct {
	storage.Database
	failWrites bool
}

func (db *flakyDB) Write(batch *storage.Batch) error {
	if db.failWrites {
		return errors.New("disk full")
	}
	return db.Database.Write(batch)
}

func TestNodeSettlementSurvivesStorageFault(t *testing.T) {
	db := &flakyDB{Database: storage.NewMemDB()}
	node, err := NewNode(db, testGenesis())
	require.NoError(t, err)
	_, err = node.CreateEscrow(1, payerAddr, payeeAddr, "EUR", big.NewInt(1000), payerAddr)
	require.NoError(t, err)

	db.failWrites = true
	require.Error(t, node.CompleteOrder(1, payeeAddr))
	db.failWrites = false

	// Nothing of the failed settlement landed: the order is still locked,
	// custody still holds the funds, and a later settlement pays out in full.
	details, err := node.GetEscrowDetails(1)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusLocked, details.Status)
	held, err := node.EscrowBalance(1, "EUR")
	require.NoError(t, err)
	require.Zero(t, held.Cmp(big.NewInt(1000)))
	requireBalance(t, node, payeeAddr, 0)

	require.NoError(t, node.CancelOrder(1, payeeAddr))
	requireBalance(t, node, payerAddr, 10_000)
}

func TestNodeConcurrentSettlementExactlyOneWins(t *testing.T) {
	node := newTestNode(t)
	_, err := node.CreateEscrow(1, payerAddr, payeeAddr, "EUR", big.NewInt(1000), payerAddr)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0] = node.CompleteOrder(1, payeeAddr)
	}()
	go func() {
		defer wg.Done()
		results[1] = node.CancelOrder(1, payeeAddr)
	}()
	wg.Wait()

	var successes, invalidState int
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, escrow.ErrNotLocked):
			invalidState++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, successes, "exactly one settlement must win")
	require.Equal(t, 1, invalidState, "the loser must observe the terminal state")

	// No double release: payer and payee deltas sum to the locked amount.
	payerBal, err := node.Balance(payerAddr, "EUR")
	require.NoError(t, err)
	payeeBal, err := node.Balance(payeeAddr, "EUR")
	require.NoError(t, err)
	total := new(big.Int).Add(payerBal, payeeBal)
	require.Zero(t, total.Cmp(big.NewInt(10_000)))
}

func TestNodeGenesisAppliedOnce(t *testing.T) {
	db := storage.NewMemDB()
	node, err := NewNode(db, testGenesis())
	require.NoError(t, err)
	requireBalance(t, node, payerAddr, 10_000)

	// Reopening over the same store must not double-fund accounts.
	node, err = NewNode(db, testGenesis())
	require.NoError(t, err)
	requireBalance(t, node, payerAddr, 10_000)
}

func TestGenesisNormalizesAssetSymbols(t *testing.T) {
	gen := &Genesis{Alloc: map[string]map[string]string{
		payerAddr.String(): {"eur": "500"},
	}}
	node, err := NewNode(storage.NewMemDB(), gen)
	require.NoError(t, err)

	// Lowercase genesis symbols fund the same canonical balance every
	// transfer path reads.
	requireBalance(t, node, payerAddr, 500)
	_, err = node.CreateEscrow(1, payerAddr, payeeAddr, "EUR", big.NewInt(500), payerAddr)
	require.NoError(t, err)
	requireBalance(t, node, payerAddr, 0)
}

func TestLoadGenesisRejectsBadAllocations(t *testing.T) {
	gen := &Genesis{Alloc: map[string]map[string]string{
		"not-an-address": {"EUR": "10"},
	}}
	node, err := NewNode(storage.NewMemDB(), gen)
	require.Error(t, err)
	require.Nil(t, node)

	gen = &Genesis{Alloc: map[string]map[string]string{
		payerAddr.String(): {"EUR": "-10"},
	}}
	_, err = NewNode(storage.NewMemDB(), gen)
	require.Error(t, err)

	gen = &Genesis{Alloc: map[string]map[string]string{
		payerAddr.String(): {"eu-r": "10"},
	}}
	_, err = NewNode(storage.NewMemDB(), gen)
	require.Error(t, err)
}
