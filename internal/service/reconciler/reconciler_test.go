package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stx-gateway/internal/event"
	"stx-gateway/internal/model"
	"stx-gateway/internal/service/authgate"
	"stx-gateway/internal/service/contract"
	"stx-gateway/internal/store"
	"stx-gateway/pkg/stacks"
)

// ---- fakes ----

type fakeStore struct {
	mu       sync.Mutex
	payments map[string]*model.Payment
	merchant *model.Merchant
	events   []event.PaymentEvent
	listErr  error
}

func newFakeStore(merchant *model.Merchant, payments ...*model.Payment) *fakeStore {
	s := &fakeStore{payments: make(map[string]*model.Payment), merchant: merchant}
	for _, p := range payments {
		s.payments[p.PaymentID] = p
	}
	return s
}

func (s *fakeStore) ListOpen(_ context.Context, limit int) ([]model.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []model.Payment
	for _, p := range s.payments {
		if (p.Status == model.StatusPending || p.Status == model.StatusConfirmed) &&
			p.ExpiresAt.After(time.Now()) {
			out = append(out, *p)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) GetMerchant(_ context.Context, merchantID string) (*model.Merchant, error) {
	if s.merchant == nil || s.merchant.MerchantID != merchantID {
		return nil, store.ErrNotFound
	}
	m := *s.merchant
	return &m, nil
}

func (s *fakeStore) Transition(_ context.Context, paymentID, from, to string, updates map[string]interface{}, evt *event.PaymentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[paymentID]
	if !ok || p.Status != from {
		return store.ErrStaleState
	}
	p.Status = to
	if v, ok := updates["received_amount"]; ok {
		p.ReceivedAmount = decimal.NewNullDecimal(v.(decimal.Decimal))
	}
	if v, ok := updates["blockchain_data"]; ok {
		p.BlockchainData = v.(model.BlockchainData)
	}
	if v, ok := updates["error_message"]; ok {
		p.ErrorMessage = v.(string)
	}
	if evt != nil {
		s.events = append(s.events, *evt)
	}
	return nil
}

func (s *fakeStore) RecordError(_ context.Context, paymentID, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.payments[paymentID]; ok {
		p.ErrorMessage = msg
	}
	return nil
}

func (s *fakeStore) MarkSettled(_ context.Context, p *model.Payment, settlementTxID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.payments[p.PaymentID]
	if !ok || stored.Status != model.StatusConfirmed {
		return store.ErrStaleState
	}
	stored.BlockchainData.Merge(model.BlockchainData{SettlementTxID: settlementTxID})
	p.BlockchainData = stored.BlockchainData
	return nil
}

func (s *fakeStore) get(paymentID string) model.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.payments[paymentID]
}

type fakeLedger struct {
	transfers map[string][]stacks.Transfer
	errs      map[string]error
}

func (l *fakeLedger) ListTransfers(_ context.Context, addr string) ([]stacks.Transfer, error) {
	if err := l.errs[addr]; err != nil {
		return nil, err
	}
	return l.transfers[addr], nil
}

type fakeContract struct {
	mu            sync.Mutex
	confirmCalls  int
	settleCalls   int
	transferCalls int
	confirmErr    error
	settleErr     error
	transferErr   error
	lastTransfer  contract.TransferParams
}

func (c *fakeContract) ConfirmReceived(_ context.Context, _ string, _ decimal.Decimal, _ string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirmCalls++
	if c.confirmErr != nil {
		return "", c.confirmErr
	}
	return fmt.Sprintf("0xconfirm%03d", c.confirmCalls), nil
}

func (c *fakeContract) Settle(_ context.Context, _ string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settleCalls++
	if c.settleErr != nil {
		return "", c.settleErr
	}
	return fmt.Sprintf("0xsettle%03d", c.settleCalls), nil
}

func (c *fakeContract) Transfer(_ context.Context, p contract.TransferParams) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transferCalls++
	c.lastTransfer = p
	if c.transferErr != nil {
		return "", c.transferErr
	}
	return fmt.Sprintf("0xtransfer%03d", c.transferCalls), nil
}

type fakeVault struct{ err error }

func (v *fakeVault) Decrypt(_ []byte, _ string) ([]byte, error) {
	if v.err != nil {
		return nil, v.err
	}
	return make([]byte, 32), nil
}

type fakeGate struct {
	pending bool
	txid    string
}

func (g *fakeGate) EnsureAuthorized(_ context.Context, _ string, _ decimal.Decimal) (string, error) {
	if g.pending {
		return g.txid, authgate.ErrAuthorizationPending
	}
	return "", nil
}

// ---- helpers ----

const (
	depositAddr  = "ST2JHG361ZXG51QTKY2NQCVBPPRRE2KZB1HR05NNC"
	merchantAddr = "ST1PQHQKV0RJXZFY1DGX8MNSNYVE3VGZJSRTPGZGM"
)

func testMerchant() *model.Merchant {
	return &model.Merchant{
		MerchantID:    "m_001",
		Name:          "Coffee Corner",
		StacksAddress: merchantAddr,
		FeePercent:    decimal.NewNullDecimal(decimal.NewFromFloat(1.0)),
	}
}

func pendingPayment(expected int64) *model.Payment {
	return &model.Payment{
		PaymentID:           "pay_001",
		MerchantID:          "m_001",
		UniqueAddress:       depositAddr,
		EncryptedSigningKey: []byte("ciphertext"),
		ExpectedAmount:      decimal.NewFromInt(expected),
		BaseAmount:          decimal.NewFromInt(expected),
		Status:              model.StatusPending,
		ExpiresAt:           time.Now().Add(time.Hour),
	}
}

func confirmedPayment(expected, received int64) *model.Payment {
	p := pendingPayment(expected)
	p.Status = model.StatusConfirmed
	p.ReceivedAmount = decimal.NewNullDecimal(decimal.NewFromInt(received))
	return p
}

func incoming(txid string, amount int64) stacks.Transfer {
	return stacks.Transfer{
		TxID:      txid,
		Type:      stacks.TxTypeTokenTransfer,
		Status:    stacks.TxStatusSuccess,
		Recipient: depositAddr,
		Amount:    decimal.NewFromInt(amount),
	}
}

func newReconciler(st PaymentStore, ledger LedgerClient, cc ContractCaller, vault KeyVault, gate AuthGate) *Reconciler {
	return New(st, ledger, cc, vault, gate, nil, Config{
		Interval:         time.Second,
		BatchSize:        50,
		TolerancePercent: decimal.NewFromFloat(1.0),
		Fees: FeePolicy{
			DefaultFeePercent: decimal.NewFromFloat(1.0),
			ReservePerTx:      decimal.NewFromInt(10000),
			ReservedTxCount:   2,
		},
	})
}

// ---- pending 路径 ----

func TestCycle_ToleranceBoundaryConfirms(t *testing.T) {
	st := newFakeStore(testMerchant(), pendingPayment(1000))
	ledger := &fakeLedger{transfers: map[string][]stacks.Transfer{
		depositAddr: {incoming("0xaaa", 990)},
	}}
	cc := &fakeContract{}
	r := newReconciler(st, ledger, cc, &fakeVault{}, &fakeGate{})

	r.RunCycle(context.Background())

	p := st.get("pay_001")
	assert.Equal(t, model.StatusConfirmed, p.Status)
	assert.Equal(t, "990", p.ReceivedAmount.Decimal.String())
	assert.Equal(t, 1, cc.confirmCalls)
	assert.NotEmpty(t, p.BlockchainData.ConfirmationTxID)
}

func TestCycle_JustBelowToleranceFailsAsUnderpaid(t *testing.T) {
	st := newFakeStore(testMerchant(), pendingPayment(1000))
	ledger := &fakeLedger{transfers: map[string][]stacks.Transfer{
		depositAddr: {incoming("0xaaa", 989)},
	}}
	cc := &fakeContract{}
	r := newReconciler(st, ledger, cc, &fakeVault{}, &fakeGate{})

	r.RunCycle(context.Background())

	p := st.get("pay_001")
	assert.Equal(t, model.StatusFailed, p.Status)
	assert.Contains(t, p.ErrorMessage, "underpayment")
	assert.Contains(t, p.ErrorMessage, "%")
	assert.Zero(t, cc.confirmCalls)
	require.Len(t, st.events, 1)
	assert.Equal(t, event.PaymentFailed, st.events[0].Event)
}

func TestCycle_SplitTransfersSumAcrossInvoice(t *testing.T) {
	st := newFakeStore(testMerchant(), pendingPayment(100000))
	ledger := &fakeLedger{transfers: map[string][]stacks.Transfer{
		depositAddr: {
			incoming("0xaaa", 40000),
			incoming("0xbbb", 35000),
			incoming("0xccc", 26000),
		},
	}}
	cc := &fakeContract{}
	r := newReconciler(st, ledger, cc, &fakeVault{}, &fakeGate{})

	r.RunCycle(context.Background())

	p := st.get("pay_001")
	assert.Equal(t, model.StatusConfirmed, p.Status)
	assert.Equal(t, "101000", p.ReceivedAmount.Decimal.String())
	assert.ElementsMatch(t, []string{"0xaaa", "0xbbb", "0xccc"}, p.BlockchainData.DepositTxIDs)
}

func TestCycle_HalfPaymentFailsWithPercentage(t *testing.T) {
	st := newFakeStore(testMerchant(), pendingPayment(100000))
	ledger := &fakeLedger{transfers: map[string][]stacks.Transfer{
		depositAddr: {incoming("0xaaa", 50000)},
	}}
	r := newReconciler(st, ledger, &fakeContract{}, &fakeVault{}, &fakeGate{})

	r.RunCycle(context.Background())

	p := st.get("pay_001")
	assert.Equal(t, model.StatusFailed, p.Status)
	assert.Contains(t, p.ErrorMessage, "50")
}

func TestCycle_NoTransfersIsNoOp(t *testing.T) {
	st := newFakeStore(testMerchant(), pendingPayment(1000))
	ledger := &fakeLedger{transfers: map[string][]stacks.Transfer{}}
	cc := &fakeContract{}
	r := newReconciler(st, ledger, cc, &fakeVault{}, &fakeGate{})

	r.RunCycle(context.Background())

	p := st.get("pay_001")
	assert.Equal(t, model.StatusPending, p.Status)
	assert.Zero(t, cc.confirmCalls)
	assert.Empty(t, st.events)
}

// 已过期的 pending 支付不进入对账批次：即使款项到账也不再确认。
func TestCycle_ExpiredPaymentIsNeverProcessed(t *testing.T) {
	expired := pendingPayment(100000)
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	st := newFakeStore(testMerchant(), expired)
	ledger := &fakeLedger{transfers: map[string][]stacks.Transfer{
		depositAddr: {incoming("0xlate", 100000)},
	}}
	cc := &fakeContract{}
	r := newReconciler(st, ledger, cc, &fakeVault{}, &fakeGate{})

	r.RunCycle(context.Background())

	p := st.get("pay_001")
	assert.Equal(t, model.StatusPending, p.Status)
	assert.False(t, p.ReceivedAmount.Valid)
	assert.Zero(t, cc.confirmCalls)
	assert.Empty(t, st.events)
}

func TestCycle_IgnoresPendingAndForeignTransfers(t *testing.T) {
	st := newFakeStore(testMerchant(), pendingPayment(1000))
	other := incoming("0xother", 5000)
	other.Recipient = "ST000000000000000000002AMW42H"
	unmined := incoming("0xmempool", 1000)
	unmined.Status = stacks.TxStatusPending
	call := incoming("0xcall", 1000)
	call.Type = stacks.TxTypeContractCall

	ledger := &fakeLedger{transfers: map[string][]stacks.Transfer{
		depositAddr: {other, unmined, call},
	}}
	r := newReconciler(st, ledger, &fakeContract{}, &fakeVault{}, &fakeGate{})

	r.RunCycle(context.Background())

	assert.Equal(t, model.StatusPending, st.get("pay_001").Status)
}

func TestCycle_ConfirmRejectionIsTerminal(t *testing.T) {
	st := newFakeStore(testMerchant(), pendingPayment(1000))
	ledger := &fakeLedger{transfers: map[string][]stacks.Transfer{
		depositAddr: {incoming("0xaaa", 1000)},
	}}
	cc := &fakeContract{confirmErr: errors.New("contract address mismatch")}
	r := newReconciler(st, ledger, cc, &fakeVault{}, &fakeGate{})

	r.RunCycle(context.Background())

	p := st.get("pay_001")
	assert.Equal(t, model.StatusFailed, p.Status)
	assert.Contains(t, p.ErrorMessage, "confirmation rejected")

	// 终态不再进入后续周期
	r.RunCycle(context.Background())
	assert.Equal(t, 1, cc.confirmCalls)
}

func TestCycle_LedgerErrorKeepsPending(t *testing.T) {
	st := newFakeStore(testMerchant(), pendingPayment(1000))
	ledger := &fakeLedger{errs: map[string]error{depositAddr: errors.New("gateway timeout")}}
	cc := &fakeContract{}
	r := newReconciler(st, ledger, cc, &fakeVault{}, &fakeGate{})

	r.RunCycle(context.Background())

	p := st.get("pay_001")
	assert.Equal(t, model.StatusPending, p.Status)
	assert.Empty(t, p.ErrorMessage)
	assert.Zero(t, cc.confirmCalls)
}

func TestCycle_AuthorizationPendingSkipsConfirmation(t *testing.T) {
	st := newFakeStore(testMerchant(), pendingPayment(1000))
	ledger := &fakeLedger{transfers: map[string][]stacks.Transfer{
		depositAddr: {incoming("0xaaa", 1000)},
	}}
	cc := &fakeContract{}
	gate := &fakeGate{pending: true, txid: "0xauth"}
	r := newReconciler(st, ledger, cc, &fakeVault{}, gate)

	r.RunCycle(context.Background())

	// 授权在途: 不确认、不失败, 等下个周期
	p := st.get("pay_001")
	assert.Equal(t, model.StatusPending, p.Status)
	assert.Zero(t, cc.confirmCalls)

	gate.pending = false
	r.RunCycle(context.Background())
	assert.Equal(t, model.StatusConfirmed, st.get("pay_001").Status)
}

// ---- confirmed 路径 ----

func TestCycle_ConfirmedPaymentSettlesAndCompletes(t *testing.T) {
	st := newFakeStore(testMerchant(), confirmedPayment(100000, 101000))
	cc := &fakeContract{}
	r := newReconciler(st, &fakeLedger{}, cc, &fakeVault{}, &fakeGate{})

	r.RunCycle(context.Background())

	p := st.get("pay_001")
	assert.Equal(t, model.StatusCompleted, p.Status)
	assert.Equal(t, 1, cc.settleCalls)
	assert.Equal(t, 1, cc.transferCalls)
	assert.NotEmpty(t, p.BlockchainData.SettlementTxID)
	assert.NotEmpty(t, p.BlockchainData.TransferTxID)

	// 净额 = 101000 − 1%×100000 − 2×10000 = 80000
	assert.Equal(t, "80000", cc.lastTransfer.Amount.String())
	assert.Equal(t, merchantAddr, cc.lastTransfer.ToAddress)
	assert.Equal(t, depositAddr, cc.lastTransfer.FromAddress)
}

func TestCycle_NoPrematureSettlement(t *testing.T) {
	st := newFakeStore(testMerchant(), pendingPayment(100000))
	ledger := &fakeLedger{transfers: map[string][]stacks.Transfer{
		depositAddr: {incoming("0xaaa", 100000)},
	}}
	cc := &fakeContract{}
	r := newReconciler(st, ledger, cc, &fakeVault{}, &fakeGate{})

	// 周期 N: 确认但绝不结算 (同一发送方两笔未打包交易会 nonce 冲突)
	r.RunCycle(context.Background())
	assert.Equal(t, model.StatusConfirmed, st.get("pay_001").Status)
	assert.Zero(t, cc.settleCalls)

	// 周期 N+1 才结算
	r.RunCycle(context.Background())
	assert.Equal(t, model.StatusCompleted, st.get("pay_001").Status)
	assert.Equal(t, 1, cc.settleCalls)
}

func TestCycle_TransferFailureRetriesWithoutResettling(t *testing.T) {
	st := newFakeStore(testMerchant(), confirmedPayment(100000, 100000))
	cc := &fakeContract{transferErr: errors.New("broadcast timeout")}
	r := newReconciler(st, &fakeLedger{}, cc, &fakeVault{}, &fakeGate{})

	r.RunCycle(context.Background())

	p := st.get("pay_001")
	assert.Equal(t, model.StatusConfirmed, p.Status)
	assert.Equal(t, 1, cc.settleCalls)
	assert.NotEmpty(t, p.BlockchainData.SettlementTxID)
	assert.Contains(t, p.ErrorMessage, "transfer failed")

	// 恢复后重试: 不再二次 settle, 保留原结算交易 ID
	settleTx := p.BlockchainData.SettlementTxID
	cc.transferErr = nil
	r.RunCycle(context.Background())

	p = st.get("pay_001")
	assert.Equal(t, model.StatusCompleted, p.Status)
	assert.Equal(t, 1, cc.settleCalls)
	assert.Equal(t, settleTx, p.BlockchainData.SettlementTxID)
	assert.Empty(t, p.ErrorMessage)
}

func TestCycle_SettleFailureStaysConfirmed(t *testing.T) {
	st := newFakeStore(testMerchant(), confirmedPayment(100000, 100000))
	cc := &fakeContract{settleErr: errors.New("node unavailable")}
	r := newReconciler(st, &fakeLedger{}, cc, &fakeVault{}, &fakeGate{})

	r.RunCycle(context.Background())
	r.RunCycle(context.Background())

	p := st.get("pay_001")
	assert.Equal(t, model.StatusConfirmed, p.Status)
	assert.Equal(t, 2, cc.settleCalls) // 每个周期重试
	assert.Zero(t, cc.transferCalls)
	assert.Contains(t, p.ErrorMessage, "settle failed")
}

func TestCycle_NonPositiveNetAmountNeedsOperator(t *testing.T) {
	// 到账 25000, 预留 20000, 费用按 1% 计: 净额 < 0
	st := newFakeStore(testMerchant(), confirmedPayment(2500000, 25000))
	cc := &fakeContract{}
	r := newReconciler(st, &fakeLedger{}, cc, &fakeVault{}, &fakeGate{})

	r.RunCycle(context.Background())

	p := st.get("pay_001")
	assert.Equal(t, model.StatusConfirmed, p.Status)
	assert.Contains(t, p.ErrorMessage, "manual intervention")
	assert.Zero(t, cc.settleCalls)
	assert.Zero(t, cc.transferCalls)
}

func TestCycle_KeyDecryptionFailureIsolated(t *testing.T) {
	st := newFakeStore(testMerchant(), confirmedPayment(100000, 100000))
	cc := &fakeContract{}
	r := newReconciler(st, &fakeLedger{}, cc, &fakeVault{err: errors.New("cipher: message authentication failed")}, &fakeGate{})

	r.RunCycle(context.Background())

	p := st.get("pay_001")
	assert.Equal(t, model.StatusConfirmed, p.Status)
	assert.Contains(t, p.ErrorMessage, "decrypt failed")
	assert.Zero(t, cc.transferCalls)
}

// ---- 批次隔离 ----

func TestCycle_OneFailingPaymentDoesNotBlockOthers(t *testing.T) {
	broken := pendingPayment(1000)
	healthy := pendingPayment(1000)
	healthy.PaymentID = "pay_002"
	healthy.UniqueAddress = "ST3AM1A56AK2C1XAFJ4115ZSV26EB49BVQ10MGCS0"

	st := newFakeStore(testMerchant(), broken, healthy)
	ledger := &fakeLedger{
		transfers: map[string][]stacks.Transfer{
			healthy.UniqueAddress: {{
				TxID:      "0xhealthy",
				Type:      stacks.TxTypeTokenTransfer,
				Status:    stacks.TxStatusSuccess,
				Recipient: healthy.UniqueAddress,
				Amount:    decimal.NewFromInt(1000),
			}},
		},
		errs: map[string]error{depositAddr: errors.New("indexer exploded")},
	}
	r := newReconciler(st, ledger, &fakeContract{}, &fakeVault{}, &fakeGate{})

	r.RunCycle(context.Background())

	assert.Equal(t, model.StatusPending, st.get("pay_001").Status)
	assert.Equal(t, model.StatusConfirmed, st.get("pay_002").Status)
}

func TestCycle_ListFailureEndsCycleEarly(t *testing.T) {
	st := newFakeStore(testMerchant(), pendingPayment(1000))
	st.listErr = errors.New("connection refused")
	cc := &fakeContract{}
	r := newReconciler(st, &fakeLedger{}, cc, &fakeVault{}, &fakeGate{})

	r.RunCycle(context.Background())
	assert.Zero(t, cc.confirmCalls)
}

// ---- 手动对账 ----

func TestCheckPayment_ReportsLedgerObservation(t *testing.T) {
	p := pendingPayment(100000)
	st := newFakeStore(testMerchant(), p)
	ledger := &fakeLedger{transfers: map[string][]stacks.Transfer{
		depositAddr: {incoming("0xaaa", 40000), incoming("0xbbb", 35000)},
	}}
	r := newReconciler(st, ledger, &fakeContract{}, &fakeVault{}, &fakeGate{})

	result, err := r.CheckPayment(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, result.HasTransfer)
	assert.Equal(t, "75000", result.TotalReceived.String())
	assert.Len(t, result.Transactions, 2)

	// 75% < 99% 容差下限, 强制对账把它判为 underpaid
	assert.Equal(t, model.StatusFailed, st.get("pay_001").Status)
}

func TestCheckPayment_TerminalPaymentOnlyReports(t *testing.T) {
	p := pendingPayment(1000)
	p.Status = model.StatusFailed
	st := newFakeStore(testMerchant(), p)
	ledger := &fakeLedger{transfers: map[string][]stacks.Transfer{
		depositAddr: {incoming("0xaaa", 1000)},
	}}
	cc := &fakeContract{}
	r := newReconciler(st, ledger, cc, &fakeVault{}, &fakeGate{})

	result, err := r.CheckPayment(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, result.HasTransfer)
	assert.Zero(t, cc.confirmCalls)
	assert.Equal(t, model.StatusFailed, st.get("pay_001").Status)
}

// ---- 事件 ----

func TestCycle_EmitsLifecycleEvents(t *testing.T) {
	st := newFakeStore(testMerchant(), pendingPayment(100000))
	ledger := &fakeLedger{transfers: map[string][]stacks.Transfer{
		depositAddr: {incoming("0xaaa", 100000)},
	}}
	r := newReconciler(st, ledger, &fakeContract{}, &fakeVault{}, &fakeGate{})

	r.RunCycle(context.Background())
	r.RunCycle(context.Background())

	require.Len(t, st.events, 2)
	assert.Equal(t, event.PaymentConfirmed, st.events[0].Event)
	assert.Equal(t, event.PaymentCompleted, st.events[1].Event)
	for _, evt := range st.events {
		assert.Equal(t, "pay_001", evt.PaymentID)
		assert.Equal(t, "100000", evt.ReceivedAmount)
		assert.False(t, strings.HasPrefix(evt.TxID, "0xaaa"), "事件应携带网关侧交易而非入账交易")
	}
}
