package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"stx-gateway/internal/event"
	"stx-gateway/internal/model"
	"stx-gateway/internal/service/authgate"
	"stx-gateway/internal/service/contract"
	"stx-gateway/internal/store"
	"stx-gateway/pkg/crypto_util"
	"stx-gateway/pkg/logger"
	"stx-gateway/pkg/monitor"
	"stx-gateway/pkg/stacks"
	"stx-gateway/pkg/utils/lock"
)

const cycleLockKey = "reconcile_cycle"

// LedgerClient 账本索引查询，stacks.Client 满足该接口。
type LedgerClient interface {
	ListTransfers(ctx context.Context, address string) ([]stacks.Transfer, error)
}

// ContractCaller 结算合约的三个热路径操作，contract.Adapter 满足该接口。
type ContractCaller interface {
	ConfirmReceived(ctx context.Context, paymentID string, received decimal.Decimal, sourceTxID string) (string, error)
	Settle(ctx context.Context, paymentID string) (string, error)
	Transfer(ctx context.Context, p contract.TransferParams) (string, error)
}

// PaymentStore 对账循环需要的持久层操作，store.PaymentStore 满足该接口。
type PaymentStore interface {
	ListOpen(ctx context.Context, limit int) ([]model.Payment, error)
	GetMerchant(ctx context.Context, merchantID string) (*model.Merchant, error)
	Transition(ctx context.Context, paymentID, from, to string, updates map[string]interface{}, evt *event.PaymentEvent) error
	RecordError(ctx context.Context, paymentID, msg string) error
	MarkSettled(ctx context.Context, p *model.Payment, settlementTxID string) error
}

// KeyVault 支付签名私钥的解密入口
type KeyVault interface {
	Decrypt(ciphertext []byte, paymentID string) ([]byte, error)
}

// AuthGate 商户授权门卫
type AuthGate interface {
	EnsureAuthorized(ctx context.Context, merchantAddr string, feePercent decimal.Decimal) (string, error)
}

// Config 对账循环参数，全部来自外部配置
type Config struct {
	Interval         time.Duration
	BatchSize        int
	TolerancePercent decimal.Decimal // 允许的到账短缺百分比, 如 1.0 = 1%
	Fees             FeePolicy
	LockTTL          time.Duration
}

// Reconciler 对账循环。以固定间隔扫描活跃支付，从账本重新推导
// 每笔支付的真实状态 (level-triggered)，驱动 pending -> confirmed ->
// completed 状态机。
//
// 单笔支付的错误只影响它自己；confirmed 之后的失败永远保留在
// confirmed 状态等下个周期重试，绝不让已确认的商户资金掉进终态黑洞。
type Reconciler struct {
	store    PaymentStore
	ledger   LedgerClient
	contract ContractCaller
	vault    KeyVault
	gate     AuthGate
	locker   lock.DistributedLock // 可为 nil (单实例部署)
	cfg      Config

	tolerance decimal.Decimal // 百分比换算后的小数, 如 0.01
}

func New(st PaymentStore, ledger LedgerClient, cc ContractCaller, vault KeyVault, gate AuthGate, locker lock.DistributedLock, cfg Config) *Reconciler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.Interval
	}
	return &Reconciler{
		store:     st,
		ledger:    ledger,
		contract:  cc,
		vault:     vault,
		gate:      gate,
		locker:    locker,
		cfg:       cfg,
		tolerance: cfg.TolerancePercent.Div(hundred),
	}
}

// Start 阻塞运行，ctx 取消后在当前支付处理完成处停下（不打断签名中途）。
func (r *Reconciler) Start(ctx context.Context) {
	logger.Info("[Reconciler] 启动对账循环", zap.Duration("interval", r.cfg.Interval))
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("[Reconciler] 停止对账循环")
			return
		case <-ticker.C:
			r.RunCycle(ctx)
		}
	}
}

// RunCycle 执行一个对账周期。多实例部署时通过分布式锁保证
// 同一时刻只有一个实例在跑周期。
func (r *Reconciler) RunCycle(ctx context.Context) {
	if r.locker != nil {
		ok, err := r.locker.Acquire(ctx, cycleLockKey, r.cfg.LockTTL)
		if err != nil {
			logger.Error("[Reconciler] 获取周期锁失败", zap.Error(err))
			return
		}
		if !ok {
			return // 其他实例正在对账
		}
		defer func() {
			if err := r.locker.Release(ctx, cycleLockKey); err != nil {
				logger.Warn("[Reconciler] 释放周期锁失败", zap.Error(err))
			}
		}()
	}

	start := time.Now()
	defer func() {
		if monitor.Business != nil {
			monitor.Business.ReconcileCycleDuration.Observe(time.Since(start).Seconds())
		}
	}()

	payments, err := r.store.ListOpen(ctx, r.cfg.BatchSize)
	if err != nil {
		// 查询本身失败则提前结束本周期, 下个周期重来
		logger.Error("[Reconciler] 查询活跃支付失败", zap.Error(err))
		return
	}
	if monitor.Business != nil {
		monitor.Business.OpenPaymentsBatch.Set(float64(len(payments)))
	}
	if len(payments) == 0 {
		return
	}

	for i := range payments {
		select {
		case <-ctx.Done():
			return
		default:
		}

		p := &payments[i]
		// 单笔支付的错误只记录不上抛，不能影响批次里的其他支付
		if err := r.processPayment(ctx, p); err != nil {
			logger.Error("[Reconciler] 处理支付失败",
				zap.String("payment_id", p.PaymentID),
				zap.String("status", p.Status),
				zap.Error(err))
		}
	}
}

// processPayment 按读取时刻的状态分派。confirmed 的结算只会发生在
// 确认之后的周期 —— 同一周期内 pending 确认成功后直接返回，
// 避免同一发送方两笔未打包交易的 nonce 冲突。
func (r *Reconciler) processPayment(ctx context.Context, p *model.Payment) error {
	switch p.Status {
	case model.StatusPending:
		return r.handlePending(ctx, p)
	case model.StatusConfirmed:
		return r.handleConfirmed(ctx, p)
	default:
		return nil
	}
}

// handlePending 对账 pending 支付: 查账本 -> 汇总到账 -> 容差判定。
func (r *Reconciler) handlePending(ctx context.Context, p *model.Payment) error {
	transfers, err := r.ledger.ListTransfers(ctx, p.UniqueAddress)
	if err != nil {
		return fmt.Errorf("query ledger: %w", err) // 瞬时故障, 下周期重试
	}

	sum, txids, firstTx := matchIncoming(p.UniqueAddress, transfers)
	if sum.IsZero() {
		return nil // 没有到账, 本周期不动
	}

	// 容差下限 (含边界): expected × (1 − tolerance)
	floor := p.ExpectedAmount.Mul(decimal.NewFromInt(1).Sub(r.tolerance))
	if sum.LessThan(floor) {
		return r.failUnderpaid(ctx, p, sum, txids)
	}

	merchant, err := r.store.GetMerchant(ctx, p.MerchantID)
	if err != nil {
		return fmt.Errorf("load merchant %s: %w", p.MerchantID, err)
	}

	// 商户首笔确认前必须完成合约授权。授权在途不是错误，等打包即可。
	authTx, err := r.gate.EnsureAuthorized(ctx, merchant.StacksAddress, r.cfg.Fees.feePercent(merchant.FeePercent))
	if errors.Is(err, authgate.ErrAuthorizationPending) {
		logger.Info("[Reconciler] 商户授权在途, 本周期跳过",
			zap.String("payment_id", p.PaymentID), zap.String("auth_tx", authTx))
		return nil
	}
	if err != nil {
		return fmt.Errorf("ensure merchant authorized: %w", err)
	}

	confirmTx, err := r.contract.ConfirmReceived(ctx, p.PaymentID, sum, firstTx)
	if err != nil {
		// 合约拒绝确认视为结构性问题 (合约地址配置错误等)，终态处理
		return r.failConfirmRejected(ctx, p, sum, txids, err)
	}

	data := p.BlockchainData
	data.Merge(model.BlockchainData{DepositTxIDs: txids, ConfirmationTxID: confirmTx})

	evt := &event.PaymentEvent{
		Event:          event.PaymentConfirmed,
		PaymentID:      p.PaymentID,
		MerchantID:     p.MerchantID,
		Status:         model.StatusConfirmed,
		ExpectedAmount: p.ExpectedAmount.String(),
		ReceivedAmount: sum.String(),
		TxID:           confirmTx,
		OccurredAtUnix: time.Now().Unix(),
	}
	err = r.store.Transition(ctx, p.PaymentID, model.StatusPending, model.StatusConfirmed, map[string]interface{}{
		"received_amount": sum,
		"blockchain_data": data,
		"error_message":   "",
	}, evt)
	if errors.Is(err, store.ErrStaleState) {
		return nil // 另一个实例已推进
	}
	if err != nil {
		return fmt.Errorf("transition to confirmed: %w", err)
	}

	if monitor.Business != nil {
		monitor.Business.PaymentsConfirmedTotal.WithLabelValues(p.MerchantID).Inc()
	}
	logger.Info("[Reconciler] 支付已确认",
		zap.String("payment_id", p.PaymentID),
		zap.String("received", sum.String()),
		zap.String("confirm_tx", confirmTx))
	return nil
}

// handleConfirmed 结算已确认的支付: settle -> transfer -> completed。
// 任何一步失败都停留在 confirmed，错误落库后等下个周期重试。
func (r *Reconciler) handleConfirmed(ctx context.Context, p *model.Payment) error {
	merchant, err := r.store.GetMerchant(ctx, p.MerchantID)
	if err != nil {
		return fmt.Errorf("load merchant %s: %w", p.MerchantID, err)
	}
	if !p.ReceivedAmount.Valid {
		// confirmed 记录必然带到账金额, 缺失说明数据被外部改坏
		return r.recordStageError(ctx, p, "net_amount",
			fmt.Errorf("confirmed payment has no received amount"))
	}
	received := p.ReceivedAmount.Decimal

	net, fee := r.cfg.Fees.NetAmount(received, p.BaseAmount, merchant.FeePercent)
	if !net.IsPositive() {
		// 费用吃掉了全部到账, 自动重试只会得到同样的结果, 留给人工
		msg := fmt.Sprintf("net amount %s not positive (received %s, fee %s, reserve %s): manual intervention required",
			net, received, fee, r.cfg.Fees.ReserveTotal())
		if err := r.store.RecordError(ctx, p.PaymentID, msg); err != nil {
			return fmt.Errorf("record net amount error: %w", err)
		}
		if monitor.Business != nil {
			monitor.Business.SettlementErrorsTotal.WithLabelValues("net_amount").Inc()
		}
		logger.Error("[Reconciler] 净额不足, 等待人工处理",
			zap.String("payment_id", p.PaymentID), zap.String("net", net.String()))
		return nil
	}

	// 上个周期 settle 成功但 transfer 失败时这里已有交易 ID, 不重复 settle
	settleTx := p.BlockchainData.SettlementTxID
	if settleTx == "" {
		settleTx, err = r.contract.Settle(ctx, p.PaymentID)
		if err != nil {
			return r.recordStageError(ctx, p, "settle", err)
		}
		if err := r.store.MarkSettled(ctx, p, settleTx); err != nil {
			if errors.Is(err, store.ErrStaleState) {
				return nil
			}
			return fmt.Errorf("persist settlement tx: %w", err)
		}
	}

	rawKey, err := r.vault.Decrypt(p.EncryptedSigningKey, p.PaymentID)
	if err != nil {
		return r.recordStageError(ctx, p, "decrypt", err)
	}
	defer crypto_util.Zero(rawKey)

	transferTx, err := r.contract.Transfer(ctx, contract.TransferParams{
		FromAddress: p.UniqueAddress,
		ToAddress:   merchant.StacksAddress,
		Amount:      net,
		SigningKey:  rawKey,
		Memo:        p.PaymentID,
	})
	if err != nil {
		return r.recordStageError(ctx, p, "transfer", err)
	}

	data := p.BlockchainData
	data.Merge(model.BlockchainData{SettlementTxID: settleTx, TransferTxID: transferTx})

	evt := &event.PaymentEvent{
		Event:          event.PaymentCompleted,
		PaymentID:      p.PaymentID,
		MerchantID:     p.MerchantID,
		Status:         model.StatusCompleted,
		ExpectedAmount: p.ExpectedAmount.String(),
		ReceivedAmount: received.String(),
		TxID:           transferTx,
		OccurredAtUnix: time.Now().Unix(),
	}
	err = r.store.Transition(ctx, p.PaymentID, model.StatusConfirmed, model.StatusCompleted, map[string]interface{}{
		"blockchain_data": data,
		"error_message":   "",
	}, evt)
	if errors.Is(err, store.ErrStaleState) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("transition to completed: %w", err)
	}

	if monitor.Business != nil {
		monitor.Business.PaymentsSettledTotal.WithLabelValues(p.MerchantID).Inc()
	}
	logger.Info("[Reconciler] 支付已结算",
		zap.String("payment_id", p.PaymentID),
		zap.String("net", net.String()),
		zap.String("fee", fee.String()),
		zap.String("transfer_tx", transferTx))
	return nil
}

// failUnderpaid 到账不足，终态 failed。重试无法补齐对方少付的钱。
func (r *Reconciler) failUnderpaid(ctx context.Context, p *model.Payment, sum decimal.Decimal, txids []string) error {
	pct := decimal.Zero
	if p.ExpectedAmount.IsPositive() {
		pct = sum.Div(p.ExpectedAmount).Mul(hundred).Round(2)
	}
	msg := fmt.Sprintf("underpayment: received %s of expected %s (%s%%)", sum, p.ExpectedAmount, pct)

	data := p.BlockchainData
	data.Merge(model.BlockchainData{DepositTxIDs: txids})

	evt := &event.PaymentEvent{
		Event:          event.PaymentFailed,
		PaymentID:      p.PaymentID,
		MerchantID:     p.MerchantID,
		Status:         model.StatusFailed,
		ExpectedAmount: p.ExpectedAmount.String(),
		ReceivedAmount: sum.String(),
		OccurredAtUnix: time.Now().Unix(),
	}
	err := r.store.Transition(ctx, p.PaymentID, model.StatusPending, model.StatusFailed, map[string]interface{}{
		"received_amount": sum,
		"blockchain_data": data,
		"error_message":   msg,
	}, evt)
	if errors.Is(err, store.ErrStaleState) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("transition to failed: %w", err)
	}

	if monitor.Business != nil {
		monitor.Business.PaymentsUnderpaidTotal.Inc()
	}
	logger.Warn("[Reconciler] 到账不足, 支付终止",
		zap.String("payment_id", p.PaymentID), zap.String("detail", msg))
	return nil
}

// failConfirmRejected 合约确认被拒，终态 failed。
func (r *Reconciler) failConfirmRejected(ctx context.Context, p *model.Payment, sum decimal.Decimal, txids []string, cause error) error {
	data := p.BlockchainData
	data.Merge(model.BlockchainData{DepositTxIDs: txids})

	evt := &event.PaymentEvent{
		Event:          event.PaymentFailed,
		PaymentID:      p.PaymentID,
		MerchantID:     p.MerchantID,
		Status:         model.StatusFailed,
		ExpectedAmount: p.ExpectedAmount.String(),
		ReceivedAmount: sum.String(),
		OccurredAtUnix: time.Now().Unix(),
	}
	err := r.store.Transition(ctx, p.PaymentID, model.StatusPending, model.StatusFailed, map[string]interface{}{
		"received_amount": sum,
		"blockchain_data": data,
		"error_message":   fmt.Sprintf("confirmation rejected: %v", cause),
	}, evt)
	if errors.Is(err, store.ErrStaleState) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("transition to failed: %w", err)
	}
	logger.Error("[Reconciler] 合约确认被拒",
		zap.String("payment_id", p.PaymentID), zap.Error(cause))
	return nil
}

// recordStageError 结算阶段的可重试错误: 状态不变, 只落错误信息。
func (r *Reconciler) recordStageError(ctx context.Context, p *model.Payment, stage string, cause error) error {
	msg := fmt.Sprintf("%s failed: %v", stage, cause)
	if err := r.store.RecordError(ctx, p.PaymentID, msg); err != nil {
		logger.Error("[Reconciler] 记录错误信息失败",
			zap.String("payment_id", p.PaymentID), zap.Error(err))
	}
	if monitor.Business != nil {
		monitor.Business.SettlementErrorsTotal.WithLabelValues(stage).Inc()
	}
	return fmt.Errorf("%s: %w", stage, cause)
}

// matchIncoming 过滤出打给 addr 的成功转账并汇总金额。
// 支持多笔转账拆分支付一张账单。
func matchIncoming(addr string, transfers []stacks.Transfer) (sum decimal.Decimal, txids []string, firstTx string) {
	sum = decimal.Zero
	for _, t := range transfers {
		if t.Type != stacks.TxTypeTokenTransfer || t.Status != stacks.TxStatusSuccess {
			continue
		}
		if t.Recipient != addr {
			continue
		}
		sum = sum.Add(t.Amount)
		txids = append(txids, t.TxID)
		if firstTx == "" {
			firstTx = t.TxID
		}
	}
	return sum, txids, firstTx
}

// CheckResult 手动对账的返回结果 (运维排查用)
type CheckResult struct {
	HasTransfer   bool              `json:"has_transfer"`
	TotalReceived decimal.Decimal   `json:"total_received"`
	Transactions  []stacks.Transfer `json:"transactions"`
}

// CheckPayment 对单笔支付立即执行一次对账，并返回账本观察结果。
// 不受周期节奏和批次上限约束。
func (r *Reconciler) CheckPayment(ctx context.Context, p *model.Payment) (*CheckResult, error) {
	transfers, err := r.ledger.ListTransfers(ctx, p.UniqueAddress)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}

	sum, txids, _ := matchIncoming(p.UniqueAddress, transfers)
	result := &CheckResult{
		HasTransfer:   len(txids) > 0,
		TotalReceived: sum,
		Transactions:  transfers,
	}

	if !model.IsTerminal(p.Status) {
		if err := r.processPayment(ctx, p); err != nil {
			logger.Warn("[Reconciler] 手动对账处理失败",
				zap.String("payment_id", p.PaymentID), zap.Error(err))
		}
	}
	return result, nil
}
