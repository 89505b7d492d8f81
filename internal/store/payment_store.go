package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"stx-gateway/internal/event"
	"stx-gateway/internal/model"
)

// ErrStaleState CAS 条件更新未命中：记录已被其他实例推进过。
// 调用方放弃本次变更即可，下个周期会基于新状态重新决策。
var ErrStaleState = errors.New("store: payment state changed concurrently")

var ErrNotFound = errors.New("store: record not found")

// PaymentStore 是支付记录的唯一持久化入口。
// 所有状态变更都以 "当前状态 == 期望状态" 为条件执行（乐观并发），
// 多实例同时轮询也不会重复结算。
type PaymentStore struct {
	db *gorm.DB
}

func NewPaymentStore(db *gorm.DB) *PaymentStore {
	return &PaymentStore{db: db}
}

// Create 新建支付记录，payment.created 事件与插入同事务写入 Outbox。
func (s *PaymentStore) Create(ctx context.Context, p *model.Payment, evt *event.PaymentEvent) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(p).Error; err != nil {
			return err
		}
		if evt != nil {
			return model.CreateOutboxMessage(tx, event.TopicPaymentEvents, p.PaymentID, evt)
		}
		return nil
	})
}

func (s *PaymentStore) GetByPaymentID(ctx context.Context, paymentID string) (*model.Payment, error) {
	var p model.Payment
	err := s.db.WithContext(ctx).Where("payment_id = ?", paymentID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get payment %s: %w", paymentID, err)
	}
	return &p, nil
}

func (s *PaymentStore) GetMerchant(ctx context.Context, merchantID string) (*model.Merchant, error) {
	var m model.Merchant
	err := s.db.WithContext(ctx).Where("merchant_id = ?", merchantID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get merchant %s: %w", merchantID, err)
	}
	return &m, nil
}

// ListOpen 取一批活跃支付 (pending/confirmed 且未过期)，按创建时间排序。
// limit 限制单周期工作量，防止批次无限膨胀拖垮周期时长。
func (s *PaymentStore) ListOpen(ctx context.Context, limit int) ([]model.Payment, error) {
	var payments []model.Payment
	err := s.db.WithContext(ctx).
		Where("status IN ? AND expires_at > ?", []string{model.StatusPending, model.StatusConfirmed}, time.Now()).
		Order("created_at ASC").
		Limit(limit).
		Find(&payments).Error
	if err != nil {
		return nil, fmt.Errorf("store: list open payments: %w", err)
	}
	return payments, nil
}

// Transition 条件状态迁移: 仅当 status == from 时生效，否则 ErrStaleState。
// evt 非空时事件写入与状态变更在同一事务 (Transactional Outbox)。
func (s *PaymentStore) Transition(ctx context.Context, paymentID, from, to string, updates map[string]interface{}, evt *event.PaymentEvent) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if updates == nil {
			updates = map[string]interface{}{}
		}
		updates["status"] = to

		res := tx.Model(&model.Payment{}).
			Where("payment_id = ? AND status = ?", paymentID, from).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStaleState
		}

		if evt != nil {
			return model.CreateOutboxMessage(tx, event.TopicPaymentEvents, paymentID, evt)
		}
		return nil
	})
}

// RecordError 记录可重试/待人工处理的错误信息，不改变状态。
// error_message 是覆盖语义，保留最近一次错误。
func (s *PaymentStore) RecordError(ctx context.Context, paymentID, msg string) error {
	return s.db.WithContext(ctx).Model(&model.Payment{}).
		Where("payment_id = ?", paymentID).
		Update("error_message", msg).Error
}

// MarkSettled 在 confirmed 状态下追加结算交易 ID (状态不变)。
// settle 成功后立即落库，后续 transfer 失败重试时据此跳过二次 settle。
func (s *PaymentStore) MarkSettled(ctx context.Context, p *model.Payment, settlementTxID string) error {
	data := p.BlockchainData
	data.Merge(model.BlockchainData{SettlementTxID: settlementTxID})

	res := s.db.WithContext(ctx).Model(&model.Payment{}).
		Where("payment_id = ? AND status = ?", p.PaymentID, model.StatusConfirmed).
		Updates(map[string]interface{}{"blockchain_data": data})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleState
	}
	p.BlockchainData = data
	return nil
}

// ExpireOverdue 将已过期的 pending 支付置为 expired 并发出事件。
// 逐条 CAS，与正在确认同一笔支付的对账实例互不干扰。
func (s *PaymentStore) ExpireOverdue(ctx context.Context) (int, error) {
	var overdue []model.Payment
	err := s.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", model.StatusPending, time.Now()).
		Limit(200).
		Find(&overdue).Error
	if err != nil {
		return 0, fmt.Errorf("store: list overdue payments: %w", err)
	}

	expired := 0
	for i := range overdue {
		p := &overdue[i]
		evt := &event.PaymentEvent{
			Event:          event.PaymentExpired,
			PaymentID:      p.PaymentID,
			MerchantID:     p.MerchantID,
			Status:         model.StatusExpired,
			ExpectedAmount: p.ExpectedAmount.String(),
			OccurredAtUnix: time.Now().Unix(),
		}
		err := s.Transition(ctx, p.PaymentID, model.StatusPending, model.StatusExpired, nil, evt)
		if errors.Is(err, ErrStaleState) {
			continue // 另一个实例刚推进了这条记录
		}
		if err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}
