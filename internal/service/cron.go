package service

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"stx-gateway/internal/store"
	"stx-gateway/pkg/logger"
	"stx-gateway/pkg/monitor"
	"stx-gateway/pkg/utils/lock"
)

const expireLockKey = "expire_sweep"

// ExpiryCron 过期清扫: 把超时未支付的 pending 记录置为 expired。
// 对账循环只认 expires_at > now 的记录，这里负责收尾。
type ExpiryCron struct {
	store  *store.PaymentStore
	locker lock.DistributedLock // 可为 nil
	cron   *cron.Cron
}

func NewExpiryCron(st *store.PaymentStore, locker lock.DistributedLock) *ExpiryCron {
	return &ExpiryCron{
		store:  st,
		locker: locker,
		cron:   cron.New(),
	}
}

// Start 注册 @every 1m 的清扫任务并启动调度器。
func (c *ExpiryCron) Start(ctx context.Context) error {
	_, err := c.cron.AddFunc("@every 1m", func() {
		c.sweep(ctx)
	})
	if err != nil {
		return err
	}
	c.cron.Start()
	logger.Info("[ExpiryCron] 启动过期清扫")
	return nil
}

// Stop 停止调度, 等待执行中的清扫结束。
func (c *ExpiryCron) Stop() {
	<-c.cron.Stop().Done()
	logger.Info("[ExpiryCron] 停止过期清扫")
}

func (c *ExpiryCron) sweep(ctx context.Context) {
	if c.locker != nil {
		ok, err := c.locker.Acquire(ctx, expireLockKey, time.Minute)
		if err != nil {
			logger.Error("[ExpiryCron] 获取清扫锁失败", zap.Error(err))
			return
		}
		if !ok {
			return
		}
		defer func() {
			if err := c.locker.Release(ctx, expireLockKey); err != nil {
				logger.Warn("[ExpiryCron] 释放清扫锁失败", zap.Error(err))
			}
		}()
	}

	n, err := c.store.ExpireOverdue(ctx)
	if err != nil {
		logger.Error("[ExpiryCron] 过期清扫失败", zap.Error(err))
		return
	}
	if n > 0 {
		if monitor.Business != nil {
			monitor.Business.PaymentsExpiredTotal.Add(float64(n))
		}
		logger.Info("[ExpiryCron] 清扫完成", zap.Int("expired", n))
	}
}
