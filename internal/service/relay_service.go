package service

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"stx-gateway/internal/model"
	"stx-gateway/internal/service/mq"
	"stx-gateway/pkg/logger"
)

// RelayService 负责将本地消息表 (Outbox) 的事件搬运到 MQ。
// 通知分发器在 MQ 另一端消费这些事件并投递商户 Webhook。
type RelayService struct {
	db       *gorm.DB
	producer mq.Producer
	interval time.Duration
}

func NewRelayService(db *gorm.DB, producer mq.Producer) *RelayService {
	return &RelayService{
		db:       db,
		producer: producer,
		interval: 500 * time.Millisecond,
	}
}

func (s *RelayService) Start(ctx context.Context) {
	logger.Info("[Relay] 启动事件中继服务")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("[Relay] 停止服务")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

func (s *RelayService) processPendingMessages(ctx context.Context) {
	// 每次取 50 条，限制单轮内存占用
	var messages []model.OutboxMessage
	if err := s.db.WithContext(ctx).Where("status = ?", "PENDING").
		Order("id ASC").Limit(50).Find(&messages).Error; err != nil {
		logger.Error("[Relay] 查询待发送消息失败", zap.Error(err))
		return
	}

	for _, msg := range messages {
		if err := s.producer.Publish(ctx, msg.Topic, msg.Key, msg.Payload); err != nil {
			logger.Error("[Relay] 发送消息失败", zap.Uint64("id", msg.ID), zap.Error(err))
			continue
		}

		// 先发送后更新 => At-least-once，更新失败时消息会重发，消费方需幂等
		if err := s.db.WithContext(ctx).Model(&msg).Update("status", "SENT").Error; err != nil {
			logger.Error("[Relay] 更新消息状态失败", zap.Uint64("id", msg.ID), zap.Error(err))
		}
	}
}
