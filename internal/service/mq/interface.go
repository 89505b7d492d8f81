package mq

import "context"

// Producer 生产者接口。通知分发器在 MQ 的另一端消费，
// 网关侧只负责把事件可靠地推进管道 (At-least-once, 消费方做幂等)。
type Producer interface {
	// Publish 发送消息
	// key: 分区键 (payment_id)，保证同一笔支付的事件有序
	Publish(ctx context.Context, topic string, key string, payload []byte) error

	// Close 释放底层连接
	Close() error
}
