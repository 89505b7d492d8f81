package event

// 支付事件名，随 PaymentEvent 投递给通知分发器
// Topic: gateway_events_payment
const (
	PaymentCreated   = "payment.created"
	PaymentConfirmed = "payment.confirmed"
	PaymentCompleted = "payment.completed"
	PaymentFailed    = "payment.failed"
	PaymentExpired   = "payment.expired"
)

// TopicPaymentEvents 所有支付事件共用一个主题，按 payment_id 分区保序
const TopicPaymentEvents = "gateway_events_payment"

// PaymentEvent 支付状态变更事件
type PaymentEvent struct {
	Event          string `json:"event"`
	PaymentID      string `json:"payment_id"`
	MerchantID     string `json:"merchant_id"`
	Status         string `json:"status"`
	ExpectedAmount string `json:"expected_amount"`           // decimal string, micro-STX
	ReceivedAmount string `json:"received_amount,omitempty"` // decimal string
	TxID           string `json:"tx_id,omitempty"`           // 触发该事件的链上交易
	OccurredAtUnix int64  `json:"occurred_at"`
}
