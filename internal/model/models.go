package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Payment 状态机: pending -> confirmed -> completed
// 旁路终态: failed / cancelled / expired。状态只前进，除 failed 外不回退。
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
)

// IsTerminal 终态不再被对账循环处理
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// BlockchainData 记录支付各阶段观察到的链上交易 ID。
// 只追加：字段一旦写入不再清空或覆盖。
type BlockchainData struct {
	RegistrationTxID string   `json:"registration_tx_id,omitempty"`
	DepositTxIDs     []string `json:"deposit_tx_ids,omitempty"`
	ConfirmationTxID string   `json:"confirmation_tx_id,omitempty"`
	SettlementTxID   string   `json:"settlement_tx_id,omitempty"`
	TransferTxID     string   `json:"transfer_tx_id,omitempty"`
	AuthorizationTx  string   `json:"authorization_tx_id,omitempty"`
}

// Value 实现 driver.Valuer, 存为 JSONB
func (b BlockchainData) Value() (driver.Value, error) {
	return json.Marshal(b)
}

// Scan 实现 sql.Scanner
func (b *BlockchainData) Scan(value interface{}) error {
	if value == nil {
		*b = BlockchainData{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, b)
	case string:
		return json.Unmarshal([]byte(v), b)
	default:
		return fmt.Errorf("unsupported type for BlockchainData: %T", value)
	}
}

// Merge 合并新观察到的交易 ID，已有字段不被覆盖
func (b *BlockchainData) Merge(other BlockchainData) {
	for _, txid := range other.DepositTxIDs {
		if !containsString(b.DepositTxIDs, txid) {
			b.DepositTxIDs = append(b.DepositTxIDs, txid)
		}
	}
	if b.RegistrationTxID == "" {
		b.RegistrationTxID = other.RegistrationTxID
	}
	if b.ConfirmationTxID == "" {
		b.ConfirmationTxID = other.ConfirmationTxID
	}
	if b.SettlementTxID == "" {
		b.SettlementTxID = other.SettlementTxID
	}
	if b.TransferTxID == "" {
		b.TransferTxID = other.TransferTxID
	}
	if b.AuthorizationTx == "" {
		b.AuthorizationTx = other.AuthorizationTx
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Payment 支付记录。每笔支付拥有独立的一次性收款地址，
// 对应的签名私钥以密文形式存储（密钥派生绑定 payment_id）。
type Payment struct {
	ID                  uint64              `gorm:"primaryKey;autoIncrement" json:"-"`
	PaymentID           string              `gorm:"type:varchar(64);not null;uniqueIndex" json:"payment_id"`
	MerchantID          string              `gorm:"type:varchar(64);not null;index" json:"merchant_id"`
	UniqueAddress       string              `gorm:"type:varchar(64);not null;uniqueIndex" json:"unique_address"`
	EncryptedSigningKey []byte              `gorm:"type:bytea;not null" json:"-"`
	ExpectedAmount      decimal.Decimal     `gorm:"type:decimal(32,0);not null" json:"expected_amount"` // micro-STX
	BaseAmount          decimal.Decimal     `gorm:"type:decimal(32,0);not null;default:0" json:"base_amount"`
	ReceivedAmount      decimal.NullDecimal `gorm:"type:decimal(32,0)" json:"received_amount"`
	Status              string              `gorm:"type:varchar(20);not null;default:'pending';index:idx_status_expiry" json:"status"`
	Description         string              `gorm:"type:varchar(512)" json:"description"`
	BlockchainData      BlockchainData      `gorm:"type:jsonb;not null;default:'{}'" json:"blockchain_data"`
	ErrorMessage        string              `gorm:"type:text" json:"error_message,omitempty"`
	ExpiresAt           time.Time           `gorm:"not null;index:idx_status_expiry" json:"expires_at"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

// Merchant 商户。StacksAddress 是结算打款目标, FeePercent 为空时用全局默认费率。
type Merchant struct {
	ID            uint64              `gorm:"primaryKey;autoIncrement" json:"-"`
	MerchantID    string              `gorm:"type:varchar(64);not null;uniqueIndex" json:"merchant_id"`
	Name          string              `gorm:"type:varchar(255);not null" json:"name"`
	Email         string              `gorm:"type:varchar(255);not null;unique" json:"email"`
	StacksAddress string              `gorm:"type:varchar(64);not null" json:"stacks_address"`
	FeePercent    decimal.NullDecimal `gorm:"type:decimal(8,4)" json:"fee_percent"`
	WebhookURL    string              `gorm:"type:varchar(512)" json:"webhook_url,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
	DeletedAt     gorm.DeletedAt      `gorm:"index" json:"-"`
}

// OutboxMessage 本地消息表 (Transactional Outbox)
// 终态事件和支付状态变更在同一事务中写入，由 Relay 搬运到 MQ。
type OutboxMessage struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Topic     string    `gorm:"type:varchar(255);not null" json:"topic"`
	Key       string    `gorm:"type:varchar(255)" json:"key"` // 分区键 (payment_id)
	Payload   []byte    `gorm:"type:text;not null" json:"payload"`
	Status    string    `gorm:"type:varchar(50);not null;default:'PENDING';index" json:"status"` // PENDING, SENT
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Payment) TableName() string {
	return "payments"
}

func (Merchant) TableName() string {
	return "merchants"
}

func (OutboxMessage) TableName() string {
	return "outbox_messages"
}

// CreateOutboxMessage 在给定事务内写入一条待发送消息
func CreateOutboxMessage(tx *gorm.DB, topic, key string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	msg := OutboxMessage{
		Topic:   topic,
		Key:     key,
		Payload: data,
		Status:  "PENDING",
	}
	return tx.Create(&msg).Error
}
