package request

// CreatePaymentRequest 创建支付
// base_amount: 商户税前标价, micro-STX 十进制字符串
type CreatePaymentRequest struct {
	MerchantID  string `json:"merchant_id" binding:"required"`
	BaseAmount  string `json:"base_amount" binding:"required"`
	Description string `json:"description" binding:"max=512"`
}
