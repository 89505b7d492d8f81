package handler

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"stx-gateway/internal/handler/request"
	"stx-gateway/internal/handler/response"
	"stx-gateway/internal/service"
	"stx-gateway/internal/service/reconciler"
	"stx-gateway/internal/store"
	"stx-gateway/pkg/errno"
	"stx-gateway/pkg/logger"
)

type PaymentHandler struct {
	payments   *service.PaymentService
	reconciler *reconciler.Reconciler
	store      *store.PaymentStore
}

func NewPaymentHandler(payments *service.PaymentService, rec *reconciler.Reconciler, st *store.PaymentStore) *PaymentHandler {
	return &PaymentHandler{payments: payments, reconciler: rec, store: st}
}

// CreatePayment 创建支付
// @Summary 创建支付
// @Description 生成一次性收款地址并在结算合约中登记支付
// @Tags Payment
// @Accept json
// @Produce json
// @Param request body request.CreatePaymentRequest true "Create Payment Request"
// @Success 200 {object} response.Response
// @Router /api/v1/payments [post]
func (h *PaymentHandler) CreatePayment(c *gin.Context) {
	var req request.CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errno.ErrBind)
		return
	}

	base, err := decimal.NewFromString(req.BaseAmount)
	if err != nil || !base.IsPositive() || !base.Equal(base.Truncate(0)) {
		response.Error(c, errno.ErrInvalidAmount)
		return
	}

	p, err := h.payments.CreatePayment(c.Request.Context(), service.CreatePaymentParams{
		MerchantID:  req.MerchantID,
		BaseAmount:  base,
		Description: req.Description,
	})
	if err != nil {
		logger.Error("[Handler] 创建支付失败", zap.Error(err))
		switch {
		case errors.Is(err, store.ErrNotFound):
			response.Error(c, errno.ErrMerchantNotFound)
		default:
			response.Error(c, errno.ErrContractCallFailed)
		}
		return
	}

	response.Success(c, p)
}

// GetPayment 查询支付
// @Summary 查询支付
// @Tags Payment
// @Produce json
// @Param id path string true "Payment ID"
// @Success 200 {object} response.Response
// @Router /api/v1/payments/{id} [get]
func (h *PaymentHandler) GetPayment(c *gin.Context) {
	p, err := h.payments.GetPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.Error(c, errno.ErrPaymentNotFound)
			return
		}
		response.Error(c, errno.ErrDatabase)
		return
	}
	response.Success(c, p)
}

// CheckPayment 手动触发对账
// @Summary 手动触发对账
// @Description 立即查询账本并对该支付执行一次对账 (运维排查用)
// @Tags Payment
// @Produce json
// @Param id path string true "Payment ID"
// @Success 200 {object} response.Response
// @Router /api/v1/payments/{id}/check [post]
func (h *PaymentHandler) CheckPayment(c *gin.Context) {
	p, err := h.store.GetByPaymentID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.Error(c, errno.ErrPaymentNotFound)
			return
		}
		response.Error(c, errno.ErrDatabase)
		return
	}

	result, err := h.reconciler.CheckPayment(c.Request.Context(), p)
	if err != nil {
		logger.Error("[Handler] 手动对账失败",
			zap.String("payment_id", p.PaymentID), zap.Error(err))
		response.Error(c, errno.InternalServerError)
		return
	}
	response.Success(c, result)
}

// HealthCheck 健康检查
// @Summary 健康检查
// @Tags System
// @Produce json
// @Success 200 {object} response.Response
// @Router /health [get]
func HealthCheck(c *gin.Context) {
	response.Success(c, gin.H{"status": "ok"})
}
