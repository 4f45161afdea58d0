package credits

import (
	"errors"
	"net/http"
	"strconv"

	"backend/api/handlers/common"
	"backend/internal/credits"
	"backend/internal/metrics"

	"github.com/gin-gonic/gin"
)

// CreditsHandler 积分账本 Handler
type CreditsHandler struct {
	service *credits.Service
}

// NewCreditsHandler 创建 CreditsHandler 实例
func NewCreditsHandler(service *credits.Service) *CreditsHandler {
	return &CreditsHandler{service: service}
}

// GetBalance 查询积分余额
// GET /api/credits/balance
func (h *CreditsHandler) GetBalance(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, common.ErrorResponse{Message: "未登录"})
		return
	}

	balance, err := h.service.GetBalance(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, common.ErrorResponse{Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, common.APIResponse{
		Success: true,
		Data:    gin.H{"balance": balance},
	})
}

// ListCredits 分页查询积分流水
// GET /api/credits?type=grant&status=active&page=1&limit=20
func (h *CreditsHandler) ListCredits(c *gin.Context) {
	userID := c.GetString("user_id")

	query := &credits.CreditQuery{
		UserID:          userID,
		Status:          credits.CreditStatus(c.Query("status")),
		TransactionType: credits.TransactionType(c.Query("type")),
	}
	if page := c.Query("page"); page != "" {
		if p, err := strconv.Atoi(page); err == nil {
			query.Page = p
		}
	}
	if limit := c.Query("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			query.Limit = l
		}
	}

	entries, total, err := h.service.ListCredits(c.Request.Context(), query)
	if err != nil {
		c.JSON(http.StatusInternalServerError, common.ErrorResponse{Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, common.APIResponse{
		Success: true,
		Data: common.ListResponse{
			Items: entries,
			Pagination: common.NewPagination(query.Page, query.Limit, total),
		},
	})
}

// GrantCredits 发放积分（管理端）
// POST /api/credits/grant
func (h *CreditsHandler) GrantCredits(c *gin.Context) {
	var req credits.GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, common.ErrorResponse{Message: "请求参数错误: " + err.Error()})
		return
	}
	if req.Scene == "" {
		req.Scene = credits.SceneGift
	}

	entry, err := h.service.Grant(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, credits.ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, common.ErrorResponse{Message: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, common.ErrorResponse{Message: err.Error()})
		return
	}

	metrics.CreditsGrantedTotal.WithLabelValues(string(req.Scene)).Add(float64(req.Credits))
	c.JSON(http.StatusCreated, common.APIResponse{Success: true, Data: entry})
}

// ConsumeCredits 消费积分
// POST /api/credits/consume
func (h *CreditsHandler) ConsumeCredits(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, common.ErrorResponse{Message: "未登录"})
		return
	}

	var req credits.ConsumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, common.ErrorResponse{Message: "请求参数错误: " + err.Error()})
		return
	}
	req.UserID = userID

	entry, err := h.service.Consume(c.Request.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, credits.ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, common.ErrorResponse{Message: err.Error()})
		case errors.Is(err, credits.ErrInsufficientCredits):
			c.JSON(http.StatusPaymentRequired, common.ErrorResponse{
				Code:    "INSUFFICIENT_CREDITS",
				Message: err.Error(),
			})
		case errors.Is(err, credits.ErrCreditsFragmented):
			c.JSON(http.StatusUnprocessableEntity, common.ErrorResponse{
				Code:    "CREDITS_FRAGMENTED",
				Message: err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, common.ErrorResponse{Message: err.Error()})
		}
		return
	}

	metrics.CreditsConsumedTotal.WithLabelValues(string(req.Scene)).Add(float64(req.Credits))
	c.JSON(http.StatusCreated, common.APIResponse{Success: true, Data: entry})
}

// CompensateCredits 撤销消费（管理端，幂等）
// POST /api/credits/:id/compensate
func (h *CreditsHandler) CompensateCredits(c *gin.Context) {
	consumeID := c.Param("id")

	entry, err := h.service.Compensate(c.Request.Context(), consumeID)
	if err != nil {
		switch {
		case errors.Is(err, credits.ErrCreditNotFound):
			c.JSON(http.StatusNotFound, common.ErrorResponse{Message: err.Error()})
		case errors.Is(err, credits.ErrNotConsumeRecord):
			c.JSON(http.StatusBadRequest, common.ErrorResponse{Message: err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, common.ErrorResponse{Message: err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, common.APIResponse{Success: true, Data: entry})
}
