package aitask

import (
	"errors"
	"net/http"
	"strconv"

	"backend/api/handlers/common"
	"backend/internal/aitask"
	"backend/internal/credits"

	"github.com/gin-gonic/gin"
)

// AITaskHandler AI 任务 Handler
type AITaskHandler struct {
	service *aitask.Service
}

// NewAITaskHandler 创建 AITaskHandler 实例
func NewAITaskHandler(service *aitask.Service) *AITaskHandler {
	return &AITaskHandler{service: service}
}

// CreateTask 创建任务（创建即扣积分）
// POST /api/tasks
func (h *AITaskHandler) CreateTask(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, common.ErrorResponse{Message: "未登录"})
		return
	}

	var req aitask.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, common.ErrorResponse{Message: "请求参数错误: " + err.Error()})
		return
	}
	req.UserID = userID

	task, err := h.service.CreateTask(c.Request.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, aitask.ErrInvalidTask):
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

	c.JSON(http.StatusCreated, common.APIResponse{Success: true, Data: task})
}

// GetTask 查询任务
// GET /api/tasks/:id
func (h *AITaskHandler) GetTask(c *gin.Context) {
	userID := c.GetString("user_id")

	task, err := h.service.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, aitask.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, common.ErrorResponse{Message: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, common.ErrorResponse{Message: err.Error()})
		return
	}
	if task.UserID != userID {
		c.JSON(http.StatusNotFound, common.ErrorResponse{Message: "任务不存在"})
		return
	}

	c.JSON(http.StatusOK, common.APIResponse{Success: true, Data: task})
}

// ListTasks 分页查询任务
// GET /api/tasks?status=processing&media_type=image&page=1&limit=20
func (h *AITaskHandler) ListTasks(c *gin.Context) {
	userID := c.GetString("user_id")

	query := &aitask.TaskQuery{
		UserID:    userID,
		Status:    aitask.TaskStatus(c.Query("status")),
		MediaType: aitask.MediaType(c.Query("media_type")),
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

	items, total, err := h.service.ListTasks(c.Request.Context(), query)
	if err != nil {
		c.JSON(http.StatusInternalServerError, common.ErrorResponse{Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, common.APIResponse{
		Success: true,
		Data: common.ListResponse{
			Items: items,
			Pagination: common.NewPagination(query.Page, query.Limit, total),
		},
	})
}

// CancelTask 取消任务（扣费补偿后落终态）
// POST /api/tasks/:id/cancel
func (h *AITaskHandler) CancelTask(c *gin.Context) {
	userID := c.GetString("user_id")

	task, err := h.service.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, aitask.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, common.ErrorResponse{Message: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, common.ErrorResponse{Message: err.Error()})
		return
	}
	if task.UserID != userID {
		c.JSON(http.StatusNotFound, common.ErrorResponse{Message: "任务不存在"})
		return
	}

	updated, err := h.service.UpdateTask(c.Request.Context(), task.ID, &aitask.UpdateTaskRequest{
		Status: aitask.TaskStatusCanceled,
	})
	if err != nil {
		if errors.Is(err, aitask.ErrTaskFinished) {
			c.JSON(http.StatusConflict, common.ErrorResponse{
				Code:    "TASK_FINISHED",
				Message: err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, common.ErrorResponse{Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, common.APIResponse{Success: true, Data: updated})
}

// UpdateTaskStatus 更新任务状态（内部回调）
// PATCH /api/tasks/:id/status
func (h *AITaskHandler) UpdateTaskStatus(c *gin.Context) {
	var req aitask.UpdateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, common.ErrorResponse{Message: "请求参数错误: " + err.Error()})
		return
	}

	task, err := h.service.UpdateTask(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		switch {
		case errors.Is(err, aitask.ErrTaskNotFound):
			c.JSON(http.StatusNotFound, common.ErrorResponse{Message: err.Error()})
		case errors.Is(err, aitask.ErrTaskFinished):
			c.JSON(http.StatusConflict, common.ErrorResponse{
				Code:    "TASK_FINISHED",
				Message: err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, common.ErrorResponse{Message: err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, common.APIResponse{Success: true, Data: task})
}
