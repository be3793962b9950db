package handler

import (
	"errors"

	"creditflow/internal/apperr"
	"creditflow/internal/repository"
	"creditflow/internal/service"
	"creditflow/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// 各接口的错误到业务码映射
var (
	submitErrors      = response.NewMapper(response.CodeSubmitFailed).OnDetail(apperr.ErrValidation, response.CodeInvalidApplication)
	applicationErrors = response.NewMapper(response.CodeServerError).On(repository.ErrApplicationNotFound, response.CodeApplicationNotFound)
	assessmentErrors  = response.NewMapper(response.CodeServerError).On(repository.ErrAssessmentNotFound, response.CodeAssessmentNotReady)
	queryErrors       = response.NewMapper(response.CodeServerError)
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	appService *service.ApplicationService
	logger     *zap.Logger
}

// NewHandler 创建处理器实例
func NewHandler(appService *service.ApplicationService, logger *zap.Logger) *Handler {
	return &Handler{
		appService: appService,
		logger:     logger.Named("Handler"),
	}
}

// ============================================================
// 申请相关接口
// ============================================================

// SubmitApplicationRequest 提交申请请求
type SubmitApplicationRequest struct {
	CustomerID      string          `json:"customerId" binding:"required,max=64"`
	RequestedAmount decimal.Decimal `json:"requestedAmount" binding:"gt=0"`
	CreditScore     *int            `json:"creditScore" binding:"omitempty,gte=300,lte=850"`
	AnnualIncome    decimal.Decimal `json:"annualIncome" binding:"gte=0"`
}

// SubmitApplication 提交授信申请
// POST /api/v1/applications
//
// 只负责落库和写发件箱，风险评估与审批由下游阶段异步完成
func (h *Handler) SubmitApplication(c *gin.Context) {
	var req SubmitApplicationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	app, err := h.appService.Submit(c.Request.Context(), &service.SubmitRequest{
		CustomerID:      req.CustomerID,
		RequestedAmount: req.RequestedAmount,
		CreditScore:     req.CreditScore,
		AnnualIncome:    req.AnnualIncome,
	})
	if err != nil {
		if !apperr.IsValidation(err) {
			h.logger.Error("提交申请失败", zap.String("customer_id", req.CustomerID), zap.Error(err))
		}
		submitErrors.Fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"applicationId": app.ApplicationID,
		"status":        app.Status,
	})
}

// GetApplication 查询申请详情
// GET /api/v1/applications/:id
func (h *Handler) GetApplication(c *gin.Context) {
	id := c.Param("id")
	app, err := h.appService.Get(c.Request.Context(), id)
	if err != nil {
		h.logFailure("查询申请失败", id, err)
		applicationErrors.Fail(c, err)
		return
	}

	response.Success(c, app)
}

// GetAssessment 查询风险评估结果
// GET /api/v1/applications/:id/assessment
func (h *Handler) GetAssessment(c *gin.Context) {
	id := c.Param("id")
	assessment, err := h.appService.GetAssessment(c.Request.Context(), id)
	if err != nil {
		h.logFailure("查询风险评估失败", id, err)
		assessmentErrors.Fail(c, err)
		return
	}

	response.Success(c, assessment)
}

// ============================================================
// 发件箱
// ============================================================

// OutboxStats 发件箱积压情况
// GET /api/v1/outbox/stats
func (h *Handler) OutboxStats(c *gin.Context) {
	stats, err := h.appService.OutboxStats(c.Request.Context())
	if err != nil {
		h.logger.Error("查询发件箱积压失败", zap.Error(err))
		queryErrors.Fail(c, err)
		return
	}

	response.Success(c, stats)
}

// logFailure 记录非“不存在”类的查询错误，不存在属于正常业务分支
func (h *Handler) logFailure(msg, applicationID string, err error) {
	if errors.Is(err, repository.ErrApplicationNotFound) || errors.Is(err, repository.ErrAssessmentNotFound) {
		return
	}
	h.logger.Error(msg, zap.String("application_id", applicationID), zap.Error(err))
}
