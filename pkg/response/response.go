// Package response 统一的 JSON 响应信封和业务码
package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// 通用码沿用 HTTP 语义，业务失败也返回 200，由 code 区分
const (
	CodeSuccess     = 0
	CodeParamError  = 400
	CodeServerError = 500
)

// 授信申请业务码
const (
	CodeApplicationNotFound = 1001
	CodeAssessmentNotReady  = 1002
	CodeInvalidApplication  = 1003
	CodeSubmitFailed        = 1004
)

var messages = map[int]string{
	CodeSuccess:             "success",
	CodeParamError:          "参数错误",
	CodeServerError:         "服务器内部错误",
	CodeApplicationNotFound: "申请不存在",
	CodeAssessmentNotReady:  "风险评估尚未完成",
	CodeInvalidApplication:  "申请内容不合法",
	CodeSubmitFailed:        "提交申请失败，请稍后重试",
}

// Message 业务码的默认提示，未登记的码按服务器错误处理
func Message(code int) string {
	if m, ok := messages[code]; ok {
		return m
	}
	return messages[CodeServerError]
}

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: Message(CodeSuccess),
		Data:    data,
	})
}

// Error message 为空时使用业务码的默认提示
func Error(c *gin.Context, code int, message string) {
	if message == "" {
		message = Message(code)
	}
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, CodeParamError, message)
}

// Abort 中断后续 handler，用于中间件
func Abort(c *gin.Context, status, code int) {
	c.AbortWithStatusJSON(status, Response{
		Code:    code,
		Message: Message(code),
	})
}

type rule struct {
	target error
	code   int
	detail bool
}

// Mapper 按 errors.Is 把服务层错误翻译成业务码
// 未匹配的错误统一返回 fallback，不把内部错误原文暴露给调用方
type Mapper struct {
	rules    []rule
	fallback int
}

func NewMapper(fallback int) *Mapper {
	return &Mapper{fallback: fallback}
}

// On 登记一条映射，提示语用业务码的默认值
func (m *Mapper) On(target error, code int) *Mapper {
	m.rules = append(m.rules, rule{target: target, code: code})
	return m
}

// OnDetail 同 On，但把错误原文作为提示语返回
func (m *Mapper) OnDetail(target error, code int) *Mapper {
	m.rules = append(m.rules, rule{target: target, code: code, detail: true})
	return m
}

// Resolve 返回错误对应的业务码和提示语
func (m *Mapper) Resolve(err error) (int, string) {
	for _, r := range m.rules {
		if errors.Is(err, r.target) {
			if r.detail {
				return r.code, err.Error()
			}
			return r.code, Message(r.code)
		}
	}
	return m.fallback, Message(m.fallback)
}

// Fail 写出错误响应
func (m *Mapper) Fail(c *gin.Context, err error) {
	code, message := m.Resolve(err)
	Error(c, code, message)
}
