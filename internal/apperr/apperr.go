// Package apperr 错误分类，调用方据此决定重试、进死信还是返回给用户
package apperr

import (
	"errors"
	"fmt"

	"creditflow/internal/model"
)

var (
	// ErrTransient 存储或消息中间件暂时不可用，整体重试是安全的
	ErrTransient = errors.New("transient infrastructure error")
	// ErrValidation 事件或请求格式非法，不能盲目重试
	ErrValidation = errors.New("validation error")
	// ErrConflict 引用的业务实体不存在或状态不符合预期
	ErrConflict = errors.New("conflict error")
	// ErrPersistence 事务提交失败，没有任何部分生效
	ErrPersistence = errors.New("persistence error")
)

// Error 带分类哨兵、出错操作和原因的错误
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == e.Kind }

func Wrap(kind error, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op string, err error) error  { return Wrap(ErrValidation, op, err) }
func Conflict(op string, err error) error    { return Wrap(ErrConflict, op, err) }
func Transient(op string, err error) error   { return Wrap(ErrTransient, op, err) }
func Persistence(op string, err error) error { return Wrap(ErrPersistence, op, err) }

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
func IsConflict(err error) bool   { return errors.Is(err, ErrConflict) }

// FailureType 用于死信记录的分类
func FailureType(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return model.FailureTypeValidation
	case errors.Is(err, ErrConflict):
		return model.FailureTypeConflict
	default:
		return model.FailureTypeTransient
	}
}
