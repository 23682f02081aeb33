package services

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation 请求字段缺失或非法
	ErrValidation = errors.New("validation failed")
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("not found")
	// ErrFullTextUnsupported 当前数据库不支持全文检索
	ErrFullTextUnsupported = errors.New("full-text search not supported by dialect")
)

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
