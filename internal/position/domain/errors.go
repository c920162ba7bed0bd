package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound 持仓不存在
	ErrNotFound = errors.New("position not found")
	// ErrNotOpen 持仓已不在持有状态
	ErrNotOpen = errors.New("position is not open")
)

// RiskRejectedError 开仓被风控闸门拒绝
type RiskRejectedError struct {
	Reason string
}

func (e *RiskRejectedError) Error() string {
	return fmt.Sprintf("risk check rejected: %s", e.Reason)
}

// ValidationError 请求字段校验失败
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
