package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExceeded 并发任务数已达上限，提交被拒绝
	ErrCapacityExceeded = errors.New("maximum concurrent jobs reached")
	// ErrNotFound 未知的任务 ID
	ErrNotFound = errors.New("job not found")
)

// ValidationError 入参校验失败，发生在任何状态变更之前
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// CollaboratorError 外部协作方（策略评估、行情）调用失败
type CollaboratorError struct {
	Op  string
	Err error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }
