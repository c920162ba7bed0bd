// Package response 提供统一的 HTTP 响应信封：{success, data|error}
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Body 响应信封
type Body struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Success 返回成功响应
func Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Body{Success: true, Data: data})
}

// ErrorWithStatus 返回带状态码的失败响应
func ErrorWithStatus(c *gin.Context, status int, message string) {
	c.JSON(status, Body{Success: false, Error: message})
}
