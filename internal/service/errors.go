// Package service 包含了应用的业务逻辑层。
package service

import "errors"

// 业务错误。handler 依据这些错误选择 HTTP 状态码。
var (
	// ErrNotFound 目标资源不存在。
	ErrNotFound = errors.New("resource not found")
	// ErrForbidden 资源不属于调用者。
	ErrForbidden = errors.New("access to resource denied")
	// ErrNotPaused 流记录不处于 paused 状态，恢复被拒绝（包括并发恢复落败方）。
	ErrNotPaused = errors.New("stream record is not paused")
	// ErrUserExists 注册时用户名已被占用。
	ErrUserExists = errors.New("username already exists")
	// ErrInvalidCredentials 登录凭证不正确。
	ErrInvalidCredentials = errors.New("invalid username or password")
)
