package diag

import (
	"context"
	"errors"
	"os"
	"time"

	"waferstack/pkg/contract"
)

// Code 是最小错误分类代码。
// 用于日志/指标汇总与 CLI 退出码判定。
type Code string

const (
	CodeUnknown    Code = "unknown"
	CodeCancel     Code = "cancel"
	CodeInvariant  Code = "invariant"
	CodeDegenerate Code = "degenerate"
	CodeEmpty      Code = "empty"
	CodeEncode     Code = "encode"
	CodeIO         Code = "io"
	CodeConfig     Code = "config"
)

// Classify 将错误归为最小分类。
// 仅依赖哨兵错误与标准库错误类型，不做字符串匹配。
func Classify(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancel
	}
	if errors.Is(err, contract.ErrConfigInvalid) {
		return CodeConfig
	}
	if errors.Is(err, contract.ErrAlignmentDegenerate) {
		return CodeDegenerate
	}
	if errors.Is(err, contract.ErrEmptyLayerSet) ||
		errors.Is(err, contract.ErrEmptyResult) ||
		errors.Is(err, contract.ErrParseMissing) {
		return CodeEmpty
	}
	if errors.Is(err, contract.ErrEncodeWrite) {
		return CodeEncode
	}
	if errors.Is(err, contract.ErrInvalidInput) ||
		errors.Is(err, contract.ErrMarkerMismatch) ||
		errors.Is(err, contract.ErrPathInvalid) {
		return CodeInvariant
	}
	var perr *os.PathError
	if errors.As(err, &perr) {
		return CodeIO
	}
	return CodeUnknown
}

// NowUTC 返回 RFC3339 UTC 时间字符串。
func NowUTC() string { return time.Now().UTC().Format(time.RFC3339) }
