package contract

import "context"

// LayerSource: 按阶段解析单层数据（外部解析器的抽象）。
// 约束：
// 1) 同步实现，不在内部起并发（并发由 pipeline 管理）；
// 2) ctx 取消需尽快返回；
// 3) 零 die 时返回 ErrParseMissing（由调用方跳过）。
type LayerSource interface {
	Load(ctx context.Context, ref LayerRef) (Layer, error)
}
