package contract

import "errors"

// 叠图核心的最小错误分类。致命类经 errors.Is 判定，可恢复类仅记录日志。
var (
	// ErrPathInvalid: 目标标识映射为无效/越界路径（例如绝对路径或 '..' 逃逸）。
	ErrPathInvalid = errors.New("path invalid")
	// ErrInvalidInput: 输入或配置不合法。
	ErrInvalidInput = errors.New("invalid input")
	// ErrConfigInvalid: 配置校验或装配失败（CLI 退出码 3）。
	ErrConfigInvalid = errors.New("config invalid")
	// ErrParseMissing: 选中的层未产出任何 die（跳过并告警）。
	ErrParseMissing = errors.New("layer yielded no dies")
	// ErrEmptyLayerSet: 跳过后没有可用层（致命）。
	ErrEmptyLayerSet = errors.New("no usable layers")
	// ErrAlignmentDegenerate: 非基准层无对位标记，偏移取 (0,0)（非致命）。
	ErrAlignmentDegenerate = errors.New("alignment degenerate")
	// ErrMarkerMismatch: 基准层与目标层标记数量/形状不一致。
	ErrMarkerMismatch = errors.New("alignment marker mismatch")
	// ErrEmptyResult: 合并并裁边后为空（致命，不写出任何文件）。
	ErrEmptyResult = errors.New("merged grid empty")
	// ErrEncodeWrite: 某一格式编码或写出失败（逐格式报告）。
	ErrEncodeWrite = errors.New("encode/write failed")
)
