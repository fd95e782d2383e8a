package contract

import (
	"context"
	"io"
)

// Encoder: 将 Sheet 序列化为一种遗留文本/图像格式。
// Suffix 为工件文件名后缀（含扩展名），例如 "_overlayed.txt"。
type Encoder interface {
	Suffix() string
	Encode(ctx context.Context, s Sheet) (io.Reader, error)
}
