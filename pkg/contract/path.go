package contract

import (
	"path"
	"strings"
)

// NormalizeFileID 将工件/层路径统一为正斜杠形式并清理 . 与 ..。
// 相对/绝对语义保持不变。
func NormalizeFileID(p string) FileID {
	return FileID(path.Clean(strings.ReplaceAll(p, "\\", "/")))
}
