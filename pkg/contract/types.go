package contract

import "strconv"

// FileID: 层文件或输出工件的逻辑路径（正斜杠，已清理）。
type FileID string

// BinKind 区分数值 bin 与特殊码。
type BinKind uint8

const (
	BinNumber BinKind = iota
	BinSpecial
)

// Bin: 单颗 die 的分类结果（数值测试 bin 或特殊码）。
// 零值为 Number(0)。
type Bin struct {
	Kind BinKind
	N    int
	Code string
}

// Number 构造数值 bin。
func Number(n int) Bin { return Bin{Kind: BinNumber, N: n} }

// Special 构造特殊码 bin（如 "."、"S"、"*"、"z"）。
func Special(code string) Bin { return Bin{Kind: BinSpecial, Code: code} }

func (b Bin) IsNumber() bool  { return b.Kind == BinNumber }
func (b Bin) IsSpecial() bool { return b.Kind == BinSpecial }

// String 返回 bin 的文本形态：数值为十进制，特殊码原样。
// 通过集、忽略集等均按该形态比较。
func (b Bin) String() string {
	if b.Kind == BinNumber {
		return strconv.Itoa(b.N)
	}
	return b.Code
}

// Die: 一个网格坐标上的分类结果。坐标为网格索引而非物理单位。
type Die struct {
	X   int
	Y   int
	Bin Bin
}

// Layer: 单个阶段/子阶段/复测产出的全部 die 与头信息。
// 产出后视为只读。
type Layer struct {
	Stage    StageKind
	SubStage string
	// Retest: 复测次数；nil 表示未知。
	Retest *int
	Header Header
	Dies   []Die
}

// LayerRef: 作业描述中的一层（由外部选择，核心不决定参与哪些层）。
type LayerRef struct {
	Stage    StageKind
	SubStage string
	Retest   *int
	Path     string
}

// Label 返回便于日志与调试输出的层标识，如 "cpProber/1#0"。
func (r LayerRef) Label() string {
	s := r.Stage.String()
	if r.SubStage != "" {
		s += "/" + r.SubStage
	}
	if r.Retest != nil {
		s += "#" + strconv.Itoa(*r.Retest)
	}
	return s
}

// Statistics: 测试数/通过数/失败数与良率。
// 约束：TotalTested = TotalPass + TotalFail；TotalTested=0 时良率为 0。
type Statistics struct {
	TotalTested     int
	TotalPass       int
	TotalFail       int
	YieldPercentage float64
}

// Sheet: 编码器的输入（已合并或已 ink 处理的 die、合并头、指定头与统计）。
type Sheet struct {
	Dies   []Die
	Header Header
	// HexHeader: 指定高优先级层的头（Sinf 头块来源）；nil 表示不存在。
	HexHeader *Header
	Stats     Statistics
}
