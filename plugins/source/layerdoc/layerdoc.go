// Package layerdoc 从 YAML/JSON 层文档加载单层 die 数据。
//
// 文档结构：
//
//	stage: cpProber
//	sub_stage: "1"
//	retest: 0
//	header:            # 保序
//	  Device Name: DEV
//	  Lot No.: L1
//	dies:              # [x, y, bin]；整数为数值 bin，其余为特殊码
//	  - [1, 1, 2]
//	  - [2, 1, "S"]
//	rows: ["..12", "S1.."]   # 与 dies 二选一
//	origin: [0, 0]
package layerdoc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"waferstack/internal/grid"
	"waferstack/pkg/contract"
)

// Options 为层文档源的可选配置。
type Options struct {
	// BufSize 为读缓冲区大小（字节）。默认 64KiB。
	BufSize int `yaml:"buf_size"`
	// BaseDir: 相对路径的解析根；空则相对当前工作目录。
	BaseDir string `yaml:"base_dir"`
}

// Source 实现 contract.LayerSource。
type Source struct {
	bufSize int
	baseDir string
	stdin   io.Reader
}

var _ contract.LayerSource = (*Source)(nil)

// New 创建层文档源。
func New(opts *Options) *Source {
	const defaultBuf = 64 * 1024
	s := &Source{bufSize: defaultBuf, stdin: os.Stdin}
	if opts != nil {
		if opts.BufSize > 0 {
			s.bufSize = opts.BufSize
		}
		s.baseDir = strings.TrimSpace(opts.BaseDir)
	}
	return s
}

type document struct {
	Stage    string     `yaml:"stage"`
	SubStage string     `yaml:"sub_stage"`
	Retest   *int       `yaml:"retest"`
	Header   yaml.Node  `yaml:"header"`
	Dies     []dieEntry `yaml:"dies"`
	Rows     []string   `yaml:"rows"`
	Origin   []int      `yaml:"origin"`
}

// dieEntry: [x, y, bin] 三元组。
type dieEntry contract.Die

func (d *dieEntry) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.SequenceNode || len(n.Content) != 3 {
		return fmt.Errorf("line %d: die must be [x, y, bin]: %w", n.Line, contract.ErrInvalidInput)
	}
	var x, y int
	if err := n.Content[0].Decode(&x); err != nil {
		return fmt.Errorf("line %d: x: %w", n.Line, contract.ErrInvalidInput)
	}
	if err := n.Content[1].Decode(&y); err != nil {
		return fmt.Errorf("line %d: y: %w", n.Line, contract.ErrInvalidInput)
	}
	b, err := parseBin(n.Content[2])
	if err != nil {
		return err
	}
	*d = dieEntry{X: x, Y: y, Bin: b}
	return nil
}

// parseBin: 整数（含可解析为整数的字符串）为 Number，其余非空标量为 Special。
func parseBin(n *yaml.Node) (contract.Bin, error) {
	if n.Kind != yaml.ScalarNode {
		return contract.Bin{}, fmt.Errorf("line %d: bin must be scalar: %w", n.Line, contract.ErrInvalidInput)
	}
	v := strings.TrimSpace(n.Value)
	if v == "" {
		return contract.Bin{}, fmt.Errorf("line %d: empty bin: %w", n.Line, contract.ErrInvalidInput)
	}
	if i, err := strconv.Atoi(v); err == nil {
		return contract.Number(i), nil
	}
	return contract.Special(v), nil
}

func decodeHeader(n *yaml.Node) (contract.Header, error) {
	var h contract.Header
	if n.Kind == 0 {
		return h, nil
	}
	if n.Kind != yaml.MappingNode {
		return h, fmt.Errorf("line %d: header must be a mapping: %w", n.Line, contract.ErrInvalidInput)
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		k, v := n.Content[i], n.Content[i+1]
		if v.Kind != yaml.ScalarNode {
			return h, fmt.Errorf("line %d: header %q must be scalar: %w", v.Line, k.Value, contract.ErrInvalidInput)
		}
		h.Set(k.Value, v.Value)
	}
	return h, nil
}

// Load 读取 ref.Path 指向的层文档；"-" 表示 STDIN。
func (s *Source) Load(ctx context.Context, ref contract.LayerRef) (contract.Layer, error) {
	select {
	case <-ctx.Done():
		return contract.Layer{}, ctx.Err()
	default:
	}
	rc, err := s.open(ref.Path)
	if err != nil {
		return contract.Layer{}, err
	}
	defer rc.Close()

	var doc document
	dec := yaml.NewDecoder(rc)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return contract.Layer{}, fmt.Errorf("%s: empty document: %w", ref.Path, contract.ErrParseMissing)
		}
		return contract.Layer{}, fmt.Errorf("%s: %w", ref.Path, err)
	}
	if err := ctx.Err(); err != nil {
		return contract.Layer{}, err
	}
	return build(ref, doc)
}

func build(ref contract.LayerRef, doc document) (contract.Layer, error) {
	layer := contract.Layer{Stage: ref.Stage, SubStage: ref.SubStage, Retest: ref.Retest}
	if st := strings.TrimSpace(doc.Stage); st != "" {
		k, err := contract.ParseStageKind(st)
		if err != nil {
			return layer, fmt.Errorf("%s: %w", ref.Path, err)
		}
		if ref.Stage != contract.StageUnknown && k != ref.Stage {
			return layer, fmt.Errorf("%s: document stage %s != job stage %s: %w", ref.Path, k, ref.Stage, contract.ErrInvalidInput)
		}
		layer.Stage = k
	}
	if layer.SubStage == "" {
		layer.SubStage = strings.TrimSpace(doc.SubStage)
	}
	if layer.Retest == nil {
		layer.Retest = doc.Retest
	}
	h, err := decodeHeader(&doc.Header)
	if err != nil {
		return layer, fmt.Errorf("%s: %w", ref.Path, err)
	}
	layer.Header = h

	if len(doc.Dies) > 0 && len(doc.Rows) > 0 {
		return layer, fmt.Errorf("%s: dies and rows are exclusive: %w", ref.Path, contract.ErrInvalidInput)
	}
	switch {
	case len(doc.Dies) > 0:
		layer.Dies = make([]contract.Die, len(doc.Dies))
		for i, d := range doc.Dies {
			layer.Dies[i] = contract.Die(d)
		}
	case len(doc.Rows) > 0:
		ox, oy := 0, 0
		switch len(doc.Origin) {
		case 0:
		case 2:
			ox, oy = doc.Origin[0], doc.Origin[1]
		default:
			return layer, fmt.Errorf("%s: origin must be [x, y]: %w", ref.Path, contract.ErrInvalidInput)
		}
		layer.Dies = grid.ParseRows(doc.Rows, ox, oy)
	}
	if len(layer.Dies) == 0 {
		return layer, fmt.Errorf("%s: %w", ref.Path, contract.ErrParseMissing)
	}
	return layer, nil
}

func (s *Source) resolve(p string) string {
	if s.baseDir == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(s.baseDir, p)
}

func (s *Source) open(p string) (io.ReadCloser, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return nil, fmt.Errorf("empty layer path: %w", contract.ErrInvalidInput)
	}
	if p == "-" {
		// 统一缓冲策略：STDIN 也使用 bufio.Reader 封装
		return newBufferedCloser(io.NopCloser(s.stdin), s.bufSize), nil
	}
	full := s.resolve(p)
	// 跟随符号链接，仅接受常规文件
	info, err := os.Stat(full)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: not a regular file: %w", full, contract.ErrInvalidInput)
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, err
	}
	return newBufferedCloser(f, s.bufSize), nil
}

// bufferedCloser 将 bufio.Reader 与底层 Closer 组合为 ReadCloser。
type bufferedCloser struct {
	*bufio.Reader
	c io.Closer
}

func newBufferedCloser(c io.ReadCloser, bufSize int) *bufferedCloser {
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	return &bufferedCloser{Reader: bufio.NewReaderSize(c, bufSize), c: c}
}

func (b *bufferedCloser) Close() error { return b.c.Close() }
