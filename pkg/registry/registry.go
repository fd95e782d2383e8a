package registry

import (
	"bytes"

	"gopkg.in/yaml.v3"

	"waferstack/internal/encode"
	"waferstack/pkg/contract"
	"waferstack/plugins/source/layerdoc"
	wfs "waferstack/plugins/writer/filesystem"
)

// strictDecode: 以 KnownFields 严格解码 Options 子树，拒绝未知字段。
// nil/空节点保持零值（默认选项）。
func strictDecode(node *yaml.Node, v any) error {
	if node == nil || node.Kind == 0 {
		return nil
	}
	raw, err := yaml.Marshal(node)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	return dec.Decode(v)
}

// NewSource 工厂签名：接收原样 Options 子树。
type NewSource func(node *yaml.Node) (contract.LayerSource, error)

// NewWriter 工厂签名：接收原样 Options 子树。
type NewWriter func(node *yaml.Node) (contract.Writer, error)

// EncodeOptions: 编码器共享参数（来自配置 image 段）。
type EncodeOptions struct {
	ImageCell    int
	ImageQuality int
}

// NewEncoder 工厂签名。
type NewEncoder func(opts EncodeOptions) (contract.Encoder, error)

// Source 层数据源注册表（显式、零反射）。
var Source = map[string]NewSource{
	// layerdoc: YAML/JSON 层文档
	"layerdoc": func(node *yaml.Node) (contract.LayerSource, error) {
		var opts layerdoc.Options
		if err := strictDecode(node, &opts); err != nil {
			return nil, err
		}
		return layerdoc.New(&opts), nil
	},
}

// Writer 工厂注册表。
var Writer = map[string]NewWriter{
	// fs: 文件系统 Writer（原子替换可配置）
	"fs": func(node *yaml.Node) (contract.Writer, error) {
		var opts wfs.Options
		if err := strictDecode(node, &opts); err != nil {
			return nil, err
		}
		return wfs.New(&opts)
	},
}

// Encoder 按格式名注册。
var Encoder = map[string]NewEncoder{
	encode.FormatMapEx:    func(EncodeOptions) (contract.Encoder, error) { return encode.MapEx{}, nil },
	encode.FormatSinf:     func(EncodeOptions) (contract.Encoder, error) { return encode.Sinf{}, nil },
	encode.FormatWaferMap: func(EncodeOptions) (contract.Encoder, error) { return encode.WaferMap{}, nil },
	encode.FormatJPG: func(o EncodeOptions) (contract.Encoder, error) {
		return encode.JPG{Cell: o.ImageCell, Quality: o.ImageQuality}, nil
	},
}
