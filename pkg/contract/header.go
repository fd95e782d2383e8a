package contract

// Header: 保序的 string→string 元信息（设备名、批号、片号、die 尺寸等）。
// 零值可用。
type Header struct {
	keys []string
	vals map[string]string
}

// NewHeader 按给定键值对顺序构造 Header；kv 长度为奇数时忽略最后一个。
func NewHeader(kv ...string) Header {
	var h Header
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}

// Set 写入键；已存在的键保持原位置，仅更新值。
func (h *Header) Set(k, v string) {
	if h.vals == nil {
		h.vals = make(map[string]string)
	}
	if _, ok := h.vals[k]; !ok {
		h.keys = append(h.keys, k)
	}
	h.vals[k] = v
}

// Get 读取键值。
func (h Header) Get(k string) (string, bool) {
	v, ok := h.vals[k]
	return v, ok
}

// Value 读取键值；缺失或为空时返回 def。
func (h Header) Value(k, def string) string {
	if v, ok := h.vals[k]; ok && v != "" {
		return v
	}
	return def
}

// Keys 返回插入顺序的键（副本）。
func (h Header) Keys() []string {
	out := make([]string, len(h.keys))
	copy(out, h.keys)
	return out
}

func (h Header) Len() int { return len(h.keys) }

// MergeFirstSeen 合并 other：仅写入尚未出现的键；已有键（含空值）不被覆盖。
func (h *Header) MergeFirstSeen(other Header) {
	for _, k := range other.keys {
		if _, ok := h.vals[k]; ok {
			continue
		}
		h.Set(k, other.vals[k])
	}
}

// Overlay 以 other 覆盖同名键（新键追加在末尾）。
func (h *Header) Overlay(other Header) {
	for _, k := range other.keys {
		h.Set(k, other.vals[k])
	}
}

// Clone 深拷贝。
func (h Header) Clone() Header {
	var out Header
	for _, k := range h.keys {
		out.Set(k, h.vals[k])
	}
	return out
}
