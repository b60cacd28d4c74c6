package core

import (
	"fmt"
	"time"

	"lakevault/pkg/types"
)

// Entry 是 Tree 的叶子：一条路径在某个版本下的完整描述
// 包括指向 Blob 的内容引用、大小、类型提示、结构化元数据和写入者归属。
// 路径本身不参与序列化：路径由所在 Tree 的位置决定，
// 这样相同内容+元数据的 Entry 可以在不同路径间共享。
type Entry struct {
	digest   types.Digest `cbor:"-"`
	rawBytes []byte       `cbor:"-"`

	TypeVal ObjectType `cbor:"t"`

	// Blob 引用与物理属性
	Content   Link   `cbor:"c"`
	Size      int64  `cbor:"s"`
	MediaType string `cbor:"mt,omitempty"`

	// Meta 保存已通过 Schema 校验的 JSON 文档原文
	// 以原始字节存储，避免 JSON<->CBOR 往返引入不确定性
	Meta []byte `cbor:"md"`

	// 写入归属
	CreatedBy string `cbor:"cb"`
	CreatedAt int64  `cbor:"ca"`
}

// NewEntry 构造并密封一个 Entry
func NewEntry(content types.Digest, size int64, mediaType string, meta []byte, createdBy string) (*Entry, error) {
	if !content.IsValid() {
		return nil, fmt.Errorf("invalid content digest: %q", content)
	}

	e := &Entry{
		TypeVal:   TypeEntry,
		Content:   NewLink(content),
		Size:      size,
		MediaType: mediaType,
		Meta:      meta,
		CreatedBy: createdBy,
		CreatedAt: time.Now().Unix(),
	}

	d, b, err := SealObject(e)
	if err != nil {
		return nil, err
	}
	e.digest = d
	e.rawBytes = b
	return e, nil
}

// DecodeEntry 从存储字节还原并重新密封 Entry
func DecodeEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := DecodeObject(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode entry: %w", err)
	}
	if e.TypeVal != TypeEntry {
		return nil, fmt.Errorf("object is not an entry: %s", e.TypeVal)
	}
	d, b, err := SealObject(&e)
	if err != nil {
		return nil, err
	}
	e.digest = d
	e.rawBytes = b
	return &e, nil
}

func (e *Entry) Type() ObjectType { return TypeEntry }
func (e *Entry) ID() types.Digest { return e.digest }
func (e *Entry) Bytes() []byte    { return e.rawBytes }
