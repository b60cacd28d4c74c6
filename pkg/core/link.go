package core

import (
	"encoding/hex"
	"fmt"

	"lakevault/pkg/types"

	"github.com/fxamacker/cbor/v2"
)

// Link 代表 Merkle DAG 中的一条边 (指向子节点的哈希引用)
// Go 层面只是包装了 Digest 的结构体；
// CBOR 层面序列化为 Tag 42 (0x00 前缀 + 哈希字节)，与 IPLD 链接约定一致。
type Link struct {
	Digest types.Digest
}

const linkTagNumber = 42

func NewLink(d types.Digest) Link {
	return Link{Digest: d}
}

func (l Link) IsZero() bool { return l.Digest.IsZero() }

// MarshalCBOR 实现自定义序列化
// 规范：Tag 42, Content = [0x00, hash bytes...]
func (l Link) MarshalCBOR() ([]byte, error) {
	hashBytes, err := hex.DecodeString(string(l.Digest))
	if err != nil {
		return nil, fmt.Errorf("invalid digest format in link: %w", err)
	}

	// Multibase Identity 前缀 (0x00)：表示后面紧跟原始哈希
	cidBytes := append([]byte{0x00}, hashBytes...)

	return em.Marshal(cbor.Tag{
		Number:  linkTagNumber,
		Content: cidBytes,
	})
}

// UnmarshalCBOR 实现自定义反序列化 (严格校验 Tag 与前缀)
func (l *Link) UnmarshalCBOR(data []byte) error {
	var tag cbor.Tag
	if err := dm.Unmarshal(data, &tag); err != nil {
		return err
	}

	if tag.Number != linkTagNumber {
		return fmt.Errorf("expected tag 42 for link, got %d", tag.Number)
	}

	raw, ok := tag.Content.([]byte)
	if !ok {
		return fmt.Errorf("link content must be byte string")
	}
	if len(raw) < 1 {
		return fmt.Errorf("invalid link: empty content")
	}
	if raw[0] != 0x00 {
		return fmt.Errorf("invalid link: missing 0x00 multibase prefix")
	}

	l.Digest = types.Digest(hex.EncodeToString(raw[1:]))
	return nil
}
