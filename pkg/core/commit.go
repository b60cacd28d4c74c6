package core

import (
	"fmt"
	"time"

	"lakevault/pkg/types"
)

// Commit 是不可变的版本快照
// id 由内容推导 (规范 CBOR + SHA256)。Timestamp 参与密封，
// 所以 id 随时间变化；提交的重放判定在引擎里按树哈希做，不依赖 id 相等。
type Commit struct {
	digest   types.Digest `cbor:"-"`
	rawBytes []byte       `cbor:"-"`

	TypeVal ObjectType `cbor:"t"`

	Tree Link `cbor:"th"`

	// Parent 为零值表示根提交 (线性历史：单父)
	Parent Link `cbor:"p"`

	Author    string `cbor:"a"`
	Message   string `cbor:"m"`
	Timestamp int64  `cbor:"ts"`
}

func NewCommit(tree types.Digest, parent types.Digest, author, msg string) (*Commit, error) {
	c := &Commit{
		TypeVal:   TypeCommit,
		Tree:      NewLink(tree),
		Author:    author,
		Message:   msg,
		Timestamp: time.Now().Unix(),
	}
	if !parent.IsZero() {
		c.Parent = NewLink(parent)
	}

	d, b, err := SealObject(c)
	if err != nil {
		return nil, err
	}
	c.digest = d
	c.rawBytes = b
	return c, nil
}

// DecodeCommit 从存储字节还原并重新密封 Commit
func DecodeCommit(data []byte) (*Commit, error) {
	var c Commit
	if err := DecodeObject(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode commit: %w", err)
	}
	if c.TypeVal != TypeCommit {
		return nil, fmt.Errorf("object is not a commit: %s", c.TypeVal)
	}
	d, b, err := SealObject(&c)
	if err != nil {
		return nil, err
	}
	c.digest = d
	c.rawBytes = b
	return &c, nil
}

// IsRoot 判断是否为根提交
func (c *Commit) IsRoot() bool { return c.Parent.IsZero() }

func (c *Commit) Type() ObjectType { return TypeCommit }
func (c *Commit) ID() types.Digest { return c.digest }
func (c *Commit) Bytes() []byte    { return c.rawBytes }
