package core

import "lakevault/pkg/types"

// ObjectType 定义了 LakeVault 中的不可变对象类型
type ObjectType string

const (
	TypeEntry  ObjectType = "entry"  // 叶子：一条路径的内容引用 + 元数据 (L1)
	TypeTree   ObjectType = "tree"   // 目录树 (L2)
	TypeCommit ObjectType = "commit" // 版本快照 (L3)
)

// Object 是所有 Merkle DAG 节点的通用接口
// 对象在构造时密封：ID 与字节一经计算不再变化。
// 因此读取方无需任何锁。
type Object interface {
	// Type 返回对象类型
	Type() ObjectType

	// ID 返回对象的内容摘要
	ID() types.Digest

	// Bytes 返回对象的规范序列化数据 (用于存储)
	Bytes() []byte
}
