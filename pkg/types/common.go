// pkg/types/common.go
package types

import "regexp"

// Digest 代表内容的唯一标识符 (SHA256 Hex String, 64 字符)
// 这是一个“值对象”，应当是不可变的。
// 内容寻址的基本假设：Digest 相等 == 内容相等。
type Digest string

func (d Digest) String() string { return string(d) }

// 验证 Digest 合法性
func (d Digest) IsZero() bool { return d == "" }

var digestPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

func (d Digest) IsValid() bool { return digestPattern.MatchString(string(d)) }

// RepoID 是仓库的 UUID 字符串形式
type RepoID string

func (r RepoID) String() string { return string(r) }

// RepoPath 是仓库内的规范化路径 (斜杠分隔, 无前导/尾随斜杠)
type RepoPath string

func (p RepoPath) String() string { return string(p) }

// ChangeOp 描述一次提交中对单个路径的操作
type ChangeOp string

const (
	OpPut    ChangeOp = "put"    // 新增或覆盖 (add/modify 统一为 put)
	OpDelete ChangeOp = "delete" // 删除路径
)
