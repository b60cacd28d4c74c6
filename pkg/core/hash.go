package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"lakevault/pkg/types"

	"github.com/fxamacker/cbor/v2"
)

// 定义符合 DAG-CBOR 规范的编码选项
// 同一个逻辑对象必须产生唯一的字节序列，否则内容寻址就失效了。
var encOptions = cbor.EncOptions{
	// 强制 Map Key 排序 (Canonical)，保证相同对象生成唯一 Hash
	Sort: cbor.SortCanonical,

	// 浮点数不做缩短处理
	ShortestFloat: cbor.ShortestFloatNone,

	// 时间一律使用 Unix 整数，禁止 RFC 3339 字符串 Tag
	Time:    cbor.TimeUnix,
	TimeTag: cbor.EncTagNone,

	// 禁止不定长编码：数组和 Map 必须在头部声明长度
	IndefLength: cbor.IndefLengthForbidden,

	// 大整数使用最短编码
	BigIntConvert: cbor.BigIntConvertShortest,
}

// 全局复用的编码模式
var em, _ = encOptions.EncMode()

// 解码选项：比编码更严格，防御外部输入
var decOptions = cbor.DecOptions{
	// 限制容器元素数量和嵌套深度，防止恶意构造的头部耗尽内存
	MaxArrayElements: 100000,
	MaxMapPairs:      100000,
	MaxNestedLevels:  100,

	IndefLength: cbor.IndefLengthForbidden,

	// DAG-CBOR 不允许重复 Key
	DupMapKey: cbor.DupMapKeyEnforcedAPF,

	BignumTag: cbor.BignumTagForbidden,
	TimeTag:   cbor.DecTagIgnored,
}

var dm, _ = decOptions.DecMode()

// SealObject 计算对象的 Hash 并返回其规范序列化数据
// 调用之后对象即视为“密封”：字节和标识一经确定不再变化。
func SealObject(v any) (types.Digest, []byte, error) {
	data, err := em.Marshal(v)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal object: %w", err)
	}

	sum := sha256.Sum256(data)
	return types.Digest(hex.EncodeToString(sum[:])), data, nil
}

// DigestBytes 计算原始字节的内容摘要 (Blob 的身份)
func DigestBytes(data []byte) types.Digest {
	sum := sha256.Sum256(data)
	return types.Digest(hex.EncodeToString(sum[:]))
}

// DecodeObject 通用的严格解码入口
func DecodeObject(data []byte, v any) error {
	return dm.Unmarshal(data, v)
}
