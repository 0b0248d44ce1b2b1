// Package commit 负责在运行执行之前计算并固定配置与代码的承诺摘要。
//
// hash_config 是配置经 RFC 8785（JCS）规范化之后的 SHA-256，
// 因此键顺序和空白不会影响摘要；hash_code 是命令类型与代码版本的摘要。
package commit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"github.com/oriys/chronon/internal/domain"
)

// Commitment 是一次运行在执行前固定下来的摘要对。
type Commitment struct {
	HashConfig  string `json:"hash_config"`
	HashCode    string `json:"hash_code"`
	CodeVersion string `json:"code_version"`
}

// Canonicalize 返回配置的 JCS 规范化字节。
// 配置必须是 JSON 对象，否则返回 ErrValidation。
func Canonicalize(config json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(config)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: config must be a JSON object", domain.ErrValidation)
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("%w: config is not valid JSON", domain.ErrValidation)
	}
	canonical, err := jcs.Transform(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: canonicalize config: %v", domain.ErrValidation, err)
	}
	return canonical, nil
}

// HashConfig 计算配置的规范化摘要。
func HashConfig(config json.RawMessage) (string, error) {
	canonical, err := Canonicalize(config)
	if err != nil {
		return "", err
	}
	return HashBytes(canonical), nil
}

// HashCode 计算命令类型与代码版本的摘要。
func HashCode(runType domain.RunType, codeVersion string) (string, error) {
	doc, err := json.Marshal(map[string]string{
		"type":         string(runType),
		"code_version": codeVersion,
	})
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(doc)
	if err != nil {
		return "", fmt.Errorf("canonicalize code identity: %w", err)
	}
	return HashBytes(canonical), nil
}

// Commit 计算一次运行的承诺摘要。
// 参数：
//   - runType: 运行类型
//   - config: 启动参数（必须是 JSON 对象）
//   - codeVersion: 提交时刻的代码版本标识
//
// 返回值：
//   - Commitment: hash_config 与 hash_code
//   - error: 配置不合法时返回包装了 ErrValidation 的错误
func Commit(runType domain.RunType, config json.RawMessage, codeVersion string) (Commitment, error) {
	hc, err := HashConfig(config)
	if err != nil {
		return Commitment{}, err
	}
	hcode, err := HashCode(runType, codeVersion)
	if err != nil {
		return Commitment{}, err
	}
	return Commitment{HashConfig: hc, HashCode: hcode, CodeVersion: codeVersion}, nil
}

// CanonicalHash 对任意可序列化的值计算 JCS 规范化后的 SHA-256。
func CanonicalHash(v interface{}) (string, error) {
	doc, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(doc)
	if err != nil {
		return "", err
	}
	return HashBytes(canonical), nil
}

// HashBytes 返回 SHA-256 的小写十六进制表示。
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
