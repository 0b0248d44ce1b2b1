package commit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/oriys/chronon/internal/domain"
)

// Unversioned 是既未配置版本也未配置源码目录时使用的代码版本。
const Unversioned = "unversioned"

// Options 配置代码版本的来源。
type Options struct {
	// Version 是发布版本号，合法的语义化版本会被规范化（1.2 -> v1.2.0）
	Version string
	// CodeDir 是分析代码所在目录，配置后以目录内容摘要作为代码版本
	CodeDir string
	// Extensions 限定参与摘要的文件扩展名，为空时包含全部文件
	Extensions []string
}

// Committer 在每次提交时解析代码版本并计算承诺摘要。
type Committer struct {
	opts Options
}

// NewCommitter 创建 Committer。
func NewCommitter(opts Options) *Committer {
	return &Committer{opts: opts}
}

// CodeVersion 返回当前的代码版本标识。
// 目录摘要在每次调用时重新计算，因此两次提交之间对源码的修改会反映在 hash_code 中。
func (c *Committer) CodeVersion() (string, error) {
	if c.opts.CodeDir != "" {
		sum, err := HashTree(c.opts.CodeDir, c.opts.Extensions)
		if err != nil {
			return "", err
		}
		return "tree:" + sum, nil
	}
	return NormalizeVersion(c.opts.Version), nil
}

// Commit 解析代码版本并计算承诺摘要。
func (c *Committer) Commit(runType domain.RunType, config json.RawMessage) (Commitment, error) {
	// 先校验配置，避免对非法请求做目录遍历
	if _, err := Canonicalize(config); err != nil {
		return Commitment{}, err
	}
	version, err := c.CodeVersion()
	if err != nil {
		return Commitment{}, fmt.Errorf("resolve code version: %w", err)
	}
	return Commit(runType, config, version)
}

// NormalizeVersion 规范化版本号。
// 合法的语义化版本统一为带 v 前缀的三段式；其他非空字符串（如 git 提交号）原样保留。
func NormalizeVersion(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return Unversioned
	}
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return v
	}
	return "v" + parsed.String()
}

// HashTree 计算目录下源码文件的摘要。
// 文件按相对路径排序，每个文件贡献 "路径\x00内容摘要\n"，隐藏目录被跳过。
func HashTree(root string, exts []string) (string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && (strings.HasPrefix(name, ".") || name == "__pycache__") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !matchExt(name, exts) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walk %s: %w", root, err)
	}
	sort.Strings(files)

	tree := sha256.New()
	for _, rel := range files {
		sum, err := hashFile(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return "", err
		}
		fmt.Fprintf(tree, "%s\x00%s\n", rel, sum)
	}
	return hex.EncodeToString(tree.Sum(nil)), nil
}

func matchExt(name string, exts []string) bool {
	if len(exts) == 0 {
		return true
	}
	ext := filepath.Ext(name)
	for _, e := range exts {
		if strings.EqualFold(ext, e) || strings.EqualFold(ext, "."+strings.TrimPrefix(e, ".")) {
			return true
		}
	}
	return false
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
