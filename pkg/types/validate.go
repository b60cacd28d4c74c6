package types

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrEmptyPath     = errors.New("path cannot be empty")
	ErrPathTraversal = errors.New("path traversal not allowed")
)

var repoNamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// ValidateRepoName 校验仓库名
// 规则：1-100 字符，只允许字母数字/点/横线/下划线，
// 不能以点或横线开头结尾，不能包含连续的点。
func ValidateRepoName(name string) error {
	if name == "" {
		return errors.New("repository name cannot be empty")
	}
	if len(name) > 100 {
		return errors.New("repository name too long (max 100 characters)")
	}
	if !repoNamePattern.MatchString(name) {
		return errors.New("repository name can only contain alphanumeric characters, hyphens, underscores, and dots")
	}
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "-") ||
		strings.HasSuffix(name, ".") || strings.HasSuffix(name, "-") {
		return errors.New("repository name cannot start or end with dot or hyphen")
	}
	if strings.Contains(name, "..") {
		return errors.New("repository name cannot contain consecutive dots")
	}
	return nil
}

// NormalizePath 将用户输入的路径清洗为规范形式
// 步骤：反斜杠转正斜杠 -> 去除首尾斜杠 -> 折叠重复斜杠
// 拒绝：空路径、路径穿越 (".."), NUL 字节
func NormalizePath(p string) (RepoPath, error) {
	if p == "" {
		return "", ErrEmptyPath
	}
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("path cannot contain null bytes")
	}

	normalized := strings.ReplaceAll(p, `\`, "/")
	normalized = strings.Trim(normalized, "/")
	for strings.Contains(normalized, "//") {
		normalized = strings.ReplaceAll(normalized, "//", "/")
	}

	if normalized == "" {
		return "", ErrEmptyPath
	}
	// 逐段检查，防止 "a/../b" 这类绕过
	for _, seg := range strings.Split(normalized, "/") {
		if seg == ".." || seg == "." {
			return "", ErrPathTraversal
		}
	}

	return RepoPath(normalized), nil
}
