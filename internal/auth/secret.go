// Package auth 提供管理员共享密钥的校验。
// 系统只有一种特权操作（揭盲与导出），由单一共享令牌保护；
// 令牌可以直接配置，也可以从文件读取并在文件变化时热加载。
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/oriys/chronon/internal/domain"
	"github.com/sirupsen/logrus"
)

// ErrEmptySecret 表示密钥文件为空。
var ErrEmptySecret = errors.New("admin secret is empty")

// AdminSecret 保存管理员令牌的摘要。
// 只保存 SHA-256 摘要，比较时对两个等长摘要做常量时间比较，
// 因此比较耗时与令牌内容和长度都无关。
type AdminSecret struct {
	mu     sync.RWMutex
	digest [32]byte
	set    bool

	path    string
	logger  *logrus.Logger
	watcher *fsnotify.Watcher
}

// NewAdminSecret 使用明文令牌创建密钥，空令牌表示拒绝一切校验。
func NewAdminSecret(token string) *AdminSecret {
	s := &AdminSecret{logger: logrus.New()}
	s.setToken(token)
	return s
}

// LoadAdminSecret 从文件读取令牌（去掉首尾空白）。
func LoadAdminSecret(path string, logger *logrus.Logger) (*AdminSecret, error) {
	if logger == nil {
		logger = logrus.New()
	}
	s := &AdminSecret{path: path, logger: logger}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *AdminSecret) setToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token == "" {
		s.set = false
		s.digest = [32]byte{}
		return
	}
	s.digest = sha256.Sum256([]byte(token))
	s.set = true
}

// Configured 返回是否配置了令牌。
func (s *AdminSecret) Configured() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.set
}

// Verify 校验令牌，不匹配或未配置时返回 ErrForbidden。
func (s *AdminSecret) Verify(token string) error {
	candidate := sha256.Sum256([]byte(token))

	s.mu.RLock()
	expected, set := s.digest, s.set
	s.mu.RUnlock()

	match := subtle.ConstantTimeCompare(candidate[:], expected[:]) == 1
	if !set || !match {
		return domain.ErrForbidden
	}
	return nil
}

// Reload 从文件重新读取令牌。
func (s *AdminSecret) Reload() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read admin secret: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return ErrEmptySecret
	}
	s.setToken(token)
	return nil
}

// Watch 监听密钥文件所在目录，文件被写入或替换时重新加载。
// 监听目录而不是文件本身，这样原子替换（rename）后仍能收到事件。
func (s *AdminSecret) Watch() error {
	if s.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch directory: %w", err)
	}
	s.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(s.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := s.Reload(); err != nil {
					s.logger.WithError(err).Warn("Failed to reload admin secret, keeping previous value")
					continue
				}
				s.logger.Info("Admin secret reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.WithError(err).Warn("Admin secret watcher error")
			}
		}
	}()
	return nil
}

// Close 停止文件监听。
func (s *AdminSecret) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
