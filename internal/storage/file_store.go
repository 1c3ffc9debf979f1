// internal/storage/file_store.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Lianues/manosaba-ai/internal/utils"
)

// FileStore 基于文件的持久存储，键 "a:b" 映射为 BaseDir/a/b.json
type FileStore struct {
	BaseDir string

	// 并发控制
	fileLocks sync.Map // path -> *sync.RWMutex

	ttl time.Duration
}

// NewFileStore 创建文件存储
func NewFileStore(baseDir string, ttl time.Duration) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("创建存储目录失败: %w", err)
	}
	return &FileStore{BaseDir: baseDir, ttl: ttl}, nil
}

// 获取文件锁
func (fs *FileStore) getFileLock(fullPath string) *sync.RWMutex {
	value, _ := fs.fileLocks.LoadOrStore(fullPath, &sync.RWMutex{})
	return value.(*sync.RWMutex)
}

// pathFor 把键转换为文件路径，每段单独转义以防目录穿越
func (fs *FileStore) pathFor(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("键不能为空")
	}
	parts := strings.Split(key, ":")
	for i, p := range parts {
		if p == "" {
			p = "_"
		}
		parts[i] = url.PathEscape(p)
		if parts[i] == "." || parts[i] == ".." {
			parts[i] = "%2E" + parts[i][1:]
		}
	}
	parts[len(parts)-1] += ".json"
	return filepath.Join(append([]string{fs.BaseDir}, parts...)...), nil
}

// Get 读取值；超过 ttl 的文件视为不存在并删除
func (fs *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	fullPath, err := fs.pathFor(key)
	if err != nil {
		return nil, err
	}

	lock := fs.getFileLock(fullPath)
	lock.RLock()
	info, statErr := os.Stat(fullPath)
	var content []byte
	if statErr == nil {
		content, err = os.ReadFile(fullPath)
	}
	lock.RUnlock()

	if statErr != nil {
		if os.IsNotExist(statErr) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("读取文件失败: %w", statErr)
	}
	if err != nil {
		return nil, fmt.Errorf("读取文件失败: %w", err)
	}
	if fs.ttl > 0 && time.Since(info.ModTime()) > fs.ttl {
		_ = fs.Delete(context.Background(), key)
		return nil, ErrNotFound
	}
	return content, nil
}

// Put 原子写入（临时文件 + 重命名）
func (fs *FileStore) Put(_ context.Context, key string, value []byte) error {
	fullPath, err := fs.pathFor(key)
	if err != nil {
		return err
	}

	lock := fs.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}

	tempPath := fullPath + ".tmp"
	if err := os.WriteFile(tempPath, value, 0644); err != nil {
		return fmt.Errorf("保存临时文件失败: %w", err)
	}
	if err := os.Rename(tempPath, fullPath); err != nil {
		if removeErr := os.Remove(tempPath); removeErr != nil {
			utils.GetLogger().Warn("清理临时文件失败", map[string]interface{}{
				"path":  tempPath,
				"error": removeErr,
			})
		}
		return fmt.Errorf("保存文件失败: %w", err)
	}
	return nil
}

// Delete 删除值，键不存在时不报错
func (fs *FileStore) Delete(_ context.Context, key string) error {
	fullPath, err := fs.pathFor(key)
	if err != nil {
		return err
	}

	lock := fs.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("删除文件失败: %w", err)
	}
	return nil
}

// Close 文件存储无需释放资源
func (fs *FileStore) Close() error { return nil }
