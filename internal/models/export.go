// internal/models/export.go
package models

import (
	"time"
)

// ExportResult 导出结果
type ExportResult struct {
	SessionID    string    `json:"sessionId"`
	Title        string    `json:"title"`
	Format       string    `json:"format"`
	ContentType  string    `json:"contentType"`
	Content      []byte    `json:"-"`
	GeneratedAt  time.Time `json:"generatedAt"`
	SectionCount int       `json:"sectionCount"`
	FileName     string    `json:"fileName"`
	FilePath     string    `json:"filePath,omitempty"` // 导出文件路径
	FileSize     int64     `json:"fileSize"`           // 文件大小
}
