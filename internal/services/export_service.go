// internal/services/export_service.go
package services

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"

	apperrors "github.com/Lianues/manosaba-ai/internal/errors"
	"github.com/Lianues/manosaba-ai/internal/models"
)

// 导出格式
const (
	FormatMarkdown = "markdown"
	FormatText     = "txt"
	FormatPDF      = "pdf"
)

var supportedFormats = []string{FormatMarkdown, FormatText, FormatPDF}

// ExportService 把会话中的故事导出为文档
type ExportService struct {
	sessions *SessionService
	dataDir  string
	pdfFont  string
}

// NewExportService 创建导出服务；dataDir 为空时不落盘，pdfFont 为 UTF-8 TTF 字体路径
func NewExportService(sessions *SessionService, dataDir, pdfFont string) *ExportService {
	return &ExportService{
		sessions: sessions,
		dataDir:  dataDir,
		pdfFont:  pdfFont,
	}
}

// storyDocument 导出用的章节结构
type storyDocument struct {
	Title    string
	Premise  string
	Chapters []docChapter
	Ending   string
	Sections int
}

type docChapter struct {
	Title    string
	Sections []models.SectionStory
}

// ExportStory 导出会话故事
func (s *ExportService) ExportStory(ctx context.Context, sessionID, format string) (*models.ExportResult, error) {
	// 1. 验证输入参数
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = FormatMarkdown
	}
	if !contains(supportedFormats, format) {
		return nil, apperrors.NewFieldValidationError(
			fmt.Sprintf("不支持的导出格式: %s，支持的格式: %v", format, supportedFormats),
			map[string]string{"format": strings.Join(supportedFormats, "|")},
		)
	}

	// 2. 获取会话数据
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Outline == nil {
		return nil, apperrors.NewSequencingError("请先生成故事大纲")
	}
	doc := buildDocument(sess)

	// 3. 根据格式生成内容
	result := &models.ExportResult{
		SessionID:    sess.ID,
		Title:        doc.Title,
		Format:       format,
		GeneratedAt:  time.Now(),
		SectionCount: doc.Sections,
	}
	switch format {
	case FormatMarkdown:
		result.Content = []byte(formatStoryAsMarkdown(doc))
		result.ContentType = "text/markdown; charset=utf-8"
	case FormatText:
		result.Content = []byte(formatStoryAsText(doc))
		result.ContentType = "text/plain; charset=utf-8"
	case FormatPDF:
		content, err := s.formatStoryAsPDF(doc)
		if err != nil {
			return nil, apperrors.NewProcessingError("生成PDF失败", err)
		}
		result.Content = content
		result.ContentType = "application/pdf"
	}
	result.FileName = exportFileName(result)
	result.FileSize = int64(len(result.Content))

	// 4. 保存到 data 目录
	if s.dataDir != "" {
		filePath, fileSize, err := s.saveStoryExportToDataDir(result)
		if err != nil {
			return nil, apperrors.NewProcessingError("保存导出文件失败", err)
		}
		result.FilePath = filePath
		result.FileSize = fileSize
	}
	return result, nil
}

func buildDocument(sess *models.Session) storyDocument {
	doc := storyDocument{
		Title:   sess.Outline.Title(),
		Premise: sess.Outline.Premise(),
	}
	if doc.Title == "" {
		doc.Title = "未命名故事"
	}
	if full := sess.Outline.Full; full != nil {
		doc.Ending = full.Ending
		for c, ch := range full.Chapters {
			dc := docChapter{Title: ch.ChapterTitle}
			for i := range ch.Sections {
				if st, ok := sess.Story(models.SectionKey{Chapter: c, Section: i}); ok {
					dc.Sections = append(dc.Sections, st)
				}
			}
			doc.Sections += len(dc.Sections)
			doc.Chapters = append(doc.Chapters, dc)
		}
		return doc
	}
	dc := docChapter{}
	for i := range sess.Outline.Minimal.Beats {
		if st, ok := sess.Story(models.SectionKey{Chapter: 0, Section: i}); ok {
			dc.Sections = append(dc.Sections, st)
		}
	}
	doc.Sections = len(dc.Sections)
	doc.Chapters = []docChapter{dc}
	return doc
}

// formatStoryAsMarkdown 以 Markdown 格式化故事
func formatStoryAsMarkdown(doc storyDocument) string {
	var b strings.Builder
	b.WriteString("# " + doc.Title + "\n\n")
	if doc.Premise != "" {
		b.WriteString("> " + strings.ReplaceAll(doc.Premise, "\n", "\n> ") + "\n\n")
	}
	for _, ch := range doc.Chapters {
		if ch.Title != "" {
			b.WriteString("## " + ch.Title + "\n\n")
		}
		for _, st := range ch.Sections {
			b.WriteString("### " + st.Title + "\n\n")
			b.WriteString(strings.TrimSpace(st.Content) + "\n\n")
		}
	}
	if doc.Ending != "" {
		b.WriteString("---\n\n")
		b.WriteString("*" + doc.Ending + "*\n")
	}
	return b.String()
}

// formatStoryAsText 以纯文本格式化故事
func formatStoryAsText(doc storyDocument) string {
	var b strings.Builder
	b.WriteString(doc.Title + "\n")
	b.WriteString(strings.Repeat("=", 40) + "\n\n")
	if doc.Premise != "" {
		b.WriteString(doc.Premise + "\n\n")
	}
	for _, ch := range doc.Chapters {
		if ch.Title != "" {
			b.WriteString("【" + ch.Title + "】\n\n")
		}
		for _, st := range ch.Sections {
			b.WriteString(st.Title + "\n\n")
			b.WriteString(strings.TrimSpace(st.Content) + "\n\n")
		}
	}
	if doc.Ending != "" {
		b.WriteString(doc.Ending + "\n")
	}
	return b.String()
}

// formatStoryAsPDF 没有配置 UTF-8 字体时退回内置字体，中文无法显示
func (s *ExportService) formatStoryAsPDF(doc storyDocument) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	family := "Arial"
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	if s.pdfFont != "" {
		family = "story"
		pdf.AddUTF8Font(family, "", s.pdfFont)
		tr = func(v string) string { return v }
	}
	pdf.SetTitle(doc.Title, true)
	pdf.SetAutoPageBreak(true, 15)
	pdf.AddPage()

	pdf.SetFont(family, "", 20)
	pdf.MultiCell(0, 10, tr(doc.Title), "", "C", false)
	pdf.Ln(4)
	if doc.Premise != "" {
		pdf.SetFont(family, "", 11)
		pdf.MultiCell(0, 6, tr(doc.Premise), "", "L", false)
		pdf.Ln(4)
	}
	for _, ch := range doc.Chapters {
		if ch.Title != "" {
			pdf.SetFont(family, "", 16)
			pdf.MultiCell(0, 9, tr(ch.Title), "", "L", false)
			pdf.Ln(2)
		}
		for _, st := range ch.Sections {
			pdf.SetFont(family, "", 13)
			pdf.MultiCell(0, 8, tr(st.Title), "", "L", false)
			pdf.SetFont(family, "", 11)
			pdf.MultiCell(0, 6, tr(strings.TrimSpace(st.Content)), "", "L", false)
			pdf.Ln(3)
		}
	}
	if doc.Ending != "" {
		pdf.SetFont(family, "", 11)
		pdf.MultiCell(0, 6, tr(doc.Ending), "", "L", false)
	}

	if err := pdf.Error(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func exportFileName(result *models.ExportResult) string {
	ext := result.Format
	if ext == FormatMarkdown {
		ext = "md"
	}
	timestamp := result.GeneratedAt.Format("20060102_150405")
	return fmt.Sprintf("%s_story_%s.%s", result.SessionID, timestamp, ext)
}

// saveStoryExportToDataDir 保存导出文件到 data 目录
func (s *ExportService) saveStoryExportToDataDir(result *models.ExportResult) (string, int64, error) {
	exportDir := filepath.Join(s.dataDir, "exports")
	if err := os.MkdirAll(exportDir, 0755); err != nil {
		return "", 0, fmt.Errorf("创建导出目录失败: %w", err)
	}

	filePath := filepath.Join(exportDir, result.FileName)
	if err := os.WriteFile(filePath, result.Content, 0644); err != nil {
		return "", 0, fmt.Errorf("写入导出文件失败: %w", err)
	}

	fileInfo, err := os.Stat(filePath)
	if err != nil {
		return "", 0, fmt.Errorf("获取文件信息失败: %w", err)
	}
	return filePath, fileInfo.Size(), nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
