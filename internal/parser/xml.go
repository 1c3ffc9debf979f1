// Package parser recovers tagged fields from model replies.
//
// Replies are treated as loosely structured text rather than XML documents:
// matching is a case-insensitive regexp scan that tolerates prose around the
// block, a missing root element, attributes and CDATA sections.
package parser

import (
	"regexp"
	"strings"
	"sync"
)

const (
	cdataOpen  = "<![CDATA["
	cdataClose = "]]>"
)

var tagPatterns sync.Map // tag(lower) -> *regexp.Regexp

// tagPattern 匹配 <tag ...>inner</tag>；内部 CDATA 段整体跳过，其中的 </tag> 不会提前结束匹配
func tagPattern(tag string) *regexp.Regexp {
	key := strings.ToLower(tag)
	if re, ok := tagPatterns.Load(key); ok {
		return re.(*regexp.Regexp)
	}
	q := regexp.QuoteMeta(tag)
	re := regexp.MustCompile(`(?is)<` + q + `(?:\s[^>]*)?>((?:<!\[CDATA\[.*?\]\]>|.)*?)</` + q + `\s*>`)
	actual, _ := tagPatterns.LoadOrStore(key, re)
	return actual.(*regexp.Regexp)
}

func cleanInner(inner string) string {
	inner = strings.ReplaceAll(inner, cdataOpen, "")
	inner = strings.ReplaceAll(inner, cdataClose, "")
	return strings.TrimSpace(inner)
}

func validTag(tag string) bool {
	return strings.TrimSpace(tag) != "" && !strings.ContainsAny(tag, "<> \t\r\n/")
}

// ExtractField 返回第一个 <tag> 的内容（去除 CDATA 标记并裁剪空白），不存在时返回 nil
func ExtractField(scope, tag string) (out *string) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
		}
	}()
	if scope == "" || !validTag(tag) {
		return nil
	}
	m := tagPattern(tag).FindStringSubmatch(scope)
	if m == nil {
		return nil
	}
	v := cleanInner(m[1])
	return &v
}

// ExtractFieldList 按文档顺序返回所有 <tag> 的内容，没有匹配时返回空切片
func ExtractFieldList(scope, tag string) (out []string) {
	defer func() {
		if r := recover(); r != nil {
			out = []string{}
		}
	}()
	out = []string{}
	if scope == "" || !validTag(tag) {
		return out
	}
	for _, m := range tagPattern(tag).FindAllStringSubmatch(scope, -1) {
		out = append(out, cleanInner(m[1]))
	}
	return out
}

// extractRawList 与 ExtractFieldList 相同，但保留内部原文（用于 chapter/section 这类容器）
func extractRawList(scope, tag string) []string {
	var out []string
	for _, m := range tagPattern(tag).FindAllStringSubmatch(scope, -1) {
		out = append(out, m[1])
	}
	return out
}

// NarrowToRoot 返回第一个 <rootTag> 的内部原文；不存在时原样返回输入
func NarrowToRoot(xml, rootTag string) (out string) {
	defer func() {
		if r := recover(); r != nil {
			out = xml
		}
	}()
	if !validTag(rootTag) {
		return xml
	}
	m := tagPattern(rootTag).FindStringSubmatch(xml)
	if m == nil {
		return xml
	}
	return m[1]
}

// field 返回字段值，缺失时为空串
func field(scope, tag string) string {
	if v := ExtractField(scope, tag); v != nil {
		return *v
	}
	return ""
}

// RootBlock 返回第一个 <rootTag>…</rootTag> 的完整原文（含根标签），不存在时返回空串
func RootBlock(text, rootTag string) (out string) {
	defer func() {
		if r := recover(); r != nil {
			out = ""
		}
	}()
	if text == "" || !validTag(rootTag) {
		return ""
	}
	loc := tagPattern(rootTag).FindStringIndex(text)
	if loc == nil {
		return ""
	}
	return text[loc[0]:loc[1]]
}
