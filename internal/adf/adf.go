// Package adf renders an Atlassian Document Format value into Markdown
// or HTML. It implements the render.ADFRenderer contract; the render
// package treats it as an external collaborator and never inspects ADF
// itself. See spec.md §4.5.
package adf

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/localjira/localjira/internal/store"
)

// nodeLevel tracks how two adjacent rendered fragments should be
// joined: a blank line between block-level siblings, a single newline
// between a block and a list child, nothing between inline runs.
type nodeLevel int

const (
	levelTopLevel nodeLevel = iota
	levelChildNode
	levelInline
)

type fragment struct {
	text  string
	level nodeLevel
}

func inline(s string) fragment   { return fragment{text: s, level: levelInline} }
func topLevel(s string) fragment { return fragment{text: s, level: levelTopLevel} }
func childNode(s string) fragment { return fragment{text: s, level: levelChildNode} }

// Renderer walks an ADF document tree and produces Markdown or HTML.
// It has no state and is safe for concurrent use.
type Renderer struct{}

// New constructs a Renderer.
func New() *Renderer { return &Renderer{} }

// Render implements render.ADFRenderer.
func (Renderer) Render(raw json.RawMessage, format store.Format) (string, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("adf: invalid json: %w", err)
	}
	w := walker{html: format == store.FormatHTML}
	return w.root(v), nil
}

// walker holds the single switch (html or not) every node function
// consults; splitting into two parallel packages the way a renderer
// with one output format per file would gains nothing here since every
// node shares its tree-walk and differs only in a handful of leaf
// formats.
type walker struct {
	html bool
}

func (w walker) root(v any) string {
	obj, ok := v.(map[string]any)
	if !ok {
		return toJSONString(v)
	}
	if t, _ := obj["type"].(string); t != "doc" {
		return toJSONString(v)
	}
	content, ok := obj["content"].([]any)
	if !ok {
		return toJSONString(v)
	}
	return w.array(content).text
}

func (w walker) value(v any) fragment {
	switch x := v.(type) {
	case nil:
		return inline("null")
	case bool:
		return inline(strconv.FormatBool(x))
	case float64:
		return inline(strconv.FormatFloat(x, 'f', -1, 64))
	case string:
		return inline(x)
	case []any:
		return w.array(x)
	case map[string]any:
		return w.object(x)
	default:
		return inline(toJSONString(v))
	}
}

func (w walker) array(items []any) fragment {
	if len(items) == 0 {
		return inline("")
	}
	acc := w.value(items[0])
	for _, it := range items[1:] {
		acc = merge(acc, w.value(it))
	}
	return acc
}

func merge(a, b fragment) fragment {
	var sep string
	switch {
	case a.level == levelTopLevel && b.level == levelTopLevel:
		sep = "\n\n"
	case a.level == levelTopLevel && b.level == levelChildNode:
		sep = "\n"
	case a.level == levelTopLevel && b.level == levelInline:
		sep = "\n"
	case a.level == levelChildNode && b.level == levelTopLevel:
		sep = "\n"
	case a.level == levelChildNode && b.level == levelChildNode:
		sep = "\n"
	case a.level == levelChildNode && b.level == levelInline:
		sep = ""
	case a.level == levelInline && b.level == levelTopLevel:
		sep = "\n"
	case a.level == levelInline && b.level == levelChildNode:
		sep = "\n"
	default: // inline, inline
		sep = ""
	}
	return fragment{text: a.text + sep + b.text, level: b.level}
}

func (w walker) object(obj map[string]any) fragment {
	t, _ := obj["type"].(string)
	switch t {
	case "blockquote":
		return w.blockquote(obj)
	case "bulletList":
		return w.bulletList(obj)
	case "codeBlock":
		return w.codeBlock(obj)
	case "decisionList":
		return w.decisionList(obj)
	case "decisionItem":
		return w.decisionItem(obj)
	case "doc":
		return topLevel(w.contentText(obj))
	case "emoji":
		return w.emoji(obj)
	case "hardBreak":
		return inline("\n")
	case "heading":
		return w.heading(obj)
	case "inlineCard":
		return w.inlineCard(obj)
	case "listItem":
		return w.listItem(obj)
	case "media":
		return w.media(obj)
	case "mediaSingle":
		return w.mediaSingle(obj)
	case "mediaGroup":
		return w.mediaGroup(obj)
	case "mention":
		return w.mention(obj)
	case "orderedList":
		return w.orderedList(obj)
	case "panel":
		return w.panel(obj)
	case "paragraph":
		return topLevel(w.contentText(obj))
	case "rule":
		if w.html {
			return topLevel("<hr/>")
		}
		return inline("\n")
	case "table":
		return w.table(obj)
	case "tableHeader":
		return w.tableCellLike(obj, "th")
	case "tableCell":
		return w.tableCellLike(obj, "td")
	case "tableRow":
		return w.tableRow(obj)
	case "taskItem":
		return w.taskItem(obj)
	case "text":
		return w.text(obj)
	default:
		return topLevel(toJSONString(obj))
	}
}

// contentText renders the "content" array of a node, or "" if absent.
func (w walker) contentText(obj map[string]any) string {
	content, ok := obj["content"].([]any)
	if !ok {
		return ""
	}
	return w.array(content).text
}

func (w walker) blockquote(obj map[string]any) fragment {
	content, ok := obj["content"].([]any)
	if !ok {
		return topLevel(toJSONString(obj))
	}
	inner := w.array(content).text
	if w.html {
		return topLevel("<blockquote>\n" + indentWith(inner, "  ") + "\n</blockquote>")
	}
	return topLevel(indentWith(inner, "> "))
}

func (w walker) bulletList(obj map[string]any) fragment {
	content, ok := obj["content"].([]any)
	if !ok {
		return topLevel(toJSONString(obj))
	}
	items := make([]string, 0, len(content))
	for _, it := range content {
		items = append(items, w.value(it).text)
	}
	if w.html {
		inner := indentWith(strings.Join(items, "\n"), "  ")
		return topLevel("<ul>\n" + inner + "\n</ul>")
	}
	var b strings.Builder
	for i, it := range items {
		if i > 0 {
			b.WriteByte('\n')
		}
		for j, line := range strings.Split(strings.TrimSpace(it), "\n") {
			if j > 0 {
				b.WriteByte('\n')
			}
			if j == 0 {
				b.WriteString("  - " + line)
			} else {
				b.WriteString("    " + line)
			}
		}
	}
	return topLevel(b.String())
}

func (w walker) listItem(obj map[string]any) fragment {
	content, ok := obj["content"].([]any)
	if !ok {
		return topLevel(toJSONString(obj))
	}
	if w.html {
		parts := make([]string, 0, len(content))
		for _, it := range content {
			parts = append(parts, w.value(it).text)
		}
		return childNode("<li>" + strings.Join(parts, "\n") + "</li>")
	}
	parts := make([]string, 0, len(content))
	for _, it := range content {
		parts = append(parts, w.value(it).text)
	}
	return childNode(strings.Join(parts, "\n"))
}

func (w walker) orderedList(obj map[string]any) fragment {
	content, ok := obj["content"].([]any)
	if !ok {
		return topLevel(toJSONString(obj))
	}
	start := 1
	if attrs, ok := obj["attrs"].(map[string]any); ok {
		if order, ok := attrs["order"].(float64); ok {
			start = int(order)
		}
	}
	items := make([]string, 0, len(content))
	for _, it := range content {
		items = append(items, w.value(it).text)
	}
	if w.html {
		inner := indentWith(strings.Join(items, "\n"), "  ")
		attr := ""
		if start != 1 {
			attr = fmt.Sprintf(` start="%d"`, start)
		}
		return topLevel(fmt.Sprintf("<ol%s>\n%s\n</ol>", attr, inner))
	}
	var b strings.Builder
	for i, it := range items {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d. %s", start+i, it)
	}
	return childNode(b.String())
}

func (w walker) codeBlock(obj map[string]any) fragment {
	content, _ := obj["content"].([]any)
	inner := w.array(content).text
	language := ""
	if attrs, ok := obj["attrs"].(map[string]any); ok {
		language, _ = attrs["language"].(string)
	}
	if w.html {
		class := language
		return topLevel(fmt.Sprintf("<pre><code class=%q>\n%s\n</code></pre>", class, indentWith(inner, "  ")))
	}
	return topLevel(fmt.Sprintf("```%s\n%s\n```", language, inner))
}

func (w walker) emoji(obj map[string]any) fragment {
	attrs, _ := obj["attrs"].(map[string]any)
	if attrs == nil {
		return inline("")
	}
	if text, ok := attrs["text"].(string); ok {
		return inline(text)
	}
	if short, ok := attrs["shortName"].(string); ok {
		return inline(short)
	}
	return inline("")
}

func (w walker) heading(obj map[string]any) fragment {
	inner := w.contentText(obj)
	level := 1
	if attrs, ok := obj["attrs"].(map[string]any); ok {
		if l, ok := attrs["level"].(float64); ok {
			level = clamp(int(l), 1, 6)
		}
	}
	if w.html {
		return topLevel(fmt.Sprintf("<h%d>%s</h%d>", level, inner, level))
	}
	switch level {
	case 1:
		return topLevel(underlineEachLine(inner, '='))
	case 2:
		return topLevel(underlineEachLine(inner, '-'))
	default:
		prefix := strings.Repeat("#", level)
		var b strings.Builder
		for i, line := range strings.Split(inner, "\n") {
			if i > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(prefix + " " + line)
		}
		return topLevel(b.String())
	}
}

func (w walker) mention(obj map[string]any) fragment {
	attrs, ok := obj["attrs"].(map[string]any)
	if !ok {
		return inline(toJSONString(obj))
	}
	if text, ok := attrs["text"].(string); ok {
		return inline(text)
	}
	if id, ok := attrs["id"].(string); ok {
		return inline(id)
	}
	return inline(toJSONString(obj))
}

func (w walker) taskItem(obj map[string]any) fragment {
	attrs, aok := obj["attrs"].(map[string]any)
	content, cok := obj["content"].([]any)
	if !aok || !cok {
		return topLevel(toJSONString(obj))
	}
	state, _ := attrs["state"].(string)
	mark := "?"
	switch state {
	case "TODO":
		if w.html {
			mark = `<input type="checkbox" disabled>`
		} else {
			mark = "[ ]"
		}
	case "DONE":
		if w.html {
			mark = `<input type="checkbox" checked disabled>`
		} else {
			mark = "[x]"
		}
	}
	inner := w.array(content)
	return fragment{text: mark + " " + inner.text, level: inner.level}
}

func (w walker) decisionList(obj map[string]any) fragment {
	content, ok := obj["content"].([]any)
	if !ok {
		return topLevel(toJSONString(obj))
	}
	items := make([]string, 0, len(content))
	for _, it := range content {
		items = append(items, "  decision: "+w.value(it).text)
	}
	if w.html {
		return topLevel("<p>Decision list:</p>\n<ul>\n" + strings.Join(items, "\n") + "\n</ul>")
	}
	return topLevel("Decision list:\n" + strings.Join(items, "\n"))
}

func (w walker) decisionItem(obj map[string]any) fragment {
	content, ok := obj["content"].([]any)
	if !ok {
		return topLevel(toJSONString(obj))
	}
	return w.array(content)
}

func (w walker) media(obj map[string]any) fragment {
	dump := toJSONString(obj)
	if w.html {
		return childNode("<pre><code class=\"json_code\">\n" + indentWith(dump, "  ") + "\n</code></pre>")
	}
	return childNode("```json\n" + dump + "\n```")
}

func (w walker) mediaSingle(obj map[string]any) fragment {
	content, ok := obj["content"].([]any)
	if !ok || len(content) != 1 {
		return topLevel(toJSONString(obj))
	}
	elt, ok := content[0].(map[string]any)
	if !ok {
		return topLevel(toJSONString(obj))
	}
	if t, _ := elt["type"].(string); t != "media" {
		return topLevel(toJSONString(obj))
	}
	res := w.media(elt)
	return topLevel(res.text)
}

func (w walker) mediaGroup(obj map[string]any) fragment {
	content, ok := obj["content"].([]any)
	if !ok {
		return topLevel(toJSONString(obj))
	}
	for _, it := range content {
		m, ok := it.(map[string]any)
		if !ok {
			return topLevel(toJSONString(obj))
		}
		if t, _ := m["type"].(string); t != "media" {
			return topLevel(toJSONString(obj))
		}
	}
	return topLevel(w.array(content).text)
}

func (w walker) inlineCard(obj map[string]any) fragment {
	attrs, ok := obj["attrs"].(map[string]any)
	if !ok {
		return inline(toJSONString(obj))
	}
	url, hasURL := attrs["url"]
	data, hasData := attrs["data"]
	switch {
	case hasURL && !hasData:
		if s, ok := url.(string); ok {
			return inline(s)
		}
		return inline(toJSONString(url))
	case hasData && !hasURL:
		return inline(toJSONString(data))
	default:
		return inline(toJSONString(obj))
	}
}

func (w walker) panel(obj map[string]any) fragment {
	attrs, _ := obj["attrs"].(map[string]any)
	panelType, _ := attrs["panelType"].(string)
	switch panelType {
	case "info", "note", "warning", "success", "error":
	default:
		return topLevel(toJSONString(obj))
	}
	inner := w.contentText(obj)
	if w.html {
		return topLevel(fmt.Sprintf("<div class=\"panel panel-%s\">\n%s\n</div>", panelType, indentWith(inner, "  ")))
	}
	inner = indentWith(inner, "| ")
	pad := strings.Repeat("-", len(panelType)+2)
	return topLevel(fmt.Sprintf("/---------- %s -----------\n%s\n\\----------%s-----------", panelType, inner, pad))
}

func (w walker) table(obj map[string]any) fragment {
	content, ok := obj["content"].([]any)
	if !ok {
		return topLevel(toJSONString(obj))
	}
	inner := w.array(content).text
	return topLevel("<table>\n" + inner + "\n</table>")
}

func (w walker) tableRow(obj map[string]any) fragment {
	content, ok := obj["content"].([]any)
	if !ok {
		return topLevel(toJSONString(obj))
	}
	return topLevel("<tr>" + w.array(content).text + "</tr>")
}

func (w walker) tableCellLike(obj map[string]any, tag string) fragment {
	content, ok := obj["content"].([]any)
	if !ok {
		return topLevel(toJSONString(obj))
	}
	return topLevel(fmt.Sprintf("<%s>%s</%s>", tag, w.array(content).text, tag))
}

func (w walker) text(obj map[string]any) fragment {
	content, _ := obj["text"].(string)
	marks, _ := obj["marks"].([]any)
	for _, m := range marks {
		mark, ok := m.(map[string]any)
		if !ok {
			continue
		}
		content = w.applyMark(content, mark)
	}
	return inline(content)
}

func (w walker) applyMark(content string, mark map[string]any) string {
	kind, _ := mark["type"].(string)
	switch kind {
	case "code":
		if w.html {
			return "<code>" + content + "</code>"
		}
		return "`" + content + "`"
	case "em":
		if w.html {
			return "<em>" + content + "</em>"
		}
		return "/" + content + "/"
	case "strong":
		if w.html {
			return "<strong>" + content + "</strong>"
		}
		return "*" + content + "*"
	case "strike":
		if w.html {
			return "<s>" + content + "</s>"
		}
		return "~" + content + "~"
	case "underline":
		if w.html {
			return "<u>" + content + "</u>"
		}
		return "_" + content + "_"
	case "link":
		href := linkHref(mark)
		if href == "" {
			return content
		}
		if w.html {
			return fmt.Sprintf("<a href=%q>%s</a>", href, content)
		}
		return fmt.Sprintf("[%s](%s)", content, href)
	case "subsup":
		attrs, _ := mark["attrs"].(map[string]any)
		subsup, _ := attrs["subsup"].(string)
		switch subsup {
		case "sub":
			if w.html {
				return "<sub>" + content + "</sub>"
			}
			return "_{" + content + "}"
		case "sup":
			if w.html {
				return "<sup>" + content + "</sup>"
			}
			return "^{" + content + "}"
		}
		return content
	case "textColor", "backgroundColor":
		colour := markColour(mark)
		if colour == "" || !w.html {
			return content
		}
		prop := "color"
		if kind == "backgroundColor" {
			prop = "background-color"
		}
		return fmt.Sprintf("<span style=\"%s: %s\">%s</span>", prop, colour, content)
	default:
		return content
	}
}

func linkHref(mark map[string]any) string {
	attrs, ok := mark["attrs"].(map[string]any)
	if !ok {
		return ""
	}
	href, _ := attrs["href"].(string)
	return href
}

// markColour validates the mark's "color" attribute is a 7-character
// "#rrggbb" string, matching the html-hex-colour marks Jira emits for
// textColor/backgroundColor.
func markColour(mark map[string]any) string {
	attrs, ok := mark["attrs"].(map[string]any)
	if !ok {
		return ""
	}
	colour, _ := attrs["color"].(string)
	if len(colour) != 7 || colour[0] != '#' {
		return ""
	}
	for _, c := range colour[1:] {
		if !isHexDigit(byte(c)) {
			return ""
		}
	}
	return colour
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func underlineEachLine(text string, underline byte) string {
	var b strings.Builder
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
		b.WriteByte('\n')
		b.WriteString(strings.Repeat(string(underline), len(line)))
	}
	return b.String()
}

func indentWith(text, prefix string) string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}

func toJSONString(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
