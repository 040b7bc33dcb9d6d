package adf

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/localjira/localjira/internal/store"
)

func render(t *testing.T, doc string, format store.Format) string {
	t.Helper()
	r := New()
	out, err := r.Render(json.RawMessage(doc), format)
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	return out
}

func TestRenderPlainParagraph(t *testing.T) {
	doc := `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"hello world"}]}]}`
	got := render(t, doc, store.FormatMarkdown)
	if got != "hello world" {
		t.Fatalf("got %q", got)
	}
}

func TestRenderStrongAndLinkMarks(t *testing.T) {
	doc := `{"type":"doc","content":[{"type":"paragraph","content":[
		{"type":"text","text":"bold","marks":[{"type":"strong"}]},
		{"type":"text","text":" and "},
		{"type":"text","text":"a link","marks":[{"type":"link","attrs":{"href":"https://example.com"}}]}
	]}]}`
	got := render(t, doc, store.FormatMarkdown)
	if !strings.Contains(got, "*bold*") {
		t.Fatalf("expected bold markdown in %q", got)
	}
	if !strings.Contains(got, "[a link](https://example.com)") {
		t.Fatalf("expected markdown link in %q", got)
	}
}

func TestRenderStrongAndLinkMarksHTML(t *testing.T) {
	doc := `{"type":"doc","content":[{"type":"paragraph","content":[
		{"type":"text","text":"bold","marks":[{"type":"strong"}]},
		{"type":"text","text":"a link","marks":[{"type":"link","attrs":{"href":"https://example.com"}}]}
	]}]}`
	got := render(t, doc, store.FormatHTML)
	if !strings.Contains(got, "<strong>bold</strong>") {
		t.Fatalf("expected <strong> in %q", got)
	}
	if !strings.Contains(got, `<a href="https://example.com">a link</a>`) {
		t.Fatalf("expected <a href> in %q", got)
	}
}

func TestRenderHeadingLevel1Underlines(t *testing.T) {
	doc := `{"type":"doc","content":[{"type":"heading","attrs":{"level":1},"content":[{"type":"text","text":"Title"}]}]}`
	got := render(t, doc, store.FormatMarkdown)
	want := "Title\n====="
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestRenderHeadingLevel3UsesHashes(t *testing.T) {
	doc := `{"type":"doc","content":[{"type":"heading","attrs":{"level":3},"content":[{"type":"text","text":"Sub"}]}]}`
	got := render(t, doc, store.FormatMarkdown)
	if got != "### Sub" {
		t.Fatalf("got %q", got)
	}
}

func TestRenderBulletList(t *testing.T) {
	doc := `{"type":"doc","content":[{"type":"bulletList","content":[
		{"type":"listItem","content":[{"type":"paragraph","content":[{"type":"text","text":"one"}]}]},
		{"type":"listItem","content":[{"type":"paragraph","content":[{"type":"text","text":"two"}]}]}
	]}]}`
	got := render(t, doc, store.FormatMarkdown)
	if !strings.Contains(got, "- one") || !strings.Contains(got, "- two") {
		t.Fatalf("got %q", got)
	}
}

func TestRenderOrderedListRespectsStartOffset(t *testing.T) {
	doc := `{"type":"doc","content":[{"type":"orderedList","attrs":{"order":5},"content":[
		{"type":"listItem","content":[{"type":"paragraph","content":[{"type":"text","text":"five"}]}]},
		{"type":"listItem","content":[{"type":"paragraph","content":[{"type":"text","text":"six"}]}]}
	]}]}`
	got := render(t, doc, store.FormatMarkdown)
	if !strings.Contains(got, "5. five") || !strings.Contains(got, "6. six") {
		t.Fatalf("got %q", got)
	}
}

func TestRenderCodeBlockWithLanguage(t *testing.T) {
	doc := `{"type":"doc","content":[{"type":"codeBlock","attrs":{"language":"go"},"content":[{"type":"text","text":"x := 1"}]}]}`
	got := render(t, doc, store.FormatMarkdown)
	want := "```go\nx := 1\n```"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestRenderBlockquoteIndentsWithGt(t *testing.T) {
	doc := `{"type":"doc","content":[{"type":"blockquote","content":[{"type":"paragraph","content":[{"type":"text","text":"quoted"}]}]}]}`
	got := render(t, doc, store.FormatMarkdown)
	if got != "> quoted" {
		t.Fatalf("got %q", got)
	}
}

func TestRenderTaskItemChecksDoneState(t *testing.T) {
	doc := `{"type":"doc","content":[{"type":"taskItem","attrs":{"state":"DONE"},"content":[{"type":"text","text":"ship it"}]}]}`
	got := render(t, doc, store.FormatMarkdown)
	if !strings.HasPrefix(got, "[x] ship it") {
		t.Fatalf("got %q", got)
	}
}

func TestRenderPanelKeepsKnownTypes(t *testing.T) {
	doc := `{"type":"doc","content":[{"type":"panel","attrs":{"panelType":"warning"},"content":[{"type":"paragraph","content":[{"type":"text","text":"careful"}]}]}]}`
	got := render(t, doc, store.FormatMarkdown)
	if !strings.Contains(got, "warning") || !strings.Contains(got, "careful") {
		t.Fatalf("got %q", got)
	}
}

func TestRenderUnknownNodeFallsBackToJSON(t *testing.T) {
	doc := `{"type":"doc","content":[{"type":"somethingWeird","attrs":{"x":1}}]}`
	got := render(t, doc, store.FormatMarkdown)
	if !strings.Contains(got, "somethingWeird") {
		t.Fatalf("expected raw json fallback, got %q", got)
	}
}

func TestRenderRejectsInvalidJSON(t *testing.T) {
	r := New()
	if _, err := r.Render(json.RawMessage("not json"), store.FormatMarkdown); err == nil {
		t.Fatalf("expected error for invalid json")
	}
}

func TestRenderTextColourMarkIgnoredInMarkdown(t *testing.T) {
	doc := `{"type":"doc","content":[{"type":"paragraph","content":[
		{"type":"text","text":"coloured","marks":[{"type":"textColor","attrs":{"color":"#ff0000"}}]}
	]}]}`
	got := render(t, doc, store.FormatMarkdown)
	if got != "coloured" {
		t.Fatalf("got %q", got)
	}
}

func TestRenderTextColourMarkAppliesSpanInHTML(t *testing.T) {
	doc := `{"type":"doc","content":[{"type":"paragraph","content":[
		{"type":"text","text":"coloured","marks":[{"type":"textColor","attrs":{"color":"#ff0000"}}]}
	]}]}`
	got := render(t, doc, store.FormatHTML)
	if !strings.Contains(got, `color: #ff0000`) {
		t.Fatalf("got %q", got)
	}
}
