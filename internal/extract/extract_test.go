package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
)

func TestExtract_PlainText(t *testing.T) {
	e := New(nil, false)
	r := e.Extract(context.Background(), []byte("hello world"), "notes.txt", "")
	if r.Text != "hello world" {
		t.Errorf("Text = %q, want %q", r.Text, "hello world")
	}
}

func TestExtract_UnknownExtensionReturnsEmpty(t *testing.T) {
	e := New(nil, false)
	r := e.Extract(context.Background(), []byte{0x00, 0x01, 0x02}, "blob.bin", "")
	if r.Text != "" || len(r.Images) != 0 {
		t.Errorf("expected empty result, got text=%q images=%d", r.Text, len(r.Images))
	}
	if r.Metadata == nil {
		t.Error("Metadata must be non-nil even when empty")
	}
}

func TestExtract_NamelessTextDetection(t *testing.T) {
	e := New(nil, false)

	r := e.Extract(context.Background(), []byte("plain readable content\nwith lines"), "", "")
	if !strings.Contains(r.Text, "readable") {
		t.Errorf("expected detected text, got %q", r.Text)
	}

	binary := bytes.Repeat([]byte{0x00, 0x1f, 0x02, 0x03}, 100)
	r = e.Extract(context.Background(), binary, "", "")
	if r.Text != "" {
		t.Errorf("binary input should yield empty text, got %d bytes", len(r.Text))
	}
}

func TestExtract_CorruptPDFReturnsEmpty(t *testing.T) {
	e := New(nil, false)
	r := e.Extract(context.Background(), []byte("%PDF-1.4 garbage"), "broken.pdf", "")
	if r.Text != "" {
		t.Errorf("corrupt pdf should yield empty text, got %q", r.Text)
	}
}

func buildDocx(t *testing.T, body string, media map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	doc, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatal(err)
	}
	fmt.Fprintf(doc, `<?xml version="1.0"?><w:document xmlns:w="x"><w:body>%s</w:body></w:document>`, body)

	for name, data := range media {
		f, err := zw.Create("word/media/" + name)
		if err != nil {
			t.Fatal(err)
		}
		f.Write(data)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestExtract_Docx(t *testing.T) {
	data := buildDocx(t, `<w:p><w:r><w:t>First paragraph.</w:t></w:r></w:p><w:p><w:r><w:t>Second paragraph.</w:t></w:r></w:p>`, nil)

	e := New(nil, false)
	r := e.Extract(context.Background(), data, "report.docx", "")
	// Paragraphs become Markdown paragraphs, blank-line separated.
	if r.Text != "First paragraph.\n\nSecond paragraph." {
		t.Errorf("Text = %q", r.Text)
	}
}

func TestExtract_DocxMarkdownStructure(t *testing.T) {
	body := `<w:p><w:pPr><w:pStyle w:val="Heading1"/></w:pPr><w:r><w:t>Quarterly Report</w:t></w:r></w:p>` +
		`<w:p><w:pPr><w:pStyle w:val="Heading2"/></w:pPr><w:r><w:t>Revenue</w:t></w:r></w:p>` +
		`<w:p><w:r><w:t>Plain intro with </w:t></w:r><w:r><w:rPr><w:b/></w:rPr><w:t>bold numbers</w:t></w:r><w:r><w:t> inside.</w:t></w:r></w:p>` +
		`<w:p><w:pPr><w:numPr><w:ilvl w:val="0"/><w:numId w:val="1"/></w:numPr></w:pPr><w:r><w:t>first item</w:t></w:r></w:p>` +
		`<w:p><w:pPr><w:numPr><w:ilvl w:val="1"/><w:numId w:val="1"/></w:numPr></w:pPr><w:r><w:t>nested item</w:t></w:r></w:p>`
	data := buildDocx(t, body, nil)

	e := New(nil, false)
	r := e.Extract(context.Background(), data, "report.docx", "")

	if !strings.Contains(r.Text, "# Quarterly Report") {
		t.Errorf("Heading1 not mapped to #: %q", r.Text)
	}
	if !strings.Contains(r.Text, "## Revenue") {
		t.Errorf("Heading2 not mapped to ##: %q", r.Text)
	}
	if !strings.Contains(r.Text, "**bold numbers**") {
		t.Errorf("bold run not mapped to **: %q", r.Text)
	}
	if !strings.Contains(r.Text, "- first item") {
		t.Errorf("numPr paragraph not mapped to list item: %q", r.Text)
	}
	if !strings.Contains(r.Text, "  - nested item") {
		t.Errorf("ilvl 1 not indented: %q", r.Text)
	}
}

func TestExtract_DocxNumberedListAndTable(t *testing.T) {
	body := `<w:p><w:pPr><w:numPr><w:ilvl w:val="0"/><w:numFmt w:val="decimal"/></w:numPr></w:pPr><w:r><w:t>step one</w:t></w:r></w:p>` +
		`<w:p><w:pPr><w:numPr><w:ilvl w:val="0"/><w:numFmt w:val="decimal"/></w:numPr></w:pPr><w:r><w:t>step two</w:t></w:r></w:p>` +
		`<w:tbl>` +
		`<w:tr><w:tc><w:p><w:r><w:t>Region</w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:t>Total</w:t></w:r></w:p></w:tc></w:tr>` +
		`<w:tr><w:tc><w:p><w:r><w:t>EMEA</w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:t>42</w:t></w:r></w:p></w:tc></w:tr>` +
		`</w:tbl>`
	data := buildDocx(t, body, nil)

	e := New(nil, false)
	r := e.Extract(context.Background(), data, "steps.docx", "")

	if !strings.Contains(r.Text, "1. step one") || !strings.Contains(r.Text, "2. step two") {
		t.Errorf("decimal numFmt not mapped to ordered list: %q", r.Text)
	}
	if !strings.Contains(r.Text, "| Region | Total |") {
		t.Errorf("table header row missing: %q", r.Text)
	}
	if !strings.Contains(r.Text, "| --- | --- |") {
		t.Errorf("table separator missing: %q", r.Text)
	}
	if !strings.Contains(r.Text, "| EMEA | 42 |") {
		t.Errorf("table body row missing: %q", r.Text)
	}
}

func TestExtract_DocxEmbeddedImages(t *testing.T) {
	data := buildDocx(t, `<w:p><w:r><w:t>Body</w:t></w:r></w:p>`, map[string][]byte{
		"image1.png": {0x89, 0x50, 0x4e, 0x47},
		"notes.wmf":  {0x01},
	})

	e := New(nil, true)
	r := e.Extract(context.Background(), data, "report.docx", "")
	if len(r.Images) != 1 {
		t.Fatalf("images = %d, want 1 (wmf filtered)", len(r.Images))
	}
	if r.Images[0].FileName != "image1.png" {
		t.Errorf("image name = %q", r.Images[0].FileName)
	}
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		fmt.Fprint(f, content)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestExtract_PptxMarkdown(t *testing.T) {
	slide := `<?xml version="1.0"?><p:sld xmlns:p="p" xmlns:a="a"><p:cSld><p:spTree>` +
		`<p:sp><p:nvSpPr><p:nvPr><p:ph type="title"/></p:nvPr></p:nvSpPr>` +
		`<p:txBody><a:p><a:r><a:t>Launch Plan</a:t></a:r></a:p></p:txBody></p:sp>` +
		`<p:sp><p:nvSpPr><p:nvPr><p:ph type="body"/></p:nvPr></p:nvSpPr>` +
		`<p:txBody><a:p><a:r><a:t>Ship the beta</a:t></a:r></a:p>` +
		`<a:p><a:r><a:t>Collect feedback</a:t></a:r></a:p></p:txBody></p:sp>` +
		`</p:spTree></p:cSld></p:sld>`
	data := buildZip(t, map[string]string{"ppt/slides/slide1.xml": slide})

	e := New(nil, false)
	r := e.Extract(context.Background(), data, "deck.pptx", "")

	if !strings.Contains(r.Text, "# Launch Plan") {
		t.Errorf("title placeholder not mapped to heading: %q", r.Text)
	}
	if !strings.Contains(r.Text, "- Ship the beta") || !strings.Contains(r.Text, "- Collect feedback") {
		t.Errorf("body paragraphs not mapped to bullets: %q", r.Text)
	}
}

func TestExtract_XlsxMarkdownTable(t *testing.T) {
	shared := `<?xml version="1.0"?><sst><si><t>Name</t></si><si><t>Count</t></si><si><t>widgets</t></si></sst>`
	sheet := `<?xml version="1.0"?><worksheet><sheetData>` +
		`<row r="1"><c r="A1" t="s"><v>0</v></c><c r="B1" t="s"><v>1</v></c></row>` +
		`<row r="2"><c r="A2" t="s"><v>2</v></c><c r="B2"><v>17</v></c></row>` +
		`</sheetData></worksheet>`
	data := buildZip(t, map[string]string{
		"xl/sharedStrings.xml":     shared,
		"xl/worksheets/sheet1.xml": sheet,
	})

	e := New(nil, false)
	r := e.Extract(context.Background(), data, "inventory.xlsx", "")

	if !strings.Contains(r.Text, "## sheet1") {
		t.Errorf("sheet heading missing: %q", r.Text)
	}
	if !strings.Contains(r.Text, "| Name | Count |") {
		t.Errorf("header row missing: %q", r.Text)
	}
	if !strings.Contains(r.Text, "| --- | --- |") {
		t.Errorf("separator missing: %q", r.Text)
	}
	if !strings.Contains(r.Text, "| widgets | 17 |") {
		t.Errorf("shared-string and numeric cells not resolved: %q", r.Text)
	}
}

func TestExtract_HTML(t *testing.T) {
	html := `<html><head><title>Doc Title</title><script>ignored()</script></head>
	<body><h1>Heading</h1><p>Para one.</p><p>Para two.</p></body></html>`

	e := New(nil, false)
	r := e.Extract(context.Background(), []byte(html), "page.html", "")
	if !strings.Contains(r.Text, "Heading") || !strings.Contains(r.Text, "Para one.") {
		t.Errorf("Text = %q", r.Text)
	}
	if strings.Contains(r.Text, "ignored") {
		t.Error("script content leaked into text")
	}
	if r.Metadata["title"] != "Doc Title" {
		t.Errorf("title = %q, want %q", r.Metadata["title"], "Doc Title")
	}
}

type fakeUnstructured struct {
	text string
	err  error
}

func (f *fakeUnstructured) Extract(ctx context.Context, data []byte, name string) (string, error) {
	return f.text, f.err
}

func TestExtract_UnstructuredPreferredAndFallsThrough(t *testing.T) {
	e := New(&fakeUnstructured{text: "from service"}, false)
	r := e.Extract(context.Background(), []byte("local content"), "a.txt", "")
	if r.Text != "from service" {
		t.Errorf("Text = %q, want service result", r.Text)
	}

	e = New(&fakeUnstructured{err: fmt.Errorf("service down")}, false)
	r = e.Extract(context.Background(), []byte("local content"), "a.txt", "")
	if r.Text != "local content" {
		t.Errorf("Text = %q, want local fallback", r.Text)
	}
}

func TestCollapseWhitespace(t *testing.T) {
	in := "a   b\n\n\n\nc  \n   \nd"
	got := CollapseWhitespace(in)
	want := "a b\n\nc\n\nd"
	if got != want {
		t.Errorf("CollapseWhitespace = %q, want %q", got, want)
	}
}
