package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
)

// Office Open XML formats are zip containers; the text lives in a handful
// of well-known XML parts and embedded media under */media/. The parsers
// below convert document structure to Markdown — headings, lists, bold
// runs, and tables survive into the text the chunker sees instead of
// collapsing into flat paragraphs.

func (e *Extractor) extractDocx(data []byte) Result {
	result := emptyResult()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		slog.Warn("unreadable docx, returning empty content", "error", err)
		return result
	}

	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			raw, err := readZipFile(f)
			if err != nil {
				slog.Warn("docx document.xml unreadable", "error", err)
				break
			}
			md, err := docxToMarkdown(raw)
			if err != nil {
				slog.Warn("docx body unparseable, returning empty content", "error", err)
				break
			}
			result.Text = md
		}
	}
	if e.extractImages {
		result.Images = zipMedia(zr, "word/media/")
	}
	return result
}

// docxToMarkdown walks word/document.xml and renders Markdown:
// w:pStyle Heading1..6/Title → "#" levels, w:numPr → list items indented
// by w:ilvl, bold runs → **…**, italic runs → *…*, w:tbl → Markdown
// tables.
func docxToMarkdown(raw []byte) (string, error) {
	decoder := xml.NewDecoder(bytes.NewReader(raw))
	decoder.Strict = false
	decoder.AutoClose = xml.HTMLAutoClose

	var out strings.Builder

	// Paragraph state.
	var para strings.Builder
	headingLevel := 0
	listLevel := -1
	numbered := false
	inPPr := false
	inNumPr := false

	// Run state.
	var run strings.Builder
	inRun := false
	inRPr := false
	runBold := false
	runItalic := false
	inText := false

	// Table state: cell paragraphs collect into the cell, not the body.
	var table [][]string
	var row []string
	var cell strings.Builder
	inTable := false
	ordinals := map[int]int{} // list level → running number for numbered lists

	flushRun := func() {
		text := run.String()
		run.Reset()
		if text == "" {
			return
		}
		if trimmed := strings.TrimSpace(text); trimmed != "" {
			switch {
			case runBold && runItalic:
				text = strings.Replace(text, trimmed, "***"+trimmed+"***", 1)
			case runBold:
				text = strings.Replace(text, trimmed, "**"+trimmed+"**", 1)
			case runItalic:
				text = strings.Replace(text, trimmed, "*"+trimmed+"*", 1)
			}
		}
		para.WriteString(text)
	}

	flushPara := func() {
		text := strings.TrimSpace(para.String())
		para.Reset()
		defer func() {
			headingLevel = 0
			listLevel = -1
			numbered = false
		}()
		if text == "" {
			return
		}
		if inTable {
			if cell.Len() > 0 {
				cell.WriteString(" ")
			}
			cell.WriteString(text)
			return
		}
		switch {
		case headingLevel > 0:
			out.WriteString(strings.Repeat("#", headingLevel) + " " + text + "\n\n")
		case listLevel >= 0 && numbered:
			ordinals[listLevel]++
			out.WriteString(strings.Repeat("  ", listLevel) +
				strconv.Itoa(ordinals[listLevel]) + ". " + text + "\n")
		case listLevel >= 0:
			out.WriteString(strings.Repeat("  ", listLevel) + "- " + text + "\n")
		default:
			for k := range ordinals {
				delete(ordinals, k)
			}
			out.WriteString(text + "\n\n")
		}
	}

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse document xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "pPr":
				inPPr = true
			case "rPr":
				inRPr = true
			case "numPr":
				if inPPr {
					inNumPr = true
					listLevel = 0
				}
			case "ilvl":
				if inNumPr {
					if lvl, err := strconv.Atoi(attrVal(t, "val")); err == nil {
						listLevel = lvl
					}
				}
			case "numFmt":
				if inNumPr && attrVal(t, "val") != "bullet" {
					numbered = true
				}
			case "pStyle":
				if inPPr {
					headingLevel = headingLevelFromStyle(attrVal(t, "val"))
				}
			case "r":
				inRun = true
				runBold = false
				runItalic = false
			case "b":
				if inRPr && !isOffVal(attrVal(t, "val")) {
					runBold = true
				}
			case "i":
				if inRPr && !isOffVal(attrVal(t, "val")) {
					runItalic = true
				}
			case "t":
				inText = true
			case "br":
				if inRun {
					run.WriteString("\n")
				}
			case "tbl":
				inTable = true
				table = nil
			case "tr":
				row = nil
			case "tc":
				cell.Reset()
			}

		case xml.EndElement:
			switch t.Name.Local {
			case "pPr":
				inPPr = false
			case "rPr":
				inRPr = false
			case "numPr":
				inNumPr = false
			case "r":
				flushRun()
				inRun = false
			case "t":
				inText = false
			case "p":
				flushPara()
			case "tc":
				row = append(row, strings.TrimSpace(cell.String()))
				cell.Reset()
			case "tr":
				table = append(table, row)
				row = nil
			case "tbl":
				out.WriteString(markdownTable(table) + "\n")
				inTable = false
				table = nil
			}

		case xml.CharData:
			if inText {
				run.Write(t)
			}
		}
	}

	return strings.TrimSpace(out.String()), nil
}

// headingLevelFromStyle maps Word paragraph styles to Markdown levels.
func headingLevelFromStyle(style string) int {
	if style == "Title" {
		return 1
	}
	if lvl, ok := strings.CutPrefix(style, "Heading"); ok {
		if n, err := strconv.Atoi(lvl); err == nil && n >= 1 && n <= 6 {
			return n
		}
	}
	return 0
}

// isOffVal: OOXML boolean toggles default to on; only explicit
// false/0/off disable them.
func isOffVal(val string) bool {
	switch val {
	case "false", "0", "off":
		return true
	}
	return false
}

// markdownTable renders rows with a separator after the header row.
func markdownTable(rows [][]string) string {
	if len(rows) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, row := range rows {
		sb.WriteString("| " + strings.Join(row, " | ") + " |\n")
		if i == 0 {
			seps := make([]string, len(row))
			for j := range seps {
				seps[j] = "---"
			}
			sb.WriteString("| " + strings.Join(seps, " | ") + " |\n")
		}
	}
	return sb.String()
}

func (e *Extractor) extractPptx(data []byte) Result {
	result := emptyResult()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		slog.Warn("unreadable pptx, returning empty content", "error", err)
		return result
	}

	var names []string
	byName := map[string]*zip.File{}
	for _, f := range zr.File {
		if strings.HasPrefix(f.Name, "ppt/slides/slide") && strings.HasSuffix(f.Name, ".xml") {
			names = append(names, f.Name)
			byName[f.Name] = f
		}
	}
	sort.Strings(names)

	var slides []string
	for _, name := range names {
		raw, err := readZipFile(byName[name])
		if err != nil {
			continue
		}
		md, err := pptxSlideToMarkdown(raw)
		if err != nil {
			slog.Warn("pptx slide unparseable, skipping", "slide", name, "error", err)
			continue
		}
		if md != "" {
			slides = append(slides, md)
		}
	}
	result.Text = strings.Join(slides, "\n\n")
	if e.extractImages {
		result.Images = zipMedia(zr, "ppt/media/")
	}
	return result
}

// pptxSlideToMarkdown renders one slide: title placeholders become
// headings, body-placeholder paragraphs become bullets.
func pptxSlideToMarkdown(raw []byte) (string, error) {
	decoder := xml.NewDecoder(bytes.NewReader(raw))
	decoder.Strict = false
	decoder.AutoClose = xml.HTMLAutoClose

	var out strings.Builder
	var para strings.Builder
	inText := false
	shapeRole := "" // "title", "subTitle", or "" for body

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse slide xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "sp":
				shapeRole = ""
			case "ph":
				switch attrVal(t, "type") {
				case "title", "ctrTitle":
					shapeRole = "title"
				case "subTitle":
					shapeRole = "subTitle"
				}
			case "t":
				inText = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				text := strings.TrimSpace(para.String())
				para.Reset()
				if text == "" {
					continue
				}
				switch shapeRole {
				case "title":
					out.WriteString("# " + text + "\n\n")
				case "subTitle":
					out.WriteString("## " + text + "\n\n")
				default:
					out.WriteString("- " + text + "\n")
				}
			}
		case xml.CharData:
			if inText {
				para.Write(t)
			}
		}
	}
	return strings.TrimSpace(out.String()), nil
}

func (e *Extractor) extractXlsx(data []byte) Result {
	result := emptyResult()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		slog.Warn("unreadable xlsx, returning empty content", "error", err)
		return result
	}

	shared := xlsxSharedStrings(zr)

	var names []string
	byName := map[string]*zip.File{}
	for _, f := range zr.File {
		if strings.HasPrefix(f.Name, "xl/worksheets/sheet") && strings.HasSuffix(f.Name, ".xml") {
			names = append(names, f.Name)
			byName[f.Name] = f
		}
	}
	sort.Strings(names)

	var sheets []string
	for _, name := range names {
		raw, err := readZipFile(byName[name])
		if err != nil {
			continue
		}
		rows, err := xlsxSheetRows(raw, shared)
		if err != nil {
			slog.Warn("xlsx sheet unparseable, skipping", "sheet", name, "error", err)
			continue
		}
		if len(rows) == 0 {
			continue
		}
		stem := strings.TrimSuffix(path.Base(name), ".xml")
		sheets = append(sheets, "## "+stem+"\n\n"+markdownTable(rows))
	}
	result.Text = strings.TrimSpace(strings.Join(sheets, "\n"))
	return result
}

// xlsxSharedStrings loads the shared-string table most cell text points
// into.
func xlsxSharedStrings(zr *zip.Reader) []string {
	for _, f := range zr.File {
		if f.Name != "xl/sharedStrings.xml" {
			continue
		}
		raw, err := readZipFile(f)
		if err != nil {
			return nil
		}
		decoder := xml.NewDecoder(bytes.NewReader(raw))
		decoder.Strict = false

		var strs []string
		var current strings.Builder
		inItem := false
		inText := false
		for {
			tok, err := decoder.Token()
			if err != nil {
				break
			}
			switch t := tok.(type) {
			case xml.StartElement:
				switch t.Name.Local {
				case "si":
					inItem = true
					current.Reset()
				case "t":
					inText = true
				}
			case xml.EndElement:
				switch t.Name.Local {
				case "si":
					strs = append(strs, current.String())
					inItem = false
				case "t":
					inText = false
				}
			case xml.CharData:
				if inItem && inText {
					current.Write(t)
				}
			}
		}
		return strs
	}
	return nil
}

// xlsxSheetRows walks one worksheet into rows of rendered cell values.
func xlsxSheetRows(raw []byte, shared []string) ([][]string, error) {
	decoder := xml.NewDecoder(bytes.NewReader(raw))
	decoder.Strict = false

	var rows [][]string
	var row []string
	var value strings.Builder
	cellType := ""
	inValue := false

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse sheet xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "row":
				row = nil
			case "c":
				cellType = attrVal(t, "t")
				value.Reset()
			case "v", "t":
				inValue = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "v", "t":
				inValue = false
			case "c":
				row = append(row, renderXlsxCell(cellType, value.String(), shared))
				value.Reset()
			case "row":
				if len(row) > 0 {
					rows = append(rows, row)
				}
			}
		case xml.CharData:
			if inValue {
				value.Write(t)
			}
		}
	}
	return rows, nil
}

func renderXlsxCell(cellType, raw string, shared []string) string {
	if cellType == "s" {
		if idx, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && idx >= 0 && idx < len(shared) {
			return shared[idx]
		}
		return ""
	}
	return strings.TrimSpace(raw)
}

func attrVal(el xml.StartElement, local string) string {
	for _, a := range el.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

func zipMedia(zr *zip.Reader, prefix string) []EmbeddedImage {
	var images []EmbeddedImage
	for _, f := range zr.File {
		if !strings.HasPrefix(f.Name, prefix) {
			continue
		}
		switch strings.ToLower(path.Ext(f.Name)) {
		case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		default:
			continue
		}
		raw, err := readZipFile(f)
		if err != nil {
			continue
		}
		images = append(images, EmbeddedImage{Data: raw, FileName: path.Base(f.Name)})
	}
	return images
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
