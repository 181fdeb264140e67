package extract

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ledongthuc/pdf"
)

// extractPDF yields per-page text joined with form feeds, plus embedded
// images when image extraction is enabled. Encrypted PDFs are opened with
// the supplied password; a wrong or missing password degrades to empty.
func (e *Extractor) extractPDF(data []byte, password string) Result {
	result := emptyResult()

	reader, err := openPDF(data, password)
	if err != nil {
		slog.Warn("unreadable pdf, returning empty content", "error", err)
		return result
	}

	var pages []string
	total := reader.NumPage()
	for i := 1; i <= total; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := pageText(page)
		if err != nil {
			slog.Warn("pdf page unreadable, skipping", "page", i, "error", err)
			continue
		}
		pages = append(pages, text)
	}
	result.Text = strings.Join(pages, "\f")
	result.Metadata["page_count"] = fmt.Sprintf("%d", total)

	if e.extractImages {
		result.Images = pdfImages(reader)
	}
	return result
}

func openPDF(data []byte, password string) (*pdf.Reader, error) {
	rdr := bytes.NewReader(data)
	if password != "" {
		return pdf.NewReaderEncrypted(rdr, int64(len(data)), func() string { return password })
	}
	return pdf.NewReader(rdr, int64(len(data)))
}

func pageText(page pdf.Page) (text string, err error) {
	// The underlying content parser panics on malformed streams.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("content stream: %v", r)
		}
	}()
	var sb strings.Builder
	rows, err := page.GetTextByRow()
	if err != nil {
		return "", err
	}
	for _, row := range rows {
		for _, word := range row.Content {
			sb.WriteString(word.S)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// pdfImages pulls XObject image streams out of each page's resources.
func pdfImages(reader *pdf.Reader) []EmbeddedImage {
	var images []EmbeddedImage
	seen := map[string]struct{}{}
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		res := page.V.Key("Resources").Key("XObject")
		if res.IsNull() {
			continue
		}
		for _, name := range res.Keys() {
			obj := res.Key(name)
			if obj.Key("Subtype").Name() != "Image" {
				continue
			}
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			raw := readStream(obj)
			if len(raw) == 0 {
				continue
			}
			images = append(images, EmbeddedImage{
				Data:     raw,
				FileName: fmt.Sprintf("page%d_%s", i, name),
			})
		}
	}
	return images
}

func readStream(v pdf.Value) (data []byte) {
	defer func() {
		if r := recover(); r != nil {
			data = nil
		}
	}()
	rc := v.Reader()
	defer func() {
		if c, ok := rc.(io.Closer); ok {
			c.Close()
		}
	}()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil
	}
	return data
}
