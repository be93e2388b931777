// Package docparse segments .docx documents into ordered text and table
// blocks for ingestion. The walk mirrors the document body element by
// element so block order always matches the source top-to-bottom order.
package docparse

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/iduclub/urbanrag/engine/domain"
)

// Segment parses a .docx payload and returns its blocks in source order.
// Paragraphs that are empty after trimming are skipped. Ingestion needs
// random access to neighboring blocks for table context windows, so the
// whole block list is materialized; re-invoke to walk again.
func Segment(payload []byte) ([]domain.Block, error) {
	zr, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return nil, fmt.Errorf("docparse: open archive: %w", err)
	}

	var doc io.ReadCloser
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			if doc, err = f.Open(); err != nil {
				return nil, fmt.Errorf("docparse: open document.xml: %w", err)
			}
			break
		}
	}
	if doc == nil {
		return nil, fmt.Errorf("docparse: word/document.xml not found")
	}
	defer doc.Close()

	return walkBody(xml.NewDecoder(doc))
}

// walkBody iterates the direct children of w:body, classifying each as a
// paragraph or a table and skipping everything else (section props etc.).
func walkBody(dec *xml.Decoder) ([]domain.Block, error) {
	var blocks []domain.Block
	inBody := false

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("docparse: read body: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch {
			case t.Name.Local == "body":
				inBody = true
			case inBody && t.Name.Local == "p":
				text, err := collectText(dec, t.Name)
				if err != nil {
					return nil, err
				}
				if strings.TrimSpace(text) != "" {
					blocks = append(blocks, domain.Block{Content: text, Kind: domain.BlockText})
				}
			case inBody && t.Name.Local == "tbl":
				rows, err := collectTable(dec, t.Name)
				if err != nil {
					return nil, err
				}
				if serialized := serializeTable(rows); serialized != "" {
					blocks = append(blocks, domain.Block{Content: serialized, Kind: domain.BlockTable})
				}
			default:
				// Unrelated element inside the body: consume it whole so its
				// paragraphs are not mistaken for top-level ones.
				if inBody {
					if err := dec.Skip(); err != nil {
						return nil, fmt.Errorf("docparse: skip %s: %w", t.Name.Local, err)
					}
				}
			}
		case xml.EndElement:
			if t.Name.Local == "body" {
				return blocks, nil
			}
		}
	}
	return blocks, nil
}

// collectText gathers the character data of every w:t inside the element
// started by name, until its matching end tag.
func collectText(dec *xml.Decoder, name xml.Name) (string, error) {
	var b strings.Builder
	depth := 1
	inT := false

	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return "", fmt.Errorf("docparse: read %s: %w", name.Local, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			switch t.Name.Local {
			case "t":
				inT = true
			case "tab":
				b.WriteByte('\t')
			case "br":
				b.WriteByte('\n')
			}
		case xml.EndElement:
			depth--
			if t.Name.Local == "t" {
				inT = false
			}
		case xml.CharData:
			if inT {
				b.Write(t)
			}
		}
	}
	return b.String(), nil
}

// collectTable gathers a w:tbl as rows of cell texts.
func collectTable(dec *xml.Decoder, name xml.Name) ([][]string, error) {
	var rows [][]string
	depth := 1

	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("docparse: read table: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "tr":
				rows = append(rows, nil)
				depth++
			case "tc":
				text, err := collectText(dec, t.Name)
				if err != nil {
					return nil, err
				}
				if len(rows) > 0 {
					rows[len(rows)-1] = append(rows[len(rows)-1], text)
				}
			default:
				depth++
			}
		case xml.EndElement:
			depth--
		}
	}
	return rows, nil
}

// serializeTable renders rows as a column-oriented text dump. The first row
// supplies column headers; a blank header cell is replaced with a
// synthesized placeholder carrying a running counter so names stay unique.
func serializeTable(rows [][]string) string {
	if len(rows) == 0 {
		return ""
	}

	headers := make([]string, len(rows[0]))
	unnamed := 0
	for i, h := range rows[0] {
		if strings.TrimSpace(h) != "" {
			headers[i] = h
		} else {
			headers[i] = fmt.Sprintf("Без_названия_%d", unnamed)
			unnamed++
		}
	}

	columns := make([][]string, len(headers))
	for _, row := range rows[1:] {
		for i := range headers {
			val := ""
			if i < len(row) {
				val = row[i]
			}
			columns[i] = append(columns[i], val)
		}
	}

	var b strings.Builder
	b.WriteByte('{')
	for i, h := range headers {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%q: [", h)
		for j, v := range columns[i] {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%q", v)
		}
		b.WriteByte(']')
	}
	b.WriteByte('}')
	return b.String()
}
