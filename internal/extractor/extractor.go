// Package extractor implements the Text Extractor (C1): it reads a
// document binary and yields pages carrying recovered human-visible page
// numbers alongside raw text, per spec.md §4.1.
package extractor

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"
	"github.com/sirupsen/logrus"

	"github.com/hexabank/ragcore/internal/ragtypes"
)

// Page is one unit of extracted text, positioned within the document.
type Page struct {
	PhysicalPosition  int
	RecoveredPageNumber int // 0 means "not recovered"
	Text              string
}

// Result is the Extractor's output: an ordered page sequence plus the
// concatenated text with page-boundary sentinels preserved, for the
// chunker to split.
type Result struct {
	Pages          []Page
	ConcatenatedText string
}

// PageSentinel is the marker the chunker uses to recover page attribution
// after a hierarchical split; it is never itself a candidate split point.
const PageSentinel = "\x00PAGE_BOUNDARY\x00"

// Extractor extracts text from PDF, DOCX, and plain-text binaries.
type Extractor struct {
	logger *logrus.Logger
}

// New constructs an Extractor. A nil logger falls back to logrus's
// standard instance.
func New(logger *logrus.Logger) *Extractor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Extractor{logger: logger}
}

// Extract dispatches on MIME kind and returns the page sequence.
func (e *Extractor) Extract(data []byte, mime ragtypes.MIMEKind) (*Result, error) {
	switch mime {
	case ragtypes.MIMEPDF:
		return e.extractPDF(data)
	case ragtypes.MIMEDOCX:
		return e.extractDOCX(data)
	case ragtypes.MIMEText:
		return e.extractText(data)
	default:
		return nil, fmt.Errorf("%w: unsupported mime %q", ragtypes.ErrExtractionFailed, mime)
	}
}

func (e *Extractor) extractPDF(data []byte) (*Result, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ragtypes.ErrExtractionFailed, err)
	}

	numPages := reader.NumPage()
	pages := make([]Page, 0, numPages)
	var builder strings.Builder

	for i := 1; i <= numPages; i++ {
		// One sentinel before every page after the first, including empty
		// or unparsable ones, so the n-th sentinel-separated part is
		// always physical page n.
		if i > 1 {
			builder.WriteString(PageSentinel)
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, Page{PhysicalPosition: i, Text: ""})
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			e.logger.WithFields(logrus.Fields{
				"component": "extractor",
				"page":      i,
			}).WithError(err).Warn("skipping unparsable pdf page")
			pages = append(pages, Page{PhysicalPosition: i, Text: ""})
			continue
		}
		text = normalizeText(text)
		recovered := recoverPageNumber(text)

		pages = append(pages, Page{
			PhysicalPosition:    i,
			RecoveredPageNumber: recovered,
			Text:                text,
		})

		builder.WriteString(text)
	}

	return &Result{Pages: pages, ConcatenatedText: builder.String()}, nil
}

// docxDocument mirrors the minimal shape of word/document.xml needed to
// walk paragraph runs; the DOCX format has no library anywhere in the
// retrieval pack (see DESIGN.md), so this is a direct, narrow XML walk
// rather than a general OOXML parser.
type docxDocument struct {
	Body struct {
		Paragraphs []struct {
			Runs []struct {
				Text []struct {
					Value string `xml:",chardata"`
				} `xml:"t"`
			} `xml:"r"`
		} `xml:"p"`
	} `xml:"body"`
}

func (e *Extractor) extractDOCX(data []byte) (*Result, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ragtypes.ErrExtractionFailed, err)
	}

	var docXML []byte
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			rc, err := f.Open()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ragtypes.ErrExtractionFailed, err)
			}
			docXML, err = io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ragtypes.ErrExtractionFailed, err)
			}
			break
		}
	}
	if docXML == nil {
		return nil, fmt.Errorf("%w: word/document.xml not found", ragtypes.ErrExtractionFailed)
	}

	var doc docxDocument
	if err := xml.Unmarshal(docXML, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ragtypes.ErrExtractionFailed, err)
	}

	var paragraphs []string
	for _, p := range doc.Body.Paragraphs {
		var sb strings.Builder
		for _, r := range p.Runs {
			for _, t := range r.Text {
				sb.WriteString(t.Value)
			}
		}
		text := strings.TrimSpace(sb.String())
		if text != "" {
			paragraphs = append(paragraphs, text)
		}
	}

	text := normalizeText(strings.Join(paragraphs, "\n\n"))
	page := Page{PhysicalPosition: 1, Text: text}
	return &Result{Pages: []Page{page}, ConcatenatedText: text}, nil
}

func (e *Extractor) extractText(data []byte) (*Result, error) {
	text := string(data)
	if !isValidUTF8Text(text) {
		text = fromLatin1(data)
	}
	text = normalizeText(text)
	page := Page{PhysicalPosition: 1, Text: text}
	return &Result{Pages: []Page{page}, ConcatenatedText: text}, nil
}

func isValidUTF8Text(s string) bool {
	for _, r := range s {
		if r == unicode.ReplacementChar {
			return false
		}
	}
	return true
}

func fromLatin1(data []byte) string {
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return string(runes)
}

func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return s
}

// Page-number recovery patterns, tried in priority order per spec.md
// §4.1. Each pattern is matched against the first and last three
// non-empty lines of a page's text.
var (
	pagePattern       = regexp.MustCompile(`(?i)^\s*page\s+(\d+)\s*$`)
	pageOfPagesPattern = regexp.MustCompile(`^\s*(\d+)\s*/\s*\d+\s*$`)
	dashedPattern     = regexp.MustCompile(`^\s*-\s*(\d+)\s*-\s*$`)
	numericPattern    = regexp.MustCompile(`^\s*(\d+)\s*$`)
)

// recoverPageNumber scans the first and last three lines of a page's text
// for a footer pattern; returns 0 when no pattern matched.
func recoverPageNumber(text string) int {
	lines := nonEmptyLines(text)
	if len(lines) == 0 {
		return 0
	}

	candidates := make([]string, 0, 6)
	candidates = append(candidates, headLines(lines, 3)...)
	candidates = append(candidates, tailLines(lines, 3)...)

	for _, pattern := range []*regexp.Regexp{pagePattern, pageOfPagesPattern, dashedPattern, numericPattern} {
		for _, line := range candidates {
			if m := pattern.FindStringSubmatch(line); m != nil {
				if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
					return n
				}
			}
		}
	}
	return 0
}

func nonEmptyLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func headLines(lines []string, n int) []string {
	if len(lines) < n {
		n = len(lines)
	}
	return lines[:n]
}

func tailLines(lines []string, n int) []string {
	if len(lines) < n {
		n = len(lines)
	}
	return lines[len(lines)-n:]
}
