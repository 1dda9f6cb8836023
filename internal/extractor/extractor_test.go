package extractor

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexabank/ragcore/internal/ragtypes"
)

func buildMinimalDOCX(t *testing.T, paragraphs ...string) []byte {
	t.Helper()
	var body bytes.Buffer
	body.WriteString(`<?xml version="1.0"?><w:document xmlns:w="ns"><w:body>`)
	for _, p := range paragraphs {
		body.WriteString(`<w:p><w:r><w:t>` + p + `</w:t></w:r></w:p>`)
	}
	body.WriteString(`</w:body></w:document>`)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write(body.Bytes())
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestExtract_DOCX_JoinsParagraphs(t *testing.T) {
	e := New(nil)
	data := buildMinimalDOCX(t, "First paragraph of the regulation.", "Second paragraph with more detail.")

	result, err := e.Extract(data, ragtypes.MIMEDOCX)

	require.NoError(t, err)
	assert.Contains(t, result.ConcatenatedText, "First paragraph of the regulation.")
	assert.Contains(t, result.ConcatenatedText, "Second paragraph with more detail.")
}

func TestExtract_DOCX_MissingDocumentXMLFails(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	require.NoError(t, zw.Close())

	e := New(nil)
	_, err := e.Extract(buf.Bytes(), ragtypes.MIMEDOCX)
	assert.ErrorIs(t, err, ragtypes.ErrExtractionFailed)
}

func TestExtract_PlainText_NormalizesCRLF(t *testing.T) {
	e := New(nil)
	result, err := e.Extract([]byte("line one\r\nline two\r\n"), ragtypes.MIMEText)

	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", result.ConcatenatedText)
}

func TestExtract_UnsupportedMIME(t *testing.T) {
	e := New(nil)
	_, err := e.Extract([]byte("data"), ragtypes.MIMEKind("image/png"))
	assert.ErrorIs(t, err, ragtypes.ErrExtractionFailed)
}

func TestRecoverPageNumber_MatchesPageNPattern(t *testing.T) {
	text := "Some regulatory text here.\nMore detail follows below.\n\nPage 42"
	assert.Equal(t, 42, recoverPageNumber(text))
}

func TestRecoverPageNumber_MatchesOfPagesPattern(t *testing.T) {
	text := "Content line one.\nContent line two.\n\n7/120"
	assert.Equal(t, 7, recoverPageNumber(text))
}

func TestRecoverPageNumber_MatchesDashedPattern(t *testing.T) {
	text := "- 15 -\nContent line one.\nContent line two."
	assert.Equal(t, 15, recoverPageNumber(text))
}

func TestRecoverPageNumber_NoMatchReturnsZero(t *testing.T) {
	text := "Nothing here resembles a page footer at all."
	assert.Equal(t, 0, recoverPageNumber(text))
}

func TestRecoverPageNumber_PrefersHigherPriorityPattern(t *testing.T) {
	// Both an explicit "Page N" line and a bare numeric line are present;
	// the higher-priority pattern must win regardless of position.
	text := "12\nSome body text.\nPage 99"
	assert.Equal(t, 99, recoverPageNumber(text))
}
