// Package httpapi exposes the RAG core over HTTP, implementing spec.md
// §6's endpoint contracts with gin.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hexabank/ragcore/internal/composer"
	"github.com/hexabank/ragcore/internal/ingestion"
	"github.com/hexabank/ragcore/internal/llm"
	"github.com/hexabank/ragcore/internal/planner"
	"github.com/hexabank/ragcore/internal/ragtypes"
	"github.com/hexabank/ragcore/internal/retriever"
	"github.com/hexabank/ragcore/internal/store"
)

// Deps are the components the HTTP layer routes requests into.
type Deps struct {
	Store       *store.Store
	Coordinator *ingestion.Coordinator
	Planner     *planner.Planner
	Retriever   *retriever.Retriever
	Composer    *composer.Composer
	MaxUploadMB int64
	AllowedExts []string
	Logger      *logrus.Logger
}

// NewRouter builds the gin engine with every spec.md §6 route wired.
func NewRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = logrus.StandardLogger()
	}
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	api.GET("/health", d.handleHealth)
	api.POST("/documents/upload", d.handleUpload)
	api.GET("/documents/", d.handleListDocuments)
	api.DELETE("/documents/:id", d.handleDeleteDocument)
	api.POST("/chat/stream", d.handleChatStream)

	return r
}

func (d Deps) handleHealth(c *gin.Context) {
	docCount, err := d.Store.CountDocuments(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "unavailable"})
		return
	}
	chunkCount, err := d.Store.CountChunks(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"documents_count": docCount,
		"chunks_count":    chunkCount,
	})
}

func (d Deps) handleUpload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file"})
		return
	}

	maxBytes := d.MaxUploadMB * 1024 * 1024
	if fileHeader.Size > maxBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload exceeds maximum size"})
		return
	}

	mime, ok := classifyMIME(fileHeader.Filename, d.AllowedExts)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported mime type"})
		return
	}

	class := ragtypes.DocumentClass(c.DefaultPostForm("class", string(ragtypes.ClassDocument)))
	switch class {
	case ragtypes.ClassRegulation, ragtypes.ClassPolicy, ragtypes.ClassDocument:
	default:
		class = ragtypes.ClassDocument
	}

	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ingestion failed"})
		return
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ingestion failed"})
		return
	}

	doc, err := d.Coordinator.Ingest(c.Request.Context(), ingestion.Request{
		Name:  fileHeader.Filename,
		Data:  data,
		MIME:  mime,
		Class: class,
	})
	if err != nil {
		d.Logger.WithFields(logrus.Fields{"component": "httpapi"}).WithError(err).Warn("ingestion failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ingestion failed"})
		return
	}

	c.JSON(http.StatusOK, doc.ToDTO())
}

func classifyMIME(filename string, allowed []string) (ragtypes.MIMEKind, bool) {
	ext := strings.ToLower(filepath.Ext(filename))
	recognized := false
	for _, a := range allowed {
		if strings.EqualFold(a, ext) {
			recognized = true
			break
		}
	}
	if !recognized {
		return "", false
	}
	switch ext {
	case ".pdf":
		return ragtypes.MIMEPDF, true
	case ".docx", ".doc":
		return ragtypes.MIMEDOCX, true
	case ".txt":
		return ragtypes.MIMEText, true
	default:
		return "", false
	}
}

func (d Deps) handleListDocuments(c *gin.Context) {
	docs, err := d.Store.ListDocuments(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
		return
	}
	dtos := make([]ragtypes.DocumentDTO, len(docs))
	for i, doc := range docs {
		dtos[i] = doc.ToDTO()
	}
	c.JSON(http.StatusOK, dtos)
}

func (d Deps) handleDeleteDocument(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
		return
	}
	if err := d.Store.DeleteDocument(c.Request.Context(), id); err != nil {
		if errors.Is(err, ragtypes.ErrDocumentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
		return
	}
	c.Status(http.StatusNoContent)
}

// chatRequest is the wire body for /api/chat/stream.
type chatRequest struct {
	Message   string   `json:"message"`
	SessionID string   `json:"session_id"`
	History   []string `json:"history"`
}

// lineBreakSentinel/blankLineSentinel escape literal newlines inside
// "text" event payloads since SSE framing itself uses newlines (spec.md
// §6).
const (
	lineBreakSentinel  = "<<<LINE_BREAK>>>"
	blankLineSentinel  = "<<<BLANK_LINE>>>"
)

func escapeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\n\n", blankLineSentinel)
	s = strings.ReplaceAll(s, "\n", lineBreakSentinel)
	return s
}

func (d Deps) handleChatStream(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing message"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	ctx := c.Request.Context()
	w := c.Writer
	flusher, _ := w.(http.Flusher)

	writeData := func(payload string) {
		fmt.Fprintf(w, "data: %s\n\n", payload)
		if flusher != nil {
			flusher.Flush()
		}
	}

	plan, err := d.Planner.Plan(ctx, req.Message)
	if err != nil {
		writeData(errorPayload("planning failed"))
		writeData("[DONE]")
		return
	}

	retrieval, err := d.Retriever.Retrieve(ctx, plan.QueryVector, req.Message)
	if err != nil {
		writeData(errorPayload("retrieval failed"))
		writeData("[DONE]")
		return
	}
	degraded := plan.Degraded || retrieval.Degraded

	history := parseHistory(req.History)
	events := d.Composer.Answer(ctx, req.Message, history, retrieval.Chunks, degraded)

	for ev := range events {
		switch ev.Kind {
		case "text":
			writeData(escapeNewlines(ev.Text))
		case "citations":
			writeData(citationsPayload(ev.Citations, ev.InvalidCitations))
		case "metrics":
			writeData(metricsPayload(ev.Metrics))
		case "error":
			writeData(errorPayload(ev.ErrorMessage))
		case "done":
			writeData("[DONE]")
		}
	}
}

func errorPayload(msg string) string {
	b, _ := json.Marshal(gin.H{"kind": "error", "data": gin.H{"message": msg}})
	return string(b)
}

func citationsPayload(citations []composer.Citation, invalid []string) string {
	dtos := make([]gin.H, len(citations))
	for i, cit := range citations {
		source := fmt.Sprintf("%s, p.%d", cit.DocumentName, cit.Page)
		if cit.Section != "" {
			source += ", §" + cit.Section
		}
		dtos[i] = gin.H{
			"id":     cit.ID,
			"text":   cit.TextExcerpt,
			"source": source,
			"url":    "/documents/" + cit.DocumentID.String(),
		}
	}
	b, _ := json.Marshal(gin.H{
		"kind": "citations",
		"data": gin.H{
			"citations":         dtos,
			"invalid_citations": invalid,
		},
	})
	return string(b)
}

func metricsPayload(m composer.Metrics) string {
	b, _ := json.Marshal(gin.H{
		"kind": "metrics",
		"data": gin.H{
			"input_tokens":             m.InputTokens,
			"output_tokens":            m.OutputTokens,
			"estimated_cost":           m.EstimatedCost,
			"citations_count":          m.CitationsCount,
			"average_normalized_score": m.AverageNormalizedScore,
			"latency_ms":               m.LatencyMS,
			"degraded":                 m.Degraded,
		},
	})
	return string(b)
}

// parseHistory turns the raw alternating-turn strings the client sent
// into llm.Message turns, alternating user/assistant starting with user.
func parseHistory(raw []string) []llm.Message {
	msgs := make([]llm.Message, 0, len(raw))
	for i, text := range raw {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		msgs = append(msgs, llm.Message{Role: role, Content: text})
	}
	return msgs
}
