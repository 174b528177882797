package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/orrn/httprint/internal/core"
	"github.com/orrn/httprint/internal/logger"
)

const (
	APIVersion = "1.0"

	// multipartOverhead covers headers and boundaries around the file part.
	multipartOverhead = 64 << 10
)

type PrintService interface {
	Submit(ctx context.Context, r io.Reader, name string, copies int) (core.Job, error)
	Confirm(ctx context.Context, code string) (core.Job, error)
}

type PrintHandler struct {
	spooler        PrintService
	maxUploadBytes int64
}

func NewPrintHandler(spooler PrintService, maxUploadBytes int64) *PrintHandler {
	return &PrintHandler{spooler: spooler, maxUploadBytes: maxUploadBytes}
}

// Upload accepts a multipart "file" and an optional "copies" field.
func (h *PrintHandler) Upload(c *gin.Context) {
	if h.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+multipartOverhead)
	}

	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			Respond(c, Err{Kind: KindTooLarge, Message: "file is too large"})
		case errors.Is(err, http.ErrMissingFile):
			Respond(c, badRequest("no file uploaded"))
		default:
			Respond(c, badRequest("invalid upload"))
		}
		return
	}

	copies, err := ParseCopies(c.PostForm("copies"))
	if err != nil {
		Respond(c, ErrFrom(err))
		return
	}

	f, err := fh.Open()
	if err != nil {
		Respond(c, ErrFrom(fmt.Errorf("open upload: %w", err)))
		return
	}
	defer f.Close()

	job, err := h.spooler.Submit(c.Request.Context(), f, fh.Filename, copies)
	if err != nil {
		Respond(c, ErrFrom(err).WithJob(job))
		return
	}

	if job.State == core.StatePending {
		logger.FromGin(c).Debug("upload waiting for code", zap.String("job_id", job.ID))
		Respond(c, Ok{
			Message:  "go to the printer and enter this code: " + job.Code,
			Job:      &job,
			ShowCode: true,
		})
		return
	}
	Respond(c, Ok{Message: "file sent to printer", Job: &job})
}

// Confirm releases the job waiting on the code in the path and blocks until
// the printer answered.
func (h *PrintHandler) Confirm(c *gin.Context) {
	code := strings.TrimSpace(c.Param("code"))
	if code == "" {
		Respond(c, badRequest("empty code"))
		return
	}

	job, err := h.spooler.Confirm(c.Request.Context(), code)
	if err != nil {
		Respond(c, ErrFrom(err).WithJob(job))
		return
	}
	Respond(c, Ok{Message: "file sent to printer", Job: &job})
}

// ParseCopies reads the copies form value. Absent means one copy.
func ParseCopies(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 1, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, core.ErrInvalidCopies
	}
	return n, nil
}

// RegisterPrintRoutes mounts the print API on r, unversioned and under
// /v1.0. Guards run before both upload and confirm.
func RegisterPrintRoutes(r *gin.RouterGroup, h *PrintHandler, guards ...gin.HandlerFunc) {
	upload := append(append([]gin.HandlerFunc{}, guards...), h.Upload)
	confirm := append(append([]gin.HandlerFunc{}, guards...), h.Confirm)

	for _, g := range []*gin.RouterGroup{r, r.Group("/v" + APIVersion)} {
		g.POST("/upload", upload...)
		g.POST("/print/:code", confirm...)
	}
}
