package handlers

import (
	"embed"
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
)

//go:embed web/*.html
var webFS embed.FS

var pages = template.Must(template.ParseFS(webFS, "web/*.html"))

type IndexData struct {
	Title       string
	RequireCode bool
	MaxCopies   int
	CodeDigits  int
}

// WebUIHandler serves the upload page for browsers.
type WebUIHandler struct {
	data IndexData
}

func NewWebUIHandler(requireCode bool, maxCopies, codeDigits int) *WebUIHandler {
	return &WebUIHandler{data: IndexData{
		Title:       "httprint",
		RequireCode: requireCode,
		MaxCopies:   maxCopies,
		CodeDigits:  codeDigits,
	}}
}

func (h *WebUIHandler) Index(c *gin.Context) {
	c.Render(http.StatusOK, render.HTML{
		Template: pages,
		Name:     "index.html",
		Data:     h.data,
	})
}

func (h *WebUIHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/", h.Index)
	r.GET("/index.html", h.Index)
}
