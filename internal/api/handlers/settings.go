package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/httprint/internal/config"
)

type ServerConfigResponse struct {
	ListenAddr     string   `json:"listen_addr"`
	TLS            bool     `json:"tls"`
	MaxUploadBytes int64    `json:"max_upload_bytes"`
	RequireCode    bool     `json:"require_code"`
	CodeDigits     int      `json:"code_digits"`
	MaxCopies      int      `json:"max_copies"`
	MaxPages       int      `json:"max_pages"`
	CheckPDFPages  bool     `json:"check_pdf_pages"`
	Backend        string   `json:"backend"`
	Command        []string `json:"command,omitempty"`
	SocketAddress  string   `json:"socket_address,omitempty"`
	PrintTimeout   string   `json:"print_timeout"`
	CodeTTL        string   `json:"code_ttl"`
	Retention      string   `json:"retention"`
	QueueDir       string   `json:"queue_dir"`
	ArchiveEnabled bool     `json:"archive_enabled"`
	ArchiveTarget  string   `json:"archive_target,omitempty"`
	ArchiveDays    int      `json:"archive_keep_days"`
	DatabasePath   string   `json:"database_path"`
	Webhooks       int      `json:"webhooks"`
	LogLevel       string   `json:"log_level"`
	LogFormat      string   `json:"log_format"`
}

// SettingsHandler exposes the effective configuration without secrets.
type SettingsHandler struct {
	config *config.Config
	tls    bool
}

func NewSettingsHandler(cfg *config.Config, tls bool) *SettingsHandler {
	return &SettingsHandler{config: cfg, tls: tls}
}

func (h *SettingsHandler) GetServerConfig(c *gin.Context) {
	cfg := h.config
	resp := ServerConfigResponse{
		ListenAddr:     cfg.ListenAddr(),
		TLS:            h.tls,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		RequireCode:    cfg.Print.RequireCode,
		CodeDigits:     cfg.Print.CodeDigits,
		MaxCopies:      cfg.Print.MaxCopies,
		MaxPages:       cfg.Print.MaxPages,
		CheckPDFPages:  cfg.Print.CheckPDFPages,
		Backend:        cfg.Print.Backend,
		PrintTimeout:   cfg.Print.Timeout.String(),
		CodeTTL:        cfg.Jobs.CodeTTL.String(),
		Retention:      cfg.Jobs.Retention.String(),
		QueueDir:       cfg.Storage.QueueDir,
		ArchiveEnabled: cfg.Archive.Enabled,
		ArchiveDays:    cfg.Archive.KeepDays,
		DatabasePath:   cfg.Database.Path,
		Webhooks:       len(cfg.Webhooks),
		LogLevel:       cfg.Logging.Level,
		LogFormat:      cfg.Logging.Format,
	}

	switch cfg.Print.Backend {
	case "socket":
		resp.SocketAddress = cfg.Print.SocketAddress
	default:
		resp.Command = cfg.Print.Command
	}

	if cfg.Archive.Enabled {
		resp.ArchiveTarget = cfg.Archive.Dir
		if cfg.Archive.S3.Enabled() {
			resp.ArchiveTarget = "s3://" + cfg.Archive.S3.Bucket + "/" + cfg.Archive.S3.Prefix
		}
	}

	c.JSON(http.StatusOK, resp)
}

func (h *SettingsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/settings", h.GetServerConfig)
}
