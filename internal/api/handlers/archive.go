package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/httprint/internal/archive"
	"github.com/orrn/httprint/internal/db"
)

type HistoryService interface {
	Get(ctx context.Context, jobID string) (*db.HistoryEntry, error)
	History(ctx context.Context, filter db.HistoryFilter) ([]*db.HistoryEntry, int, error)
	Counters(ctx context.Context, since time.Time) ([]db.DailyCounter, error)
}

type ArchiveService interface {
	ListArchives(ctx context.Context) ([]*archive.ArchiveFile, error)
	Prune(ctx context.Context, now time.Time) error
}

type HistoryQuery struct {
	State  string `form:"state"`
	Limit  int    `form:"limit" binding:"min=0,max=500"`
	Offset int    `form:"offset" binding:"min=0"`
}

// ArchiveHandler serves the print ledger and the archived files. Either
// dependency may be nil when its feature is disabled.
type ArchiveHandler struct {
	ledger   HistoryService
	archiver ArchiveService
}

func NewArchiveHandler(ledger HistoryService, archiver ArchiveService) *ArchiveHandler {
	return &ArchiveHandler{ledger: ledger, archiver: archiver}
}

func (h *ArchiveHandler) ListHistory(c *gin.Context) {
	var query HistoryQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		Respond(c, badRequest(err.Error()))
		return
	}

	entries, total, err := h.ledger.History(c.Request.Context(), db.HistoryFilter{
		State:  query.State,
		Limit:  query.Limit,
		Offset: query.Offset,
	})
	if err != nil {
		Respond(c, ErrFrom(err))
		return
	}
	if entries == nil {
		entries = []*db.HistoryEntry{}
	}

	c.JSON(http.StatusOK, gin.H{
		"history": entries,
		"total":   total,
		"offset":  query.Offset,
		"count":   len(entries),
	})
}

func (h *ArchiveHandler) GetHistory(c *gin.Context) {
	entry, err := h.ledger.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		Respond(c, ErrFrom(err))
		return
	}
	c.JSON(http.StatusOK, entry)
}

// GetCounters returns per-day totals for the last "days" days (default 30).
func (h *ArchiveHandler) GetCounters(c *gin.Context) {
	days := 30
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 366 {
			Respond(c, badRequest("days must be between 1 and 366"))
			return
		}
		days = n
	}

	since := time.Now().UTC().AddDate(0, 0, -days+1)
	counters, err := h.ledger.Counters(c.Request.Context(), since)
	if err != nil {
		Respond(c, ErrFrom(err))
		return
	}
	if counters == nil {
		counters = []db.DailyCounter{}
	}

	c.JSON(http.StatusOK, gin.H{"counters": counters, "days": days})
}

type ArchiveStatsResponse struct {
	TotalArchives int    `json:"total_archives"`
	TotalSize     int64  `json:"total_size_bytes"`
	OldestArchive string `json:"oldest_archive,omitempty"`
	NewestArchive string `json:"newest_archive,omitempty"`
}

func (h *ArchiveHandler) ListArchives(c *gin.Context) {
	archives, err := h.archiver.ListArchives(c.Request.Context())
	if err != nil {
		Respond(c, ErrFrom(err))
		return
	}
	if archives == nil {
		archives = []*archive.ArchiveFile{}
	}

	stats := ArchiveStatsResponse{TotalArchives: len(archives)}
	for _, a := range archives {
		stats.TotalSize += a.Size
		if stats.OldestArchive == "" || a.Key < stats.OldestArchive {
			stats.OldestArchive = a.Key
		}
		if stats.NewestArchive == "" || a.Key > stats.NewestArchive {
			stats.NewestArchive = a.Key
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"archives": archives,
		"stats":    stats,
	})
}

// PruneArchives applies the retention policy now instead of waiting for the
// next scheduled run.
func (h *ArchiveHandler) PruneArchives(c *gin.Context) {
	if err := h.archiver.Prune(c.Request.Context(), time.Now()); err != nil {
		Respond(c, ErrFrom(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "archive pruned"})
}

func (h *ArchiveHandler) RegisterRoutes(r *gin.RouterGroup) {
	if h.ledger != nil {
		r.GET("/history", h.ListHistory)
		r.GET("/history/counters", h.GetCounters)
		r.GET("/history/:id", h.GetHistory)
	}
	if h.archiver != nil {
		r.GET("/archives", h.ListArchives)
		r.POST("/archives/prune", h.PruneArchives)
	}
}
