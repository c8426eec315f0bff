package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/fabiojbg/LLMApiGateway/internal/store"
)

// latestUsage serves GET /v1/usage/latest?limit=&offset=.
func (h *handlers) latestUsage(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "25"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	records, err := h.usage.Latest(c.Request.Context(), limit, offset)
	if err != nil {
		log.Errorf("failed to fetch usage records: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Could not retrieve usage records."})
		return
	}
	total, err := h.usage.Count(c.Request.Context())
	if err != nil {
		log.Errorf("failed to count usage records: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Could not retrieve usage records."})
		return
	}
	if records == nil {
		records = []store.StoredRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "total_records": total})
}

// usageStats serves GET /v1/usage/stats/:period with period day, week,
// month, or all.
func (h *handlers) usageStats(c *gin.Context) {
	var since time.Time
	switch period := c.Param("period"); period {
	case "day":
		since = time.Now().Add(-24 * time.Hour)
	case "week":
		since = time.Now().AddDate(0, 0, -7)
	case "month":
		since = time.Now().AddDate(0, -1, 0)
	case "all":
		// zero since aggregates everything
	default:
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid period. Must be 'day', 'week', 'month', or 'all'."})
		return
	}

	aggregates, err := h.usage.Aggregated(c.Request.Context(), since)
	if err != nil {
		log.Errorf("failed to aggregate usage: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Could not retrieve usage statistics."})
		return
	}
	if aggregates == nil {
		aggregates = []store.Aggregate{}
	}
	c.JSON(http.StatusOK, gin.H{"period": c.Param("period"), "data": aggregates})
}
