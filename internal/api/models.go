package api

import (
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	modelsCacheTTL = 60 * time.Second
	modelsCacheKey = "fallback-models"
)

// listModels merges the gateway's rule model names with the fallback
// provider's catalog. Rule-side entries win on duplicate ids; a failed
// fallback fetch degrades to the rules-only list.
func (h *handlers) listModels(c *gin.Context) {
	snap := h.cfg.Snapshot()

	models := make(map[string]map[string]any)
	for _, name := range snap.ModelNames() {
		models[name] = map[string]any{
			"id":       name,
			"object":   "model",
			"owned_by": "gateway",
		}
	}

	for _, entry := range h.fallbackModels(c) {
		id, _ := entry["id"].(string)
		if id == "" {
			continue
		}
		if _, exists := models[id]; exists {
			continue
		}
		models[id] = entry
	}

	list := make([]map[string]any, 0, len(models))
	for _, entry := range models {
		list = append(list, entry)
	}
	sort.Slice(list, func(i, j int) bool {
		iID, _ := list[i]["id"].(string)
		jID, _ := list[j]["id"].(string)
		return iID < jID
	})

	c.JSON(http.StatusOK, gin.H{"object": "list", "data": list})
}

// fallbackModels fetches the fallback provider's /models listing, cached for
// a minute. Any failure yields an empty slice.
func (h *handlers) fallbackModels(c *gin.Context) []map[string]any {
	name := h.settings.FallbackProvider
	if name == "" {
		return nil
	}
	if cached, found := h.modelsCache.Get(modelsCacheKey); found {
		return cached.([]map[string]any)
	}

	provider := h.cfg.Snapshot().ProviderByName(name)
	if provider == nil {
		log.Errorf("fallback provider '%s' not found in providers config", name)
		return nil
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	if key := h.resolveProviderKey(provider.APIKeyRef); key != "" {
		headers.Set("Authorization", "Bearer "+key)
	}

	body, err := h.client.GetJSON(c.Request.Context(), provider.BaseURL, "/models", headers)
	if err != nil {
		log.Warnf("failed to fetch models from fallback provider '%s': %v", name, err)
		return nil
	}

	var entries []map[string]any
	for _, item := range gjson.GetBytes(body, "data").Array() {
		entry, ok := item.Value().(map[string]any)
		if !ok {
			continue
		}
		if _, has := entry["owned_by"]; !has {
			entry["owned_by"] = name
		}
		entry["source_provider"] = name
		entries = append(entries, entry)
	}

	h.modelsCache.Set(modelsCacheKey, entries, modelsCacheTTL)
	return entries
}

// resolveProviderKey treats the configured value as an env var name first
// and as a literal key otherwise.
func (h *handlers) resolveProviderKey(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if value := strings.TrimSpace(os.Getenv(ref)); value != "" {
		return value
	}
	return ref
}
