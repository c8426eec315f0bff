package api

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/fabiojbg/LLMApiGateway/internal/config"
)

// The config editor endpoints operate on raw file text so comments in the
// documents survive a round trip through the editor.

func (h *handlers) getRules(c *gin.Context) {
	h.serveRawConfig(c, h.cfg.RulesPath(), h.cfg.RawRules)
}

func (h *handlers) getProviders(c *gin.Context) {
	h.serveRawConfig(c, h.cfg.ProvidersPath(), h.cfg.RawProviders)
}

func (h *handlers) serveRawConfig(c *gin.Context, path string, read func() (string, error)) {
	text, err := read()
	if err != nil {
		name := filepath.Base(path)
		if os.IsNotExist(err) {
			c.JSON(http.StatusNotFound, gin.H{"detail": name + " not found."})
			return
		}
		log.Errorf("failed to read %s: %v", name, err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Could not read " + name + "."})
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(text))
}

func (h *handlers) saveRules(c *gin.Context) {
	h.saveRawConfig(c, h.cfg.RulesPath(), h.cfg.ReplaceRules)
}

func (h *handlers) saveProviders(c *gin.Context) {
	h.saveRawConfig(c, h.cfg.ProvidersPath(), h.cfg.ReplaceProviders)
}

// saveRawConfig validates and installs a prospective document. On success
// the file is already written and the new snapshot is live; on validation
// failure nothing changed.
func (h *handlers) saveRawConfig(c *gin.Context, path string, replace func(string) error) {
	name := filepath.Base(path)
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Error reading request body: " + err.Error()})
		return
	}
	if len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Request body is empty"})
		return
	}

	if err = replace(string(body)); err != nil {
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			log.WithField("request_id", requestID(c)).
				Warnf("rejected %s update: %v", name, verr.Issues)
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Validation Error", "errors": verr.Issues})
			return
		}
		log.Errorf("failed to save %s: %v", name, err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Could not save " + name + "."})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": name + " updated and reloaded successfully."})
}
