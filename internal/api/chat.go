package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/fabiojbg/LLMApiGateway/internal/logging"
	"github.com/fabiojbg/LLMApiGateway/internal/router"
	"github.com/fabiojbg/LLMApiGateway/internal/usage"
)

// chatCompletions proxies POST /v1/chat/completions. The upstream response
// is relayed byte for byte; for streams, response headers are only written
// once an upstream has produced a real first event, so failover stays
// invisible to the caller.
func (h *handlers) chatCompletions(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Error reading request body: " + err.Error()})
		return
	}
	if len(body) == 0 || !gjson.ValidBytes(body) {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Error reading request body: invalid JSON"})
		return
	}
	model := strings.TrimSpace(gjson.GetBytes(body, "model").String())
	if model == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Missing 'model' in request body"})
		return
	}
	streaming := gjson.GetBytes(body, "stream").Bool()

	tap := usage.NewTap(h.manager, model)
	req := &router.Request{
		CallerKey:    callerKey(c),
		GatewayModel: model,
		Streaming:    streaming,
		Body:         body,
		Tap:          tap,
	}

	result, failure := h.router.Route(c.Request.Context(), req)
	if failure != nil {
		if failure.Kind == router.FailureCanceled {
			// Client went away; nothing useful to write.
			c.Abort()
			return
		}
		detail := fmt.Sprintf("All configured providers failed for model '%s'. Last error: %s", model, failure.Detail)
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": detail})
		return
	}

	if result.Stream == nil {
		c.Data(http.StatusOK, "application/json", result.JSON)
		h.finishChat(c, body, tap)
		return
	}
	h.relayStream(c, body, result, tap)
}

func (h *handlers) relayStream(c *gin.Context, requestBody []byte, result *router.Result, tap *usage.Tap) {
	// The stream committed inside Route; the success headers are safe now.
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	write := func(chunk []byte) bool {
		if _, errWrite := c.Writer.Write(chunk); errWrite != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	ctx := c.Request.Context()
	clientGone := !write(result.Primed)
	for chunk := range result.Stream.Run(ctx) {
		if clientGone {
			continue // drain so the relay goroutine can finish
		}
		clientGone = !write(chunk)
	}

	if detail := result.Stream.MidStreamDetail(); detail != "" {
		log.WithFields(log.Fields{
			"request_id": logging.GetGinRequestID(c),
			"provider":   result.Provider,
			"model":      result.Model,
		}).Warnf("stream truncated by upstream error: %s", detail)
	}
	h.finishChat(c, requestBody, tap)
}

// finishChat publishes the usage record and writes the chat transcript.
// Background context: the record must land even when the caller is gone.
func (h *handlers) finishChat(c *gin.Context, requestBody []byte, tap *usage.Tap) {
	tap.Publish(context.Background())
	if h.settings.LogChatEnabled && h.chatLog != nil {
		h.chatLog.Write(logging.GetGinRequestID(c), c.Request.Header.Clone(), requestBody, tap.Content())
	}
}

// callerKey identifies the caller for rotation purposes. Anonymous callers
// share one rotation sequence.
func callerKey(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")); token != "" && token != auth {
		return token
	}
	return "anonymous"
}

func requestID(c *gin.Context) string {
	return logging.GetGinRequestID(c)
}
