package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// HandleBillingWebhook receives one provider event delivery. The response
// never blocks on downstream processing.
func (s *Server) HandleBillingWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	signature := strings.TrimSpace(c.GetHeader("Signature"))
	if signature == "" {
		signature = strings.TrimSpace(c.GetHeader("Stripe-Signature"))
	}

	status, err := s.webhookSvc.Ingest(c.Request.Context(), payload, signature)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": string(status)})
}
