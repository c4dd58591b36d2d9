package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/providerledger/internal/history"
	"github.com/jmerrifield20/providerledger/internal/ledger/model"
	"github.com/jmerrifield20/providerledger/internal/peer"
	"github.com/jmerrifield20/providerledger/internal/processor"
	"go.uber.org/zap"
)

// Ledger is the peer surface the HTTP handlers call into.
type Ledger interface {
	Invoke(ctx context.Context, op string, args json.RawMessage) (*peer.Receipt, error)
	Status(ctx context.Context) (*peer.Status, error)
	HistoryEntry(ctx context.Context, idx int) (*history.Entry, error)
}

// ProviderHandler handles invoke and provider query requests.
type ProviderHandler struct {
	ledger Ledger
	logger *zap.Logger
}

// NewProviderHandler creates a new ProviderHandler.
func NewProviderHandler(ledger Ledger, logger *zap.Logger) *ProviderHandler {
	return &ProviderHandler{ledger: ledger, logger: logger}
}

// Register mounts the provider routes on the given router group.
func (h *ProviderHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/invoke/:op", h.Invoke)

	providers := rg.Group("/providers")
	{
		providers.POST("/search", h.Search)
		providers.GET("/:id", h.GetProvider)
		providers.GET("/:id/history", h.GetHistory)
	}

	rg.GET("/statistics", h.Statistics)
}

// Invoke handles POST /invoke/:op. The body is the operation's JSON
// arguments. Write operations respond once committed.
func (h *ProviderHandler) Invoke(c *gin.Context) {
	op := c.Param("op")
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeBodyError(c, h.logger, model.CodeInvalidInput, fmt.Errorf("read body: %w", err))
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		writeError(c, h.logger, model.Errorf(model.CodeInvalidInput, "body is not valid JSON"))
		return
	}

	receipt, err := h.ledger.Invoke(c.Request.Context(), op, body)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	status := http.StatusOK
	if op == processor.OpRegister {
		status = http.StatusCreated
	}
	c.JSON(status, receipt)
}

// GetProvider handles GET /providers/:id.
func (h *ProviderHandler) GetProvider(c *gin.Context) {
	h.query(c, processor.OpGet, model.IDRequest{ID: c.Param("id")})
}

// GetHistory handles GET /providers/:id/history.
func (h *ProviderHandler) GetHistory(c *gin.Context) {
	h.query(c, processor.OpGetHistory, model.IDRequest{ID: c.Param("id")})
}

// Search handles POST /providers/search with body {selector, limit, offset}.
func (h *ProviderHandler) Search(c *gin.Context) {
	var req processor.SearchRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBodyError(c, h.logger, model.CodeInvalidSelector, fmt.Errorf("malformed search request: %w", err))
			return
		}
	}
	h.query(c, processor.OpSearchByCriteria, req)
}

// Statistics handles GET /statistics.
func (h *ProviderHandler) Statistics(c *gin.Context) {
	h.query(c, processor.OpStatistics, struct{}{})
}

func (h *ProviderHandler) query(c *gin.Context, op string, args any) {
	raw, err := json.Marshal(args)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	receipt, err := h.ledger.Invoke(c.Request.Context(), op, raw)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}
