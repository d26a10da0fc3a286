package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chainboard/marketcache/internal/market"
	apperrors "github.com/chainboard/marketcache/pkg/errors"
	"github.com/chainboard/marketcache/pkg/response"
	"github.com/chainboard/marketcache/pkg/validator"
)

// TierHeader exposes which rung of the fallback ladder served the payload.
const TierHeader = "X-Cache-Tier"

// MarketHandler serves market-data payloads through the read-through cache.
type MarketHandler struct {
	manager    *market.Manager
	defaultTTL time.Duration
}

// NewMarketHandler constructs a MarketHandler.
func NewMarketHandler(manager *market.Manager, defaultTTL time.Duration) (*MarketHandler, error) {
	if manager == nil {
		return nil, errors.New("market handler: manager is required")
	}
	if defaultTTL <= 0 {
		defaultTTL = market.DefaultTTL
	}
	return &MarketHandler{manager: manager, defaultTTL: defaultTTL}, nil
}

type queryRequest struct {
	Endpoint          string            `json:"endpoint" validate:"required"`
	Chain             string            `json:"chain" validate:"required"`
	Params            map[string]string `json:"params"`
	ExpirationMinutes int               `json:"expirationMinutes" validate:"gte=0"`
}

// Query handles POST /api/market/query: it resolves the request through the
// fallback ladder and always answers with some payload for known endpoints.
func (h *MarketHandler) Query(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperrors.NewBadRequest("invalid JSON body"))
		return
	}
	if err := validator.ValidateStruct(req); err != nil {
		response.Error(c, apperrors.NewBadRequest(err.Error()))
		return
	}

	spec := market.FetchSpec{
		Endpoint: req.Endpoint,
		Chain:    req.Chain,
		Params:   req.Params,
	}
	if _, ok := spec.Kind(); !ok {
		response.Error(c, apperrors.NewBadRequest("unsupported endpoint"))
		return
	}

	ttl := h.defaultTTL
	if req.ExpirationMinutes > 0 {
		ttl = time.Duration(req.ExpirationMinutes) * time.Minute
	}

	result, err := h.manager.GetOrRefresh(c.Request.Context(), spec, ttl)
	if err != nil {
		response.Error(c, apperrors.NewBadRequest(err.Error()))
		return
	}

	c.Header(TierHeader, string(result.Tier))
	response.SuccessWithMeta(c, http.StatusOK, result.Payload, &response.Meta{
		Key:       result.Key,
		Tier:      string(result.Tier),
		ExpiresAt: result.ExpiresAt.UTC().Format(time.RFC3339),
	})
}
