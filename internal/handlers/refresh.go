package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chainboard/marketcache/internal/market"
	apperrors "github.com/chainboard/marketcache/pkg/errors"
	"github.com/chainboard/marketcache/pkg/response"
)

// RefreshHandler triggers warm-up runs on behalf of internal callers.
type RefreshHandler struct {
	refresher *market.Refresher
}

// NewRefreshHandler constructs a RefreshHandler.
func NewRefreshHandler(refresher *market.Refresher) (*RefreshHandler, error) {
	if refresher == nil {
		return nil, errors.New("refresh handler: refresher is required")
	}
	return &RefreshHandler{refresher: refresher}, nil
}

// Run handles POST /internal/refresh. Per-target failures are reported as
// data in the summary, not as an HTTP error; only an overlapping run is
// rejected.
func (h *RefreshHandler) Run(c *gin.Context) {
	summary, err := h.refresher.RunOnce(c.Request.Context())
	if err != nil {
		if errors.Is(err, market.ErrRunInProgress) {
			response.Error(c, apperrors.ErrRefreshInProgress)
			return
		}
		response.Error(c, apperrors.Wrap(err, "refresh run aborted"))
		return
	}

	response.Success(c, http.StatusOK, summary)
}
