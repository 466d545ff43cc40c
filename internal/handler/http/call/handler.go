package call

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"voidlink-backend/internal/call"
	"voidlink-backend/internal/domain"
	"voidlink-backend/pkg/pagination"
	"voidlink-backend/pkg/response"
)

// CallStore is the read surface the history endpoints need.
type CallStore interface {
	GetByID(ctx context.Context, callID uuid.UUID) (*domain.CallSession, error)
	GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallSession, error)
	CountUserCalls(ctx context.Context, userID uuid.UUID) (int, error)
}

// Handler handles call history and configuration HTTP requests
type Handler struct {
	calls CallStore
	ice   call.ICEConfig
}

// NewHandler creates a new call handler
func NewHandler(calls CallStore, ice call.ICEConfig) *Handler {
	if len(ice.STUNURLs) == 0 {
		ice = call.DefaultICEConfig()
	}
	return &Handler{calls: calls, ice: ice}
}

func requestUserID(c *gin.Context) (uuid.UUID, bool) {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, false
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return uuid.Nil, false
	}
	return userID, true
}

// GetCallHistory lists the requesting user's calls, most recent first
// GET /v1/calls
func (h *Handler) GetCallHistory(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	if h.calls == nil {
		response.Error(c, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Call history is unavailable")
		return
	}

	params, err := pagination.ParsePaginationParams(
		c.Query("page"),
		c.Query("limit"),
		"created_at",
		"desc",
	)
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	sessions, err := h.calls.GetUserCalls(c.Request.Context(), userID, params.Limit, pagination.CalculateOffset(params.Page, params.Limit))
	if err != nil {
		response.InternalError(c, "Failed to get call history")
		return
	}

	total, err := h.calls.CountUserCalls(c.Request.Context(), userID)
	if err != nil {
		response.InternalError(c, "Failed to count calls")
		return
	}

	response.Success(c, http.StatusOK, pagination.BuildPaginationResponse(params, int64(total), sessions))
}

// GetCall retrieves one call session the user participated in
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	if h.calls == nil {
		response.Error(c, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Call history is unavailable")
		return
	}

	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return
	}

	session, err := h.calls.GetByID(c.Request.Context(), callID)
	if err != nil {
		response.NotFound(c, "Call not found")
		return
	}

	if session.CallerID != userID && session.CalleeID != userID {
		response.Forbidden(c, "Not a participant of this call")
		return
	}

	response.Success(c, http.StatusOK, session)
}

// GetICEConfig returns the relay server set clients feed into their
// peer connections
// GET /v1/calls/ice-config
func (h *Handler) GetICEConfig(c *gin.Context) {
	if _, ok := requestUserID(c); !ok {
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"ice_servers": []gin.H{
			{"urls": h.ice.STUNURLs},
		},
		"candidate_pool_size": h.ice.CandidatePoolSize,
	})
}
