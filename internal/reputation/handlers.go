package reputation

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes read-only reputation queries over HTTP.
type Handler struct {
	store Store
}

// NewHandler creates a reputation query handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up reputation endpoints.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/reputation/:entity", h.GetReputation)
}

type reputationResponse struct {
	Entity string `json:"entity"`
	EntityType EntityType `json:"entityType"`
	Score int `json:"score"`
	TotalTransactions uint64 `json:"totalTransactions"`
	DisputesFiled uint64 `json:"disputesFiled"`
	DisputesWon uint64 `json:"disputesWon"`
	DisputesPartial uint64 `json:"disputesPartial"`
	DisputesLost uint64 `json:"disputesLost"`
	AverageQualityReceived uint8 `json:"averageQualityReceived"`
	DisputeCostMultiplier uint64 `json:"disputeCostMultiplier"`
}

// GetReputation returns the live reputation score and counters for an
// entity. The score is always recomputed from counters, never read
// from a cached field.
func (h *Handler) GetReputation(c *gin.Context) {
	entity := c.Param("entity")

	rec, err := h.store.Get(c.Request.Context(), entity, EntityAgent)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "reputation_lookup_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"reputation": reputationResponse{
		Entity: rec.Entity,
		EntityType: rec.EntityType,
		Score: Score(rec.Counters),
		TotalTransactions: rec.Counters.TotalTransactions,
		DisputesFiled: rec.Counters.DisputesFiled,
		DisputesWon: rec.Counters.DisputesWon,
		DisputesPartial: rec.Counters.DisputesPartial,
		DisputesLost: rec.Counters.DisputesLost,
		AverageQualityReceived: rec.Counters.AverageQuality(),
		DisputeCostMultiplier: DisputeCostMultiplier(rec.Counters),
	}})
}
