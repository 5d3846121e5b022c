package escrow

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/attestation"
	"github.com/mbd888/escrowd/internal/escrowerr"
	"github.com/mbd888/escrowd/internal/instruction"
	"github.com/mbd888/escrowd/internal/runtime"
	"github.com/mbd888/escrowd/internal/validation"
)

// badEnvelope reports a request whose bound fields failed to round-trip
// through the instruction wire envelope.
func badEnvelope(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error": "invalid_request",
		"message": "malformed instruction envelope: " + err.Error(),
	})
}

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrow/:id", h.GetEscrow)
	r.GET("/agents/:address/escrows", h.ListEscrows)
}

// RegisterProtectedRoutes sets up protected (auth-required) escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrow", h.CreateEscrow)
	r.POST("/escrow/:id/release", h.ReleaseEscrow)
	r.POST("/escrow/:id/dispute", h.MarkDisputed)
	r.POST("/escrow/:id/resolve-signed", h.ResolveDisputeSigned)
	r.POST("/escrow/:id/resolve-quorum", h.ResolveDisputeQuorum)
}

// CreateRequest is the body of POST /v1/escrow.
type CreateRequest struct {
	API string `json:"api"`
	Amount uint64 `json:"amount"`
	TimeLockSeconds int64 `json:"timeLockSeconds"`
	TransactionID string `json:"transactionId"`
}

// CreateEscrow handles POST /v1/escrow
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid_request",
			"message": "invalid request body",
		})
		return
	}

	callerAddr := c.GetString("authAgentAddr")
	if errs := validation.Validate(
		validation.Required("api", req.API),
		validation.ValidIdentity("api", req.API),
		validation.MaxLength("transaction_id", req.TransactionID, 64),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	envelope, err := instruction.EncodeCreate(instruction.CreateArgs{
		Agent: callerAddr,
		API: req.API,
		TransactionID: req.TransactionID,
		Amount: req.Amount,
		TimeLockSeconds: req.TimeLockSeconds,
	})
	if err != nil {
		badEnvelope(c, err)
		return
	}
	args, err := instruction.DecodeCreate(envelope)
	if err != nil {
		badEnvelope(c, err)
		return
	}

	escrow, err := h.service.Create(c.Request.Context(), CreateParams{
		Agent: args.Agent,
		API: args.API,
		Amount: args.Amount,
		TimeLock: time.Duration(args.TimeLockSeconds) * time.Second,
		TransactionID: args.TransactionID,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": escrow})
}

// GetEscrow handles GET /v1/escrow/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	id := c.Param("id")

	escrow, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ListEscrows handles GET /v1/agents/:address/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	address := c.Param("address")
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	escrows, err := h.service.ListByAgent(c.Request.Context(), address, limit)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count": len(escrows),
	})
}

// ReleaseEscrow handles POST /v1/escrow/:id/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	id := c.Param("id")
	callerAddr := c.GetString("authAgentAddr")

	envelope, err := instruction.EncodeRelease(instruction.ReleaseArgs{Escrow: id, Caller: callerAddr})
	if err != nil {
		badEnvelope(c, err)
		return
	}
	args, err := instruction.DecodeRelease(envelope)
	if err != nil {
		badEnvelope(c, err)
		return
	}

	escrow, err := h.service.Release(c.Request.Context(), args.Escrow, args.Caller)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// MarkDisputed handles POST /v1/escrow/:id/dispute
func (h *Handler) MarkDisputed(c *gin.Context) {
	id := c.Param("id")
	callerAddr := c.GetString("authAgentAddr")

	envelope, err := instruction.EncodeMarkDisputed(instruction.MarkDisputedArgs{Escrow: id, Agent: callerAddr})
	if err != nil {
		badEnvelope(c, err)
		return
	}
	args, err := instruction.DecodeMarkDisputed(envelope)
	if err != nil {
		badEnvelope(c, err)
		return
	}

	escrow, err := h.service.MarkDisputed(c.Request.Context(), args.Escrow, args.Agent)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ResolveSignedRequest is the body of POST /v1/escrow/:id/resolve-signed.
type ResolveSignedRequest struct {
	QualityScore uint8 `json:"qualityScore"`
	RefundPercentage uint8 `json:"refundPercentage"`
	Instructions []runtime.SubmittedInstruction `json:"instructions"`
}

// ResolveDisputeSigned handles POST /v1/escrow/:id/resolve-signed
func (h *Handler) ResolveDisputeSigned(c *gin.Context) {
	id := c.Param("id")

	var req ResolveSignedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid_request",
			"message": "qualityScore, refundPercentage and the signed instruction are required",
		})
		return
	}

	var pubKey, sig []byte
	if len(req.Instructions) > 0 {
		pubKey = req.Instructions[0].PublicKey
		sig = req.Instructions[0].Signature
	}
	envelope, err := instruction.EncodeResolveSigned(instruction.ResolveSignedArgs{
		ResolveArgs: instruction.ResolveArgs{
			Escrow: id,
			QualityScore: req.QualityScore,
			RefundPercentage: req.RefundPercentage,
		},
		PublicKey: pubKey,
		Signature: sig,
	})
	if err != nil {
		badEnvelope(c, err)
		return
	}
	args, err := instruction.DecodeResolveSigned(envelope)
	if err != nil {
		badEnvelope(c, err)
		return
	}

	escrow, err := h.service.ResolveDisputeSigned(c.Request.Context(), args.Escrow, args.QualityScore, args.RefundPercentage, runtime.InstructionIntrospection(req.Instructions))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ResolveQuorumRequest is the body of POST /v1/escrow/:id/resolve-quorum.
type ResolveQuorumRequest struct {
	QualityScore uint8 `json:"qualityScore"`
	RefundPercentage uint8 `json:"refundPercentage"`
	Feed attestation.FeedRecord `json:"feed"`
}

// ResolveDisputeQuorum handles POST /v1/escrow/:id/resolve-quorum
func (h *Handler) ResolveDisputeQuorum(c *gin.Context) {
	id := c.Param("id")

	var req ResolveQuorumRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid_request",
			"message": "qualityScore, refundPercentage and the feed record are required",
		})
		return
	}

	envelope, err := instruction.EncodeResolveQuorum(instruction.ResolveQuorumArgs{
		ResolveArgs: instruction.ResolveArgs{
			Escrow: id,
			QualityScore: req.QualityScore,
			RefundPercentage: req.RefundPercentage,
		},
		FeedOwner: req.Feed.Owner,
		FeedValue: req.Feed.Value,
		FeedLastUpdate: req.Feed.LastUpdateUnix,
	})
	if err != nil {
		badEnvelope(c, err)
		return
	}
	args, err := instruction.DecodeResolveQuorum(envelope)
	if err != nil {
		badEnvelope(c, err)
		return
	}

	feed := attestation.FeedRecord{
		Owner: args.FeedOwner,
		Value: args.FeedValue,
		LastUpdateUnix: args.FeedLastUpdate,
	}
	escrow, err := h.service.ResolveDisputeQuorum(c.Request.Context(), args.Escrow, args.QualityScore, args.RefundPercentage, feed)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// writeError maps a coded or sentinel error to the HTTP response its
// failure lists call for.
func writeError(c *gin.Context, err error) {
	if errors.Is(err, escrowerr.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "escrow not found"})
		return
	}
	if errors.Is(err, escrowerr.ErrInsufficientFunds) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "insufficient_funds", "message": err.Error()})
		return
	}

	code, ok := escrowerr.CodeOf(err)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	status := http.StatusBadRequest
	switch code {
	case escrowerr.UnauthorizedRelease, escrowerr.UnauthorizedDispute:
		status = http.StatusForbidden
	case escrowerr.InvalidStatus, escrowerr.DuplicateTransactionId, escrowerr.DisputeWindowExpired, escrowerr.RefundMismatch:
		status = http.StatusConflict
	case escrowerr.RateLimitExceeded:
		status = http.StatusTooManyRequests
	case escrowerr.InsufficientRentReserve, escrowerr.ArithmeticOverflow:
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, gin.H{"error": strconv.Itoa(int(code)), "message": err.Error()})
}
