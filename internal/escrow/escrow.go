// Package escrow implements the escrow state machine: a
// quality-graded payment hold between a paying agent and a serving API,
// settled either by agent confirmation, time-lock reap, or oracle-attested
// dispute resolution.
//
// Flow:
// 1. Agent calls create → principal moves agent-available → escrow-custody.
// 2. Agent calls release (or anyone, once expires_at passes) → full
// principal moves escrow-custody → API-available.
// 3. Agent calls mark_disputed within the dispute window → no funds move.
// 4. Oracle-attested resolve splits principal between agent (refund) and
// API (payment) per the refund calculator, and updates reputation.
package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/escrowd/internal/address"
	"github.com/mbd888/escrowd/internal/attestation"
	"github.com/mbd888/escrowd/internal/escrowerr"
	"github.com/mbd888/escrowd/internal/events"
	"github.com/mbd888/escrowd/internal/instruction"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/payout"
	"github.com/mbd888/escrowd/internal/ratelimit"
	"github.com/mbd888/escrowd/internal/reputation"
	"github.com/mbd888/escrowd/internal/runtime"
)

// ed25519VerifierProgramID tags the sibling instruction a signed-resolve
// call must find at instruction-introspection index 0. This program has
// exactly one native verifier, so the tag is a constant rather than a
// configured value.
const ed25519VerifierProgramID = "native-ed25519-verify"

// Status is the escrow's position in the partial order `Active → Released`,
// `Active → Disputed → Resolved`. No other transition exists.
type Status string

const (
	StatusActive Status = "active"
	StatusReleased Status = "released"
	StatusDisputed Status = "disputed"
	StatusResolved Status = "resolved"
)

// Escrow is the central record describes.
type Escrow struct {
	Address string `json:"address"`
	Bump byte `json:"bump"`
	Agent string `json:"agent"`
	API string `json:"api"`
	Amount uint64 `json:"amount"`
	Status Status `json:"status"`
	TransactionID string `json:"transactionId"`
	CreatedAt int64 `json:"createdAt"`
	ExpiresAt int64 `json:"expiresAt"`

	// QualityScore and RefundPercentage are set only once Status is
	// Resolved; nil beforehand.
	QualityScore *uint8 `json:"qualityScore,omitempty"`
	RefundPercentage *uint8 `json:"refundPercentage,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists escrow records.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, addr string) (*Escrow, error)
	Update(ctx context.Context, e *Escrow) error
	ListByAgent(ctx context.Context, agent string, limit int) ([]*Escrow, error)
	// ListExpiredActive returns Active escrows whose expires_at has passed
	// before, for the time-lock reaper.
	ListExpiredActive(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)
}

// LedgerService is the subset of internal/ledger.Store the state machine
// drives.
type LedgerService interface {
	LockEscrow(ctx context.Context, agent, escrowAddr string, principal, reserve uint64) error
	SettleEscrow(ctx context.Context, escrowAddr string, transfers []ledger.Transfer, reserveMinimum uint64) error
}

// EventSink persists the structured events each transition emits.
type EventSink interface {
	Append(ctx context.Context, e events.Event) error
}

// Broadcaster fans a newly emitted event out to live subscribers. Optional:
// a Service with no broadcaster still persists every event, it just has no
// live subscribers to notify.
type Broadcaster interface {
	Broadcast(e events.Event)
}

// Bounds collects the range checks a create call validates against.
type Bounds struct {
	MinAmount uint64
	MaxAmount uint64
	MinTimeLock time.Duration
	MaxTimeLock time.Duration
	StorageReserveMinimum uint64
}

// CreateParams are the caller-supplied inputs to Create.
type CreateParams struct {
	Agent string
	API string
	Amount uint64
	TimeLock time.Duration
	TransactionID string
	// Level is the agent's verification level for rate-limit banding.
	// Defaults to ratelimit.LevelBasic if empty.
	Level ratelimit.Level
}

// Service implements the escrow state machine.
type Service struct {
	store Store
	ledger LedgerService
	rateLimits ratelimit.Store
	reputation reputation.Store
	eventStore EventSink
	hub Broadcaster
	engine *runtime.Engine

	bounds Bounds

	programID string
	addressHashKey []byte

	signedVerifier *attestation.SignedVerifier
	quorumVerifier *attestation.QuorumVerifier

	logger *slog.Logger
	now func() time.Time
}

// Deps collects Service's constructor dependencies.
type Deps struct {
	Store Store
	Ledger LedgerService
	RateLimits ratelimit.Store
	Reputation reputation.Store
	Events EventSink
	Hub Broadcaster
	Engine *runtime.Engine
	Bounds Bounds
	ProgramID string
	AddressHashKey []byte
	SignedVerifier *attestation.SignedVerifier
	QuorumVerifier *attestation.QuorumVerifier
	Logger *slog.Logger
}

// NewService creates the escrow state machine.
func NewService(d Deps) *Service {
	engine := d.Engine
	if engine == nil {
		engine = runtime.NewEngine()
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store: d.Store,
		ledger: d.Ledger,
		rateLimits: d.RateLimits,
		reputation: d.Reputation,
		eventStore: d.Events,
		hub: d.Hub,
		engine: engine,
		bounds: d.Bounds,
		programID: d.ProgramID,
		addressHashKey: d.AddressHashKey,
		signedVerifier: d.SignedVerifier,
		quorumVerifier: d.QuorumVerifier,
		logger: logger,
		now: time.Now,
	}
}

func (s *Service) deriveAddress(transactionID string) (address.Address, byte, error) {
	return address.EscrowAddress(s.addressHashKey, s.programID, transactionID)
}

// Create implements its create operation.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Escrow, error) {
	if p.Amount < s.bounds.MinAmount || p.Amount > s.bounds.MaxAmount {
		return nil, escrowerr.New(escrowerr.InvalidAmount)
	}
	if p.TimeLock < s.bounds.MinTimeLock || p.TimeLock > s.bounds.MaxTimeLock {
		return nil, escrowerr.New(escrowerr.InvalidTimeLock)
	}
	// Non-empty and <=64 bytes; no minimum beyond that is enforced here.
	if len(p.TransactionID) == 0 || len(p.TransactionID) > 64 {
		return nil, escrowerr.New(escrowerr.TransactionIdTooLong)
	}

	level := p.Level
	if level == "" {
		level = ratelimit.LevelBasic
	}

	addr, bump, err := s.deriveAddress(p.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("escrow: derive address: %w", err)
	}
	addrStr := addr.String()

	var escrow *Escrow
	err = s.engine.Execute(ctx, instruction.Create, []string{addrStr, p.Agent}, func(ctx context.Context) error {
		if _, err := s.store.Get(ctx, addrStr); err == nil {
			return escrowerr.New(escrowerr.DuplicateTransactionId)
		}

		window, err := s.rateLimits.Get(ctx, p.Agent, level)
		if err != nil {
			return fmt.Errorf("escrow: rate limit lookup: %w", err)
		}
		now := s.now()
		if err := ratelimit.Allow(window, now); err != nil {
			return err
		}
		if err := s.rateLimits.Update(ctx, window); err != nil {
			return fmt.Errorf("escrow: rate limit update: %w", err)
		}

		if err := s.ledger.LockEscrow(ctx, p.Agent, addrStr, p.Amount, s.bounds.StorageReserveMinimum); err != nil {
			if err == escrowerr.ErrInsufficientFunds {
				return err
			}
			return fmt.Errorf("escrow: lock principal: %w", err)
		}

		escrow = &Escrow{
			Address: addrStr,
			Bump: bump,
			Agent: p.Agent,
			API: p.API,
			Amount: p.Amount,
			Status: StatusActive,
			TransactionID: p.TransactionID,
			CreatedAt: now.Unix(),
			ExpiresAt: now.Add(p.TimeLock).Unix(),
			UpdatedAt: now,
		}
		if err := s.store.Create(ctx, escrow); err != nil {
			return fmt.Errorf("escrow: persist: %w", err)
		}

		s.emit(ctx, events.EscrowInitialized(addrStr, p.Agent, p.API, p.Amount, p.TransactionID, now.Add(p.TimeLock)))
		return nil
	})
	if err != nil {
		s.logger.Warn("escrow create failed", "agent", p.Agent, "transaction_id", p.TransactionID, "error", err)
		return nil, err
	}

	metrics.EscrowsTotal.WithLabelValues("created").Inc()
	s.logger.Info("escrow created", "escrow", addrStr, "agent", p.Agent, "api", p.API, "amount", p.Amount)
	return escrow, nil
}

// Release implements its release operation: the agent may release at any
// time; anyone may release once the time lock expires (the reaper clause).
func (s *Service) Release(ctx context.Context, addr, caller string) (*Escrow, error) {
	var escrow *Escrow
	err := s.engine.Execute(ctx, instruction.Release, []string{addr}, func(ctx context.Context) error {
		e, err := s.store.Get(ctx, addr)
		if err != nil {
			return err
		}
		if e.Status != StatusActive {
			return escrowerr.New(escrowerr.InvalidStatus)
		}
		now := s.now()
		if caller != e.Agent && now.Unix() < e.ExpiresAt {
			return escrowerr.New(escrowerr.UnauthorizedRelease)
		}

		if err := s.ledger.SettleEscrow(ctx, addr, []ledger.Transfer{{To: e.API, Amount: e.Amount}}, s.bounds.StorageReserveMinimum); err != nil {
			return mapSettleErr(err)
		}

		e.Status = StatusReleased
		e.UpdatedAt = now
		if err := s.store.Update(ctx, e); err != nil {
			return fmt.Errorf("escrow: persist release: %w", err)
		}

		s.emit(ctx, events.FundsReleased(addr, e.API, e.Amount))
		escrow = e
		return nil
	})
	if err != nil {
		s.logger.Warn("escrow release failed", "escrow", addr, "caller", caller, "error", err)
		return nil, err
	}

	metrics.EscrowsTotal.WithLabelValues("released").Inc()
	s.logger.Info("escrow released", "escrow", addr, "api", escrow.API, "amount", escrow.Amount)
	return escrow, nil
}

// MarkDisputed implements its mark_disputed operation.
func (s *Service) MarkDisputed(ctx context.Context, addr, agent string) (*Escrow, error) {
	var escrow *Escrow
	err := s.engine.Execute(ctx, instruction.MarkDisputed, []string{addr}, func(ctx context.Context) error {
		e, err := s.store.Get(ctx, addr)
		if err != nil {
			return err
		}
		if agent != e.Agent {
			return escrowerr.New(escrowerr.UnauthorizedDispute)
		}
		if e.Status != StatusActive {
			return escrowerr.New(escrowerr.InvalidStatus)
		}
		now := s.now()
		if now.Unix() >= e.ExpiresAt {
			return escrowerr.New(escrowerr.DisputeWindowExpired)
		}

		e.Status = StatusDisputed
		e.UpdatedAt = now
		if err := s.store.Update(ctx, e); err != nil {
			return fmt.Errorf("escrow: persist dispute: %w", err)
		}

		s.emit(ctx, events.DisputeMarked(addr, agent))
		escrow = e
		return nil
	})
	if err != nil {
		s.logger.Warn("mark disputed failed", "escrow", addr, "agent", agent, "error", err)
		return nil, err
	}

	metrics.EscrowsTotal.WithLabelValues("disputed").Inc()
	s.logger.Info("escrow disputed", "escrow", addr, "agent", agent)
	return escrow, nil
}

// ResolveDisputeSigned implements its resolve_dispute_signed operation:
// verifier variant (a), the single-signer Ed25519 attestation co-submitted
// as a sibling instruction.
func (s *Service) ResolveDisputeSigned(ctx context.Context, addr string, qualityScore, refundPercentage uint8, sibs runtime.InstructionIntrospection) (*Escrow, error) {
	return s.resolve(ctx, addr, qualityScore, refundPercentage, "signed", func(e *Escrow) error {
		if s.signedVerifier == nil {
			return escrowerr.New(escrowerr.InvalidSignature)
		}
		sib, err := sibs.Ed25519At(0, ed25519VerifierProgramID)
		if err != nil {
			return escrowerr.New(escrowerr.InvalidSignature)
		}
		_, err = s.signedVerifier.Verify(sib, e.TransactionID, qualityScore)
		return err
	})
}

// ResolveDisputeQuorum implements its resolve_dispute_quorum operation:
// verifier variant (b), the quorum-oracle feed account.
func (s *Service) ResolveDisputeQuorum(ctx context.Context, addr string, qualityScore, refundPercentage uint8, feed attestation.FeedRecord) (*Escrow, error) {
	return s.resolve(ctx, addr, qualityScore, refundPercentage, "quorum", func(e *Escrow) error {
		if s.quorumVerifier == nil {
			return escrowerr.New(escrowerr.InvalidFeedOwner)
		}
		att, err := s.quorumVerifier.Verify(feed, e.TransactionID)
		if err != nil {
			return err
		}
		// Unlike the signed variant, a quorum feed's message doesn't embed
		// the caller's claimed score. It must be checked explicitly here,
		// or a caller could resolve against an arbitrary quality_score as
		// long as any fresh, in-range feed record exists.
		if att.QualityScore != qualityScore {
			return escrowerr.New(escrowerr.RefundMismatch)
		}
		return nil
	})
}

// resolve implements the body shared by both resolve variants: status and
// refund-mismatch checks, the caller-supplied verify closure, the split,
// settlement, reputation update, and event emission.
func (s *Service) resolve(ctx context.Context, addr string, qualityScore, refundPercentage uint8, verifier string, verify func(*Escrow) error) (*Escrow, error) {
	var escrow *Escrow
	var refund, payment uint64

	disc := instruction.ResolveDisputeSigned
	if verifier == "quorum" {
		disc = instruction.ResolveDisputeQuorum
	}

	err := s.engine.Execute(ctx, disc, []string{addr}, func(ctx context.Context) error {
		e, err := s.store.Get(ctx, addr)
		if err != nil {
			return err
		}
		if e.Status != StatusDisputed {
			return escrowerr.New(escrowerr.InvalidStatus)
		}

		expected := payout.RefundPercentage(qualityScore)
		if refundPercentage != expected {
			return escrowerr.New(escrowerr.RefundMismatch)
		}

		if err := verify(e); err != nil {
			return err
		}

		refund, payment, err = payout.Split(e.Amount, refundPercentage)
		if err != nil {
			return err
		}

		if err := s.ledger.SettleEscrow(ctx, addr, []ledger.Transfer{
			{To: e.Agent, Amount: refund},
			{To: e.API, Amount: payment},
		}, s.bounds.StorageReserveMinimum); err != nil {
			return mapSettleErr(err)
		}

		now := s.now()
		qs, rp := qualityScore, refundPercentage
		e.Status = StatusResolved
		e.QualityScore = &qs
		e.RefundPercentage = &rp
		e.UpdatedAt = now
		if err := s.store.Update(ctx, e); err != nil {
			return fmt.Errorf("escrow: persist resolve: %w", err)
		}

		if err := s.recordReputation(ctx, e, qualityScore, refundPercentage); err != nil {
			return fmt.Errorf("escrow: reputation update: %w", err)
		}

		s.emit(ctx, events.DisputeResolved(addr, qualityScore, refundPercentage, refund, payment))
		escrow = e
		return nil
	})
	if err != nil {
		s.logger.Warn("dispute resolve failed", "escrow", addr, "verifier", verifier, "error", err)
		return nil, err
	}

	metrics.EscrowResolvedTotal.WithLabelValues(verifier).Inc()
	s.logger.Info("dispute resolved", "escrow", addr, "verifier", verifier,
		"quality_score", qualityScore, "refund_percentage", refundPercentage,
		"refund", refund, "payment", payment)
	return escrow, nil
}

// recordReputation updates both sides' counters on resolve only — the
// source leaves third-party time-lock release's effect on reputation
// ambiguous; this implementation leaves it untouched on release and updates
// it exclusively here.
func (s *Service) recordReputation(ctx context.Context, e *Escrow, qualityScore, refundPercentage uint8) error {
	agentRec, err := s.reputation.Get(ctx, e.Agent, reputation.EntityAgent)
	if err != nil {
		return err
	}
	agentRec.Counters.TotalTransactions++
	agentRec.Counters.RecordDispute(refundPercentage)
	if err := s.reputation.Update(ctx, agentRec); err != nil {
		return err
	}

	apiRec, err := s.reputation.Get(ctx, e.API, reputation.EntityProvider)
	if err != nil {
		return err
	}
	apiRec.Counters.TotalTransactions++
	apiRec.Counters.RecordQuality(qualityScore)
	return s.reputation.Update(ctx, apiRec)
}

func (s *Service) emit(ctx context.Context, e events.Event) {
	if err := s.eventStore.Append(ctx, e); err != nil {
		s.logger.Error("event append failed", "tag", e.Tag, "escrow", e.Escrow, "error", err)
	}
	if s.hub != nil {
		s.hub.Broadcast(e)
	}
}

// Get returns an escrow by its derived address.
func (s *Service) Get(ctx context.Context, addr string) (*Escrow, error) {
	return s.store.Get(ctx, addr)
}

// ListByAgent returns escrows funded by agent, most recent first.
func (s *Service) ListByAgent(ctx context.Context, agent string, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByAgent(ctx, agent, limit)
}

// ReapExpired releases every Active escrow whose expires_at has already
// passed, as the time-lock reaper timer drives.
func (s *Service) ReapExpired(ctx context.Context, limit int) (int, error) {
	expired, err := s.store.ListExpiredActive(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, e := range expired {
		if _, err := s.Release(ctx, e.Address, e.Agent); err != nil {
			if !escrowerr.Is(err, escrowerr.InvalidStatus) {
				s.logger.Error("reap: release failed", "escrow", e.Address, "error", err)
			}
			continue
		}
		released++
	}
	return released, nil
}

// mapSettleErr translates a ledger settlement failure into the taxonomy
// release/resolve report per its failure lists.
func mapSettleErr(err error) error {
	if _, ok := escrowerr.CodeOf(err); ok {
		return err
	}
	return escrowerr.Wrap(escrowerr.ArithmeticOverflow, err.Error())
}
