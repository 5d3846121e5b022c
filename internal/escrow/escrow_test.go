package escrow

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/escrowd/internal/attestation"
	"github.com/mbd888/escrowd/internal/escrowerr"
	"github.com/mbd888/escrowd/internal/events"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/ratelimit"
	"github.com/mbd888/escrowd/internal/reputation"
	"github.com/mbd888/escrowd/internal/runtime"
)

const testProgramID = "escrowd-test"

var testHashKey = []byte("0123456789abcdef0123456789abcde")

func testBounds() Bounds {
	return Bounds{
		MinAmount:             1,
		MaxAmount:             1_000_000_000_000,
		MinTimeLock:           time.Millisecond,
		MaxTimeLock:           30 * 24 * time.Hour,
		StorageReserveMinimum: 0,
	}
}

type harness struct {
	svc    *Service
	ledger *ledger.MemoryStore
	events *events.MemoryStore
	rep    *reputation.MemoryStore
	signer ed25519.PrivateKey
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sv := &attestation.SignedVerifier{VerifierKey: pub}
	qv := attestation.NewQuorumVerifier("oracle-owner", 300*time.Second)

	led := ledger.NewMemoryStore()
	_ = led.Credit(context.Background(), "agent-1", 1_000_000, "seed")
	_ = led.Credit(context.Background(), "agent-2", 1_000_000, "seed")

	evStore := events.NewMemoryStore()
	repStore := reputation.NewMemoryStore()

	svc := NewService(Deps{
		Store:          NewMemoryStore(),
		Ledger:         led,
		RateLimits:     ratelimit.NewMemoryStore(),
		Reputation:     repStore,
		Events:         evStore,
		Engine:         runtime.NewEngine(),
		Bounds:         testBounds(),
		ProgramID:      testProgramID,
		AddressHashKey: testHashKey,
		SignedVerifier: sv,
		QuorumVerifier: qv,
	})

	return &harness{svc: svc, ledger: led, events: evStore, rep: repStore, signer: priv}
}

func (h *harness) create(t *testing.T, agent, api, txID string, amount uint64, timeLock time.Duration) *Escrow {
	t.Helper()
	e, err := h.svc.Create(context.Background(), CreateParams{
		Agent:         agent,
		API:           api,
		Amount:        amount,
		TimeLock:      timeLock,
		TransactionID: txID,
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	return e
}

func (h *harness) signedSibling(transactionID string, qualityScore uint8) runtime.InstructionIntrospection {
	msg := attestation.Message(transactionID, qualityScore)
	sig := ed25519.Sign(h.signer, msg)
	return runtime.InstructionIntrospection{
		{
			ProgramID: ed25519VerifierProgramID,
			PublicKey: h.signer.Public().(ed25519.PublicKey),
			Signature: sig,
			Message:   msg,
		},
	}
}

func TestCreate_HappyPath(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, "agent-1", "api-1", "tx-0001", 1000, time.Hour)

	if e.Status != StatusActive {
		t.Fatalf("status = %s, want active", e.Status)
	}
	if e.Address == "" {
		t.Fatal("expected a derived address")
	}

	custody, err := h.ledger.CustodyBalance(context.Background(), e.Address)
	if err != nil {
		t.Fatalf("custody balance: %v", err)
	}
	if custody != 1000 {
		t.Fatalf("custody = %d, want 1000", custody)
	}

	evs, _ := h.events.ListByEscrow(context.Background(), e.Address, 10)
	if len(evs) != 1 || evs[0].Tag != events.TagEscrowInitialized {
		t.Fatalf("expected one escrow_initialized event, got %+v", evs)
	}
}

func TestCreate_DuplicateTransactionID(t *testing.T) {
	h := newHarness(t)
	h.create(t, "agent-1", "api-1", "tx-dup", 1000, time.Hour)

	_, err := h.svc.Create(context.Background(), CreateParams{
		Agent: "agent-1", API: "api-2", Amount: 500, TimeLock: time.Hour, TransactionID: "tx-dup",
	})
	if !escrowerr.Is(err, escrowerr.DuplicateTransactionId) {
		t.Fatalf("err = %v, want DuplicateTransactionId", err)
	}
}

func TestCreate_InvalidAmount(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Create(context.Background(), CreateParams{
		Agent: "agent-1", API: "api-1", Amount: 0, TimeLock: time.Hour, TransactionID: "tx-amt",
	})
	if !escrowerr.Is(err, escrowerr.InvalidAmount) {
		t.Fatalf("err = %v, want InvalidAmount", err)
	}
}

func TestCreate_InvalidTimeLock(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Create(context.Background(), CreateParams{
		Agent: "agent-1", API: "api-1", Amount: 100, TimeLock: 365 * 24 * time.Hour, TransactionID: "tx-tl2",
	})
	if !escrowerr.Is(err, escrowerr.InvalidTimeLock) {
		t.Fatalf("err = %v, want InvalidTimeLock", err)
	}
}

func TestCreate_InsufficientFunds(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Create(context.Background(), CreateParams{
		Agent: "agent-1", API: "api-1", Amount: 10_000_000, TimeLock: time.Hour, TransactionID: "tx-poor",
	})
	if err != escrowerr.ErrInsufficientFunds {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
}

func TestCreate_RateLimitExceeded(t *testing.T) {
	h := newHarness(t)
	h.create(t, "agent-1", "api-1", "tx-rl-1", 10, time.Hour)

	_, err := h.svc.Create(context.Background(), CreateParams{
		Agent: "agent-1", API: "api-1", Amount: 10, TimeLock: time.Hour, TransactionID: "tx-rl-2",
	})
	if !escrowerr.Is(err, escrowerr.RateLimitExceeded) {
		t.Fatalf("err = %v, want RateLimitExceeded", err)
	}
}

func TestRelease_ByAgent(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, "agent-1", "api-1", "tx-rel-1", 1000, time.Hour)

	released, err := h.svc.Release(context.Background(), e.Address, "agent-1")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Status != StatusReleased {
		t.Fatalf("status = %s, want released", released.Status)
	}

	bal, _ := h.ledger.GetBalance(context.Background(), "api-1")
	if bal != 1000 {
		t.Fatalf("api balance = %d, want 1000", bal)
	}
}

func TestRelease_StrangerBeforeExpiryUnauthorized(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, "agent-1", "api-1", "tx-rel-2", 1000, time.Hour)

	_, err := h.svc.Release(context.Background(), e.Address, "nobody")
	if !escrowerr.Is(err, escrowerr.UnauthorizedRelease) {
		t.Fatalf("err = %v, want UnauthorizedRelease", err)
	}
}

func TestRelease_ReapsAfterExpiry(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, "agent-1", "api-1", "tx-rel-3", 1000, 2*time.Millisecond)

	time.Sleep(10 * time.Millisecond)

	released, err := h.svc.Release(context.Background(), e.Address, "anyone-at-all")
	if err != nil {
		t.Fatalf("reaper release: %v", err)
	}
	if released.Status != StatusReleased {
		t.Fatalf("status = %s, want released", released.Status)
	}
}

func TestRelease_AlreadyReleased(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, "agent-1", "api-1", "tx-rel-4", 1000, time.Hour)
	if _, err := h.svc.Release(context.Background(), e.Address, "agent-1"); err != nil {
		t.Fatalf("first release: %v", err)
	}
	_, err := h.svc.Release(context.Background(), e.Address, "agent-1")
	if !escrowerr.Is(err, escrowerr.InvalidStatus) {
		t.Fatalf("err = %v, want InvalidStatus", err)
	}
}

func TestMarkDisputed_OnlyAgent(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, "agent-1", "api-1", "tx-disp-1", 1000, time.Hour)

	_, err := h.svc.MarkDisputed(context.Background(), e.Address, "api-1")
	if !escrowerr.Is(err, escrowerr.UnauthorizedDispute) {
		t.Fatalf("err = %v, want UnauthorizedDispute", err)
	}
}

func TestMarkDisputed_OnlyWhileActive(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, "agent-1", "api-1", "tx-disp-2", 1000, time.Hour)
	if _, err := h.svc.Release(context.Background(), e.Address, "agent-1"); err != nil {
		t.Fatalf("release: %v", err)
	}

	_, err := h.svc.MarkDisputed(context.Background(), e.Address, "agent-1")
	if !escrowerr.Is(err, escrowerr.InvalidStatus) {
		t.Fatalf("err = %v, want InvalidStatus", err)
	}
}

func TestMarkDisputed_WindowExpired(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, "agent-1", "api-1", "tx-disp-3", 1000, 2*time.Millisecond)

	time.Sleep(10 * time.Millisecond)

	_, err := h.svc.MarkDisputed(context.Background(), e.Address, "agent-1")
	if !escrowerr.Is(err, escrowerr.DisputeWindowExpired) {
		t.Fatalf("err = %v, want DisputeWindowExpired", err)
	}
}

func TestResolveDisputeSigned_NoRefund(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, "agent-1", "api-1", "tx-res-1", 1000, time.Hour)
	if _, err := h.svc.MarkDisputed(context.Background(), e.Address, "agent-1"); err != nil {
		t.Fatalf("mark disputed: %v", err)
	}

	sibs := h.signedSibling("tx-res-1", 100)
	resolved, err := h.svc.ResolveDisputeSigned(context.Background(), e.Address, 100, 0, sibs)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != StatusResolved {
		t.Fatalf("status = %s, want resolved", resolved.Status)
	}

	apiBal, _ := h.ledger.GetBalance(context.Background(), "api-1")
	if apiBal != 1000 {
		t.Fatalf("api balance = %d, want 1000 (full payment, no refund)", apiBal)
	}
}

func TestResolveDisputeSigned_FullRefund(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, "agent-1", "api-1", "tx-res-2", 1000, time.Hour)
	h.svc.MarkDisputed(context.Background(), e.Address, "agent-1")

	sibs := h.signedSibling("tx-res-2", 10)
	resolved, err := h.svc.ResolveDisputeSigned(context.Background(), e.Address, 10, 100, sibs)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if *resolved.RefundPercentage != 100 {
		t.Fatalf("refund pct = %d, want 100", *resolved.RefundPercentage)
	}

	agentBal, _ := h.ledger.GetBalance(context.Background(), "agent-1")
	if agentBal != 1_000_000 {
		t.Fatalf("agent balance = %d, want full refund restored", agentBal)
	}
}

func TestResolveDisputeSigned_SlidingRefund(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, "agent-1", "api-1", "tx-res-3", 1000, time.Hour)
	h.svc.MarkDisputed(context.Background(), e.Address, "agent-1")

	sibs := h.signedSibling("tx-res-3", 65)
	resolved, err := h.svc.ResolveDisputeSigned(context.Background(), e.Address, 65, 19, sibs)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if *resolved.RefundPercentage != 19 {
		t.Fatalf("refund pct = %d, want 19", *resolved.RefundPercentage)
	}

	apiBal, _ := h.ledger.GetBalance(context.Background(), "api-1")
	if apiBal != 810 {
		t.Fatalf("api balance = %d, want 810", apiBal)
	}
}

func TestResolveDisputeSigned_RefundMismatch(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, "agent-1", "api-1", "tx-res-4", 1000, time.Hour)
	h.svc.MarkDisputed(context.Background(), e.Address, "agent-1")

	sibs := h.signedSibling("tx-res-4", 90)
	_, err := h.svc.ResolveDisputeSigned(context.Background(), e.Address, 90, 50, sibs)
	if !escrowerr.Is(err, escrowerr.RefundMismatch) {
		t.Fatalf("err = %v, want RefundMismatch", err)
	}
}

func TestResolveDisputeSigned_ReplayRejected(t *testing.T) {
	h := newHarness(t)
	e1 := h.create(t, "agent-1", "api-1", "tx-res-5a", 1000, time.Hour)
	e2 := h.create(t, "agent-2", "api-1", "tx-res-5b", 1000, time.Hour)
	h.svc.MarkDisputed(context.Background(), e1.Address, "agent-1")
	h.svc.MarkDisputed(context.Background(), e2.Address, "agent-2")

	// Attestation signed for e1's transaction id must not resolve e2.
	sibs := h.signedSibling("tx-res-5a", 100)
	_, err := h.svc.ResolveDisputeSigned(context.Background(), e2.Address, 100, 0, sibs)
	if !escrowerr.Is(err, escrowerr.InvalidSignature) {
		t.Fatalf("err = %v, want InvalidSignature", err)
	}
}

func TestResolveDisputeSigned_OnlyFromDisputed(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, "agent-1", "api-1", "tx-res-6", 1000, time.Hour)

	sibs := h.signedSibling("tx-res-6", 100)
	_, err := h.svc.ResolveDisputeSigned(context.Background(), e.Address, 100, 0, sibs)
	if !escrowerr.Is(err, escrowerr.InvalidStatus) {
		t.Fatalf("err = %v, want InvalidStatus", err)
	}
}

func TestResolveDisputeSigned_UpdatesReputation(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, "agent-1", "api-1", "tx-res-7", 1000, time.Hour)
	h.svc.MarkDisputed(context.Background(), e.Address, "agent-1")

	sibs := h.signedSibling("tx-res-7", 30)
	if _, err := h.svc.ResolveDisputeSigned(context.Background(), e.Address, 30, 100, sibs); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	agentRec, err := h.rep.Get(context.Background(), "agent-1", reputation.EntityAgent)
	if err != nil {
		t.Fatalf("agent reputation: %v", err)
	}
	if agentRec.Counters.TotalTransactions != 1 {
		t.Fatalf("agent total tx = %d, want 1", agentRec.Counters.TotalTransactions)
	}
	if agentRec.Counters.DisputesWon != 1 {
		t.Fatalf("agent disputes won = %d, want 1", agentRec.Counters.DisputesWon)
	}

	apiRec, err := h.rep.Get(context.Background(), "api-1", reputation.EntityProvider)
	if err != nil {
		t.Fatalf("api reputation: %v", err)
	}
	if apiRec.Counters.TotalTransactions != 1 {
		t.Fatalf("api total tx = %d, want 1", apiRec.Counters.TotalTransactions)
	}
	if apiRec.Counters.QualitySampleCount != 1 {
		t.Fatalf("api quality samples = %d, want 1", apiRec.Counters.QualitySampleCount)
	}
}

func TestResolveDisputeQuorum_HappyPath(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, "agent-1", "api-1", "tx-quo-1", 1000, time.Hour)
	h.svc.MarkDisputed(context.Background(), e.Address, "agent-1")

	feed := attestation.FeedRecord{Owner: "oracle-owner", Value: 40, LastUpdateUnix: time.Now().Unix()}
	resolved, err := h.svc.ResolveDisputeQuorum(context.Background(), e.Address, 40, 100, feed)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != StatusResolved {
		t.Fatalf("status = %s, want resolved", resolved.Status)
	}
}

func TestResolveDisputeQuorum_StaleRejected(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, "agent-1", "api-1", "tx-quo-2", 1000, time.Hour)
	h.svc.MarkDisputed(context.Background(), e.Address, "agent-1")

	feed := attestation.FeedRecord{Owner: "oracle-owner", Value: 40, LastUpdateUnix: time.Now().Add(-time.Hour).Unix()}
	_, err := h.svc.ResolveDisputeQuorum(context.Background(), e.Address, 40, 100, feed)
	if !escrowerr.Is(err, escrowerr.StaleAttestation) {
		t.Fatalf("err = %v, want StaleAttestation", err)
	}
}

func TestResolveDisputeQuorum_WrongOwnerRejected(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, "agent-1", "api-1", "tx-quo-3", 1000, time.Hour)
	h.svc.MarkDisputed(context.Background(), e.Address, "agent-1")

	feed := attestation.FeedRecord{Owner: "impostor", Value: 40, LastUpdateUnix: time.Now().Unix()}
	_, err := h.svc.ResolveDisputeQuorum(context.Background(), e.Address, 40, 100, feed)
	if !escrowerr.Is(err, escrowerr.InvalidFeedOwner) {
		t.Fatalf("err = %v, want InvalidFeedOwner", err)
	}
}

func TestBoundary_QualityScoreRefundTable(t *testing.T) {
	cases := []struct {
		quality uint8
		refund  uint8
	}{
		{0, 100},
		{49, 100},
		{50, 38},
		{79, 1},
		{80, 0},
		{100, 0},
	}
	for _, tc := range cases {
		h := newHarness(t)
		txID := hex.EncodeToString([]byte{tc.quality})
		e := h.create(t, "agent-1", "api-1", "tx-b-"+txID, 1000, time.Hour)
		h.svc.MarkDisputed(context.Background(), e.Address, "agent-1")
		sibs := h.signedSibling(e.TransactionID, tc.quality)
		resolved, err := h.svc.ResolveDisputeSigned(context.Background(), e.Address, tc.quality, tc.refund, sibs)
		if err != nil {
			t.Fatalf("quality=%d: resolve failed: %v", tc.quality, err)
		}
		if *resolved.RefundPercentage != tc.refund {
			t.Fatalf("quality=%d: refund = %d, want %d", tc.quality, *resolved.RefundPercentage, tc.refund)
		}
	}
}

func TestGetNonexistent(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Get(context.Background(), "does-not-exist")
	if err != escrowerr.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListByAgent(t *testing.T) {
	h := newHarness(t)
	// Staked level (10/hour): the basic level allows only one create per hour.
	for _, p := range []CreateParams{
		{Agent: "agent-1", API: "api-1", Amount: 100, TimeLock: time.Hour, TransactionID: "tx-list-1", Level: ratelimit.LevelStaked},
		{Agent: "agent-1", API: "api-2", Amount: 100, TimeLock: time.Hour, TransactionID: "tx-list-2", Level: ratelimit.LevelStaked},
	} {
		if _, err := h.svc.Create(context.Background(), p); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	list, err := h.svc.ListByAgent(context.Background(), "agent-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
}

func TestReapExpired(t *testing.T) {
	h := newHarness(t)
	h.create(t, "agent-1", "api-1", "tx-reap-1", 100, 2*time.Millisecond)
	h.create(t, "agent-2", "api-2", "tx-reap-2", 100, time.Hour)

	time.Sleep(10 * time.Millisecond)

	n, err := h.svc.ReapExpired(context.Background(), 10)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if n != 1 {
		t.Fatalf("reaped = %d, want 1", n)
	}
}

func TestConcurrentReleaseAttempts(t *testing.T) {
	h := newHarness(t)
	e := h.create(t, "agent-1", "api-1", "tx-conc-1", 1000, time.Hour)

	var wg sync.WaitGroup
	results := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, results[idx] = h.svc.Release(context.Background(), e.Address, "agent-1")
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		} else if !escrowerr.Is(err, escrowerr.InvalidStatus) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("successes = %d, want exactly 1", successes)
	}
}
