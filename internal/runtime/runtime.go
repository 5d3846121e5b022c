// Package runtime models the host ledger runtime's execution guarantee:
// each instruction runs single-threaded and transaction-isolated, with
// every account it touches exclusively locked for its duration. Engine
// is the in-process stand-in for that guarantee: it generalizes the
// teacher's single per-escrow-ID mutex to one lock per touched address, so
// two instructions on disjoint escrows still run concurrently while two
// instructions sharing an address serialize.
package runtime

import (
	"context"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mbd888/escrowd/internal/instruction"
	"github.com/mbd888/escrowd/internal/traces"
)

// Engine owns the per-address lock table and drives every instruction
// through it.
type Engine struct {
	mu sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine creates an instruction execution engine.
func NewEngine() *Engine {
	return &Engine{locks: make(map[string]*sync.Mutex)}
}

func (e *Engine) lockFor(addr string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[addr]
	if !ok {
		l = &sync.Mutex{}
		e.locks[addr] = l
	}
	return l
}

// Execute runs fn with every address in addrs exclusively locked, inside one
// trace span tagged with disc and addrs. Addresses are sorted and
// deduplicated before locking so two instructions whose address sets
// overlap can never deadlock against each other regardless of call order.
// No goroutines or suspension points are introduced here: fn runs
// synchronously to completion before Execute returns, with no internal
// threading and no async.
func (e *Engine) Execute(ctx context.Context, disc instruction.Discriminator, addrs []string, fn func(ctx context.Context) error) error {
	ordered := sortedUnique(addrs)
	attrs := make([]attribute.KeyValue, 0, len(ordered)+1)
	attrs = append(attrs, traces.Discriminator(disc.String()))
	for _, a := range ordered {
		attrs = append(attrs, traces.EscrowID(a))
	}
	ctx, span := traces.StartSpan(ctx, "escrowd.instruction", attrs...)
	defer span.End()

	for _, a := range ordered {
		e.lockFor(a).Lock()
	}
	defer func() {
		for _, a := range ordered {
			e.lockFor(a).Unlock()
		}
	}()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func sortedUnique(addrs []string) []string {
	seen := make(map[string]bool, len(addrs))
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	sort.Strings(out)
	return out
}
