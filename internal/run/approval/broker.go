// Package approval tracks pending human decisions for gated tool calls.
//
// Each run owns one Broker. The event pipeline registers a pending entry for
// a tool call, emits the approval prompt, then blocks until a decision
// arrives or the timeout collapses the entry to deny. Registration is
// completed before the prompt is emitted so a decision arriving immediately
// after the prompt can never be rejected as "not pending".
package approval

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/runforge/runforge/internal/common/errors"
	"github.com/runforge/runforge/internal/common/logger"
)

// Decision is the normalized outcome of an approval request.
type Decision string

const (
	Approve Decision = "approve"
	Deny    Decision = "deny"
)

// Normalize collapses ambiguous input toward the restrictive outcome:
// anything other than "approve" is a deny.
func Normalize(raw string) Decision {
	if raw == string(Approve) {
		return Approve
	}
	return Deny
}

type pending struct {
	ch        chan Decision // buffered, capacity 1
	createdAt time.Time
}

// Broker is the per-run pending-approval registry.
type Broker struct {
	logger *logger.Logger

	mu      sync.Mutex
	entries map[string]*pending
}

// NewBroker creates an empty broker.
func NewBroker(log *logger.Logger) *Broker {
	return &Broker{
		logger:  log.WithFields(zap.String("component", "approval-broker")),
		entries: make(map[string]*pending),
	}
}

// Await registers callID, invokes notify (the approval prompt emission), and
// blocks until a decision is resolved, the timeout elapses, or ctx is
// cancelled. Timeout and cancellation both collapse to Deny and remove the
// entry. notify runs strictly after registration is visible to Resolve.
func (b *Broker) Await(ctx context.Context, callID string, timeout time.Duration, notify func()) Decision {
	b.mu.Lock()
	if _, exists := b.entries[callID]; exists {
		b.mu.Unlock()
		b.logger.Warn("duplicate approval registration", zap.String("call_id", callID))
		return Deny
	}
	p := &pending{ch: make(chan Decision, 1), createdAt: time.Now().UTC()}
	b.entries[callID] = p
	b.mu.Unlock()

	if notify != nil {
		notify()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case decision := <-p.ch:
		return decision
	case <-timer.C:
		return b.expire(callID, p, "timeout")
	case <-ctx.Done():
		return b.expire(callID, p, "cancelled")
	}
}

// expire removes the pending entry after a timeout or cancellation. If a
// resolution won the race, its decision is honored instead.
func (b *Broker) expire(callID string, p *pending, reason string) Decision {
	b.mu.Lock()
	_, stillPending := b.entries[callID]
	if stillPending {
		delete(b.entries, callID)
	}
	b.mu.Unlock()

	if !stillPending {
		// Resolve removed the entry and buffered its decision before we got
		// the lock.
		select {
		case decision := <-p.ch:
			return decision
		default:
		}
	}

	b.logger.Info("approval collapsed to deny",
		zap.String("call_id", callID),
		zap.String("reason", reason))
	return Deny
}

// Resolve delivers a decision for callID. Late, duplicate, or unknown call
// identifiers yield a not-pending error; the first resolution wins.
func (b *Broker) Resolve(callID string, raw string) error {
	b.mu.Lock()
	p, ok := b.entries[callID]
	if !ok {
		b.mu.Unlock()
		return apperrors.NotPending(callID)
	}
	delete(b.entries, callID)
	p.ch <- Normalize(raw)
	b.mu.Unlock()

	b.logger.Info("approval resolved",
		zap.String("call_id", callID),
		zap.String("decision", raw))
	return nil
}

// DenyAll resolves every pending entry to Deny and clears the table. Used
// during run shutdown so no suspended pipeline is left hanging.
func (b *Broker) DenyAll() {
	b.mu.Lock()
	count := len(b.entries)
	for callID, p := range b.entries {
		delete(b.entries, callID)
		p.ch <- Deny
	}
	b.mu.Unlock()

	if count > 0 {
		b.logger.Info("denied all pending approvals", zap.Int("count", count))
	}
}

// PendingCount returns the number of outstanding approvals.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
