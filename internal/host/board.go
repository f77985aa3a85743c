package host

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/cardrt/internal/capability"
	"github.com/roach88/cardrt/internal/ir"
)

// PatchStore persists every status change of a patch. The store package
// implements it.
type PatchStore interface {
	SavePatch(ctx context.Context, p ir.Patch) error
}

// Board holds staged patches until they are committed, rejected or
// invalidated, and keeps committed ones so they can be rolled back.
// Safe for concurrent use.
type Board struct {
	mu      sync.Mutex
	ws      *Workspace
	grants  *capability.GrantTable
	approve *Policy
	persist PatchStore
	logger  *slog.Logger

	patches map[string]*ir.Patch
	order   []string
}

func newBoard(ws *Workspace, grants *capability.GrantTable, approve *Policy, persist PatchStore, logger *slog.Logger) *Board {
	b := &Board{
		ws:      ws,
		grants:  grants,
		approve: approve,
		persist: persist,
		logger:  logger,
		patches: make(map[string]*ir.Patch),
	}
	grants.OnRevoke(b.invalidate)
	return b
}

func (b *Board) save(ctx context.Context, p *ir.Patch) {
	if b.persist == nil {
		return
	}
	if err := b.persist.SavePatch(ctx, *p); err != nil {
		b.logger.Error("failed to persist patch",
			"event", "patch.persist_error",
			"patch", p.ID,
			"status", string(p.Status),
			"error", err,
		)
	}
}

// Stage records a validated patch and runs the approval policy on it. The
// returned status is committed when the policy auto-committed it, staged
// when it is held, and rejected when auto-commit failed. A patch whose
// token was revoked while its invocation ran is recorded as invalidated.
func (b *Board) Stage(ctx context.Context, p *ir.Patch, tick int64) ir.PatchStatus {
	b.mu.Lock()
	if existing, ok := b.patches[p.ID]; ok {
		b.mu.Unlock()
		return existing.Status
	}
	cp := clonePatch(p)
	cp.Status = ir.PatchStaged
	// Revocation listeners take b.mu, so a revocation either is visible
	// here or reaches this patch through invalidate.
	if tok, ok := b.grants.Get(cp.Provenance.TokenID); ok && tok.Revoked {
		cp.Status = ir.PatchInvalidated
		cp.Reason = "token revoked: " + tok.RevokeReason
	}
	b.patches[cp.ID] = cp
	b.order = append(b.order, cp.ID)
	b.save(ctx, cp)
	b.mu.Unlock()

	if cp.Status == ir.PatchInvalidated {
		b.logger.Warn("patch invalidated",
			"event", "patch.invalidate",
			"patch", cp.ID,
			"card", cp.Provenance.Card,
			"token", cp.Provenance.TokenID,
			"tick", tick,
		)
		return ir.PatchInvalidated
	}

	b.logger.Info("patch staged",
		"event", "patch.stage",
		"patch", cp.ID,
		"card", cp.Provenance.Card,
		"instance", cp.Provenance.Instance,
		"tier", cp.Tier,
		"ops", len(cp.Ops),
	)

	auto, err := b.approve.AutoCommit(cp)
	if err != nil {
		b.logger.Warn("approval rule failed, holding patch",
			"event", "patch.approval_error",
			"patch", cp.ID,
			"error", err,
		)
		return ir.PatchStaged
	}
	if !auto {
		return ir.PatchStaged
	}
	if _, err := b.Commit(ctx, cp.ID, tick); err != nil {
		_ = b.Reject(ctx, cp.ID, "auto-commit failed: "+err.Error())
		return ir.PatchRejected
	}
	return ir.PatchCommitted
}

// Commit applies a staged patch. Committing a committed patch is a no-op.
// The proposing token is re-checked against the live grant table, and the
// ops are re-validated against the current workspace; the stored inverse
// is recomputed from the state the patch actually applied to.
func (b *Board) Commit(ctx context.Context, id string, tick int64) (ir.Patch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.patches[id]
	if !ok {
		return ir.Patch{}, ErrUnknownPatch
	}
	switch p.Status {
	case ir.PatchCommitted:
		return *clonePatch(p), nil
	case ir.PatchInvalidated:
		return ir.Patch{}, b.revoked(p)
	case ir.PatchStaged:
	default:
		return ir.Patch{}, &StateError{Patch: id, Status: string(p.Status), Action: "commit"}
	}

	card := p.Provenance.Card
	need := TierKind(p.Tier)
	view := b.grants.View(card)
	for _, op := range p.Ops {
		for _, rs := range opScopes(op) {
			if _, err := capability.Authorize(view, card, p.Provenance.TokenID, need, rs, tick); err != nil {
				b.logger.Warn("patch commit denied",
					"event", "patch.commit_denied",
					"patch", id,
					"card", card,
					"error", err,
				)
				return ir.Patch{}, err
			}
		}
	}

	var inverse []ir.PatchOp
	var lines []string
	f := b.ws.edit(func(d *document) *opFailure {
		var f *opFailure
		inverse, lines, f = d.applyOps(p.Tier, nil, p.Ops)
		return f
	})
	if f != nil {
		return ir.Patch{}, &ConflictError{Patch: id, Rejection: b.rejection(p, f)}
	}
	p.Inverse = inverse
	p.Preview = previewText(p, lines)
	p.Status = ir.PatchCommitted
	b.save(ctx, p)
	b.logger.Info("patch committed",
		"event", "patch.commit",
		"patch", id,
		"card", card,
		"tier", p.Tier,
		"tick", tick,
	)
	return *clonePatch(p), nil
}

// Rollback applies the inverse of a committed patch. Rolling back a patch
// that is not committed is a no-op.
func (b *Board) Rollback(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.patches[id]
	if !ok {
		return ErrUnknownPatch
	}
	if p.Status != ir.PatchCommitted {
		return nil
	}
	f := b.ws.edit(func(d *document) *opFailure {
		_, _, f := d.applyOps("", nil, p.Inverse)
		return f
	})
	if f != nil {
		return &ConflictError{Patch: id, Rejection: b.rejection(p, f)}
	}
	p.Status = ir.PatchRolledBack
	b.save(ctx, p)
	b.logger.Info("patch rolled back",
		"event", "patch.rollback",
		"patch", id,
		"card", p.Provenance.Card,
	)
	return nil
}

// Reject discards a staged patch. Rejecting a patch that is not staged is
// a no-op, except that committed patches must be rolled back instead.
func (b *Board) Reject(ctx context.Context, id, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.patches[id]
	if !ok {
		return ErrUnknownPatch
	}
	switch p.Status {
	case ir.PatchStaged:
	case ir.PatchCommitted:
		return &StateError{Patch: id, Status: string(p.Status), Action: "reject"}
	default:
		return nil
	}
	p.Status = ir.PatchRejected
	p.Reason = reason
	b.save(ctx, p)
	b.logger.Info("patch rejected",
		"event", "patch.reject",
		"patch", id,
		"card", p.Provenance.Card,
		"reason", reason,
	)
	return nil
}

// invalidate marks the staged patches proposed under a revoked token.
func (b *Board) invalidate(rev capability.Revocation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range b.order {
		p := b.patches[id]
		if p.Status != ir.PatchStaged || p.Provenance.TokenID != rev.TokenID {
			continue
		}
		p.Status = ir.PatchInvalidated
		p.Reason = "token revoked: " + rev.Reason
		b.save(context.Background(), p)
		b.logger.Warn("patch invalidated",
			"event", "patch.invalidate",
			"patch", id,
			"card", p.Provenance.Card,
			"token", rev.TokenID,
			"tick", rev.Tick,
		)
	}
}

func (b *Board) revoked(p *ir.Patch) error {
	v := &capability.Violation{
		Card:    p.Provenance.Card,
		Missing: TierKind(p.Tier).String(),
		Reason:  capability.ReasonRevoked,
	}
	if len(p.Ops) > 0 {
		v.Resource = p.Ops[0].Resource()
	}
	return v
}

func (b *Board) rejection(p *ir.Patch, f *opFailure) *Rejection {
	return &Rejection{
		Card:     p.Provenance.Card,
		Instance: p.Provenance.Instance,
		Reason:   f.reason,
		Patch:    p.ID,
		Op:       f.index,
		Message:  f.msg,
	}
}

// Get returns a copy of a patch.
func (b *Board) Get(id string) (ir.Patch, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.patches[id]
	if !ok {
		return ir.Patch{}, false
	}
	return *clonePatch(p), true
}

// List returns copies of the patches in staging order. With no statuses
// given every patch is returned.
func (b *Board) List(statuses ...ir.PatchStatus) []ir.Patch {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []ir.Patch
	for _, id := range b.order {
		p := b.patches[id]
		if len(statuses) == 0 || slices.Contains(statuses, p.Status) {
			out = append(out, *clonePatch(p))
		}
	}
	return out
}

// Restore loads previously persisted patches without re-persisting them.
func (b *Board) Restore(patches []ir.Patch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range patches {
		p := clonePatch(&patches[i])
		if _, ok := b.patches[p.ID]; !ok {
			b.order = append(b.order, p.ID)
		}
		b.patches[p.ID] = p
	}
}

func clonePatch(p *ir.Patch) *ir.Patch {
	cp := *p
	cp.Ops = slices.Clone(p.Ops)
	cp.Inverse = slices.Clone(p.Inverse)
	return &cp
}
