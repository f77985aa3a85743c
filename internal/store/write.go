package store

import (
	"context"
	"fmt"

	"github.com/roach88/cardrt/internal/capability"
	"github.com/roach88/cardrt/internal/ir"
	"github.com/roach88/cardrt/internal/runtime"
)

// SaveArtifact inserts a compiled artifact. Artifacts are content
// addressed, so a duplicate id is silently ignored.
func (s *Store) SaveArtifact(ctx context.Context, a *ir.Artifact) error {
	body, err := ir.MarshalArtifact(a)
	if err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, card, version, host_api, body, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		a.ID,
		a.Manifest.ID,
		a.Manifest.Version,
		a.Manifest.HostAPIVersion,
		string(body),
		s.stamp(),
	)
	if err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}
	return nil
}

// SaveToken records a granted token. Saving a token twice keeps the first
// record; revocation is recorded with RecordRevocation.
func (s *Store) SaveToken(ctx context.Context, t capability.Token) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tokens
		(id, card, alias, kind, scope, granted_at_tick, expires_at_tick, revoked, revoked_at_tick, revoke_reason, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		t.ID,
		t.Card,
		t.Alias,
		t.Kind.String(),
		t.Scope.String(),
		t.GrantedAtTick,
		t.ExpiresAtTick,
		t.Revoked,
		t.RevokedAtTick,
		t.RevokeReason,
		s.stamp(),
	)
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// RecordRevocation marks the token revoked and appends the revocation to
// the audit log in one transaction.
func (s *Store) RecordRevocation(ctx context.Context, r capability.Revocation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record revocation: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	res, err := tx.ExecContext(ctx, `
		UPDATE tokens SET revoked = 1, revoked_at_tick = ?, revoke_reason = ?
		WHERE id = ?
	`, r.Tick, r.Reason, r.TokenID)
	if err != nil {
		return fmt.Errorf("record revocation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record revocation: unknown token %s", r.TokenID)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO revocations (token_id, card, alias, kind, scope, tick, reason, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.TokenID,
		r.Card,
		r.Alias,
		r.Kind.String(),
		r.Scope.String(),
		r.Tick,
		r.Reason,
		s.stamp(),
	)
	if err != nil {
		return fmt.Errorf("record revocation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record revocation: commit: %w", err)
	}
	return nil
}

// SavePatch upserts a patch's current status and appends the status change
// to the patch log. Saving the same status twice logs it once.
func (s *Store) SavePatch(ctx context.Context, p ir.Patch) error {
	ops, err := marshalOps(p.Ops)
	if err != nil {
		return fmt.Errorf("save patch: %w", err)
	}
	inverse, err := marshalOps(p.Inverse)
	if err != nil {
		return fmt.Errorf("save patch: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save patch: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var prev string
	err = tx.QueryRowContext(ctx, `SELECT status FROM patches WHERE id = ?`, p.ID).Scan(&prev)
	exists := err == nil
	if err != nil && !isNoRows(err) {
		return fmt.Errorf("save patch: %w", err)
	}

	now := s.stamp()
	pv := p.Provenance
	_, err = tx.ExecContext(ctx, `
		INSERT INTO patches
		(id, tier, status, reason, ops, inverse, preview, card, instance, token_id, capability, tick, seq, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			reason = excluded.reason,
			inverse = excluded.inverse,
			preview = excluded.preview
	`,
		p.ID, p.Tier, string(p.Status), p.Reason, ops, inverse, p.Preview,
		pv.Card, pv.Instance, pv.TokenID, pv.Capability, pv.Tick, pv.Seq,
		now,
	)
	if err != nil {
		return fmt.Errorf("save patch: %w", err)
	}
	if !exists || prev != string(p.Status) {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO patch_log (patch_id, status, reason, recorded_at)
			VALUES (?, ?, ?, ?)
		`, p.ID, string(p.Status), p.Reason, now)
		if err != nil {
			return fmt.Errorf("save patch log: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save patch: commit: %w", err)
	}
	return nil
}

// SaveInstance upserts an instance with its state and badge.
func (s *Store) SaveInstance(ctx context.Context, inst runtime.Instance) error {
	inputs, err := marshalBindings(inst.Inputs)
	if err != nil {
		return fmt.Errorf("save instance: %w", err)
	}
	outputs, err := marshalBindings(inst.Outputs)
	if err != nil {
		return fmt.Errorf("save instance: %w", err)
	}
	params, err := marshalValue(inst.Params)
	if err != nil {
		return fmt.Errorf("save instance: %w", err)
	}
	resolved, err := marshalValue(inst.Resolved)
	if err != nil {
		return fmt.Errorf("save instance: %w", err)
	}
	state, err := marshalValue(inst.State)
	if err != nil {
		return fmt.Errorf("save instance: %w", err)
	}
	offsets, err := marshalOffsets(inst.Offsets)
	if err != nil {
		return fmt.Errorf("save instance: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO instances
		(id, definition, card, inputs, outputs, params, resolved, state, seed, offsets, faults, disabled, badge, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			definition = excluded.definition,
			params = excluded.params,
			resolved = excluded.resolved,
			state = excluded.state,
			offsets = excluded.offsets,
			faults = excluded.faults,
			disabled = excluded.disabled,
			badge = excluded.badge,
			recorded_at = excluded.recorded_at
	`,
		inst.ID, inst.Definition, inst.Card, inputs, outputs, params, resolved, state,
		inst.Seed, offsets, inst.Faults, inst.Disabled, inst.Badge,
		s.stamp(),
	)
	if err != nil {
		return fmt.Errorf("save instance: %w", err)
	}
	return nil
}

// DeleteInstance removes an instance record.
func (s *Store) DeleteInstance(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}
	return nil
}

// SaveWorkspace replaces the stored workspace dump.
func (s *Store) SaveWorkspace(ctx context.Context, tick int64, dump ir.IRObject) error {
	body, err := marshalValue(dump)
	if err != nil {
		return fmt.Errorf("save workspace: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workspace (id, tick, body, recorded_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tick = excluded.tick,
			body = excluded.body,
			recorded_at = excluded.recorded_at
	`, tick, body, s.stamp())
	if err != nil {
		return fmt.Errorf("save workspace: %w", err)
	}
	return nil
}
