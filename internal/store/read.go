package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/cardrt/internal/capability"
	"github.com/roach88/cardrt/internal/ir"
	"github.com/roach88/cardrt/internal/runtime"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// LoadArtifact reads an artifact by id and verifies its content address.
func (s *Store) LoadArtifact(ctx context.Context, id string) (*ir.Artifact, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM artifacts WHERE id = ?`, id).Scan(&body)
	if isNoRows(err) {
		return nil, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load artifact: %w", err)
	}
	a, err := ir.UnmarshalArtifact([]byte(body))
	if err != nil {
		return nil, fmt.Errorf("load artifact %s: %w", id, err)
	}
	return a, nil
}

// LoadArtifacts reads every artifact ordered by card and id.
func (s *Store) LoadArtifacts(ctx context.Context) ([]*ir.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, body FROM artifacts
		ORDER BY card ASC, version ASC, id ASC COLLATE BINARY
	`)
	if err != nil {
		return nil, fmt.Errorf("load artifacts: %w", err)
	}
	defer rows.Close()

	var out []*ir.Artifact
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("load artifacts: scan: %w", err)
		}
		a, err := ir.UnmarshalArtifact([]byte(body))
		if err != nil {
			return nil, fmt.Errorf("load artifact %s: %w", id, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load artifacts: %w", err)
	}
	return out, nil
}

// LoadTokens reads every token, revoked ones included, ordered by card,
// alias and id.
func (s *Store) LoadTokens(ctx context.Context) ([]capability.Token, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, card, alias, kind, scope, granted_at_tick, expires_at_tick, revoked, revoked_at_tick, revoke_reason
		FROM tokens
		ORDER BY card ASC, alias ASC, id ASC COLLATE BINARY
	`)
	if err != nil {
		return nil, fmt.Errorf("load tokens: %w", err)
	}
	defer rows.Close()

	var out []capability.Token
	for rows.Next() {
		var t capability.Token
		var kind, scope string
		if err := rows.Scan(&t.ID, &t.Card, &t.Alias, &kind, &scope, &t.GrantedAtTick, &t.ExpiresAtTick, &t.Revoked, &t.RevokedAtTick, &t.RevokeReason); err != nil {
			return nil, fmt.Errorf("load tokens: scan: %w", err)
		}
		if t.Kind, err = capability.ParseKind(kind); err != nil {
			return nil, fmt.Errorf("load token %s: %w", t.ID, err)
		}
		if t.Scope, err = capability.ParseScope(scope); err != nil {
			return nil, fmt.Errorf("load token %s: %w", t.ID, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load tokens: %w", err)
	}
	return out, nil
}

// Revocations returns the audit log of a card's revocations in the order
// they happened. An empty card returns every revocation.
func (s *Store) Revocations(ctx context.Context, card string) ([]capability.Revocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token_id, card, alias, kind, scope, tick, reason
		FROM revocations
		WHERE ? = '' OR card = ?
		ORDER BY tick ASC, seq ASC
	`, card, card)
	if err != nil {
		return nil, fmt.Errorf("load revocations: %w", err)
	}
	defer rows.Close()

	var out []capability.Revocation
	for rows.Next() {
		var r capability.Revocation
		var kind, scope string
		if err := rows.Scan(&r.TokenID, &r.Card, &r.Alias, &kind, &scope, &r.Tick, &r.Reason); err != nil {
			return nil, fmt.Errorf("load revocations: scan: %w", err)
		}
		if r.Kind, err = capability.ParseKind(kind); err != nil {
			return nil, fmt.Errorf("load revocation of %s: %w", r.TokenID, err)
		}
		if r.Scope, err = capability.ParseScope(scope); err != nil {
			return nil, fmt.Errorf("load revocation of %s: %w", r.TokenID, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load revocations: %w", err)
	}
	return out, nil
}

// LoadPatches reads patches in proposal order, optionally filtered by
// status.
func (s *Store) LoadPatches(ctx context.Context, statuses ...ir.PatchStatus) ([]ir.Patch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tier, status, reason, ops, inverse, preview, card, instance, token_id, capability, tick, seq
		FROM patches
		ORDER BY tick ASC, seq ASC, id ASC COLLATE BINARY
	`)
	if err != nil {
		return nil, fmt.Errorf("load patches: %w", err)
	}
	defer rows.Close()

	want := make(map[ir.PatchStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []ir.Patch
	for rows.Next() {
		var p ir.Patch
		var status, ops, inverse string
		pv := &p.Provenance
		if err := rows.Scan(&p.ID, &p.Tier, &status, &p.Reason, &ops, &inverse, &p.Preview,
			&pv.Card, &pv.Instance, &pv.TokenID, &pv.Capability, &pv.Tick, &pv.Seq); err != nil {
			return nil, fmt.Errorf("load patches: scan: %w", err)
		}
		p.Status = ir.PatchStatus(status)
		if len(want) > 0 && !want[p.Status] {
			continue
		}
		if p.Ops, err = unmarshalOps(ops); err != nil {
			return nil, fmt.Errorf("load patch %s: %w", p.ID, err)
		}
		if p.Inverse, err = unmarshalOps(inverse); err != nil {
			return nil, fmt.Errorf("load patch %s: %w", p.ID, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load patches: %w", err)
	}
	return out, nil
}

// PatchEvent is one status change in the patch log.
type PatchEvent struct {
	Seq        int64
	Status     ir.PatchStatus
	Reason     string
	RecordedAt string
}

// PatchHistory returns every status a patch went through.
func (s *Store) PatchHistory(ctx context.Context, id string) ([]PatchEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, status, reason, recorded_at FROM patch_log
		WHERE patch_id = ?
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("patch history: %w", err)
	}
	defer rows.Close()

	var out []PatchEvent
	for rows.Next() {
		var e PatchEvent
		var status string
		if err := rows.Scan(&e.Seq, &status, &e.Reason, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("patch history: scan: %w", err)
		}
		e.Status = ir.PatchStatus(status)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("patch history: %w", err)
	}
	return out, nil
}

// LoadInstances reads every instance ordered by id.
func (s *Store) LoadInstances(ctx context.Context) ([]runtime.Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, definition, card, inputs, outputs, params, resolved, state, seed, offsets, faults, disabled, badge
		FROM instances
		ORDER BY id ASC COLLATE BINARY
	`)
	if err != nil {
		return nil, fmt.Errorf("load instances: %w", err)
	}
	defer rows.Close()

	var out []runtime.Instance
	for rows.Next() {
		var inst runtime.Instance
		var inputs, outputs, params, resolved, state, offsets string
		if err := rows.Scan(&inst.ID, &inst.Definition, &inst.Card, &inputs, &outputs, &params, &resolved, &state,
			&inst.Seed, &offsets, &inst.Faults, &inst.Disabled, &inst.Badge); err != nil {
			return nil, fmt.Errorf("load instances: scan: %w", err)
		}
		if err := decodeInstance(&inst, inputs, outputs, params, resolved, state, offsets); err != nil {
			return nil, fmt.Errorf("load instance %s: %w", inst.ID, err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load instances: %w", err)
	}
	return out, nil
}

func decodeInstance(inst *runtime.Instance, inputs, outputs, params, resolved, state, offsets string) error {
	var err error
	if inst.Inputs, err = unmarshalBindings(inputs); err != nil {
		return err
	}
	if inst.Outputs, err = unmarshalBindings(outputs); err != nil {
		return err
	}
	if inst.Params, err = unmarshalObject(params); err != nil {
		return err
	}
	if inst.Resolved, err = unmarshalObject(resolved); err != nil {
		return err
	}
	if inst.State, err = unmarshalValue(state); err != nil {
		return err
	}
	if inst.Offsets, err = unmarshalOffsets(offsets); err != nil {
		return err
	}
	return nil
}

// LoadWorkspace returns the stored workspace dump and the tick it was
// saved at. It returns ErrNotFound when nothing was saved.
func (s *Store) LoadWorkspace(ctx context.Context) (ir.IRObject, int64, error) {
	var body string
	var tick int64
	err := s.db.QueryRowContext(ctx, `SELECT tick, body FROM workspace WHERE id = 1`).Scan(&tick, &body)
	if isNoRows(err) {
		return nil, 0, fmt.Errorf("workspace: %w", ErrNotFound)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load workspace: %w", err)
	}
	dump, err := unmarshalObject(body)
	if err != nil {
		return nil, 0, fmt.Errorf("load workspace: %w", err)
	}
	return dump, tick, nil
}
