package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"DlcCoordinator/internal/dlc"
)

const uniqueViolation = "23505"

// InsertProtocol creates a new pending protocol execution record. Returns
// dlc.ErrConflict if the protocol id already exists; duplicate command
// replays must be investigated by the caller, not swallowed.
func (s *Store) InsertProtocol(ctx context.Context, p *dlc.Protocol) error {
	var previous, contract sql.NullString
	if p.PreviousProtocolID != nil {
		previous = sql.NullString{String: p.PreviousProtocolID.String(), Valid: true}
	}
	if p.ContractID != nil {
		contract = sql.NullString{String: p.ContractID.String(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dlc_protocols
			(protocol_id, previous_protocol_id, channel_id, contract_id, trader_pubkey, protocol_type, protocol_state)
		VALUES ($1, $2, $3, $4, $5, $6, 'Pending')
	`, p.ProtocolID.String(), previous, p.ChannelID.String(), contract,
		string(p.Trader), p.ProtocolType.String())
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("protocol %s: %w", p.ProtocolID, dlc.ErrConflict)
		}
		return fmt.Errorf("insert protocol %s: %w", p.ProtocolID, err)
	}
	return nil
}

// GetProtocol loads a protocol execution record.
func (s *Store) GetProtocol(ctx context.Context, id dlc.ProtocolID) (*dlc.Protocol, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT protocol_id, previous_protocol_id, channel_id, contract_id,
		       trader_pubkey, protocol_type, protocol_state, created_at, updated_at
		FROM dlc_protocols WHERE protocol_id = $1
	`, id.String())

	var (
		p                  dlc.Protocol
		protocolID, trader string
		channelID, typ, st string
		previous, contract sql.NullString
	)
	err := row.Scan(&protocolID, &previous, &channelID, &contract,
		&trader, &typ, &st, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("protocol %s: %w", id, dlc.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get protocol %s: %w", id, err)
	}

	if p.ProtocolID, err = dlc.ProtocolIDFromString(protocolID); err != nil {
		return nil, err
	}
	if previous.Valid {
		prev, err := dlc.ProtocolIDFromString(previous.String)
		if err != nil {
			return nil, err
		}
		p.PreviousProtocolID = &prev
	}
	if p.ChannelID, err = dlc.ChannelIDFromString(channelID); err != nil {
		return nil, err
	}
	if contract.Valid {
		cid, err := dlc.ContractIDFromString(contract.String)
		if err != nil {
			return nil, err
		}
		p.ContractID = &cid
	}
	p.Trader = dlc.PublicKey(trader)
	p.ProtocolType = dlc.ProtocolTypeFromString(typ)
	p.ProtocolState = dlc.ProtocolStateFromString(st)
	return &p, nil
}

// MarkProtocolFinished finalizes a protocol execution as successful, setting
// the contract id if the protocol negotiated one. The transition happens at
// most once: a second call returns dlc.ErrAlreadyFinalized, an unknown id
// dlc.ErrNotFound.
func (s *Store) MarkProtocolFinished(ctx context.Context, id dlc.ProtocolID, contractID *dlc.ContractID) error {
	var contract sql.NullString
	if contractID != nil {
		contract = sql.NullString{String: contractID.String(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE dlc_protocols SET
			protocol_state = 'Success',
			contract_id = COALESCE($2, contract_id),
			updated_at = NOW()
		WHERE protocol_id = $1 AND protocol_state = 'Pending'
	`, id.String(), contract)
	if err != nil {
		return fmt.Errorf("finish protocol %s: %w", id, err)
	}
	return s.requireProtocolTransition(ctx, res, id)
}

// MarkProtocolFailed records a failed protocol execution.
func (s *Store) MarkProtocolFailed(ctx context.Context, id dlc.ProtocolID) error {
	return s.markProtocolTerminal(ctx, id, "Failed")
}

// MarkProtocolCancelled records a cancelled protocol execution.
func (s *Store) MarkProtocolCancelled(ctx context.Context, id dlc.ProtocolID) error {
	return s.markProtocolTerminal(ctx, id, "Cancelled")
}

func (s *Store) markProtocolTerminal(ctx context.Context, id dlc.ProtocolID, state string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dlc_protocols SET protocol_state = $2, updated_at = NOW()
		WHERE protocol_id = $1 AND protocol_state = 'Pending'
	`, id.String(), state)
	if err != nil {
		return fmt.Errorf("mark protocol %s %s: %w", id, state, err)
	}
	return s.requireProtocolTransition(ctx, res, id)
}

// requireProtocolTransition distinguishes "no such protocol" from "already
// finalized" when a terminal update matched zero rows.
func (s *Store) requireProtocolTransition(ctx context.Context, res sql.Result, id dlc.ProtocolID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var exists bool
	err = s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM dlc_protocols WHERE protocol_id = $1)`,
		id.String()).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check protocol %s: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("protocol %s: %w", id, dlc.ErrNotFound)
	}
	return fmt.Errorf("protocol %s: %w", id, dlc.ErrAlreadyFinalized)
}
