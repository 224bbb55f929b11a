package store

import (
	"context"
	"database/sql"
	"fmt"

	"DlcCoordinator/internal/dlc"
)

// Channel shadow rows. Updates are keyed by channel id, except for the
// Failed/Cancelled transitions which are keyed by the opening protocol id
// because the engine may no longer know the channel. Transaction id columns
// are populated with COALESCE so that redelivering an event with the same
// txid is a no-op and an already-set txid is never overwritten.

const channelColumns = `
	open_protocol_id, channel_id, trader_pubkey, channel_state,
	trader_reserve_sats, coordinator_reserve_sats,
	coordinator_funding_sats, trader_funding_sats,
	funding_txid, close_txid, settle_txid, buffer_txid, claim_txid, punish_txid,
	created_at, updated_at`

// InsertPendingChannel creates the shadow row for a freshly offered channel.
// Redelivery of the Offered event is a no-op.
func (s *Store) InsertPendingChannel(ctx context.Context, protocolID dlc.ProtocolID, channelID dlc.ChannelID, trader dlc.PublicKey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dlc_channels (open_protocol_id, channel_id, trader_pubkey, channel_state)
		VALUES ($1, $2, $3, 'Pending')
		ON CONFLICT (channel_id) DO NOTHING
	`, protocolID.String(), channelID.String(), string(trader))
	if err != nil {
		return fmt.Errorf("insert pending channel %s: %w", channelID, err)
	}
	return nil
}

// SetChannelOpen transitions a pending channel to Open, recording the
// funding transaction, both reserves and the immutable funding amounts.
func (s *Store) SetChannelOpen(
	ctx context.Context,
	protocolID dlc.ProtocolID,
	channelID dlc.ChannelID,
	fundingTxid dlc.Txid,
	coordinatorReserveSats, traderReserveSats uint64,
	coordinatorFundingSats, traderFundingSats uint64,
) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dlc_channels SET
			channel_state = 'Open',
			funding_txid = COALESCE(funding_txid, $3),
			coordinator_reserve_sats = $4,
			trader_reserve_sats = $5,
			coordinator_funding_sats = $6,
			trader_funding_sats = $7,
			updated_at = NOW()
		WHERE channel_id = $2 AND open_protocol_id = $1
	`, protocolID.String(), channelID.String(), fundingTxid.String(),
		int64(coordinatorReserveSats), int64(traderReserveSats),
		int64(coordinatorFundingSats), int64(traderFundingSats))
	if err != nil {
		return fmt.Errorf("set channel %s open: %w", channelID, err)
	}
	return requireRow(res, channelID.String())
}

// UpdateChannelBalances refreshes the current reserve balances after a
// position-affecting protocol settled into the channel. Funding amounts stay
// untouched.
func (s *Store) UpdateChannelBalances(ctx context.Context, channelID dlc.ChannelID, coordinatorReserveSats, traderReserveSats uint64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dlc_channels SET
			coordinator_reserve_sats = $2,
			trader_reserve_sats = $3,
			updated_at = NOW()
		WHERE channel_id = $1
	`, channelID.String(), int64(coordinatorReserveSats), int64(traderReserveSats))
	if err != nil {
		return fmt.Errorf("update channel %s balances: %w", channelID, err)
	}
	return requireRow(res, channelID.String())
}

// SetChannelForceClosing records the broadcast buffer transaction.
func (s *Store) SetChannelForceClosing(ctx context.Context, channelID dlc.ChannelID, bufferTxid dlc.Txid) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dlc_channels SET
			channel_state = 'Closing',
			buffer_txid = COALESCE(buffer_txid, $2),
			updated_at = NOW()
		WHERE channel_id = $1
	`, channelID.String(), bufferTxid.String())
	if err != nil {
		return fmt.Errorf("set channel %s force-closing: %w", channelID, err)
	}
	return requireRow(res, channelID.String())
}

// SetChannelForceClosingSettled records the settle transaction and, when the
// claim transaction is already known, that one too.
func (s *Store) SetChannelForceClosingSettled(ctx context.Context, channelID dlc.ChannelID, settleTxid dlc.Txid, claimTxid *dlc.Txid) error {
	var claim sql.NullString
	if claimTxid != nil {
		claim = sql.NullString{String: claimTxid.String(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE dlc_channels SET
			channel_state = 'Closing',
			settle_txid = COALESCE(settle_txid, $2),
			claim_txid = COALESCE(claim_txid, $3),
			updated_at = NOW()
		WHERE channel_id = $1
	`, channelID.String(), settleTxid.String(), claim)
	if err != nil {
		return fmt.Errorf("set channel %s force-closing settled: %w", channelID, err)
	}
	return requireRow(res, channelID.String())
}

// SetChannelPunished closes the channel via the punish transaction after the
// counterparty published a revoked state.
func (s *Store) SetChannelPunished(ctx context.Context, channelID dlc.ChannelID, punishTxid dlc.Txid) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dlc_channels SET
			channel_state = 'Closed',
			punish_txid = COALESCE(punish_txid, $2),
			updated_at = NOW()
		WHERE channel_id = $1
	`, channelID.String(), punishTxid.String())
	if err != nil {
		return fmt.Errorf("set channel %s punished: %w", channelID, err)
	}
	return requireRow(res, channelID.String())
}

// SetChannelCollabClosing records the proposed collaborative close
// transaction as a provisional closing marker.
func (s *Store) SetChannelCollabClosing(ctx context.Context, channelID dlc.ChannelID, closeTxid dlc.Txid) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dlc_channels SET
			channel_state = 'Closing',
			close_txid = COALESCE(close_txid, $2),
			updated_at = NOW()
		WHERE channel_id = $1
	`, channelID.String(), closeTxid.String())
	if err != nil {
		return fmt.Errorf("set channel %s collab-closing: %w", channelID, err)
	}
	return requireRow(res, channelID.String())
}

// SetChannelCollabClosed records the definitive closing transaction and
// moves the channel to its terminal Closed state.
func (s *Store) SetChannelCollabClosed(ctx context.Context, channelID dlc.ChannelID, closeTxid dlc.Txid) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dlc_channels SET
			channel_state = 'Closed',
			close_txid = COALESCE(close_txid, $2),
			updated_at = NOW()
		WHERE channel_id = $1
	`, channelID.String(), closeTxid.String())
	if err != nil {
		return fmt.Errorf("set channel %s closed: %w", channelID, err)
	}
	return requireRow(res, channelID.String())
}

// SetChannelFailed marks the channel of a failed protocol execution, keyed
// by the opening protocol id. Missing rows are tolerated: the channel may
// have failed before Offered was ever shadowed.
func (s *Store) SetChannelFailed(ctx context.Context, protocolID dlc.ProtocolID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE dlc_channels SET channel_state = 'Failed', updated_at = NOW()
		WHERE open_protocol_id = $1
	`, protocolID.String())
	if err != nil {
		return fmt.Errorf("set channel failed for protocol %s: %w", protocolID, err)
	}
	return nil
}

// SetChannelCancelled marks the channel of a cancelled protocol execution,
// keyed by the opening protocol id. Missing rows are tolerated.
func (s *Store) SetChannelCancelled(ctx context.Context, protocolID dlc.ProtocolID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE dlc_channels SET channel_state = 'Cancelled', updated_at = NOW()
		WHERE open_protocol_id = $1
	`, protocolID.String())
	if err != nil {
		return fmt.Errorf("set channel cancelled for protocol %s: %w", protocolID, err)
	}
	return nil
}

// GetChannel loads a shadow row. Returns dlc.ErrNotFound if the channel was
// never shadowed.
func (s *Store) GetChannel(ctx context.Context, channelID dlc.ChannelID) (*dlc.Channel, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+channelColumns+`
		FROM dlc_channels WHERE channel_id = $1
	`, channelID.String())
	return scanChannel(row)
}

// ListChannels returns all shadow rows, newest first.
func (s *Store) ListChannels(ctx context.Context) ([]*dlc.Channel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+channelColumns+`
		FROM dlc_channels ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var channels []*dlc.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(row rowScanner) (*dlc.Channel, error) {
	var (
		ch                                                       dlc.Channel
		protocolID, channelID, trader, state                     string
		traderReserve, coordReserve, coordFunding, traderFunding int64
		fundingTxid, closeTxid, settleTxid                       sql.NullString
		bufferTxid, claimTxid, punishTxid                        sql.NullString
	)
	err := row.Scan(
		&protocolID, &channelID, &trader, &state,
		&traderReserve, &coordReserve, &coordFunding, &traderFunding,
		&fundingTxid, &closeTxid, &settleTxid, &bufferTxid, &claimTxid, &punishTxid,
		&ch.CreatedAt, &ch.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, dlc.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan channel: %w", err)
	}

	if ch.OpenProtocolID, err = dlc.ProtocolIDFromString(protocolID); err != nil {
		return nil, err
	}
	if ch.ChannelID, err = dlc.ChannelIDFromString(channelID); err != nil {
		return nil, err
	}
	ch.Trader = dlc.PublicKey(trader)
	ch.ChannelState = dlc.ChannelStateFromString(state)
	ch.TraderReserveSats = uint64(traderReserve)
	ch.CoordinatorReserveSats = uint64(coordReserve)
	ch.CoordinatorFundingSats = uint64(coordFunding)
	ch.TraderFundingSats = uint64(traderFunding)

	for _, f := range []struct {
		col sql.NullString
		dst **dlc.Txid
	}{
		{fundingTxid, &ch.FundingTxid},
		{closeTxid, &ch.CloseTxid},
		{settleTxid, &ch.SettleTxid},
		{bufferTxid, &ch.BufferTxid},
		{claimTxid, &ch.ClaimTxid},
		{punishTxid, &ch.PunishTxid},
	} {
		if !f.col.Valid {
			continue
		}
		txid, err := dlc.TxidFromString(f.col.String)
		if err != nil {
			return nil, err
		}
		*f.dst = &txid
	}

	return &ch, nil
}

func requireRow(res sql.Result, channelID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("channel %s: %w", channelID, dlc.ErrNotFound)
	}
	return nil
}
