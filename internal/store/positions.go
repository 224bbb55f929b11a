package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"DlcCoordinator/internal/dlc"
	"DlcCoordinator/internal/position"
)

// SetOpenPositionToClosing moves a trader's currently open position to
// Closing. The closing price is usually still unknown at this point (the
// oracle has not attested yet). Returns the number of rows affected; zero
// means the trader had no open position, which callers tolerate.
func (s *Store) SetOpenPositionToClosing(ctx context.Context, trader dlc.PublicKey, closingPrice *decimal.Decimal) (int64, error) {
	var price sql.NullString
	if closingPrice != nil {
		price = sql.NullString{String: closingPrice.String(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE positions SET
			position_state = 'Closing',
			closing_price = $2,
			updated_at = NOW()
		WHERE trader_pubkey = $1 AND position_state = 'Open'
	`, string(trader), price)
	if err != nil {
		return 0, fmt.Errorf("set open position to closing for %s: %w", trader, err)
	}
	return res.RowsAffected()
}

// GetClosingPositionByTrader returns the trader's position currently in
// Closing state. The price stored at that point is a placeholder and plays
// no part in the lookup.
func (s *Store) GetClosingPositionByTrader(ctx context.Context, trader dlc.PublicKey) (*position.Position, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, trader_pubkey, position_state, quantity,
		       closing_price, trader_realized_pnl_sat, created_at, updated_at
		FROM positions
		WHERE trader_pubkey = $1 AND position_state = 'Closing'
		ORDER BY updated_at DESC
		LIMIT 1
	`, string(trader))

	var (
		pos          position.Position
		traderKey    string
		state        string
		quantity     string
		closingPrice sql.NullString
		pnl          sql.NullInt64
	)
	err := row.Scan(&pos.ID, &traderKey, &state, &quantity,
		&closingPrice, &pnl, &pos.CreatedAt, &pos.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("closing position for trader %s: %w", trader, dlc.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get closing position for %s: %w", trader, err)
	}

	pos.Trader = dlc.PublicKey(traderKey)
	pos.State = position.StateFromString(state)
	if pos.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return nil, fmt.Errorf("parse position quantity %q: %w", quantity, err)
	}
	if closingPrice.Valid {
		price, err := decimal.NewFromString(closingPrice.String)
		if err != nil {
			return nil, fmt.Errorf("parse closing price %q: %w", closingPrice.String, err)
		}
		pos.ClosingPrice = &price
	}
	if pnl.Valid {
		v := pnl.Int64
		pos.RealizedPnlSat = &v
	}
	return &pos, nil
}

// SetPositionClosedWithPnl finalizes a closing position with the realized
// pnl and the attested closing price. Returns the number of rows affected;
// zero is logged by the caller but tolerated (a race with manual
// intervention is possible).
func (s *Store) SetPositionClosedWithPnl(ctx context.Context, positionID int64, realizedPnlSat int64, closingPrice decimal.Decimal) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE positions SET
			position_state = 'Closed',
			trader_realized_pnl_sat = $2,
			closing_price = $3,
			updated_at = NOW()
		WHERE id = $1 AND position_state = 'Closing'
	`, positionID, realizedPnlSat, closingPrice.String())
	if err != nil {
		return 0, fmt.Errorf("set position %d closed: %w", positionID, err)
	}
	return res.RowsAffected()
}
