package store

import (
	"context"
	"database/sql"
	"fmt"

	"DlcCoordinator/internal/dlc"
	"DlcCoordinator/internal/referral"
)

// AllReferralsByReferringUser returns one summary per user referred by the
// given trader, including the referred user's accumulated trade volume.
func (s *Store) AllReferralsByReferringUser(ctx context.Context, trader dlc.PublicKey) ([]referral.Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT referring_user, referring_user_referral_code,
		       referred_user, referred_user_referral_code,
		       created_at, total_quantity
		FROM referrals
		WHERE referring_user = $1
	`, string(trader))
	if err != nil {
		return nil, fmt.Errorf("referrals for %s: %w", trader, err)
	}
	defer rows.Close()

	var summaries []referral.Summary
	for rows.Next() {
		var sum referral.Summary
		if err := rows.Scan(
			&sum.ReferringUser, &sum.ReferringUserReferralCode,
			&sum.ReferredUser, &sum.ReferredUserReferralCode,
			&sum.Timestamp, &sum.ReferredUserTotalQuantity,
		); err != nil {
			return nil, fmt.Errorf("scan referral summary: %w", err)
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// AllActiveReferralTiers returns the currently active tier definitions.
func (s *Store) AllActiveReferralTiers(ctx context.Context) ([]referral.Tier, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tier_level, min_users_to_refer, min_volume_per_referral,
		       fee_rebate, number_of_trades, active
		FROM referral_tiers
		WHERE active
	`)
	if err != nil {
		return nil, fmt.Errorf("active referral tiers: %w", err)
	}
	defer rows.Close()

	var tiers []referral.Tier
	for rows.Next() {
		var t referral.Tier
		if err := rows.Scan(&t.ID, &t.TierLevel, &t.MinUsersToRefer,
			&t.MinVolumePerReferral, &t.FeeRebate, &t.NumberOfTrades, &t.Active); err != nil {
			return nil, fmt.Errorf("scan referral tier: %w", err)
		}
		tiers = append(tiers, t)
	}
	return tiers, rows.Err()
}

// GetUserReferralCode returns the trader's own referral code.
func (s *Store) GetUserReferralCode(ctx context.Context, trader dlc.PublicKey) (string, error) {
	var code string
	err := s.db.QueryRowContext(ctx,
		`SELECT referral_code FROM users WHERE trader_pubkey = $1`,
		string(trader)).Scan(&code)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("user %s: %w", trader, dlc.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get referral code for %s: %w", trader, err)
	}
	return code, nil
}
