// Package referral computes a trader's referral tier and fee bonus from the
// users they referred. This is an independent business rule, separate from
// the channel reconciliation core.
package referral

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"DlcCoordinator/internal/dlc"
)

// Tier is one configurable referral tier definition.
type Tier struct {
	ID                   int
	TierLevel            int
	MinUsersToRefer      int
	MinVolumePerReferral int
	FeeRebate            float64
	NumberOfTrades       int
	Active               bool
}

// Summary describes one referred user and their accumulated trade volume.
type Summary struct {
	ReferringUser             string
	ReferringUserReferralCode string
	ReferredUser              string
	ReferredUserReferralCode  string
	Timestamp                 time.Time
	ReferredUserTotalQuantity float64
}

// Status is a trader's current standing in the referral program.
type Status struct {
	ReferralCode               string          `json:"referral_code"`
	NumberOfActivatedReferrals int             `json:"number_of_activated_referrals"`
	NumberOfTotalReferrals     int             `json:"number_of_total_referrals"`
	ReferralTier               int             `json:"referral_tier"`
	ReferralFeeBonus           decimal.Decimal `json:"referral_fee_bonus"`
}

// CalculateTier buckets each referred user into the highest tier whose
// per-referral volume threshold they meet, then picks the highest tier whose
// user-count threshold is reached.
func CalculateTier(referrals []Summary, tiers []Tier, referralCode string) Status {
	// Sort descending by volume so the highest suitable tier wins below.
	sorted := make([]Tier, len(tiers))
	copy(sorted, tiers)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].MinVolumePerReferral > sorted[j].MinVolumePerReferral
	})

	usersByTier := make(map[int]int)
	for _, referred := range referrals {
		for _, tier := range sorted {
			if int(referred.ReferredUserTotalQuantity) >= tier.MinVolumePerReferral {
				usersByTier[tier.TierLevel]++
				break
			}
		}
	}

	// Only tiers that actually bucketed a referred user qualify; a tier with
	// a zero user threshold must not be granted off an empty bucket.
	var selected *Tier
	for i, tier := range sorted {
		if n, ok := usersByTier[tier.TierLevel]; ok && n >= tier.MinUsersToRefer {
			selected = &sorted[i]
			break
		}
	}

	status := Status{
		ReferralCode:     referralCode,
		ReferralFeeBonus: decimal.Zero,
	}
	for _, n := range usersByTier {
		status.NumberOfTotalReferrals += n
	}
	if selected != nil {
		status.ReferralTier = selected.TierLevel
		status.NumberOfActivatedReferrals = usersByTier[selected.TierLevel]
		status.ReferralFeeBonus = decimal.NewFromFloat(selected.FeeRebate)
	}
	return status
}

// Store is the subset of the shadow store the referral service reads.
type Store interface {
	AllReferralsByReferringUser(ctx context.Context, trader dlc.PublicKey) ([]Summary, error)
	AllActiveReferralTiers(ctx context.Context) ([]Tier, error)
	GetUserReferralCode(ctx context.Context, trader dlc.PublicKey) (string, error)
}

// Service resolves a trader's referral status against the store.
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

func (s *Service) Status(ctx context.Context, trader dlc.PublicKey) (Status, error) {
	referrals, err := s.store.AllReferralsByReferringUser(ctx, trader)
	if err != nil {
		return Status{}, err
	}
	code, err := s.store.GetUserReferralCode(ctx, trader)
	if err != nil {
		return Status{}, err
	}
	tiers, err := s.store.AllActiveReferralTiers(ctx)
	if err != nil {
		return Status{}, err
	}
	return CalculateTier(referrals, tiers, code), nil
}
