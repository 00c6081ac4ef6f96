package registry

import (
	"fmt"

	"github.com/wnt/subledger/internal/models"
)

// Time bucket widths in seconds
const (
	SecondsPerDay  int64 = 86400
	SecondsPerHour int64 = 3600
)

// Day returns the day bucket of a block timestamp
func Day(ts int64) int64 {
	return ts / SecondsPerDay
}

// Hour returns the hour bucket of a block timestamp
func Hour(ts int64) int64 {
	return ts / SecondsPerHour
}

// SnapshotID is the id of a parent's snapshot for one time bucket
func SnapshotID(parentID string, bucket int64) string {
	return fmt.Sprintf("%s-%d", parentID, bucket)
}

// PositionCounterID is the (account, market, side) key shared by successive positions
func PositionCounterID(accountID, marketID string, side models.Side) string {
	return fmt.Sprintf("%s-%s-%s", accountID, marketID, side)
}

// PositionID is the id of the n-th position under a counter, n starting at 1
func PositionID(counterID string, n int64) string {
	return fmt.Sprintf("%s-%d", counterID, n)
}

// PositionSnapshotID identifies a position's state after one log
func PositionSnapshotID(positionID, hash string, logIndex int64) string {
	return fmt.Sprintf("%s-%s-%d", positionID, hash, logIndex)
}

// RewardTokenID discriminates deposit-side and borrow-side emissions of one token
func RewardTokenID(rewardType models.RewardTokenType, tokenID string) string {
	return fmt.Sprintf("%s-%s", rewardType, tokenID)
}

// InterestRateID is the live rate id of a market side and type
func InterestRateID(side models.InterestRateSide, rateType models.InterestRateType, marketID string) string {
	return fmt.Sprintf("%s-%s-%s", side, rateType, marketID)
}

// FeeID is the id of a market fee
func FeeID(feeType models.FeeType, marketID string) string {
	return fmt.Sprintf("%s-%s", feeType, marketID)
}

// ActorID marks an account acting in a role
func ActorID(role models.EventKind, accountID string) string {
	return fmt.Sprintf("%s-%s", role, accountID)
}

// ActiveAccountID marks an account active within a day or hour bucket
func ActiveAccountID(accountID string, bucket int64) string {
	return fmt.Sprintf("%s-%d", accountID, bucket)
}

// RoleActiveID marks an account active in a role within a day
func RoleActiveID(accountID string, role models.EventKind, day int64) string {
	return fmt.Sprintf("%s-%s-%d", accountID, role, day)
}
