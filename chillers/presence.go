package chillers

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

var (
	columnPresenceLeftAt          = "left_at"
	columnPresenceDurationSeconds = "duration_seconds"
)

// UserPresence is one contiguous span of a user's membership in one
// instance, bounded by join and leave detection. At most one presence per
// (user, instance) pair is open (LeftAt null) at a time.
//
//nolint:lll // struct tags can't be split
type UserPresence struct {
	ModelUintID

	UserID     uint `json:"user_id" gorm:"index;not null"`
	InstanceID uint `json:"instance_id" gorm:"index;not null"`

	JoinedAt time.Time  `json:"joined_at" gorm:"not null"`
	LeftAt   *time.Time `json:"left_at" gorm:"column:left_at"`

	// DurationSeconds is LeftAt minus JoinedAt, in seconds, set when the
	// presence closes
	DurationSeconds *int64 `json:"duration_seconds" gorm:"column:duration_seconds"`

	ModelUnixTime
}

// Close sets LeftAt and computes the duration. Returns the column updates
// to persist.
func (p *UserPresence) Close(at time.Time) map[string]any {
	duration := int64(at.Sub(p.JoinedAt) / time.Second)
	p.LeftAt = &at
	p.DurationSeconds = &duration
	return map[string]any{
		columnPresenceLeftAt:          &at,
		columnPresenceDurationSeconds: &duration,
	}
}

// latestOpenPresence returns the most recent open presence for the given
// (user, instance) pair, or nil if none is open.
func latestOpenPresence(db *gorm.DB, userID, instanceID uint) (*UserPresence, error) {
	var presence UserPresence
	err := db.Where(
		"user_id = ? AND instance_id = ? AND left_at IS NULL",
		userID,
		instanceID,
	).Order("joined_at DESC").First(&presence).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &presence, nil
}

// openPresenceCount returns the number of open presences referencing the
// given instance.
func openPresenceCount(db *gorm.DB, instanceID uint) (int64, error) {
	var count int64
	err := db.Model(&UserPresence{}).Where(
		"instance_id = ? AND left_at IS NULL",
		instanceID,
	).Count(&count).Error
	return count, err
}

// openPresences returns all open presences referencing the given instance.
func openPresences(db *gorm.DB, instanceID uint) ([]UserPresence, error) {
	var presences []UserPresence
	err := db.Where(
		"instance_id = ? AND left_at IS NULL",
		instanceID,
	).Find(&presences).Error
	return presences, err
}

// presenceCount returns the total number of presences (open or closed) for
// the given (user, instance) pair.
func presenceCount(db *gorm.DB, userID, instanceID uint) (int64, error) {
	var count int64
	err := db.Model(&UserPresence{}).Where(
		"user_id = ? AND instance_id = ?",
		userID,
		instanceID,
	).Count(&count).Error
	return count, err
}
