package chillers

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
)

var (
	columnUserUsername   = "username"
	columnUserTrustLevel = "trust_level"
	columnUserIs18Plus   = "is_18_plus"
	columnUserDiscordID  = "discord_id"
	columnUserLastSeen   = "last_seen"
)

// VRChatUser is a record of a VRChat group member the monitor has seen in
// an instance at least once. Created on first observed presence, updated on
// every subsequent observation, never deleted.
//
//nolint:lll // struct tags can't be split
type VRChatUser struct {
	ModelUintID

	// VRChatID is the stable VRChat user ID (e.g. "usr_...")
	VRChatID string `json:"vrchat_id" gorm:"column:vrchat_id;uniqueIndex;not null"`

	// Username is the VRChat display name as of the last observation
	Username string `json:"username" gorm:"type:string"`

	// TrustLevel is VRChat's trust classification (e.g. "Trusted User")
	TrustLevel string `json:"trust_level" gorm:"column:trust_level;default:Unknown"`

	// Is18Plus indicates the user is age-verified in VRChat
	Is18Plus bool `json:"is_18_plus" gorm:"column:is_18_plus;default:false"`

	// DiscordID links to a VerifiedUser record, when known
	DiscordID string `json:"discord_id" gorm:"column:discord_id"`

	// LastSeen is the last time this user was observed in any instance
	LastSeen *time.Time `json:"last_seen" gorm:"column:last_seen"`

	// Visits is the user's instance visit history
	Visits []VisitRecord `json:"visits,omitempty" gorm:"foreignKey:UserID"`

	ModelUnixTime
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

func (u *VRChatUser) String() string {
	return fmt.Sprintf("%s [%s]", u.Username, u.VRChatID)
}

func (u *VRChatUser) LogValue() slog.Value {
	if u == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("vrchat_id", u.VRChatID),
		slog.String("username", u.Username),
		slog.String("trust_level", u.TrustLevel),
		slog.String("discord_id", u.DiscordID),
	)
}

// VisitRecord is one entry in a user's instance visit history: the instance
// they entered and when, and (once detected) when they left and how long
// they stayed.
type VisitRecord struct {
	ModelUintID

	UserID uint `json:"user_id" gorm:"index;not null"`

	// InstanceID is the VRChat instance identifier (hash part only)
	InstanceID string `json:"instance_id" gorm:"not null"`

	JoinedAt time.Time  `json:"joined_at" gorm:"not null"`
	LeftAt   *time.Time `json:"left_at"`

	// DurationSeconds is LeftAt minus JoinedAt, in seconds
	DurationSeconds *int64 `json:"duration_seconds"`

	ModelUnixTime
}

// VerifiedUser links a Discord account to a VRChat account. Records are
// written by the verification flow; the monitor only reads them to resolve
// Discord mentions for tracked users.
type VerifiedUser struct {
	ModelUintID

	DiscordID        string    `json:"discord_id" gorm:"uniqueIndex;not null"`
	VRChatID         string    `json:"vrchat_id" gorm:"column:vrchat_id;uniqueIndex;not null"`
	Username         string    `json:"username" gorm:"not null"`
	VerificationCode string    `json:"verification_code" gorm:"not null"`
	VerifiedAt       time.Time `json:"verified_at"`

	ModelUnixTime
}

// getUserByVRChatID returns the tracked user with the given VRChat ID, or
// nil if no such user exists.
func getUserByVRChatID(db *gorm.DB, vrchatID string) (*VRChatUser, error) {
	var user VRChatUser
	err := db.Where("vrchat_id = ?", vrchatID).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// getVerifiedUser returns the verification record for the given VRChat ID,
// or nil if the user never verified.
func getVerifiedUser(db *gorm.DB, vrchatID string) (*VerifiedUser, error) {
	var verified VerifiedUser
	err := db.Where("vrchat_id = ?", vrchatID).First(&verified).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &verified, nil
}
