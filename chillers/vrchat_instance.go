package chillers

import (
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"
)

var (
	columnInstanceIsActive = "is_active"
	columnInstanceClosedAt = "closed_at"
	columnInstanceWorldID  = "world_id"
)

// VRChatInstance is a record of an ephemeral world session the monitor has
// observed at least one group member in. Created on first occupant
// observation, flipped inactive when the last open presence closes, never
// deleted.
//
//nolint:lll // struct tags can't be split
type VRChatInstance struct {
	ModelUintID

	// InstanceID is the VRChat instance identifier (the hash after the
	// colon in a location string), unique within a world
	InstanceID string `json:"instance_id" gorm:"uniqueIndex;not null"`

	// WorldID is the owning world (e.g. "wrld_..."). May be backfilled
	// after creation if the instance was first seen without it.
	WorldID string `json:"world_id" gorm:"column:world_id"`

	// InstanceName is a human-readable name, usually the world name of
	// the first occupant observed joining
	InstanceName string `json:"instance_name"`

	// OpenedBy is the VRChat user ID or display name of whoever opened
	// the instance, when known
	OpenedBy string `json:"opened_by"`

	IsGroupInstance bool `json:"is_group_instance" gorm:"default:false"`

	// IsActive is true iff at least one open presence references this
	// instance
	IsActive bool `json:"is_active" gorm:"column:is_active;default:true"`

	// ClosedAt is set when the instance goes inactive
	ClosedAt *time.Time `json:"closed_at" gorm:"column:closed_at"`

	ModelUnixTime
}

func (i *VRChatInstance) LogValue() slog.Value {
	if i == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("instance_id", i.InstanceID),
		slog.String("world_id", i.WorldID),
		slog.Bool("is_active", i.IsActive),
	)
}

// Location returns the combined "worldId:instanceId" identifier.
func (i *VRChatInstance) Location() Location {
	return Location{WorldID: i.WorldID, InstanceID: i.InstanceID}
}

// getInstanceByID returns the tracked instance with the given VRChat
// instance ID, or nil if no such instance exists.
func getInstanceByID(db *gorm.DB, instanceID string) (*VRChatInstance, error) {
	var instance VRChatInstance
	err := db.Where("instance_id = ?", instanceID).First(&instance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &instance, nil
}

// activeInstancesNotIn returns instances still flagged active whose
// instance ID does not appear in the given set. An empty set returns all
// active instances.
func activeInstancesNotIn(db *gorm.DB, instanceIDs []string) ([]VRChatInstance, error) {
	var stale []VRChatInstance
	q := db.Where("is_active = ?", true)
	if len(instanceIDs) > 0 {
		q = q.Where("instance_id NOT IN ?", instanceIDs)
	}
	err := q.Find(&stale).Error
	return stale, err
}
