package model

import "time"

// TypeNameBeacon scopes the game-type index to beacon records.
const TypeNameBeacon = "Beacon"

// DefaultPlatform is used when neither the request nor the catalog names one.
const DefaultPlatform = "PC"

// Beacon is a time-bounded declaration that a user wants to play a game.
// Records are immutable once written; a refresh deletes and recreates.
type Beacon struct {
	UniqueID  string `gorm:"primaryKey;size:64" json:"unique_id"`
	UserID    string `gorm:"size:64;not null;index:idx_beacons_user_end,priority:1" json:"user_id"`
	Username  string `gorm:"size:128" json:"username"`
	TypeName  string `gorm:"size:32;not null;index:idx_beacons_type_end,priority:1" json:"type_name"`
	Game      string `gorm:"size:32;not null" json:"game"`
	Platform  string `gorm:"size:16;not null" json:"platform"`
	StartTime int64  `gorm:"not null" json:"start_time"`
	EndTime   int64  `gorm:"not null;index:idx_beacons_type_end,priority:2;index:idx_beacons_user_end,priority:2" json:"end_time"`
}

// Active reports whether the beacon is still live at now.
func (b Beacon) Active(now time.Time) bool {
	return b.EndTime > now.Unix()
}

// Remaining returns the time left before the beacon expires, or zero.
func (b Beacon) Remaining(now time.Time) time.Duration {
	left := b.EndTime - now.Unix()
	if left <= 0 {
		return 0
	}
	return time.Duration(left) * time.Second
}

// Less orders beacons soonest-expiring first, ties broken by UniqueID.
func (b Beacon) Less(other Beacon) bool {
	if b.EndTime != other.EndTime {
		return b.EndTime < other.EndTime
	}
	return b.UniqueID < other.UniqueID
}

// BeaconSlot reserves the single active beacon a user may hold for a game.
// It is only written by the conditional-write locking mode.
type BeaconSlot struct {
	UserID   string `gorm:"primaryKey;size:64"`
	Game     string `gorm:"primaryKey;size:32"`
	BeaconID string `gorm:"size:64;not null;index"`
	EndTime  int64  `gorm:"not null"`
}
