package models

import "time"

// Receipt records the newest message timestamp a user has seen in a room.
type Receipt struct {
	RoomID   string    `db:"room_id" json:"room_id"`
	UserID   string    `db:"user_id" json:"user_id"`
	LastRead time.Time `db:"last_read" json:"last_read"`
}
