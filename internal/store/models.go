package store

import "time"

// Message is one persisted envelope. Unread rows (ReadFlag false) are the
// crash-recovery source for the in-memory queues; rows are marked read when
// the recipient drains them and are never un-read.
//
// Timestamp is the broker-assigned ISO-8601 string from the wire contract.
// The fixed layout makes lexicographic order chronological, and (ToID,
// Timestamp) identifies the rows a check marks read.
type Message struct {
	ID            uint   `gorm:"primaryKey"`
	FromID        string `gorm:"column:from_id"`
	ToID          string `gorm:"column:to_id;index:idx_messages_unread"`
	Content       string `gorm:"column:content"`
	Timestamp     string `gorm:"column:timestamp"`
	Data          string `gorm:"column:data"`
	Summary       string `gorm:"column:summary"`
	LargeFilePath string `gorm:"column:large_file_path"`
	ReadFlag      bool   `gorm:"column:read_flag;index:idx_messages_unread"`
}

// Instance is one row of the active-instance table.
type Instance struct {
	InstanceID string    `gorm:"column:instance_id;primaryKey"`
	LastSeen   time.Time `gorm:"column:last_seen"`
}

// Session binds a hashed token to an instance. The raw token is never
// stored; validation hashes the presented token and looks up this row.
type Session struct {
	TokenHash  string    `gorm:"column:session_token_hash;primaryKey"`
	InstanceID string    `gorm:"column:instance_id;index"`
	CreatedAt  time.Time `gorm:"column:created_at"`
	ExpiresAt  time.Time `gorm:"column:expires_at"`
}

// NameChange records a rename for time-bounded forwarding. OldName is the
// primary key: renaming away from a name that was itself a forward target
// overwrites the stale row.
type NameChange struct {
	OldName   string    `gorm:"column:old_name;primaryKey"`
	NewName   string    `gorm:"column:new_name"`
	ChangedAt time.Time `gorm:"column:changed_at"`
}

// TableName keeps the historical table name.
func (NameChange) TableName() string {
	return "name_history"
}

// allModels lists every persisted type for migration.
func allModels() []any {
	return []any{
		&Message{},
		&Instance{},
		&Session{},
		&NameChange{},
	}
}
