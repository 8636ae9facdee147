package kv

import "time"

const (
	JobKeyPrefix      = "job:"
	EmailJobKeyPrefix = "ejob:"
	LockKeyPrefix     = "lock:"
	UserKeyPrefix     = "u:"
	DeviceKeyPrefix   = "d:"
	RefKeyPrefix      = "r:"
	ParseKeyPrefix    = "parse:"
	QueueKey          = "queue"
	InFlightKey       = "queue:inflight"
	QueueMemberPrefix = "queue:member:"
)

const (
	UploadLockTTL  = 30 * time.Second
	DedupeTTL      = 30 * 24 * time.Hour
	ParseCacheTTL  = 24 * time.Hour
	// QueueMemberTTL outlives any queued or processing job record.
	QueueMemberTTL = 15 * time.Minute
)

func JobKey(id string) string { return JobKeyPrefix + id }

func EmailJobKey(email string) string { return EmailJobKeyPrefix + email }

func LockKey(email string) string { return LockKeyPrefix + email }

func UserKey(hash string) string { return UserKeyPrefix + hash }

func DeviceKey(deviceID string) string { return DeviceKeyPrefix + deviceID }

func RefKey(refID string) string { return RefKeyPrefix + refID }

func ParseKey(hash string) string { return ParseKeyPrefix + hash }

// QueueMemberKey guards a job id while it is waiting or in flight.
func QueueMemberKey(id string) string { return QueueMemberPrefix + id }
