package job

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strconv"
	"time"
)

var idPattern = regexp.MustCompile(`(?i)^job_[a-z0-9]+$`)

// NewID returns a fresh "job_<base36 ms><hex>" identifier.
func NewID() string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return "job_" + strconv.FormatInt(time.Now().UnixMilli(), 36) + hex.EncodeToString(buf)
}

// ValidID reports whether id has the job identifier shape.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}
