package rfc9111

import (
	"fmt"
	"strconv"
	"time"
)

// deltaSeconds parses a non-negative number of seconds.
// Invalid values parse as zero.
func deltaSeconds(secondsStr string) time.Duration {
	if seconds, err := strconv.ParseUint(secondsStr, 10, 64); err == nil {
		return time.Second * time.Duration(seconds)
	}
	return 0
}

// ToDeltaSeconds formats a duration as delta-seconds, truncating fractions.
func ToDeltaSeconds(duration time.Duration) string {
	return fmt.Sprintf("%d", int64(duration/time.Second))
}
