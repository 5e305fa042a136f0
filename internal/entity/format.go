package entity

import (
	"fmt"
	"time"
)

const timeLayout = "2006-01-02 15:04:05"

// FormatRemaining renders seconds until expiry as the two largest units.
func FormatRemaining(sec int64) string {
	if sec <= 0 {
		return "expired"
	}
	days := sec / 86400
	hours := (sec % 86400) / 3600
	minutes := (sec % 3600) / 60
	seconds := sec % 60
	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

func formatUnix(sec int64, zero string) string {
	if sec <= 0 {
		return zero
	}
	return time.Unix(sec, 0).Format(timeLayout)
}

func formatTime(t time.Time, zero string) string {
	if t.IsZero() {
		return zero
	}
	return t.Format(timeLayout)
}
