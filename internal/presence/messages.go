package presence

import (
	"fmt"
	"strings"
	"time"
)

// StartMessage is the call-started notice. Only roleID may be mentioned.
func StartMessage(roleID, channelID, memberID string) string {
	return fmt.Sprintf("<@&%s> Call in <#%s> started by <@%s>", roleID, channelID, memberID)
}

// EndMessage is the mention-free call-ended notice.
func EndMessage(channelID string, elapsed time.Duration) string {
	return fmt.Sprintf("Call in <#%s> ended: lasted for %s", channelID, FormatDuration(elapsed))
}

// FormatDuration renders whole minutes and seconds, e.g. "1 minute and 2
// seconds". Zero units are omitted; a zero duration is "0 seconds".
func FormatDuration(d time.Duration) string {
	total := int(d / time.Second)
	if total < 0 {
		total = 0
	}
	minutes, seconds := total/60, total%60

	var parts []string
	if minutes > 0 {
		parts = append(parts, plural(minutes, "minute"))
	}
	if seconds > 0 {
		parts = append(parts, plural(seconds, "second"))
	}
	if len(parts) == 0 {
		return "0 seconds"
	}
	return strings.Join(parts, " and ")
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
