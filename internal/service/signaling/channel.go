package signaling

import (
	"strconv"
	"strings"
	"time"
)

const (
	// MaxChannelNameLength is the video transport's hard limit.
	MaxChannelNameLength = 64
	channelIDPrefix      = 8
)

// ChannelName builds call_{caller}_{receiver}_{base36 millis}, where each
// participant id is reduced to its first eight alphanumeric characters.
func ChannelName(callerID, receiverID string, at time.Time) string {
	name := "call_" + shortID(callerID) + "_" + shortID(receiverID) + "_" +
		strconv.FormatInt(at.UnixMilli(), 36)
	if len(name) > MaxChannelNameLength {
		name = name[:MaxChannelNameLength]
	}
	return name
}

func shortID(id string) string {
	var b strings.Builder
	for _, r := range id {
		if b.Len() == channelIDPrefix {
			break
		}
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
