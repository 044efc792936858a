package cache

import (
	"strconv"
	"time"
)

// Key prefixes for consistent cache key naming
const (
	KeyPrefix                = "cre:"
	BrigadeJoinsPrefix       = KeyPrefix + "brigade:joins:"
	BrigadeActivePrefix      = KeyPrefix + "brigade:active:"
	BrigadeFingerprintPrefix = KeyPrefix + "brigade:fp:"
	RateLimitPrefix          = KeyPrefix + "ratelimit:"
	DedupPrefix              = KeyPrefix + "dedup:message:"
	ActiveTimeoutPrefix      = KeyPrefix + "timeout:"
)

// windowGrace keeps window keys alive a little past their window so that a
// late reader still sees the tail.
const windowGrace = time.Minute

func joinsKey(guildID int64) string {
	return BrigadeJoinsPrefix + strconv.FormatInt(guildID, 10)
}

func activeKey(guildID int64) string {
	return BrigadeActivePrefix + strconv.FormatInt(guildID, 10)
}

func fingerprintKey(guildID int64, fingerprint string) string {
	return BrigadeFingerprintPrefix + strconv.FormatInt(guildID, 10) + ":" + fingerprint
}

func fingerprintPattern(guildID int64) string {
	return BrigadeFingerprintPrefix + strconv.FormatInt(guildID, 10) + ":*"
}

func dedupKey(messageID int64) string {
	return DedupPrefix + strconv.FormatInt(messageID, 10)
}

func activeTimeoutKey(guildID, userID int64) string {
	return ActiveTimeoutPrefix + strconv.FormatInt(guildID, 10) + ":" + strconv.FormatInt(userID, 10)
}
