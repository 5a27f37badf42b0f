package redis

import (
	"strconv"
	"strings"
)

// keyspace builds every key the segment store touches.
//
//	{p}:segment:{id}                      hash, one per segment
//	{p}:segments                          set of all segment ids
//	{p}:segments:seq                      id counter, survives resets
//	{p}:active:{session}:{user}           id of the active segment
//	{p}:user:{user}                       set of segment ids per user
//	{p}:chain:{session}:{user}:{rating}   set of segment ids per chain
//	{p}:meta:last_reset                   date of the last daily reset
//
// Session, user and rating ids come from the media server and may contain
// ':', so each one is Go-quoted before being joined.
type keyspace struct {
	prefix string
}

func (k keyspace) segment(id int64) string {
	return k.segmentPrefix() + strconv.FormatInt(id, 10)
}

func (k keyspace) segmentPrefix() string {
	return k.prefix + ":segment:"
}

func (k keyspace) all() string {
	return k.prefix + ":segments"
}

func (k keyspace) seq() string {
	return k.prefix + ":segments:seq"
}

func (k keyspace) active(sessionID, userID string) string {
	return k.prefix + ":active:" + join(sessionID, userID)
}

func (k keyspace) user(userID string) string {
	return k.prefix + ":user:" + join(userID)
}

func (k keyspace) chain(sessionID, userID, ratingKey string) string {
	return k.prefix + ":chain:" + join(sessionID, userID, ratingKey)
}

func (k keyspace) lastReset() string {
	return k.prefix + ":meta:last_reset"
}

// join quotes each id and separates them with ':'
func join(ids ...string) string {
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = strconv.Quote(id)
	}
	return strings.Join(quoted, ":")
}

// resetPatterns lists the SCAN patterns wiped by a daily reset.
func (k keyspace) resetPatterns() []string {
	return []string{
		k.prefix + ":active:*",
		k.prefix + ":user:*",
		k.prefix + ":chain:*",
	}
}
