// Package consts holds process-wide constants: context keys, the canonical
// recipient name, the default entry host, the upload size limit, and the
// bounded-cache capacities.
package consts

type CtxKey string

const (
	CtxKeyLogID    CtxKey = "log_id"
	CtxKeyChatID   CtxKey = "chat_id"
	CtxKeyMsgID    CtxKey = "msg_id"
	CtxKeyTaskID   CtxKey = "task_id"
)

// FileHelperUserName is the canonical recipient this bridge speaks to.
const FileHelperUserName = "filehelper"

// DefaultEntryHost is used when WECHAT_ENTRY_HOST is unset.
const DefaultEntryHost = "szfilehelper.weixin.qq.com"

// MaxSendFileBytes rejects uploads above this size up-front (spec §4.1).
const MaxSendFileBytes = 25 * 1024 * 1024

// Bounded-cache capacities (spec §3 "Bounded caches").
const (
	RecentMessageCacheSize = 200
	RawByIDCacheSize       = 500
	SeenIDSetCapacity      = 2000
	SelfSentSetCapacity    = 500
	ProcessedKeyCapacity   = 5000
	CacheSlack             = 100
	TraceRingCapacity      = 100
	StabilityErrorRingSize = 20
)
