package engine

import "time"

// LoginState is the login state machine spec §4.1 describes.
type LoginState string

const (
	StateUnstarted LoginState = "Unstarted"
	StateNeedQR    LoginState = "NeedQR"
	StateQRReady   LoginState = "QRReady"
	StateScanned   LoginState = "Scanned"
	StateAuthorized LoginState = "Authorized"
	StateLoggedIn  LoginState = "LoggedIn"
	StateQRExpired LoginState = "QRExpired"
	StateLoggedOut LoginState = "LoggedOut"
)

// MessageKind is the normalized kind of an InboundMessage.
type MessageKind string

const (
	KindText MessageKind = "text"
	KindImage MessageKind = "image"
	KindFile  MessageKind = "file"
)

// InboundMessage is the dispatcher's unit of work (spec §3).
type InboundMessage struct {
	ID         string
	Kind       MessageKind
	Content    string
	FileName   string
	IsMine     bool
	LocalPath  string
	LocalSize  int64
	ReplyToID  string
	Timestamp  time.Time
}

// RawMessage is the engine-local cache of the original upstream AddMsgList
// record, retained so attachment download can reach upstream-only fields
// (MediaId, EncryFileName) later (spec §3).
type RawMessage struct {
	MsgID           string
	MsgType         int
	AppMsgType      int
	FromUserName    string
	ToUserName      string
	Content         string
	MediaID         string
	EncryFileName   string
	FileName        string
	FileSize        int64
	NewMsgID        string
	CreateTime      int64
}

// SyncResult is what SyncCheck returns.
type SyncResult string

const (
	SyncWait    SyncResult = "wait"
	SyncHasMsg  SyncResult = "hasMsg"
	SyncLogout  SyncResult = "loginout"
	SyncResync  SyncResult = "resync"
)

// LoginPollResult is the outcome of one long-poll login tick.
type LoginPollResult struct {
	Code        int
	RedirectURI string
}
