package transport

import "context"

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

// Message is a transport-neutral incoming chat message.
// For media messages Text carries the caption.
type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
	// PhotoIDs are adapter-specific file identifiers for attached photos,
	// in the order they arrived. The router downloads them via Adapter.DownloadFile.
	PhotoIDs  []string
	PhotoName string // original filename hint for the attached photo, "" if unknown
	IsGroup   bool
}

type Callback struct {
	ID           string
	FromID       int64
	FromUsername string
	ChatID       int64
	MessageID    int
	Data         string
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// ReplyMarkup is adapter-specific markup (Telegram: *telebot.ReplyMarkup).
	ReplyMarkup any
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
	// DownloadFile fetches the raw bytes of an attachment by its file id.
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)
}
