package protocol

import "time"

// LevelFrame carries one normalized loudness sample from the capture analyser.
type LevelFrame struct {
	SessionID string    `json:"session_id"`
	Level     float64   `json:"level"`
	Timestamp time.Time `json:"timestamp"`
}

// TranscriptUpdate is the live transcript broadcast while a speech session runs.
type TranscriptUpdate struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Partial   bool      `json:"partial"`
	Language  string    `json:"language,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageAppended announces a message added to a conversation.
type MessageAppended struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	Origin         string    `json:"origin"`
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp"`
}

// Notice is a user-visible condition raised by the session engine. None of
// these are fatal; the engine always returns to a usable idle state.
type Notice struct {
	Category    string    `json:"category"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
}

// SessionState announces capture state transitions for the rendering layer.
type SessionState struct {
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectLevelFrame        = "capture.level"
	SubjectTranscriptPartial = "speech.transcript.partial"
	SubjectTranscriptFinal   = "speech.transcript.final"
	SubjectMessageAppended   = "conversation.message.appended"
	SubjectNotice            = "session.notice"
	SubjectSessionState      = "session.state"
)

// Command subjects accepted by the session service. List and transcript are
// request/reply; the rest are fire-and-forget with outcomes observable on the
// event subjects above.
const (
	SubjectCmdListenStart     = "vaani.cmd.listen.start"
	SubjectCmdListenStop      = "vaani.cmd.listen.stop"
	SubjectCmdTurnSend        = "vaani.cmd.turn.send"
	SubjectCmdAttachmentStage = "vaani.cmd.attachment.stage"
	SubjectCmdAttachmentClear = "vaani.cmd.attachment.clear"
	SubjectCmdSessionNew      = "vaani.cmd.session.new"
	SubjectCmdConvSelect      = "vaani.cmd.conversation.select"
	SubjectCmdConvList        = "vaani.cmd.conversation.list"
	SubjectCmdLanguageSet     = "vaani.cmd.language.set"
	SubjectCmdHistoryLoad     = "vaani.cmd.history.load"
	SubjectCmdTranscriptGet   = "vaani.cmd.transcript.get"
)

// SendCommand submits one turn. Empty text falls back to the live transcript.
type SendCommand struct {
	Text string `json:"text"`
}

// StageAttachmentCommand stages an image for the next turn. Data is raw
// image bytes, base64-encoded on the wire by the JSON codec.
type StageAttachmentCommand struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

// SelectConversationCommand switches the active conversation.
type SelectConversationCommand struct {
	ConversationID string `json:"conversation_id"`
}

// SetLanguageCommand changes the language for turns and, on the next
// listening start, recognition.
type SetLanguageCommand struct {
	Language string `json:"language"`
}

// ConversationSummary is one entry in a conversation.list reply.
type ConversationSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Messages     int       `json:"messages"`
}

// TranscriptReply answers a transcript.get request.
type TranscriptReply struct {
	Text string `json:"text"`
}

// Notice categories, one per reportable condition.
const (
	NoticePermissionDenied  = "permission_denied"
	NoticeUnsupported       = "unsupported"
	NoticeRecognitionFailed = "recognition_failed"
	NoticeInvalidType       = "invalid_type"
	NoticeTooLarge          = "too_large"
	NoticeEncodingFailed    = "encoding_failed"
	NoticeTransportFailed   = "transport_failed"
	NoticeNotFound          = "not_found"
)
