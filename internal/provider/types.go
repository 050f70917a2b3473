package provider

import (
	"net/url"
	"strconv"
	"time"
)

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Dead reports whether the connection can no longer carry audio.
func (s State) Dead() bool {
	return s == StateClosing || s == StateClosed
}

const (
	DefaultURL              = "wss://api.deepgram.com/v1/listen"
	defaultHandshakeTimeout = 10 * time.Second
	defaultCloseGrace       = 2 * time.Second
	defaultWriteTimeout     = 10 * time.Second
)

type Options struct {
	Language    string
	Punctuate   bool
	SmartFormat bool
	Model       string
}

// LiveOptions are the fixed listen parameters every relay session uses.
var LiveOptions = Options{
	Language:    "en",
	Punctuate:   true,
	SmartFormat: true,
	Model:       "nova",
}

func (o Options) Query() url.Values {
	q := url.Values{}
	if o.Language != "" {
		q.Set("language", o.Language)
	}
	if o.Model != "" {
		q.Set("model", o.Model)
	}
	q.Set("punctuate", strconv.FormatBool(o.Punctuate))
	q.Set("smart_format", strconv.FormatBool(o.SmartFormat))
	return q
}

type Config struct {
	URL              string
	APIKey           string
	Options          Options
	HandshakeTimeout time.Duration
	CloseGrace       time.Duration
	WriteTimeout     time.Duration
}

type Handlers struct {
	OnOpen       func()
	OnTranscript func(raw []byte)
	OnMetadata   func(raw []byte)
	OnClose      func(code int, reason string)
	OnError      func(err error)
	OnWarning    func(raw []byte)
	OnUnhandled  func(raw []byte)
}

type messageType string

const (
	messageResults  messageType = "Results"
	messageMetadata messageType = "Metadata"
	messageError    messageType = "Error"
	messageWarning  messageType = "Warning"
)

type envelope struct {
	Type        messageType `json:"type"`
	Description string      `json:"description,omitempty"`
	Message     string      `json:"message,omitempty"`
	Variant     string      `json:"variant,omitempty"`
}

type control struct {
	Type string `json:"type"`
}

var (
	keepAliveMessage   = control{Type: "KeepAlive"}
	closeStreamMessage = control{Type: "CloseStream"}
)
