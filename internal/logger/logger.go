// Package logger provides a thread-safe in-memory logger for status messages
// and ledger diagnostics. Every message is mirrored to logrus and fanned out
// to live subscribers.
package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dvpn.mini/dvr/internal/ledger"
)

// Message represents a single log message
type Message struct {
	Timestamp time.Time      `json:"timestamp"`
	Text      string         `json:"text"`
	Level     string         `json:"level"` // debug, info, warning, error
	Sequence  uint32         `json:"sequence,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Logger manages in-memory log messages
type Logger struct {
	mu       sync.RWMutex
	messages []Message
	maxSize  int
	out      *logrus.Logger

	subMu   sync.Mutex
	subs    map[int]chan Message
	nextSub int
}

var _ ledger.Sink = (*Logger)(nil)

// New creates a new logger with specified max message count. Messages are
// mirrored to out, or to the logrus standard logger when out is nil.
func New(maxSize int, out *logrus.Logger) *Logger {
	if maxSize <= 0 {
		maxSize = 200
	}
	if out == nil {
		out = logrus.StandardLogger()
	}
	return &Logger{
		messages: make([]Message, 0, maxSize),
		maxSize:  maxSize,
		out:      out,
		subs:     make(map[int]chan Message),
	}
}

// NewLogrus builds a logrus logger writing to w with the given level and
// format ("text" or "json").
func NewLogrus(level, format string, w io.Writer) (*logrus.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	l := logrus.New()
	l.SetOutput(w)

	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	l.SetLevel(lvl)

	switch format {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("log format %q: want text or json", format)
	}
	return l, nil
}

// Output returns the logrus logger messages are mirrored to.
func (l *Logger) Output() *logrus.Logger {
	return l.out
}

// Log adds a new message to the logger
func (l *Logger) Log(level, text string) {
	l.append(Message{Timestamp: time.Now(), Text: text, Level: level})
}

// LogFields adds a message carrying structured fields.
func (l *Logger) LogFields(level, text string, fields map[string]any) {
	l.append(Message{Timestamp: time.Now(), Text: text, Level: level, Fields: fields})
}

// Info logs an info-level message
func (l *Logger) Info(text string) {
	l.Log("info", text)
}

// Warning logs a warning-level message
func (l *Logger) Warning(text string) {
	l.Log("warning", text)
}

// Error logs an error-level message
func (l *Logger) Error(text string) {
	l.Log("error", text)
}

// Emit records a ledger diagnostic event.
func (l *Logger) Emit(ev ledger.Event) {
	ts := time.Now()
	if ev.Timestamp > 0 {
		ts = time.Unix(int64(ev.Timestamp), 0)
	}
	l.append(Message{
		Timestamp: ts,
		Text:      ev.Message,
		Level:     "info",
		Sequence:  ev.Sequence,
		Fields:    ev.Fields,
	})
}

func (l *Logger) append(msg Message) {
	l.mu.Lock()
	l.messages = append(l.messages, msg)
	// Keep only the last maxSize messages
	if len(l.messages) > l.maxSize {
		l.messages = l.messages[len(l.messages)-l.maxSize:]
	}
	l.mu.Unlock()

	l.mirror(msg)
	l.publish(msg)
}

func (l *Logger) mirror(msg Message) {
	entry := l.out.WithFields(logrus.Fields(msg.Fields))
	if msg.Sequence > 0 {
		entry = entry.WithField("sequence", msg.Sequence)
	}
	switch msg.Level {
	case "debug":
		entry.Debug(msg.Text)
	case "warning":
		entry.Warn(msg.Text)
	case "error":
		entry.Error(msg.Text)
	default:
		entry.Info(msg.Text)
	}
}

func (l *Logger) publish(msg Message) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- msg:
		default:
			// slow subscriber, drop
		}
	}
}

// Subscribe returns a channel receiving every new message and a cancel
// function that closes it.
func (l *Logger) Subscribe(buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Message, buffer)

	l.subMu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			l.subMu.Lock()
			delete(l.subs, id)
			l.subMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// GetRecent returns the most recent n messages (newest first)
func (l *Logger) GetRecent(n int) []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n > len(l.messages) || n < 0 {
		n = len(l.messages)
	}

	result := make([]Message, n)
	for i := 0; i < n; i++ {
		result[i] = l.messages[len(l.messages)-1-i]
	}

	return result
}

// GetAll returns all messages (newest first)
func (l *Logger) GetAll() []Message {
	return l.GetRecent(-1)
}
