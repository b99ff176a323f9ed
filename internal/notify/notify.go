// Package notify defines the user-facing message and busy-indicator ports.
package notify

import (
	"sync"

	"github.com/rs/zerolog"
)

type Level string

const (
	Info    Level = "info"
	Success Level = "success"
	Danger  Level = "danger"
)

type Duration string

const (
	Short Duration = "short"
	Long  Duration = "long"
)

// Message is what the user sees. It never carries error detail.
type Message struct {
	Level    Level    `json:"level"`
	Text     string   `json:"text"`
	Duration Duration `json:"duration"`
}

type Notifier interface {
	Notify(Message)
}

// Busy is a reference-counted activity indicator.
type Busy interface {
	On()
	Off()
}

// Recorder keeps messages in memory; the control API serves them and tests inspect them.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

func (r *Recorder) Notify(m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
}

func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Drain returns and clears the recorded messages.
func (r *Recorder) Drain() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.messages
	r.messages = nil
	return out
}

// Logged forwards messages to next and also writes them to log.
type Logged struct {
	Next Notifier
	Log  zerolog.Logger
}

func (l Logged) Notify(m Message) {
	l.Log.Info().Str("level", string(m.Level)).Str("duration", string(m.Duration)).Msg(m.Text)
	if l.Next != nil {
		l.Next.Notify(m)
	}
}

// Indicator counts nested On/Off pairs.
type Indicator struct {
	mu    sync.Mutex
	depth int
}

func (i *Indicator) On() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.depth++
}

func (i *Indicator) Off() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.depth > 0 {
		i.depth--
	}
}

func (i *Indicator) Active() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.depth > 0
}
