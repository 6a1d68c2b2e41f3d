// Package presence tracks who is online and typing in each thread, fed by
// typing and presence frames from the Connection Manager.
package presence

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rickgao/chatlink/internal/connection"
)

// Participant is one remote user or guest in a thread.
type Participant struct {
	UserID   string
	GuestID  string
	Name     string
	Image    string
	IsTyping bool
	IsOnline bool
	LastSeen time.Time // Set when the participant goes offline
}

// ID returns the user ID, or the guest ID for guests.
func (p Participant) ID() string {
	if p.UserID != "" {
		return p.UserID
	}
	return p.GuestID
}

// Identity is the local user, whose own frames are ignored.
type Identity struct {
	UserID  string
	GuestID string
}

func (id Identity) is(userID, guestID string) bool {
	return (id.UserID != "" && id.UserID == userID) || (id.GuestID != "" && id.GuestID == guestID)
}

// Config configures a Tracker.
type Config struct {
	TypingTTL      time.Duration // Typing clears after this long without a renewal
	TypingInterval time.Duration // Min gap between outbound typing=true per thread
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TypingTTL:      3 * time.Second,
		TypingInterval: 2 * time.Second,
	}
}

// Messenger is the part of the Connection Manager the tracker uses.
type Messenger interface {
	Subscribe(h connection.Handler) (unsubscribe func())
	NotifyTyping(t connection.Typing) bool
	NotifyPresence(p connection.Presence) bool
}

// inbound is the wire shape of typing and presence frames.
type inbound struct {
	Type string `json:"type"`
	Data struct {
		ThreadID  string `json:"threadId"`
		UserID    string `json:"userId"`
		GuestID   string `json:"guestId"`
		IsTyping  bool   `json:"isTyping"`
		IsOnline  bool   `json:"isOnline"`
		UserName  string `json:"userName"`
		UserImage string `json:"userImage"`
	} `json:"data"`
}

type participant struct {
	Participant
	typingTimer *time.Timer
	typingGen   uint64
}

// Tracker maintains per-thread participants.
type Tracker struct {
	cfg    Config
	self   Identity
	msg    Messenger
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	threads     map[string]map[string]*participant
	limiters    map[string]*rate.Limiter
	onChange    []func(threadID string)
	unsubscribe func()
	closed      bool
}

// New creates a Tracker and subscribes it to msg.
func New(msg Messenger, self Identity, cfg Config, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultConfig()
	if cfg.TypingTTL <= 0 {
		cfg.TypingTTL = d.TypingTTL
	}
	if cfg.TypingInterval <= 0 {
		cfg.TypingInterval = d.TypingInterval
	}

	t := &Tracker{
		cfg:      cfg,
		self:     self,
		msg:      msg,
		logger:   logger.With("component", "presence"),
		now:      time.Now,
		threads:  make(map[string]map[string]*participant),
		limiters: make(map[string]*rate.Limiter),
	}
	t.unsubscribe = msg.Subscribe(t.Handle)
	return t
}

// Close unsubscribes and stops pending typing timers.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	for _, members := range t.threads {
		for _, p := range members {
			if p.typingTimer != nil {
				p.typingTimer.Stop()
			}
		}
	}
	unsubscribe := t.unsubscribe
	t.mu.Unlock()

	unsubscribe()
}

// OnChange registers fn, called with the thread ID after each change.
func (t *Tracker) OnChange(fn func(threadID string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = append(t.onChange, fn)
}

// Handle applies a typing or presence frame. Other frames are ignored.
func (t *Tracker) Handle(f connection.Frame) {
	if f.Type != connection.TypeTyping && f.Type != connection.TypePresence {
		return
	}

	var in inbound
	if err := f.Decode(&in); err != nil {
		t.logger.Debug("ignoring undecodable presence frame", "type", f.Type, "error", err)
		return
	}
	d := in.Data
	if d.UserID == "" && d.GuestID == "" {
		return
	}
	if t.self.is(d.UserID, d.GuestID) {
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	p := t.participantLocked(d.ThreadID, d.UserID, d.GuestID)
	if d.UserName != "" {
		p.Name = d.UserName
	}
	if d.UserImage != "" {
		p.Image = d.UserImage
	}

	if f.Type == connection.TypeTyping {
		t.setTypingLocked(d.ThreadID, p, d.IsTyping)
	} else {
		p.IsOnline = d.IsOnline
		if d.IsOnline {
			p.LastSeen = time.Time{}
		} else {
			p.LastSeen = t.now()
		}
	}
	hooks := t.hooksLocked()
	t.mu.Unlock()

	notify(hooks, d.ThreadID)
}

func (t *Tracker) participantLocked(threadID, userID, guestID string) *participant {
	members, ok := t.threads[threadID]
	if !ok {
		members = make(map[string]*participant)
		t.threads[threadID] = members
	}

	key := userID
	if key == "" {
		key = guestID
	}
	p, ok := members[key]
	if !ok {
		p = &participant{}
		members[key] = p
	}
	p.UserID = userID
	p.GuestID = guestID
	return p
}

func (t *Tracker) setTypingLocked(threadID string, p *participant, typing bool) {
	p.IsTyping = typing
	p.typingGen++
	if p.typingTimer != nil {
		p.typingTimer.Stop()
		p.typingTimer = nil
	}
	if !typing {
		return
	}

	gen := p.typingGen
	p.typingTimer = time.AfterFunc(t.cfg.TypingTTL, func() {
		t.mu.Lock()
		if t.closed || p.typingGen != gen {
			t.mu.Unlock()
			return
		}
		p.IsTyping = false
		p.typingTimer = nil
		hooks := t.hooksLocked()
		t.mu.Unlock()

		notify(hooks, threadID)
	})
}

func (t *Tracker) hooksLocked() []func(string) {
	return append([]func(string){}, t.onChange...)
}

func notify(hooks []func(string), threadID string) {
	for _, fn := range hooks {
		fn(threadID)
	}
}

// Participants returns everyone seen in the thread, ordered by ID.
func (t *Tracker) Participants(threadID string) []Participant {
	return t.filter(threadID, func(Participant) bool { return true })
}

// Typing returns the participants currently typing in the thread.
func (t *Tracker) Typing(threadID string) []Participant {
	return t.filter(threadID, func(p Participant) bool { return p.IsTyping })
}

// Online returns the participants currently online in the thread.
func (t *Tracker) Online(threadID string) []Participant {
	return t.filter(threadID, func(p Participant) bool { return p.IsOnline })
}

func (t *Tracker) filter(threadID string, keep func(Participant) bool) []Participant {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Participant
	for _, p := range t.threads[threadID] {
		if keep(p.Participant) {
			out = append(out, p.Participant)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// SetTyping announces the local user's typing state in a thread. Repeated
// true events are throttled per thread; false is always sent. It reports
// whether a frame was sent.
func (t *Tracker) SetTyping(threadID string, typing bool) bool {
	if threadID == "" {
		return false
	}

	t.mu.Lock()
	if typing {
		lim, ok := t.limiters[threadID]
		if !ok {
			lim = rate.NewLimiter(rate.Every(t.cfg.TypingInterval), 1)
			t.limiters[threadID] = lim
		}
		if !lim.AllowN(t.now(), 1) {
			t.mu.Unlock()
			return false
		}
	} else {
		// The next keystroke announces immediately.
		delete(t.limiters, threadID)
	}
	t.mu.Unlock()

	return t.msg.NotifyTyping(connection.Typing{
		ThreadID: threadID,
		IsTyping: typing,
		UserID:   t.self.UserID,
		GuestID:  t.self.GuestID,
	})
}

// SetOnline announces the local user's presence, scoped to a thread when
// threadID is set.
func (t *Tracker) SetOnline(threadID string, online bool) bool {
	return t.msg.NotifyPresence(connection.Presence{
		ThreadID: threadID,
		IsOnline: online,
		UserID:   t.self.UserID,
	})
}
