// Package watch implements a watcher/notification manager: callers
// register a pattern (exact key, "*"-glob, or raw regex) and a callback,
// and get notified on matching writes with isolation between watchers
// and a per-watcher rate limit.
//
// The registry is a github.com/puzpuzpuz/xsync/v3 MapOf, the same
// concurrent-map primitive lib/db/engines/maple/internal/internal.go
// shards values in, reused here for a watcher-id keyed table instead of
// a value-shard table. Glob/regex pattern compilation has no teacher
// analog (nothing in the pack compiles user-facing match patterns), so
// it is built directly against the standard regexp package.
package watch

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/birchdb/birch/internal/logging"
)

var log = logging.Get("watch")

const (
	maxWatchers            = 1000
	maxErrorsBeforeDisable = 10
	maxCallsPerWindow      = 1000
	rateLimitWindow        = time.Second
)

// EventType identifies the kind of change a watcher was notified about.
type EventType string

const (
	EventSet      EventType = "set"
	EventDelete   EventType = "delete"
	EventPush     EventType = "push"
	EventPull     EventType = "pull"
	EventAdd      EventType = "add"
	EventSubtract EventType = "subtract"
	EventClear    EventType = "clear"

	// eventError names the error event kind. A watcher callback's panic is
	// reported through ErrorCallback rather than as an Event, and no event
	// of this type is ever delivered through Notify.
	eventError EventType = "error"
)

// ErrorCallback is called whenever a watcher callback panics, with the
// offending watcher's id and the recovered value.
type ErrorCallback func(watcherID uint64, recovered any)

// Event is delivered to a watcher callback on a matching change, and
// also to GlobalCallback once per Notify call, after per-watcher
// fan-out, regardless of pattern match.
type Event struct {
	Type      EventType
	Key       string
	Value     any
	OldValue  any
	Timestamp time.Time
}

// Callback is invoked once per matching event, synchronously on the
// goroutine that called Notify. No lock is held while it runs, so
// concurrent Notify calls may run the same callback concurrently.
type Callback func(Event)

// GlobalCallback observes every Notify call, independent of any
// watcher's pattern.
type GlobalCallback func(Event)

type patternKind int

const (
	patternExact patternKind = iota
	patternGlob
	patternRegex
)

type watcher struct {
	id       uint64
	kind     patternKind
	exact    string
	re       *regexp.Regexp
	callback Callback

	mu sync.Mutex
	// errorCount counts consecutive callback panics; it resets to 0 on
	// every successful delivery, so only a run of failures in a row can
	// disable the watcher.
	errorCount  int
	disabled    bool
	windowStart time.Time
	windowCalls int
}

// Manager is the watcher registry for a single store.
type Manager struct {
	watchers *xsync.MapOf[uint64, *watcher]
	nextID   uint64
	mu       sync.Mutex // guards nextID, the watcher-count check, and callbacks
	count    int
	globals  []GlobalCallback
	onError  []ErrorCallback
}

// OnError registers a callback invoked whenever a watcher's callback
// panics, independent of the errored watcher's own disable counter.
func (m *Manager) OnError(cb ErrorCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onError = append(m.onError, cb)
}

// New constructs an empty Manager.
func New() *Manager {
	return &Manager{watchers: xsync.NewMapOf[uint64, *watcher]()}
}

// OnEvent registers a callback invoked once per Notify call, after
// per-watcher fan-out, regardless of whether any pattern matched.
func (m *Manager) OnEvent(cb GlobalCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.globals = append(m.globals, cb)
}

// CompilePattern turns a pattern string into the match form Watch
// understands: an exact key, a "*"-glob (translated to an anchored
// regex), or — when wrapped in "/.../" — a raw regex.
func CompilePattern(pattern string) (kind patternKind, exact string, re *regexp.Regexp, err error) {
	if strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/") && len(pattern) >= 2 {
		body := pattern[1 : len(pattern)-1]
		compiled, err := regexp.Compile(body)
		if err != nil {
			return 0, "", nil, err
		}
		return patternRegex, "", compiled, nil
	}
	if !strings.Contains(pattern, "*") {
		return patternExact, pattern, nil, nil
	}
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	compiled, err := regexp.Compile("^" + strings.Join(parts, ".*") + "$")
	if err != nil {
		return 0, "", nil, err
	}
	return patternGlob, "", compiled, nil
}

// Watch registers a callback for keys matching pattern. It returns the
// watcher id to pass to Unwatch, or an error if the registry is at
// maxWatchers capacity or the pattern fails to compile.
func (m *Manager) Watch(pattern string, cb Callback) (uint64, error) {
	kind, exact, re, err := CompilePattern(pattern)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	if m.count >= maxWatchers {
		m.mu.Unlock()
		return 0, errTooManyWatchers
	}
	m.count++
	m.nextID++
	id := m.nextID
	m.mu.Unlock()

	w := &watcher{id: id, kind: kind, exact: exact, re: re, callback: cb, windowStart: time.Now()}
	m.watchers.Store(id, w)
	return id, nil
}

// Unwatch removes a previously registered watcher.
func (m *Manager) Unwatch(id uint64) {
	if _, loaded := m.watchers.LoadAndDelete(id); loaded {
		m.mu.Lock()
		m.count--
		m.mu.Unlock()
	}
}

// Count returns the number of currently registered watchers.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// Clear unregisters every watcher, resetting the registry to empty.
// Global listeners and error callbacks registered via OnEvent/OnError
// are left in place: those observe the Manager itself, not any one
// watcher's lifecycle.
func (m *Manager) Clear() {
	m.watchers.Range(func(id uint64, _ *watcher) bool {
		m.watchers.Delete(id)
		return true
	})
	m.mu.Lock()
	m.count = 0
	m.mu.Unlock()
}

// Notify fans an event out to every matching, non-disabled watcher, in
// watcher-creation order, then to every global listener. Errors from one
// watcher's callback (a panic is recovered and treated as an error)
// never prevent delivery to the others.
func (m *Manager) Notify(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	var matched []*watcher
	m.watchers.Range(func(id uint64, w *watcher) bool {
		if w.matches(ev.Key) {
			matched = append(matched, w)
		}
		return true
	})
	sort.Slice(matched, func(i, j int) bool { return matched[i].id < matched[j].id })
	for _, w := range matched {
		m.deliver(w, ev)
	}

	m.mu.Lock()
	globals := append([]GlobalCallback(nil), m.globals...)
	m.mu.Unlock()
	for _, cb := range globals {
		cb(ev)
	}
}

func (m *Manager) deliver(w *watcher, ev Event) {
	w.mu.Lock()
	if w.disabled {
		w.mu.Unlock()
		return
	}
	now := time.Now()
	if now.Sub(w.windowStart) > rateLimitWindow {
		w.windowStart = now
		w.windowCalls = 0
	}
	if w.windowCalls >= maxCallsPerWindow {
		w.mu.Unlock()
		return
	}
	w.windowCalls++
	w.mu.Unlock()

	succeeded := false
	func() {
		defer func() {
			if r := recover(); r != nil {
				m.recordError(w)
				log.Errorf("watcher %d panicked: %v", w.id, r)
				m.mu.Lock()
				onError := append([]ErrorCallback(nil), m.onError...)
				m.mu.Unlock()
				for _, cb := range onError {
					cb(w.id, r)
				}
			} else {
				succeeded = true
			}
		}()
		w.callback(ev)
	}()
	if succeeded {
		w.mu.Lock()
		w.errorCount = 0
		w.mu.Unlock()
	}
}

func (m *Manager) recordError(w *watcher) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.errorCount++
	if w.errorCount >= maxErrorsBeforeDisable {
		w.disabled = true
		log.Warnf("watcher %d disabled after %d errors", w.id, w.errorCount)
	}
}

func (w *watcher) matches(key string) bool {
	switch w.kind {
	case patternExact:
		return w.exact == key
	default:
		return w.re.MatchString(key)
	}
}

var errTooManyWatchers = &tooManyWatchersError{}

type tooManyWatchersError struct{}

func (*tooManyWatchersError) Error() string { return "watch: maxWatchers reached" }
