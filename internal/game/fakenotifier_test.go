package game

import "sync"

// event records one notifier call for assertions on broadcast ordering
// and targeting, mirroring the kind of recording fake the teacher's own
// tests used for its WSConn send methods.
type event struct {
	kind    string // "send", "broadcast", "close"
	connID  string
	targets []string
	payload any
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []event
	closed map[string]bool
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{closed: make(map[string]bool)}
}

func (f *fakeNotifier) SendToConn(connID string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event{kind: "send", connID: connID, payload: payload})
}

func (f *fakeNotifier) Broadcast(connIDs []string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event{kind: "broadcast", targets: append([]string(nil), connIDs...), payload: payload})
}

func (f *fakeNotifier) CloseConn(connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[connID] = true
	f.events = append(f.events, event{kind: "close", connID: connID})
}

func (f *fakeNotifier) typesFor(connID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var types []string
	for _, e := range f.events {
		m, ok := e.payload.(map[string]any)
		if !ok {
			continue
		}
		t, _ := m["type"].(string)
		switch e.kind {
		case "send":
			if e.connID == connID {
				types = append(types, t)
			}
		case "broadcast":
			for _, id := range e.targets {
				if id == connID {
					types = append(types, t)
					break
				}
			}
		}
	}
	return types
}

func (f *fakeNotifier) last(kind string) (event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].kind == kind {
			return f.events[i], true
		}
	}
	return event{}, false
}
