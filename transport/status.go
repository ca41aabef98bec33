package transport

import "sync"

type connState uint8

const (
	stateOpen connState = iota
	stateDisconnected
	stateClosed
)

// statusNotifier remembers the connection state and reports it to at most one
// observer. The state only ever leaves stateOpen once.
type statusNotifier struct {
	mu    sync.Mutex
	obs   StatusObserver
	state connState
	err   error
}

func (n *statusNotifier) set(o StatusObserver) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.obs = o
	if o != nil {
		n.report()
	}
}

func (n *statusNotifier) transition(state connState, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != stateOpen {
		return
	}
	n.state, n.err = state, err
	if n.obs != nil {
		n.report()
	}
}

func (n *statusNotifier) open() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state == stateOpen
}

func (n *statusNotifier) report() {
	switch n.state {
	case stateOpen:
		n.obs.OnConnected()
	case stateDisconnected:
		n.obs.OnDisconnected(n.err)
	case stateClosed:
		n.obs.OnClosed(n.err)
	}
}
