// Package registry tracks live viewer connections and fans broadcast events
// out to them.
package registry

import (
	"sync"

	"go.uber.org/zap"
)

// Conn is one live viewer connection.  Send must be safe to call
// concurrently with Send on other connections; the registry serializes
// nothing across connections during fan-out.
type Conn interface {
	Send(data []byte) error
	Close() error
}

// Registry holds the subscriber sets.  All mutations go through one mutex;
// the network sends during Broadcast happen outside it.
type Registry struct {
	logger *zap.SugaredLogger

	mu         sync.Mutex
	deviceSubs map[string]map[Conn]struct{}
	allSubs    map[Conn]struct{}
}

func New(logger *zap.SugaredLogger) *Registry {
	return &Registry{
		logger:     logger,
		deviceSubs: make(map[string]map[Conn]struct{}),
		allSubs:    make(map[Conn]struct{}),
	}
}

// Connect registers conn.  An empty deviceID subscribes to every event.
func (r *Registry) Connect(conn Conn, deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if deviceID == "" {
		r.allSubs[conn] = struct{}{}
		return
	}
	subs, ok := r.deviceSubs[deviceID]
	if !ok {
		subs = make(map[Conn]struct{})
		r.deviceSubs[deviceID] = subs
	}
	subs[conn] = struct{}{}
}

// Disconnect removes conn from whichever subscriber sets hold it.
// Disconnecting an unknown conn is a no-op.
func (r *Registry) Disconnect(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remove(conn)
}

func (r *Registry) remove(conn Conn) {
	delete(r.allSubs, conn)
	for deviceID, subs := range r.deviceSubs {
		delete(subs, conn)
		if len(subs) == 0 {
			delete(r.deviceSubs, deviceID)
		}
	}
}

// Count returns the number of live subscriptions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.allSubs)
	for _, subs := range r.deviceSubs {
		n += len(subs)
	}
	return n
}

// Broadcast delivers payload to the union of the subscribers filtered to
// deviceID and the wildcard subscribers; an empty deviceID reaches the
// wildcard subscribers only.  Delivery is concurrent and best-effort: a
// failed send removes that connection and does not delay the others.
// Broadcast returns once every send attempt has finished.
func (r *Registry) Broadcast(deviceID string, payload []byte) {
	r.mu.Lock()
	recipients := make([]Conn, 0, len(r.allSubs))
	if deviceID != "" {
		for conn := range r.deviceSubs[deviceID] {
			recipients = append(recipients, conn)
		}
	}
	for conn := range r.allSubs {
		recipients = append(recipients, conn)
	}
	r.mu.Unlock()

	if len(recipients) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, conn := range recipients {
		conn := conn
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := conn.Send(payload); err != nil {
				r.logger.Debugf("dropping dead viewer connection: %v", err)
				_ = conn.Close()
				r.mu.Lock()
				r.remove(conn)
				r.mu.Unlock()
			}
		}()
	}
	wg.Wait()
}
