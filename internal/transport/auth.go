package transport

import (
	"crypto/subtle"
	"sync"
	"sync/atomic"
)

// Devices authenticates hello frames against the paired device tokens.
// The token set is replaced as a whole on config reload.
type Devices struct {
	mu     sync.Mutex // serializes writers
	tokens atomic.Pointer[map[string]string]
}

func NewDevices(tokens map[string]string) *Devices {
	d := &Devices{}
	d.Set(tokens)
	return d
}

// Set installs a new device-id to token map.
func (d *Devices) Set(tokens map[string]string) {
	m := make(map[string]string, len(tokens))
	for id, tok := range tokens {
		m[id] = tok
	}
	d.mu.Lock()
	d.tokens.Store(&m)
	d.mu.Unlock()
}

// Revoke drops deviceID's token until the next Set.
func (d *Devices) Revoke(deviceID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur := *d.tokens.Load()
	if _, ok := cur[deviceID]; !ok {
		return false
	}
	m := make(map[string]string, len(cur))
	for id, tok := range cur {
		if id != deviceID {
			m[id] = tok
		}
	}
	d.tokens.Store(&m)
	return true
}

// Authenticate reports whether deviceID is paired and token matches. Devices
// without a configured token never authenticate.
func (d *Devices) Authenticate(deviceID, token string) bool {
	want, ok := (*d.tokens.Load())[deviceID]
	if !ok || want == "" {
		// Compare anyway so unknown ids cost the same as wrong tokens.
		subtle.ConstantTimeCompare([]byte(token), []byte(token))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(token)) == 1
}
