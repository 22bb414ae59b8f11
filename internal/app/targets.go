package app

import (
	"context"

	"notifrelay/internal/pipeline"
	"notifrelay/internal/transport"
)

// pairing is the admin view of paired targets. Unpairing revokes the
// device token first so the device cannot reconnect while its queue is
// being discarded.
type pairing struct {
	pipe    *pipeline.Pipeline
	devices *transport.Devices
}

func (p pairing) Targets() []pipeline.Target { return p.pipe.Targets() }

func (p pairing) RemoveTarget(ctx context.Context, id string) bool {
	revoked := p.devices.Revoke(id)
	removed := p.pipe.RemoveTarget(ctx, id)
	return removed || revoked
}
