package aggregator

import (
	"net"
	"time"

	"meshfabric.dev/core/wire"
)

// OnDatagram implements transport.Handler, dispatching an inbound
// datagram to the right subsystem by its wire tag. It is the single
// entry point wiring transport.Socket.Run to the rest of Aggregator.
func (a *Aggregator) OnDatagram(from net.Addr, payload []byte) {
	tag, err := wire.PeekTag(payload)
	if err != nil {
		return
	}
	now := a.clockNow()

	switch tag {
	case wire.TagResult:
		r, err := wire.DecodeResult(payload)
		if err != nil {
			a.log.Warn("aggregator: malformed result frame", "from", from, "err", err)
			return
		}
		if a.relayAssistResult(r, payload) {
			return
		}
		a.OfferResult(r)
		if err := a.TryDecodeCurrent(); err != nil {
			a.log.Warn("aggregator: decode error", "err", err)
		}

	case wire.TagHeartbeat:
		h, err := wire.DecodeHeartbeat(payload)
		if err != nil {
			a.log.Warn("aggregator: malformed heartbeat", "from", from, "err", err)
			return
		}
		a.OnHeartbeat(h, now)

	case wire.TagClaimPrimary:
		cp, err := wire.DecodeClaimPrimary(payload)
		if err != nil {
			a.log.Warn("aggregator: malformed claim_primary", "from", from, "err", err)
			return
		}
		a.OnClaimPrimary(cp, now)

	case wire.TagCommitToken:
		ct, err := wire.DecodeCommitToken(payload)
		if err != nil {
			a.log.Warn("aggregator: malformed commit_token", "from", from, "err", err)
			return
		}
		if err := a.OnCommitToken(ct, a.role.Cycle()); err != nil {
			a.log.Warn("aggregator: commit token rejected", "err", err)
		}

	case wire.TagResync:
		n := a.m.Cols()
		rf, err := wire.DecodeResync(payload, n)
		if err != nil {
			a.log.Warn("aggregator: malformed resync frame", "from", from, "err", err)
			return
		}
		if err := a.OnResync(rf); err != nil {
			a.log.Warn("aggregator: resync rejected", "err", err)
		}

	case wire.TagTask:
		// Aggregators never receive TaskFrames; only workers do.
		return
	}
}

// clockNow exists so tests can stub the wall clock if needed; the
// live path just uses time.Now.
var clockNowFn = time.Now

func (a *Aggregator) clockNow() time.Time { return clockNowFn() }
