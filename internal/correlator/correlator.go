// Package correlator pairs outbound request envelopes with inbound
// replies by message id and surfaces timeouts (spec §4.3).
package correlator

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/coreiot/gatewaysync/internal/gwerrors"
	"github.com/coreiot/gatewaysync/internal/proto"
)

// pending is the value stored per in-flight message id. resultCh
// receives at most one SharedEvent (the matching response); done is
// closed once the request is resolved, timed out or cancelled.
type pending struct {
	resultCh chan proto.SharedEvent
	done     chan struct{}
	failure  *gwerrors.Error // set before done is closed without a result
}

// Sender is the function the correlator uses to write a frame to the
// channel; connector and client supply the actual transport.
type Sender func(env proto.Envelope) error

// Correlator maintains messageId -> pending-request with per-entry
// deadlines, backed by an expiring cache so a dropped reply's slot is
// reclaimed automatically (spec §4.3).
type Correlator struct {
	send Sender
	pend *gocache.Cache
}

// New returns a Correlator that writes outbound envelopes via send.
// cleanupInterval controls how often the underlying cache sweeps
// expired entries; a short interval keeps the pending-request gauge
// accurate.
func New(send Sender, cleanupInterval time.Duration) *Correlator {
	c := gocache.New(gocache.NoExpiration, cleanupInterval)
	corr := &Correlator{send: send, pend: c}
	c.OnEvicted(func(messageID string, value interface{}) {
		p, ok := value.(*pending)
		if !ok {
			return
		}
		select {
		case <-p.done:
			// already resolved by Resolve; nothing to do
		default:
			p.failure = gwerrors.New(gwerrors.Timeout, "request "+messageID+" timed out")
			close(p.done)
		}
	})
	return corr
}

// Send assigns a fresh messageId, writes the envelope and blocks until
// either a matching Resolve call arrives, timeout elapses, or the
// request is cancelled via CancelAll. It never issues a reserved id (spec
// §4.3); callers needing a reserved id use SendReserved.
func (c *Correlator) Send(ev proto.SharedEvent, timeout time.Duration) (proto.SharedEvent, error) {
	return c.sendWithID(uuid.NewString(), ev, timeout)
}

// SendReserved issues a request under a caller-supplied reserved
// message id (GATEWAY-ASSET-READ and its batch variants), used only by
// the sync protocol itself (spec §4.3, §4.4).
func (c *Correlator) SendReserved(messageID string, ev proto.SharedEvent, timeout time.Duration) (proto.SharedEvent, error) {
	return c.sendWithID(messageID, ev, timeout)
}

func (c *Correlator) sendWithID(messageID string, ev proto.SharedEvent, timeout time.Duration) (proto.SharedEvent, error) {
	p := &pending{resultCh: make(chan proto.SharedEvent, 1), done: make(chan struct{})}
	c.pend.Set(messageID, p, timeout)

	if err := c.send(proto.Envelope{MessageID: messageID, Event: ev}); err != nil {
		c.pend.Delete(messageID)
		return proto.SharedEvent{}, err
	}

	select {
	case resp := <-p.resultCh:
		c.pend.Delete(messageID)
		return resp, nil
	case <-p.done:
		select {
		case resp := <-p.resultCh: // Resolve fills resultCh before closing done
			c.pend.Delete(messageID)
			return resp, nil
		default:
		}
		if p.failure != nil {
			return proto.SharedEvent{}, p.failure
		}
		return proto.SharedEvent{}, gwerrors.New(gwerrors.Timeout, "request "+messageID+" timed out")
	}
}

// Resolve completes the pending request for messageID with resp, if
// any is outstanding. Returns false if no request with that id was
// pending (e.g. it already timed out, or the reply is unsolicited).
func (c *Correlator) Resolve(messageID string, resp proto.SharedEvent) bool {
	v, ok := c.pend.Get(messageID)
	if !ok {
		return false
	}
	p := v.(*pending)
	select {
	case <-p.done:
		return false // already timed out/cancelled
	default:
	}
	p.resultCh <- resp
	close(p.done)
	return true
}

// CancelAll fails every pending request with DISCONNECTED, called when
// the channel drops (spec §4.4, §5 "Cancellation").
func (c *Correlator) CancelAll() {
	items := c.pend.Items()
	for id, item := range items {
		p, ok := item.Object.(*pending)
		if !ok {
			continue
		}
		select {
		case <-p.done:
		default:
			p.failure = gwerrors.New(gwerrors.Disconnected, "channel closed")
			close(p.done)
		}
		c.pend.Delete(id)
	}
	log.Debugf("correlator: cancelled %d pending requests", len(items))
}

// Pending returns the number of in-flight requests, exposed as a
// per-connector gauge.
func (c *Correlator) Pending() int {
	return c.pend.ItemCount()
}
