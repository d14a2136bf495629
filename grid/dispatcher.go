package grid

import (
	"context"
	"log/slog"
	"sync"

	"github.com/c360/gridclient/codec"
	"github.com/c360/gridclient/errors"
	"github.com/c360/gridclient/metric"
	"github.com/c360/gridclient/protocol"
	"github.com/c360/gridclient/transport"
)

// streamState is the lifecycle state of a dispatcher's event stream.
type streamState int

const (
	streamNone streamState = iota
	streamOpening
	streamOpen
	streamClosing
	streamClosed
)

// listenerEntry is one registered listener with its lite flag. Entries keep
// insertion order: events are delivered to a group's listeners in the order
// they registered.
type listenerEntry struct {
	listener *MapListener
	lite     bool
}

// listenerGroup collapses every listener for one canonical target onto a
// single server subscription. registeredLite tracks what the server
// currently holds: false is the stronger registration and wins whenever any
// member needs values.
type listenerGroup struct {
	canonical string
	target    []byte
	isFilter  bool

	entries        []listenerEntry
	nonLiteCount   int
	registeredLite bool
	active         bool

	// filterID is the server-assigned id from the SUBSCRIBED response;
	// meaningful only for filter groups while hasFilterID is set.
	filterID    uint64
	hasFilterID bool
}

func (g *listenerGroup) find(listener *MapListener) int {
	for i, entry := range g.entries {
		if entry.listener == listener {
			return i
		}
	}
	return -1
}

func (g *listenerGroup) snapshot() []*MapListener {
	out := make([]*MapListener, len(g.entries))
	for i, entry := range g.entries {
		out[i] = entry.listener
	}
	return out
}

// pendingAck correlates one subscription request with its acknowledgement.
type pendingAck struct {
	ch chan error
	// group is set for filter subscribes so the receive loop can record the
	// server-assigned filter id before completing the ack.
	group           *listenerGroup
	filterSubscribe bool
}

// eventDispatcher maintains one duplex event stream per named map and at
// most one server subscription per distinct target. It owns the by-key,
// by-filter, and by-filter-id indices and correlates subscription
// acknowledgements.
//
// Locking: opMu serializes listener registration work end to end, including
// awaiting acknowledgements. mu protects the indices and stream state and is
// never held while awaiting a response or invoking a listener callback.
type eventDispatcher struct {
	cache   string
	owner   *NamedMap
	channel transport.Channel
	codec   codec.Codec
	factory *protocol.Factory
	logger  *slog.Logger
	metrics *metric.Metrics

	opMu sync.Mutex

	mu             sync.Mutex
	state          streamState
	stream         transport.EventStream
	endCh          chan struct{}
	pending        map[string]*pendingAck
	byKey          map[string]*listenerGroup
	byFilter       map[string]*listenerGroup
	byFilterID     map[uint64]*listenerGroup
	nextID         uint64
	closeRequested bool
}

func newEventDispatcher(owner *NamedMap) *eventDispatcher {
	return &eventDispatcher{
		cache:      owner.name,
		owner:      owner,
		channel:    owner.session.channel,
		codec:      owner.codec,
		factory:    owner.factory,
		logger:     owner.logger.With("component", "dispatcher"),
		metrics:    owner.metrics,
		pending:    make(map[string]*pendingAck),
		byKey:      make(map[string]*listenerGroup),
		byFilter:   make(map[string]*listenerGroup),
		byFilterID: make(map[uint64]*listenerGroup),
	}
}

func (d *eventDispatcher) index(isFilter bool) map[string]*listenerGroup {
	if isFilter {
		return d.byFilter
	}
	return d.byKey
}

// addListener registers a listener for a canonicalized target, opening the
// stream lazily and collapsing the registration onto an existing group when
// one exists.
func (d *eventDispatcher) addListener(ctx context.Context, listener *MapListener, target []byte, isFilter, lite bool) error {
	if listener == nil {
		return errors.NewKind(errors.KindBadValue, d.cache, "addMapListener", "listener must not be nil")
	}

	d.opMu.Lock()
	defer d.opMu.Unlock()

	if err := d.ensureStream(ctx); err != nil {
		return err
	}

	canonical := string(target)
	d.mu.Lock()
	idx := d.index(isFilter)
	group, exists := idx[canonical]
	if !exists {
		group = &listenerGroup{
			canonical:      canonical,
			target:         target,
			isFilter:       isFilter,
			entries:        []listenerEntry{{listener: listener, lite: lite}},
			registeredLite: lite,
		}
		if !lite {
			group.nonLiteCount = 1
		}
		idx[canonical] = group
		d.mu.Unlock()

		d.metrics.SetListenerGroups(1)
		if err := d.sendSubscribe(ctx, group, lite); err != nil {
			d.mu.Lock()
			delete(idx, canonical)
			empty := len(d.byKey) == 0 && len(d.byFilter) == 0
			d.mu.Unlock()
			d.metrics.SetListenerGroups(-1)
			if empty {
				d.closeStreamIfIdle()
			}
			return err
		}
		d.mu.Lock()
		group.active = true
		d.mu.Unlock()
		return nil
	}

	pos := group.find(listener)
	if pos >= 0 {
		if group.entries[pos].lite == lite {
			// Same (listener, lite) pair: nothing to do.
			d.mu.Unlock()
			return nil
		}
		group.entries[pos].lite = lite
		if lite {
			group.nonLiteCount--
		} else {
			group.nonLiteCount++
		}
	} else {
		group.entries = append(group.entries, listenerEntry{listener: listener, lite: lite})
		if !lite {
			group.nonLiteCount++
		}
	}
	needUpgrade := group.registeredLite && group.nonLiteCount > 0
	needDowngrade := !group.registeredLite && group.nonLiteCount == 0
	d.mu.Unlock()

	if needUpgrade {
		return d.resubscribe(ctx, group, false)
	}
	if needDowngrade {
		return d.resubscribe(ctx, group, true)
	}
	return nil
}

// removeListener unregisters a listener, downgrading the group's server
// registration to lite when the last value-bearing listener leaves and
// tearing the group down when the last listener leaves.
func (d *eventDispatcher) removeListener(ctx context.Context, listener *MapListener, target []byte, isFilter bool) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	canonical := string(target)
	d.mu.Lock()
	idx := d.index(isFilter)
	group, exists := idx[canonical]
	if !exists {
		d.mu.Unlock()
		return nil
	}
	pos := group.find(listener)
	if pos < 0 {
		d.mu.Unlock()
		return nil
	}
	removed := group.entries[pos]
	group.entries = append(group.entries[:pos], group.entries[pos+1:]...)
	if !removed.lite {
		group.nonLiteCount--
	}

	if len(group.entries) == 0 {
		delete(idx, canonical)
		group.active = false
		// Test-and-set under the same lock that guards registration: a
		// concurrent add either sees the group gone and resubscribes, or
		// lands before this and keeps the stream alive.
		lastGroup := len(d.byKey) == 0 && len(d.byFilter) == 0
		d.mu.Unlock()

		d.metrics.SetListenerGroups(-1)
		err := d.sendUnsubscribe(ctx, group)
		if lastGroup {
			d.closeStreamIfIdle()
		}
		return err
	}

	needDowngrade := !removed.lite && group.nonLiteCount == 0
	d.mu.Unlock()

	if needDowngrade {
		return d.resubscribe(ctx, group, true)
	}
	return nil
}

// ensureStream opens the event stream on first use and replays existing
// group subscriptions when rebuilding after a failure.
func (d *eventDispatcher) ensureStream(ctx context.Context) error {
	for {
		d.mu.Lock()
		if d.state == streamOpen {
			d.mu.Unlock()
			return nil
		}
		if d.state == streamClosing {
			// A cancelled stream is still draining; wait for it to finish
			// before rebuilding.
			ended := d.endCh
			d.mu.Unlock()
			select {
			case <-ended:
				continue
			case <-ctx.Done():
				return errors.WrapTransport(ctx.Err(), d.cache, "ensureStream", "await stream close")
			}
		}
		break
	}
	d.state = streamOpening
	d.closeRequested = false
	d.mu.Unlock()

	stream, err := d.channel.OpenEventStream(ctx, d.cache, d.codec.Format())
	if err != nil {
		d.mu.Lock()
		d.state = streamClosed
		d.mu.Unlock()
		return err
	}

	ended := make(chan struct{})
	d.mu.Lock()
	d.stream = stream
	d.endCh = ended
	d.pending = make(map[string]*pendingAck)
	d.mu.Unlock()
	d.metrics.StreamOpened()
	go d.receiveLoop(stream)

	// Bootstrap: the stream is unusable until INIT is acknowledged.
	if err := d.sendAndAwait(ctx, func(id uint64) *protocol.StreamMessage {
		return d.factory.Init(id)
	}, nil, false); err != nil {
		d.mu.Lock()
		d.closeRequested = true
		d.mu.Unlock()
		stream.Cancel()
		<-ended
		return err
	}

	d.mu.Lock()
	d.state = streamOpen
	rebuild := make([]*listenerGroup, 0, len(d.byKey)+len(d.byFilter))
	for _, group := range d.byKey {
		rebuild = append(rebuild, group)
	}
	for _, group := range d.byFilter {
		rebuild = append(rebuild, group)
	}
	d.mu.Unlock()

	// Groups that survived a failed stream re-register on the new one.
	for _, group := range rebuild {
		d.mu.Lock()
		lite := group.registeredLite
		d.mu.Unlock()
		if err := d.sendSubscribe(ctx, group, lite); err != nil {
			d.logger.Warn("resubscribe failed after stream rebuild", "error", err)
		}
	}
	return nil
}

// closeStreamIfIdle cancels the stream once both indices are empty. The
// decision and the transition are made under the lock; the cancellation is
// not.
func (d *eventDispatcher) closeStreamIfIdle() {
	d.mu.Lock()
	if len(d.byKey) != 0 || len(d.byFilter) != 0 {
		d.mu.Unlock()
		return
	}
	stream := d.stream
	if stream == nil || d.state != streamOpen {
		d.mu.Unlock()
		return
	}
	d.state = streamClosing
	d.closeRequested = true
	d.mu.Unlock()

	stream.Cancel()
}

// shutdown tears the stream down regardless of registered listeners; used by
// map release and destroy. It deliberately skips opMu: a registration
// awaiting its acknowledgement is failed by the stream ending instead of
// blocking the teardown.
func (d *eventDispatcher) shutdown() {
	d.mu.Lock()
	stream := d.stream
	if stream == nil || d.state == streamClosed || d.state == streamNone {
		d.state = streamClosed
		d.mu.Unlock()
		return
	}
	d.state = streamClosing
	d.closeRequested = true
	d.mu.Unlock()

	stream.Cancel()
}

func (d *eventDispatcher) isOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == streamOpen
}

// sendSubscribe issues one SUBSCRIBE for the group's target and updates the
// group's registration flag with the acknowledgement.
func (d *eventDispatcher) sendSubscribe(ctx context.Context, group *listenerGroup, lite bool) error {
	var build func(id uint64) *protocol.StreamMessage
	if group.isFilter {
		build = func(id uint64) *protocol.StreamMessage {
			return d.factory.SubscribeFilter(id, group.target, lite)
		}
	} else {
		build = func(id uint64) *protocol.StreamMessage {
			return d.factory.SubscribeKey(id, group.target, lite)
		}
	}

	if err := d.sendAndAwait(ctx, build, group, group.isFilter); err != nil {
		return err
	}
	d.metrics.ObserveSubscription(d.cache, "subscribe")
	d.mu.Lock()
	group.registeredLite = lite
	d.mu.Unlock()
	return nil
}

// sendUnsubscribe issues one UNSUBSCRIBE for the group's current server
// registration and forgets its filter id.
func (d *eventDispatcher) sendUnsubscribe(ctx context.Context, group *listenerGroup) error {
	d.mu.Lock()
	filterID := group.filterID
	hasFilterID := group.hasFilterID
	d.mu.Unlock()

	var build func(id uint64) *protocol.StreamMessage
	if group.isFilter {
		build = func(id uint64) *protocol.StreamMessage {
			return d.factory.UnsubscribeFilter(id, filterID)
		}
	} else {
		build = func(id uint64) *protocol.StreamMessage {
			return d.factory.UnsubscribeKey(id, group.target)
		}
	}

	if err := d.sendAndAwait(ctx, build, nil, false); err != nil {
		return err
	}
	d.metrics.ObserveSubscription(d.cache, "unsubscribe")
	d.mu.Lock()
	if hasFilterID {
		delete(d.byFilterID, filterID)
		group.hasFilterID = false
	}
	d.mu.Unlock()
	return nil
}

// resubscribe swaps the group's server registration: UNSUBSCRIBE of the
// current flag, then SUBSCRIBE with the new one.
func (d *eventDispatcher) resubscribe(ctx context.Context, group *listenerGroup, lite bool) error {
	if err := d.sendUnsubscribe(ctx, group); err != nil {
		return err
	}
	return d.sendSubscribe(ctx, group, lite)
}

// sendAndAwait correlates one stream request with its acknowledgement. The
// pending entry is registered before the message is written so a fast
// response cannot race the registration.
func (d *eventDispatcher) sendAndAwait(ctx context.Context, build func(id uint64) *protocol.StreamMessage, group *listenerGroup, filterSubscribe bool) error {
	ack := &pendingAck{ch: make(chan error, 1), group: group, filterSubscribe: filterSubscribe}

	d.mu.Lock()
	stream := d.stream
	if stream == nil {
		d.mu.Unlock()
		return errors.StreamClosed(d.cache, nil)
	}
	d.nextID++
	id := d.nextID
	wireID := protocol.FormatStreamID(id)
	d.pending[wireID] = ack
	d.mu.Unlock()

	if err := stream.Send(build(id)); err != nil {
		d.mu.Lock()
		delete(d.pending, wireID)
		d.mu.Unlock()
		return err
	}

	select {
	case err := <-ack.ch:
		return err
	case <-ctx.Done():
		d.mu.Lock()
		delete(d.pending, wireID)
		d.mu.Unlock()
		if ctx.Err() == context.DeadlineExceeded {
			return errors.WrapTimeout(ctx.Err(), d.cache, "subscription", "await ack")
		}
		return errors.WrapTransport(ctx.Err(), d.cache, "subscription", "await ack")
	}
}

// receiveLoop consumes the stream until it ends, correlating acks and
// fanning out events. Listener callbacks run with no dispatcher lock held.
func (d *eventDispatcher) receiveLoop(stream transport.EventStream) {
	for {
		msg, err := stream.Recv()
		if err != nil {
			d.onStreamEnd(err)
			return
		}

		switch msg.Type {
		case protocol.StreamSubscribed:
			d.completeAck(msg, nil)
		case protocol.StreamUnsubscribed:
			d.completeAck(msg, nil)
		case protocol.StreamEvent:
			d.fanOut(msg)
		case protocol.StreamDestroyed:
			d.owner.onRemoteDestroyed()
		case protocol.StreamTruncated:
			d.owner.onRemoteTruncated()
		case protocol.StreamError:
			serverErr := errors.Server(d.cache, msg.Code, msg.Message)
			if msg.ID != "" {
				d.completeAck(msg, serverErr)
				continue
			}
			// An uncorrelated error is fatal for the stream.
			d.onStreamEnd(serverErr)
			return
		default:
			d.logger.Warn("unrecognized stream message", "type", msg.Type)
		}
	}
}

// completeAck resolves the pending entry for msg.ID. The entry is removed
// from the pending map before its callback channel is signalled.
func (d *eventDispatcher) completeAck(msg *protocol.StreamMessage, result error) {
	d.mu.Lock()
	ack, ok := d.pending[msg.ID]
	if ok {
		delete(d.pending, msg.ID)
	}
	if ok && result == nil && ack.filterSubscribe && ack.group != nil {
		ack.group.filterID = msg.FilterID
		ack.group.hasFilterID = true
		d.byFilterID[msg.FilterID] = ack.group
	}
	d.mu.Unlock()

	if ok {
		ack.ch <- result
	}
}

// fanOut delivers one event: first to every filter group named by the
// event's filter ids, then to the key group for the event's key. A group is
// notified once even when several of its filter ids match; a listener
// belonging to several matched groups is invoked once per membership.
func (d *eventDispatcher) fanOut(msg *protocol.StreamMessage) {
	event, err := d.decodeEvent(msg)
	if err != nil {
		d.logger.Warn("dropping undecodable event", "error", err)
		return
	}

	d.mu.Lock()
	var targets [][]*MapListener
	seen := make(map[*listenerGroup]bool)
	for _, filterID := range msg.FilterIDs {
		if group, ok := d.byFilterID[filterID]; ok && !seen[group] {
			seen[group] = true
			targets = append(targets, group.snapshot())
		}
	}
	if group, ok := d.byKey[string(msg.Key)]; ok && !seen[group] {
		seen[group] = true
		targets = append(targets, group.snapshot())
	}
	d.mu.Unlock()

	for _, listeners := range targets {
		for _, listener := range listeners {
			listener.dispatch(event)
		}
		d.metrics.ObserveEvent(d.cache, event.Kind.String())
	}
}

func (d *eventDispatcher) decodeEvent(msg *protocol.StreamMessage) (MapEvent, error) {
	key, err := d.codec.Decode(msg.Key)
	if err != nil {
		return MapEvent{}, err
	}
	var oldValue, newValue any
	if len(msg.OldValue) > 0 {
		if oldValue, err = d.codec.Decode(msg.OldValue); err != nil {
			return MapEvent{}, err
		}
	}
	if len(msg.NewValue) > 0 {
		if newValue, err = d.codec.Decode(msg.NewValue); err != nil {
			return MapEvent{}, err
		}
	}
	return MapEvent{
		Cache:     d.cache,
		Kind:      msg.Kind,
		Key:       key,
		OldValue:  oldValue,
		NewValue:  newValue,
		filterIDs: msg.FilterIDs,
	}, nil
}

// onStreamEnd handles the stream terminating, gracefully or not. Listener
// registrations survive either way; server-side subscription state is gone,
// so filter ids are forgotten and the next registration rebuilds the stream.
func (d *eventDispatcher) onStreamEnd(cause error) {
	d.mu.Lock()
	graceful := d.closeRequested
	d.state = streamClosed
	d.stream = nil
	ended := d.endCh
	acks := d.pending
	d.pending = make(map[string]*pendingAck)
	for filterID, group := range d.byFilterID {
		group.hasFilterID = false
		delete(d.byFilterID, filterID)
	}
	d.mu.Unlock()
	if ended != nil {
		close(ended)
	}
	d.metrics.StreamClosed()

	streamErr := errors.StreamClosed(d.cache, cause)
	for _, ack := range acks {
		ack.ch <- streamErr
	}

	if graceful {
		d.logger.Debug("event stream closed")
		return
	}
	d.owner.onStreamError(cause)
}
