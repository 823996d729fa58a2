// Package negotiation runs the two-party proposal exchange: each participant
// drives a persisted state machine over its own copy of every thread, and the
// copies converge only through the message exchange.
package negotiation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/filecoin-project/go-statemachine/fsm"
	"github.com/hannahhoward/go-pubsub"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"go.opencensus.io/stats"
	"golang.org/x/xerrors"

	"github.com/gridnet/go-grid-market/market"
	"github.com/gridnet/go-grid-market/market/agreement"
	"github.com/gridnet/go-grid-market/market/catalog"
	"github.com/gridnet/go-grid-market/market/props"
	"github.com/gridnet/go-grid-market/metrics"
)

var log = logging.Logger("negotiation")

// TransitionSubscriber is notified of every thread state change.
type TransitionSubscriber func(evt market.TransitionEvent)

// Unsubscribe cancels a subscription.
type Unsubscribe func()

type internalEvent struct {
	evt market.TransitionEvent
}

func transitionDispatcher(evt pubsub.Event, subscriberFn pubsub.SubscriberFn) error {
	ie, ok := evt.(internalEvent)
	if !ok {
		return errors.New("wrong type of event")
	}
	cb, ok := subscriberFn.(TransitionSubscriber)
	if !ok {
		return errors.New("wrong type of subscriber")
	}
	cb(ie.evt)
	return nil
}

// Coordinator owns this party's side of every negotiation thread. Inbound
// messages are deduplicated and reordered here; ordering within a thread is
// enforced before any event reaches the state machine.
type Coordinator struct {
	self       market.PartyID
	catalog    *catalog.Catalog
	net        market.Messaging
	agreements *agreement.Manager

	threads fsm.Group
	clock   clock.Clock

	idleTTL        time.Duration
	reorderTimeout time.Duration
	sendRetries    int
	retryBackoff   time.Duration

	lk      sync.Mutex
	pending map[market.ThreadID][]market.Message
	timers  map[market.ThreadID]*clock.Timer

	// reaped remembers recently deleted terminal threads so late replays are
	// dropped instead of reopening them.
	reaped *lru.Cache[market.ThreadID, market.ThreadStatus]

	subscribers *pubsub.PubSub
	statusLk    sync.Mutex
	lastStatus  map[market.ThreadID]market.ThreadStatus

	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock substitutes the wall clock, for tests.
func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) { c.clock = clk }
}

// WithIdleTTL sets how long a thread may sit without activity before the
// sweeper expires it.
func WithIdleTTL(d time.Duration) Option {
	return func(c *Coordinator) { c.idleTTL = d }
}

// WithReorderTimeout bounds how long an out-of-order message may wait for the
// gap before it to fill.
func WithReorderTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.reorderTimeout = d }
}

// WithSendRetries sets how many delivery attempts a message gets before the
// thread is terminated for delivery failure.
func WithSendRetries(n int, backoff time.Duration) Option {
	return func(c *Coordinator) {
		c.sendRetries = n
		c.retryBackoff = backoff
	}
}

// NewCoordinator builds a coordinator for one party, persisting thread state
// under the given datastore.
func NewCoordinator(self market.PartyID, ds datastore.Batching, cat *catalog.Catalog, net market.Messaging, agreements *agreement.Manager, opts ...Option) (*Coordinator, error) {
	reaped, err := lru.New[market.ThreadID, market.ThreadStatus](1024)
	if err != nil {
		return nil, err
	}
	c := &Coordinator{
		self:           self,
		catalog:        cat,
		net:            net,
		agreements:     agreements,
		clock:          clock.New(),
		idleTTL:        time.Hour,
		reorderTimeout: 30 * time.Second,
		sendRetries:    5,
		retryBackoff:   time.Second,
		pending:        map[market.ThreadID][]market.Message{},
		timers:         map[market.ThreadID]*clock.Timer{},
		reaped:         reaped,
		subscribers:    pubsub.New(transitionDispatcher),
		lastStatus:     map[market.ThreadID]market.ThreadStatus{},
		closing:        make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	threads, err := fsm.New(namespace.Wrap(ds, datastore.NewKey("/negotiations")), fsm.Parameters{
		Environment:     c,
		StateType:       market.NegotiationThread{},
		StateKeyField:   "Status",
		Events:          ThreadFSMEvents,
		StateEntryFuncs: ThreadStateEntryFuncs,
		FinalityStates:  ThreadFinalityStates,
		Notifier:        c.notifySubscribers,
	})
	if err != nil {
		return nil, xerrors.Errorf("creating thread state machines: %w", err)
	}
	c.threads = threads
	return c, nil
}

// Start begins consuming inbound negotiation messages. It returns once the
// receive stream is established.
func (c *Coordinator) Start(ctx context.Context) error {
	msgs, err := c.net.Receive(ctx)
	if err != nil {
		return xerrors.Errorf("opening receive stream: %w", err)
	}
	go func() {
		defer close(c.done)
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				if err := c.HandleMessage(ctx, msg); err != nil {
					log.Warnw("handling message", "thread", msg.ThreadID, "kind", msg.Kind, "err", err)
				}
			case <-c.closing:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop halts message processing and the underlying state machines.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.closeOnce.Do(func() { close(c.closing) })
	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.lk.Lock()
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
	c.lk.Unlock()
	return c.threads.Stop(ctx)
}

// SubscribeTransitions registers a callback for thread state changes.
func (c *Coordinator) SubscribeTransitions(cb TransitionSubscriber) Unsubscribe {
	return Unsubscribe(c.subscribers.Subscribe(cb))
}

// Initiate opens a negotiation thread against a discovered offer, with this
// party acting as requestor. The initial proposal defaults to the demand's
// own properties and constraint unless terms override them. Initiating twice
// for the same pair returns the existing thread.
func (c *Coordinator) Initiate(ctx context.Context, offer, demand market.Entry, terms props.PropertySet, constraint string) (market.ThreadID, error) {
	if offer.Kind != market.KindOffer || demand.Kind != market.KindDemand {
		return "", xerrors.Errorf("%w: initiate requires an offer and a demand", market.ErrValidation)
	}
	if demand.Owner != c.self {
		return "", xerrors.Errorf("%w: only the demand owner may initiate", market.ErrValidation)
	}
	if offer.Owner == c.self {
		return "", xerrors.Errorf("%w: cannot negotiate against own offer", market.ErrValidation)
	}
	now := c.clock.Now()
	if !offer.Available(now) || !demand.Available(now) {
		return "", xerrors.Errorf("%w: entry no longer available", market.ErrValidation)
	}

	id := market.DeriveThreadID(offer.ID, demand.ID)
	if has, err := c.threads.Has(id); err != nil {
		return "", err
	} else if has {
		return id, nil
	}

	termsBytes := demand.Properties
	if terms != nil {
		var err error
		termsBytes, err = terms.Canonical()
		if err != nil {
			return "", xerrors.Errorf("%w: malformed terms: %s", market.ErrValidation, err)
		}
	}
	if constraint == "" {
		constraint = demand.Constraint
	}
	if _, err := props.Parse(constraint); err != nil {
		return "", xerrors.Errorf("%w: malformed constraint: %s", market.ErrValidation, err)
	}

	t := market.NegotiationThread{
		ID:        id,
		OfferID:   offer.ID,
		DemandID:  demand.ID,
		Requestor: demand.Owner,
		Provider:  offer.Owner,
		Status:    market.ThreadStatusNew,
	}
	if err := c.threads.Begin(id, &t); err != nil {
		return "", xerrors.Errorf("opening thread %s: %w", id, err)
	}

	p := market.Proposal{
		ID:         0,
		Author:     c.self,
		Terms:      termsBytes,
		Constraint: constraint,
		PrevID:     -1,
		CreatedAt:  now.Unix(),
	}
	if err := c.threads.SendSync(ctx, id, market.ThreadEventOpen, p); err != nil {
		return "", err
	}
	stats.Record(ctx, metrics.ThreadsOpened.M(1), metrics.ProposalsSent.M(1))
	log.Infow("initiated negotiation", "thread", id, "offer", offer.ID, "demand", demand.ID)

	c.sendAsync(offer.Owner, market.Message{
		ThreadID:   id,
		Kind:       market.MsgProposal,
		From:       c.self,
		OfferID:    offer.ID,
		DemandID:   demand.ID,
		ProposalID: p.ID,
		PrevID:     p.PrevID,
		Terms:      p.Terms,
		Constraint: p.Constraint,
		SentAt:     p.CreatedAt,
	})
	return id, nil
}

// Counter appends a counter-proposal refining the thread's latest proposal
// and sends it to the counterparty.
func (c *Coordinator) Counter(ctx context.Context, id market.ThreadID, terms props.PropertySet, constraint string) error {
	c.lk.Lock()
	defer c.lk.Unlock()

	t, err := c.loadActive(ctx, id)
	if err != nil {
		return err
	}
	last := t.Last()
	if last == nil {
		return xerrors.Errorf("%w: thread %s has no proposal to refine", market.ErrValidation, id)
	}
	termsBytes, err := terms.Canonical()
	if err != nil {
		return xerrors.Errorf("%w: malformed terms: %s", market.ErrValidation, err)
	}
	if _, err := props.Parse(constraint); err != nil {
		return xerrors.Errorf("%w: malformed constraint: %s", market.ErrValidation, err)
	}

	p := market.Proposal{
		ID:         t.NextProposalID(),
		Author:     c.self,
		Terms:      termsBytes,
		Constraint: constraint,
		PrevID:     int64(last.ID),
		CreatedAt:  c.clock.Now().Unix(),
	}
	if err := c.threads.SendSync(ctx, id, market.ThreadEventProposal, p); err != nil {
		return err
	}
	stats.Record(ctx, metrics.ProposalsSent.M(1))

	c.sendAsync(t.Counterparty(c.self), market.Message{
		ThreadID:   id,
		Kind:       market.MsgProposal,
		From:       c.self,
		ProposalID: p.ID,
		PrevID:     p.PrevID,
		Terms:      p.Terms,
		Constraint: p.Constraint,
		SentAt:     p.CreatedAt,
	})
	return nil
}

// Approve accepts the thread's latest proposal as final terms. Approving a
// superseded proposal is a protocol violation and terminates the thread; a
// party cannot approve a proposal it authored itself.
func (c *Coordinator) Approve(ctx context.Context, id market.ThreadID, proposalID uint64) error {
	c.lk.Lock()
	defer c.lk.Unlock()

	t, err := c.loadActive(ctx, id)
	if err != nil {
		return err
	}
	last := t.Last()
	if last == nil {
		return xerrors.Errorf("%w: thread %s has no proposal to approve", market.ErrValidation, id)
	}
	if last.Author == c.self {
		return xerrors.Errorf("%w: cannot approve own proposal", market.ErrValidation)
	}
	if proposalID != last.ID {
		err := xerrors.Errorf("%w: approve references proposal %d but latest is %d",
			market.ErrProtocolViolation, proposalID, last.ID)
		c.violateLocked(ctx, t, err.Error())
		return err
	}

	now := c.clock.Now().Unix()
	if err := c.threads.SendSync(ctx, id, market.ThreadEventApprove, c.self, proposalID, now); err != nil {
		return err
	}
	c.sendAsync(t.Counterparty(c.self), market.Message{
		ThreadID:   id,
		Kind:       market.MsgApprove,
		From:       c.self,
		ProposalID: proposalID,
		SentAt:     now,
	})
	return nil
}

// Reject declines the negotiation and notifies the counterparty.
func (c *Coordinator) Reject(ctx context.Context, id market.ThreadID, reason string) error {
	c.lk.Lock()
	defer c.lk.Unlock()

	t, err := c.loadActive(ctx, id)
	if err != nil {
		return err
	}
	now := c.clock.Now().Unix()
	if err := c.threads.SendSync(ctx, id, market.ThreadEventRejected, reason, now); err != nil {
		return err
	}
	c.clearBufferLocked(id)
	c.sendAsync(t.Counterparty(c.self), market.Message{
		ThreadID: id,
		Kind:     market.MsgReject,
		From:     c.self,
		Reason:   reason,
		SentAt:   now,
	})
	return nil
}

// Terminate ends the negotiation with a reason. Terminating an already
// terminal thread is a no-op.
func (c *Coordinator) Terminate(ctx context.Context, id market.ThreadID, reason string) error {
	c.lk.Lock()
	defer c.lk.Unlock()

	t, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return nil
	}
	now := c.clock.Now().Unix()
	if err := c.threads.SendSync(ctx, id, market.ThreadEventTerminated, reason, now); err != nil {
		return err
	}
	c.clearBufferLocked(id)
	c.sendAsync(t.Counterparty(c.self), market.Message{
		ThreadID: id,
		Kind:     market.MsgTerminate,
		From:     c.self,
		Reason:   reason,
		SentAt:   now,
	})
	return nil
}

// HandleMessage applies one inbound message: duplicates are dropped,
// out-of-order arrivals are buffered for a bounded window, and in-order
// messages drive the thread's state machine.
func (c *Coordinator) HandleMessage(ctx context.Context, msg market.Message) error {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.handleLocked(ctx, msg)
}

func (c *Coordinator) handleLocked(ctx context.Context, msg market.Message) error {
	if status, ok := c.reaped.Get(msg.ThreadID); ok {
		log.Debugw("dropping message for reaped thread", "thread", msg.ThreadID, "status", status)
		stats.Record(ctx, metrics.MessagesDuplicate.M(1))
		return nil
	}

	has, err := c.threads.Has(msg.ThreadID)
	if err != nil {
		return err
	}
	if !has {
		return c.handleUnknownLocked(ctx, msg)
	}

	t, err := c.load(ctx, msg.ThreadID)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		// At-least-once delivery replays messages after termination.
		log.Debugw("dropping message for terminal thread", "thread", t.ID, "status", t.Status)
		stats.Record(ctx, metrics.MessagesDuplicate.M(1))
		return nil
	}
	if msg.From == "" || msg.From != t.Counterparty(c.self) {
		return c.violateLocked(ctx, t, "message from non-participant "+string(msg.From))
	}

	switch msg.Kind {
	case market.MsgProposal:
		return c.handleProposalLocked(ctx, t, msg)
	case market.MsgApprove:
		return c.handleApproveLocked(ctx, t, msg)
	case market.MsgReject:
		c.clearBufferLocked(t.ID)
		return c.threads.SendSync(ctx, t.ID, market.ThreadEventRejected, msg.Reason, c.clock.Now().Unix())
	case market.MsgTerminate:
		c.clearBufferLocked(t.ID)
		return c.threads.SendSync(ctx, t.ID, market.ThreadEventTerminated, msg.Reason, c.clock.Now().Unix())
	default:
		return xerrors.Errorf("%w: unknown message kind %d", market.ErrProtocolViolation, msg.Kind)
	}
}

// handleUnknownLocked opens the provider-side copy of a thread from an
// initial proposal, or buffers early arrivals for a thread whose opening
// proposal has not landed yet.
func (c *Coordinator) handleUnknownLocked(ctx context.Context, msg market.Message) error {
	if msg.Kind != market.MsgProposal || msg.ProposalID != 0 {
		c.bufferLocked(ctx, msg)
		return nil
	}
	if msg.PrevID != -1 {
		return xerrors.Errorf("%w: initial proposal with predecessor %d", market.ErrProtocolViolation, msg.PrevID)
	}
	if market.DeriveThreadID(msg.OfferID, msg.DemandID) != msg.ThreadID {
		return xerrors.Errorf("%w: thread id does not match offer/demand pair", market.ErrProtocolViolation)
	}

	offer, err := c.catalog.Get(ctx, msg.OfferID)
	if err != nil {
		return xerrors.Errorf("initial proposal for unknown offer %s: %w", msg.OfferID, err)
	}
	if offer.Owner != c.self {
		return xerrors.Errorf("%w: initial proposal targets offer owned by %s", market.ErrProtocolViolation, offer.Owner)
	}
	if !offer.Available(c.clock.Now()) {
		return c.refuseLocked(ctx, msg, "offer withdrawn or expired")
	}
	if _, err := props.Parse(msg.Constraint); err != nil {
		return c.refuseLocked(ctx, msg, "malformed constraint in initial proposal")
	}

	t := market.NegotiationThread{
		ID:        msg.ThreadID,
		OfferID:   msg.OfferID,
		DemandID:  msg.DemandID,
		Requestor: msg.From,
		Provider:  c.self,
		Status:    market.ThreadStatusNew,
	}
	if err := c.threads.Begin(t.ID, &t); err != nil {
		return xerrors.Errorf("opening thread %s: %w", t.ID, err)
	}
	p := market.Proposal{
		ID:         0,
		Author:     msg.From,
		Terms:      msg.Terms,
		Constraint: msg.Constraint,
		PrevID:     -1,
		CreatedAt:  c.clock.Now().Unix(),
	}
	if err := c.threads.SendSync(ctx, t.ID, market.ThreadEventOpen, p); err != nil {
		return err
	}
	stats.Record(ctx, metrics.ThreadsOpened.M(1), metrics.ProposalsReceived.M(1))
	log.Infow("opened negotiation from initial proposal", "thread", t.ID, "requestor", msg.From)
	return c.drainLocked(ctx, t.ID)
}

func (c *Coordinator) handleProposalLocked(ctx context.Context, t market.NegotiationThread, msg market.Message) error {
	expected := t.NextProposalID()
	switch {
	case msg.ProposalID < expected:
		log.Debugw("dropping duplicate proposal", "thread", t.ID, "proposal", msg.ProposalID)
		stats.Record(ctx, metrics.MessagesDuplicate.M(1))
		return nil
	case msg.ProposalID > expected:
		c.bufferLocked(ctx, msg)
		return nil
	}

	last := t.Last()
	if last == nil || msg.PrevID != int64(last.ID) {
		return c.violateLocked(ctx, t, "proposal does not refine the latest proposal")
	}
	if _, err := props.Parse(msg.Constraint); err != nil {
		return c.violateLocked(ctx, t, "malformed constraint in counter-proposal")
	}

	p := market.Proposal{
		ID:         msg.ProposalID,
		Author:     msg.From,
		Terms:      msg.Terms,
		Constraint: msg.Constraint,
		PrevID:     msg.PrevID,
		CreatedAt:  c.clock.Now().Unix(),
	}
	if err := c.threads.SendSync(ctx, t.ID, market.ThreadEventProposal, p); err != nil {
		return err
	}
	stats.Record(ctx, metrics.ProposalsReceived.M(1))
	return c.drainLocked(ctx, t.ID)
}

func (c *Coordinator) handleApproveLocked(ctx context.Context, t market.NegotiationThread, msg market.Message) error {
	last := t.Last()
	if last == nil || msg.ProposalID >= t.NextProposalID() {
		// Approval of a proposal we have not seen yet; wait for it.
		c.bufferLocked(ctx, msg)
		return nil
	}
	if msg.ProposalID != last.ID {
		return c.violateLocked(ctx, t, "approve references a superseded proposal")
	}
	if last.Author == msg.From {
		return c.violateLocked(ctx, t, "party approved its own proposal")
	}
	return c.threads.SendSync(ctx, t.ID, market.ThreadEventApprove, msg.From, msg.ProposalID, c.clock.Now().Unix())
}

// bufferLocked parks an out-of-order message and arms the reorder deadline
// for its thread. If the gap never fills the thread is terminated.
func (c *Coordinator) bufferLocked(ctx context.Context, msg market.Message) {
	id := msg.ThreadID
	for _, m := range c.pending[id] {
		if m.Kind == msg.Kind && m.ProposalID == msg.ProposalID {
			stats.Record(ctx, metrics.MessagesDuplicate.M(1))
			return
		}
	}
	c.pending[id] = append(c.pending[id], msg)
	stats.Record(ctx, metrics.MessagesBuffered.M(1))
	log.Debugw("buffered out-of-order message", "thread", id, "kind", msg.Kind, "proposal", msg.ProposalID)

	if _, ok := c.timers[id]; !ok {
		c.timers[id] = c.clock.AfterFunc(c.reorderTimeout, func() {
			c.reorderExpired(id)
		})
	}
}

func (c *Coordinator) reorderExpired(id market.ThreadID) {
	ctx := context.Background()
	c.lk.Lock()
	defer c.lk.Unlock()

	delete(c.timers, id)
	if len(c.pending[id]) == 0 {
		return
	}
	delete(c.pending, id)

	has, err := c.threads.Has(id)
	if err != nil || !has {
		return
	}
	t, err := c.load(ctx, id)
	if err != nil || t.Status.Terminal() {
		return
	}
	if err := c.violateLocked(ctx, t, "reorder window elapsed with missing proposals"); err != nil {
		log.Warnw("terminating thread on reorder timeout", "thread", id, "err", err)
	}
}

// drainLocked re-applies buffered messages that have become applicable after
// the thread advanced.
func (c *Coordinator) drainLocked(ctx context.Context, id market.ThreadID) error {
	for {
		buf := c.pending[id]
		if len(buf) == 0 {
			if timer, ok := c.timers[id]; ok {
				timer.Stop()
				delete(c.timers, id)
			}
			return nil
		}
		t, err := c.load(ctx, id)
		if err != nil {
			return err
		}
		if t.Status.Terminal() {
			c.clearBufferLocked(id)
			return nil
		}

		applied := false
		for i, m := range buf {
			applicable := (m.Kind == market.MsgProposal && m.ProposalID == t.NextProposalID()) ||
				(m.Kind == market.MsgApprove && m.ProposalID < t.NextProposalID()) ||
				m.Kind == market.MsgReject || m.Kind == market.MsgTerminate
			if !applicable {
				continue
			}
			c.pending[id] = append(buf[:i:i], buf[i+1:]...)
			if err := c.handleLocked(ctx, m); err != nil {
				return err
			}
			applied = true
			break
		}
		if !applied {
			return nil
		}
	}
}

func (c *Coordinator) clearBufferLocked(id market.ThreadID) {
	delete(c.pending, id)
	if timer, ok := c.timers[id]; ok {
		timer.Stop()
		delete(c.timers, id)
	}
}

// violateLocked terminates a thread for a protocol violation and notifies the
// counterparty.
func (c *Coordinator) violateLocked(ctx context.Context, t market.NegotiationThread, reason string) error {
	reason = "protocol violation: " + reason
	log.Warnw("terminating thread", "thread", t.ID, "reason", reason)
	c.clearBufferLocked(t.ID)
	now := c.clock.Now().Unix()
	if err := c.threads.SendSync(ctx, t.ID, market.ThreadEventTerminated, reason, now); err != nil {
		return err
	}
	c.sendAsync(t.Counterparty(c.self), market.Message{
		ThreadID: t.ID,
		Kind:     market.MsgTerminate,
		From:     c.self,
		Reason:   reason,
		SentAt:   now,
	})
	return nil
}

// refuseLocked declines an initial proposal without opening a local thread.
func (c *Coordinator) refuseLocked(ctx context.Context, msg market.Message, reason string) error {
	c.sendAsync(msg.From, market.Message{
		ThreadID: msg.ThreadID,
		Kind:     market.MsgTerminate,
		From:     c.self,
		Reason:   reason,
		SentAt:   c.clock.Now().Unix(),
	})
	return nil
}

// sendAsync dispatches a message with bounded retries. Exhausting the retry
// budget terminates the thread for delivery failure; negotiation cannot
// continue over a channel that is dropping messages.
func (c *Coordinator) sendAsync(to market.PartyID, msg market.Message) {
	go func() {
		ctx := context.Background()
		var err error
		for attempt := 0; attempt < c.sendRetries; attempt++ {
			if attempt > 0 {
				stats.Record(ctx, metrics.SendRetries.M(1))
				c.clock.Sleep(c.retryBackoff)
			}
			select {
			case <-c.closing:
				return
			default:
			}
			if err = c.net.Send(ctx, to, msg); err == nil {
				return
			}
			log.Debugw("send attempt failed", "thread", msg.ThreadID, "to", to, "attempt", attempt, "err", err)
		}
		log.Errorw("delivery failed", "thread", msg.ThreadID, "to", to, "err", err)
		if msg.Kind == market.MsgTerminate {
			// Already terminating; nothing further to do locally.
			return
		}
		reason := "delivery failure: " + err.Error()
		if terr := c.terminateLocal(ctx, msg.ThreadID, reason); terr != nil {
			log.Warnw("terminating thread after delivery failure", "thread", msg.ThreadID, "err", terr)
		}
	}()
}

// terminateLocal marks a thread terminated without notifying the
// counterparty.
func (c *Coordinator) terminateLocal(ctx context.Context, id market.ThreadID, reason string) error {
	c.lk.Lock()
	defer c.lk.Unlock()
	t, err := c.load(ctx, id)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return nil
	}
	c.clearBufferLocked(id)
	return c.threads.SendSync(ctx, id, market.ThreadEventTerminated, reason, c.clock.Now().Unix())
}

// ExpireIdle terminates threads with no activity for the idle TTL. It is the
// sweeper's backstop against threads whose counterparty went silent.
func (c *Coordinator) ExpireIdle(ctx context.Context, now time.Time) (int, error) {
	var all []market.NegotiationThread
	if err := c.threads.List(&all); err != nil {
		return 0, xerrors.Errorf("listing threads: %w", err)
	}
	c.lk.Lock()
	defer c.lk.Unlock()

	expired := 0
	for _, t := range all {
		if t.Status.Terminal() || !t.Idle(now, c.idleTTL) {
			continue
		}
		if err := c.threads.SendSync(ctx, t.ID, market.ThreadEventExpired, "negotiation idle past ttl", now.Unix()); err != nil {
			log.Warnw("expiring idle thread", "thread", t.ID, "err", err)
			continue
		}
		c.clearBufferLocked(t.ID)
		expired++
	}
	return expired, nil
}

// Reap deletes terminal threads whose last activity is older than the
// retention window, leaving a tombstone so late replays are dropped.
func (c *Coordinator) Reap(ctx context.Context, retention time.Duration) (int, error) {
	var all []market.NegotiationThread
	if err := c.threads.List(&all); err != nil {
		return 0, xerrors.Errorf("listing threads: %w", err)
	}
	cutoff := c.clock.Now().Add(-retention).Unix()

	c.lk.Lock()
	defer c.lk.Unlock()

	reaped := 0
	for _, t := range all {
		if !t.Status.Terminal() || t.LastActivity > cutoff {
			continue
		}
		c.reaped.Add(t.ID, t.Status)
		if err := c.threads.Get(t.ID).End(); err != nil {
			log.Warnw("reaping thread", "thread", t.ID, "err", err)
			continue
		}
		c.statusLk.Lock()
		delete(c.lastStatus, t.ID)
		c.statusLk.Unlock()
		reaped++
	}
	return reaped, nil
}

// GetThread returns this party's copy of a thread.
func (c *Coordinator) GetThread(ctx context.Context, id market.ThreadID) (market.NegotiationThread, error) {
	return c.load(ctx, id)
}

// ListThreads returns all locally known threads.
func (c *Coordinator) ListThreads(ctx context.Context) ([]market.NegotiationThread, error) {
	var out []market.NegotiationThread
	if err := c.threads.List(&out); err != nil {
		return nil, xerrors.Errorf("listing threads: %w", err)
	}
	return out, nil
}

func (c *Coordinator) load(ctx context.Context, id market.ThreadID) (market.NegotiationThread, error) {
	var t market.NegotiationThread
	if err := c.threads.GetSync(ctx, id, &t); err != nil {
		if xerrors.Is(err, datastore.ErrNotFound) {
			return market.NegotiationThread{}, xerrors.Errorf("%w: thread %s", market.ErrNotFound, id)
		}
		return market.NegotiationThread{}, err
	}
	return t, nil
}

func (c *Coordinator) loadActive(ctx context.Context, id market.ThreadID) (market.NegotiationThread, error) {
	t, err := c.load(ctx, id)
	if err != nil {
		return t, err
	}
	if t.Status.Terminal() {
		return t, xerrors.Errorf("%w: thread %s is %s", market.ErrThreadTerminal, id, t.Status)
	}
	return t, nil
}

// Finalize implements Environment for the Approving state entry handler.
func (c *Coordinator) Finalize(ctx context.Context, t market.NegotiationThread) (market.Agreement, error) {
	ag, err := c.agreements.Finalize(ctx, t)
	if err != nil {
		return market.Agreement{}, err
	}
	if err := c.agreements.Confirm(ctx, ag); err != nil {
		return market.Agreement{}, err
	}
	return ag, nil
}

// Now implements Environment.
func (c *Coordinator) Now() int64 {
	return c.clock.Now().Unix()
}

func (c *Coordinator) notifySubscribers(eventName fsm.EventName, state fsm.StateType) {
	evt := eventName.(market.ThreadEvent)
	t := state.(market.NegotiationThread)

	c.statusLk.Lock()
	old, ok := c.lastStatus[t.ID]
	if !ok {
		old = market.ThreadStatusNew
	}
	c.lastStatus[t.ID] = t.Status
	c.statusLk.Unlock()

	if t.Status.Terminal() && (!ok || !old.Terminal()) {
		metrics.RecordTerminal(context.Background(), t.Status.String())
	}
	log.Debugw("thread transition", "thread", t.ID, "event", evt, "old", old, "new", t.Status)
	_ = c.subscribers.Publish(internalEvent{market.TransitionEvent{
		ThreadID: t.ID,
		Old:      old,
		New:      t.Status,
		Reason:   t.Reason,
	}})
}
