// Package testnet provides an in-process message network for exercising
// negotiations between parties without real transport. Delivery faults are
// injectable per endpoint so tests can produce loss, duplication and
// reordering.
package testnet

import (
	"context"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/gridnet/go-grid-market/market"
)

var log = logging.Logger("testnet")

const inboxSize = 64

// SendHook inspects an outbound message and decides its fate: deliveries is
// how many copies reach the recipient (0 drops the message silently), and a
// non-nil error fails the Send call itself.
type SendHook func(to market.PartyID, msg market.Message) (deliveries int, err error)

// Network connects endpoints by party id. All delivery is in-process and
// asynchronous through buffered inboxes.
type Network struct {
	lk        sync.Mutex
	endpoints map[market.PartyID]*Endpoint
	topics    map[string][]chan []byte
}

// New creates an empty network.
func New() *Network {
	return &Network{
		endpoints: map[market.PartyID]*Endpoint{},
		topics:    map[string][]chan []byte{},
	}
}

// Endpoint returns (creating if needed) the network attachment for a party.
func (n *Network) Endpoint(party market.PartyID) *Endpoint {
	n.lk.Lock()
	defer n.lk.Unlock()
	if ep, ok := n.endpoints[party]; ok {
		return ep
	}
	ep := &Endpoint{
		net:   n,
		party: party,
		inbox: make(chan market.Message, inboxSize),
	}
	n.endpoints[party] = ep
	return ep
}

// Inject places a message directly in a party's inbox, bypassing hooks. Tests
// use it to replay or reorder traffic.
func (n *Network) Inject(to market.PartyID, msg market.Message) error {
	n.lk.Lock()
	ep, ok := n.endpoints[to]
	n.lk.Unlock()
	if !ok {
		return xerrors.Errorf("no endpoint for party %s", to)
	}
	ep.deliver(msg)
	return nil
}

func (n *Network) publish(topic string, data []byte) {
	n.lk.Lock()
	subs := append([]chan []byte(nil), n.topics[topic]...)
	n.lk.Unlock()
	for _, ch := range subs {
		select {
		case ch <- data:
		default:
			log.Warnw("dropping publication, subscriber lagging", "topic", topic)
		}
	}
}

func (n *Network) subscribe(ctx context.Context, topic string) <-chan []byte {
	ch := make(chan []byte, inboxSize)
	n.lk.Lock()
	n.topics[topic] = append(n.topics[topic], ch)
	n.lk.Unlock()

	go func() {
		<-ctx.Done()
		n.lk.Lock()
		subs := n.topics[topic]
		for i, c := range subs {
			if c == ch {
				n.topics[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		n.lk.Unlock()
		close(ch)
	}()
	return ch
}

// Endpoint is one party's attachment to the network. It implements
// market.Messaging.
type Endpoint struct {
	net   *Network
	party market.PartyID
	inbox chan market.Message

	hookLk sync.Mutex
	hook   SendHook
}

var _ market.Messaging = (*Endpoint)(nil)

// SetSendHook installs a fault-injection hook for outbound messages. A nil
// hook restores normal single delivery.
func (e *Endpoint) SetSendHook(hook SendHook) {
	e.hookLk.Lock()
	e.hook = hook
	e.hookLk.Unlock()
}

// Send delivers a message to the recipient's inbox, subject to the endpoint's
// send hook.
func (e *Endpoint) Send(ctx context.Context, to market.PartyID, msg market.Message) error {
	deliveries := 1
	e.hookLk.Lock()
	hook := e.hook
	e.hookLk.Unlock()
	if hook != nil {
		var err error
		deliveries, err = hook(to, msg)
		if err != nil {
			return err
		}
	}

	e.net.lk.Lock()
	dst, ok := e.net.endpoints[to]
	e.net.lk.Unlock()
	if !ok {
		return xerrors.Errorf("no endpoint for party %s", to)
	}
	for i := 0; i < deliveries; i++ {
		dst.deliver(msg)
	}
	return nil
}

// Receive returns the endpoint's inbound message stream. The returned channel
// closes when ctx is done.
func (e *Endpoint) Receive(ctx context.Context) (<-chan market.Message, error) {
	out := make(chan market.Message)
	go func() {
		defer close(out)
		for {
			select {
			case msg := <-e.inbox:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Publish broadcasts on a discovery topic.
func (e *Endpoint) Publish(ctx context.Context, topic string, data []byte) error {
	e.net.publish(topic, data)
	return nil
}

// Subscribe returns the stream of payloads broadcast on a topic.
func (e *Endpoint) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	return e.net.subscribe(ctx, topic), nil
}

func (e *Endpoint) deliver(msg market.Message) {
	select {
	case e.inbox <- msg:
	default:
		log.Warnw("dropping message, inbox full", "party", e.party, "thread", msg.ThreadID)
	}
}
