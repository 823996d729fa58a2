package matcher

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	cborutil "github.com/filecoin-project/go-cbor-util"
	"github.com/hannahhoward/go-pubsub"
	"github.com/ipfs/go-datastore"
	"github.com/raulk/clock"
	"golang.org/x/xerrors"

	"github.com/gridnet/go-grid-market/market"
	"github.com/gridnet/go-grid-market/market/catalog"
	"github.com/gridnet/go-grid-market/metrics"
)

// DiscoveryTopic is the broadcast topic on which parties announce catalog
// entries to the network.
const DiscoveryTopic = "market/entries"

var watermarkKey = datastore.NewKey("/matcher-watermark")

// MatchSubscriber receives match events.
type MatchSubscriber func(evt market.MatchEvent)

// Unsubscribe removes a subscriber.
type Unsubscribe func()

func matchDispatcher(evt pubsub.Event, subscriberFn pubsub.SubscriberFn) error {
	me, ok := evt.(market.MatchEvent)
	if !ok {
		return errors.New("wrong type of event")
	}
	cb, ok := subscriberFn.(MatchSubscriber)
	if !ok {
		return errors.New("wrong type of subscriber")
	}
	cb(me)
	return nil
}

// Scanner pairs newly published local entries against the discovered set of
// remote counterpart entries, and newly discovered remote entries against the
// whole local catalog. Local scanning is incremental, keyed by the catalog's
// monotonic watermark, which is persisted so a restart resumes where the
// previous process stopped.
type Scanner struct {
	local *catalog.Catalog
	ds    datastore.Batching
	net   market.Messaging
	clock clock.Clock

	interval time.Duration

	// discovered caches remote entries by id. Remote catalogs are never
	// authoritative here; entries age out by their own expiry.
	lk         sync.RWMutex
	discovered map[market.EntryID]market.Entry

	subscribers *pubsub.PubSub

	startOnce sync.Once
	closeCh   chan struct{}
	doneCh    chan struct{}
}

// NewScanner creates a scanner. The datastore persists the local scan
// watermark only.
func NewScanner(local *catalog.Catalog, ds datastore.Batching, net market.Messaging, interval time.Duration, clk clock.Clock) *Scanner {
	return &Scanner{
		local:       local,
		ds:          ds,
		net:         net,
		clock:       clk,
		interval:    interval,
		discovered:  map[market.EntryID]market.Entry{},
		subscribers: pubsub.New(matchDispatcher),
		closeCh:     make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// SubscribeMatches registers a listener for match events.
func (s *Scanner) SubscribeMatches(fn MatchSubscriber) Unsubscribe {
	return Unsubscribe(s.subscribers.Subscribe(fn))
}

// Announce broadcasts a local entry on the discovery topic.
func (s *Scanner) Announce(ctx context.Context, e market.Entry) error {
	data, err := cborutil.Dump(&e)
	if err != nil {
		return xerrors.Errorf("encoding entry %s: %w", e.ID, err)
	}
	return s.net.Publish(ctx, DiscoveryTopic, data)
}

// Start begins the discovery subscription and the periodic incremental scan.
func (s *Scanner) Start(ctx context.Context) error {
	var err error
	s.startOnce.Do(func() {
		var sub <-chan []byte
		sub, err = s.net.Subscribe(ctx, DiscoveryTopic)
		if err != nil {
			err = xerrors.Errorf("subscribing to discovery topic: %w", err)
			return
		}
		go s.run(ctx, sub)
	})
	return err
}

// Stop halts the scan loop.
func (s *Scanner) Stop() {
	close(s.closeCh)
	<-s.doneCh
}

func (s *Scanner) run(ctx context.Context, sub <-chan []byte) {
	defer close(s.doneCh)
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-sub:
			if !ok {
				return
			}
			s.onDiscovered(ctx, data)
		case <-ticker.C:
			if err := s.scanLocal(ctx); err != nil {
				log.Errorw("incremental scan failed", "err", err)
			}
		case <-s.closeCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scanner) onDiscovered(ctx context.Context, data []byte) {
	var e market.Entry
	if err := cborutil.ReadCborRPC(bytes.NewReader(data), &e); err != nil {
		log.Warnw("dropping undecodable discovery payload", "err", err)
		return
	}
	now := s.clock.Now()
	if !e.Available(now) {
		s.forget(e.ID)
		return
	}

	s.lk.Lock()
	s.discovered[e.ID] = e
	s.lk.Unlock()
	metrics.RecordDiscoveredEntry(ctx)

	// A newly discovered remote entry is matched against the full local
	// catalog; local entries published later are picked up by the
	// incremental scan.
	locals, err := s.local.List(ctx)
	if err != nil {
		log.Errorw("listing local catalog", "err", err)
		return
	}
	for _, local := range locals {
		if !local.Available(now) {
			continue
		}
		s.emitMatches(ctx, local, []market.Entry{e}, now)
	}
}

func (s *Scanner) forget(id market.EntryID) {
	s.lk.Lock()
	delete(s.discovered, id)
	s.lk.Unlock()
}

func (s *Scanner) scanLocal(ctx context.Context) error {
	watermark, err := s.loadWatermark(ctx)
	if err != nil {
		return err
	}

	it, err := s.local.Since(ctx, watermark)
	if err != nil {
		return err
	}
	defer it.Close() // nolint:errcheck

	now := s.clock.Now()
	candidates := s.snapshot(now)

	next := watermark
	for {
		e, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		next = e.Seq + 1
		if !e.Available(now) {
			continue
		}
		s.emitMatches(ctx, e, candidates, now)
	}
	if next != watermark {
		return s.storeWatermark(ctx, next)
	}
	return nil
}

func (s *Scanner) snapshot(now time.Time) []market.Entry {
	s.lk.RLock()
	defer s.lk.RUnlock()
	out := make([]market.Entry, 0, len(s.discovered))
	for _, e := range s.discovered {
		if e.Available(now) {
			out = append(out, e)
		}
	}
	return out
}

func (s *Scanner) emitMatches(ctx context.Context, subject market.Entry, candidates []market.Entry, now time.Time) {
	for _, m := range Match(subject, candidates, now) {
		metrics.RecordMatch(ctx)
		log.Infow("match", "subject", subject.ID, "candidate", m.Entry.ID, "score", m.Score)
		_ = s.subscribers.Publish(market.MatchEvent{
			SubjectID:   subject.ID,
			SubjectKind: subject.Kind,
			CandidateID: m.Entry.ID,
			Candidate:   m.Entry.Owner,
			Score:       m.Score,
		})
	}
}

// Discovered returns the cached remote entry with the given id, if any.
func (s *Scanner) Discovered(id market.EntryID) (market.Entry, bool) {
	s.lk.RLock()
	defer s.lk.RUnlock()
	e, ok := s.discovered[id]
	return e, ok
}

func (s *Scanner) loadWatermark(ctx context.Context) (uint64, error) {
	data, err := s.ds.Get(ctx, watermarkKey)
	switch {
	case err == datastore.ErrNotFound:
		return 0, nil
	case err != nil:
		return 0, xerrors.Errorf("reading scan watermark: %w", err)
	}
	if len(data) != 8 {
		return 0, xerrors.Errorf("scan watermark has wrong length %d", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

func (s *Scanner) storeWatermark(ctx context.Context, w uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, w)
	if err := s.ds.Put(ctx, watermarkKey, buf); err != nil {
		return xerrors.Errorf("writing scan watermark: %w", err)
	}
	return nil
}
