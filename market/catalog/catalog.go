// Package catalog stores the locally published, not-yet-expired offers and
// demands of one party. Entries are immutable after insert apart from the
// terminal withdrawn flag, and every insert is assigned a monotonic sequence
// number so matchers can scan incrementally from any watermark.
package catalog

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	cborutil "github.com/filecoin-project/go-cbor-util"
	"github.com/filecoin-project/go-storedcounter"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/stats"
	"golang.org/x/xerrors"

	"github.com/gridnet/go-grid-market/market"
	"github.com/gridnet/go-grid-market/metrics"
)

var log = logging.Logger("catalog")

const (
	entryPrefix = "/entries/"
	seqPrefix   = "/seq/"
)

// Catalog is a datastore-backed entry store. It guarantees read-your-writes
// for the owning process only; remote catalogs are never replicated here.
type Catalog struct {
	ds  datastore.Batching
	seq *storedcounter.StoredCounter

	// lk serializes writers; entries are immutable after insert so readers
	// only contend on the datastore itself.
	lk sync.Mutex
}

// New creates a catalog over the given datastore.
func New(ds datastore.Batching) *Catalog {
	return &Catalog{
		ds:  ds,
		seq: storedcounter.New(ds, datastore.NewKey("/catalog-seq")),
	}
}

func entryKey(id market.EntryID) datastore.Key {
	return datastore.NewKey(entryPrefix + string(id))
}

func seqKey(seq uint64) datastore.Key {
	return datastore.NewKey(fmt.Sprintf("%s%016x", seqPrefix, seq))
}

// Insert adds a validated entry and assigns its watermark sequence. Inserting
// an id that already exists fails with ErrDuplicateID; the caller must retry
// with a fresh id.
func (c *Catalog) Insert(ctx context.Context, e market.Entry) (market.Entry, error) {
	c.lk.Lock()
	defer c.lk.Unlock()

	has, err := c.ds.Has(ctx, entryKey(e.ID))
	if err != nil {
		return market.Entry{}, xerrors.Errorf("checking for entry %s: %w", e.ID, err)
	}
	if has {
		return market.Entry{}, xerrors.Errorf("%w: entry %s already published", market.ErrDuplicateID, e.ID)
	}

	seq, err := c.seq.Next()
	if err != nil {
		return market.Entry{}, xerrors.Errorf("assigning sequence: %w", err)
	}
	e.Seq = seq

	if err := c.put(ctx, &e); err != nil {
		return market.Entry{}, err
	}
	if err := c.ds.Put(ctx, seqKey(seq), []byte(e.ID)); err != nil {
		return market.Entry{}, xerrors.Errorf("writing sequence index: %w", err)
	}

	metrics.RecordPublishedEntry(ctx, e.Kind.String())
	log.Infow("published entry", "id", e.ID, "kind", e.Kind, "owner", e.Owner, "seq", seq)
	return e, nil
}

func (c *Catalog) put(ctx context.Context, e *market.Entry) error {
	data, err := cborutil.Dump(e)
	if err != nil {
		return xerrors.Errorf("encoding entry %s: %w", e.ID, err)
	}
	if err := c.ds.Put(ctx, entryKey(e.ID), data); err != nil {
		return xerrors.Errorf("writing entry %s: %w", e.ID, err)
	}
	return nil
}

// Get returns the entry with the given id.
func (c *Catalog) Get(ctx context.Context, id market.EntryID) (market.Entry, error) {
	data, err := c.ds.Get(ctx, entryKey(id))
	switch {
	case err == datastore.ErrNotFound:
		return market.Entry{}, xerrors.Errorf("%w: entry %s", market.ErrNotFound, id)
	case err != nil:
		return market.Entry{}, xerrors.Errorf("reading entry %s: %w", id, err)
	}
	var e market.Entry
	if err := cborutil.ReadCborRPC(bytes.NewReader(data), &e); err != nil {
		return market.Entry{}, xerrors.Errorf("decoding entry %s: %w", id, err)
	}
	return e, nil
}

// Withdraw marks an entry unavailable for future matching. Withdrawal is
// terminal and irreversible; withdrawing an already-withdrawn entry is a
// no-op. History that already referenced the entry is untouched.
func (c *Catalog) Withdraw(ctx context.Context, id market.EntryID) error {
	c.lk.Lock()
	defer c.lk.Unlock()

	e, err := c.Get(ctx, id)
	if err != nil {
		return err
	}
	if e.Withdrawn {
		return nil
	}
	e.Withdrawn = true
	if err := c.put(ctx, &e); err != nil {
		return err
	}
	stats.Record(ctx, metrics.EntriesWithdrawn.M(1))
	log.Infow("withdrew entry", "id", id)
	return nil
}

// List returns all entries, including withdrawn ones.
func (c *Catalog) List(ctx context.Context) ([]market.Entry, error) {
	res, err := c.ds.Query(ctx, query.Query{Prefix: entryPrefix})
	if err != nil {
		return nil, xerrors.Errorf("querying entries: %w", err)
	}
	defer res.Close() // nolint:errcheck

	var out []market.Entry
	for {
		r, ok := res.NextSync()
		if !ok {
			return out, nil
		}
		if r.Error != nil {
			return nil, xerrors.Errorf("scanning entries: %w", r.Error)
		}
		var e market.Entry
		if err := cborutil.ReadCborRPC(bytes.NewReader(r.Value), &e); err != nil {
			return nil, xerrors.Errorf("decoding entry at %s: %w", r.Key, err)
		}
		out = append(out, e)
	}
}

// ExpireOverdue withdraws every available entry whose lifetime has elapsed
// and returns the ids it touched.
func (c *Catalog) ExpireOverdue(ctx context.Context, now time.Time) ([]market.EntryID, error) {
	entries, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	var expired []market.EntryID
	for _, e := range entries {
		if e.Withdrawn || !e.Expired(now) {
			continue
		}
		if err := c.Withdraw(ctx, e.ID); err != nil {
			return expired, err
		}
		expired = append(expired, e.ID)
	}
	return expired, nil
}

// Since returns a lazy iterator over entries with sequence at or after the
// given watermark, ordered by insertion sequence. The scan is restartable
// from any watermark; callers resume with the last seen Seq plus one.
func (c *Catalog) Since(ctx context.Context, watermark uint64) (*Iterator, error) {
	res, err := c.ds.Query(ctx, query.Query{
		Prefix: seqPrefix,
		Orders: []query.Order{query.OrderByKey{}},
		Filters: []query.Filter{query.FilterKeyCompare{
			Op:  query.GreaterThanOrEqual,
			Key: seqKey(watermark).String(),
		}},
	})
	if err != nil {
		return nil, xerrors.Errorf("querying sequence index: %w", err)
	}
	return &Iterator{ctx: ctx, cat: c, res: res}, nil
}

// Iterator is a lazy cursor over catalog entries in insertion order.
type Iterator struct {
	ctx context.Context
	cat *Catalog
	res query.Results
}

// Next returns the next entry. The second return is false when the scan is
// exhausted.
func (it *Iterator) Next() (market.Entry, bool, error) {
	r, ok := it.res.NextSync()
	if !ok {
		return market.Entry{}, false, nil
	}
	if r.Error != nil {
		return market.Entry{}, false, xerrors.Errorf("scanning sequence index: %w", r.Error)
	}
	e, err := it.cat.Get(it.ctx, market.EntryID(r.Value))
	if err != nil {
		return market.Entry{}, false, err
	}
	return e, true, nil
}

// Close releases the underlying query.
func (it *Iterator) Close() error {
	return it.res.Close()
}
