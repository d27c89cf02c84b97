// Package constraint tracks loading constraints: sets of loaders that must
// resolve a type name to the same class.
package constraint

import (
	"slices"
	"sync"

	"github.com/tliron/commonlog"
	"github.com/zeebo/xxh3"

	"github.com/daimatz/classlink/pkg/klass"
	"github.com/daimatz/classlink/pkg/loader"
	"github.com/daimatz/classlink/pkg/vmerr"
)

var log = commonlog.GetLogger("classlink.constraint")

const (
	shardCount = 64

	DefaultMinRecordCapacity = 2
	DefaultShrinkDivisor     = 4
)

// Finder looks up an already-loaded class without triggering a load.
type Finder interface {
	FindLoaded(l *loader.Loader, name string) *klass.Class
}

type record struct {
	class   klass.ClassID
	loaders []loader.ID
}

func (r *record) has(id loader.ID) bool { return slices.Contains(r.loaders, id) }

func (r *record) add(id loader.ID) {
	if !r.has(id) {
		r.loaders = append(r.loaders, id)
	}
}

type bucket struct {
	mu      sync.Mutex
	records []*record
}

func (b *bucket) find(id loader.ID) *record {
	for _, r := range b.records {
		if r.has(id) {
			return r
		}
	}
	return nil
}

func (b *bucket) remove(r *record) {
	b.records = slices.DeleteFunc(b.records, func(x *record) bool { return x == r })
}

type shard struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
}

// Tracker holds the constraint buckets of one VM context. Buckets are never
// removed, only the records inside them.
type Tracker struct {
	finder        Finder
	minCapacity   int
	shrinkDivisor int
	shards        [shardCount]shard
}

// Option configures a Tracker.
type Option func(*Tracker)

// MinRecordCapacity bounds how far Purge shrinks a record's loader storage.
func MinRecordCapacity(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.minCapacity = n
		}
	}
}

// ShrinkDivisor sets the occupancy (1/n of capacity) below which Purge halves
// a record's capacity.
func ShrinkDivisor(n int) Option {
	return func(t *Tracker) {
		if n > 1 {
			t.shrinkDivisor = n
		}
	}
}

// NewTracker creates a tracker resolving names through finder.
func NewTracker(finder Finder, opts ...Option) *Tracker {
	t := &Tracker{
		finder:        finder,
		minCapacity:   DefaultMinRecordCapacity,
		shrinkDivisor: DefaultShrinkDivisor,
	}
	for i := range t.shards {
		t.shards[i].buckets = make(map[string]*bucket)
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) shard(name string) *shard {
	return &t.shards[xxh3.HashString(name)%shardCount]
}

func (t *Tracker) bucket(name string, create bool) *bucket {
	s := t.shard(name)
	s.mu.RLock()
	b := s.buckets[name]
	s.mu.RUnlock()
	if b != nil || !create {
		return b
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b = s.buckets[name]; b == nil {
		b = &bucket{}
		s.buckets[name] = b
	}
	return b
}

func violation(name string, a, b loader.ID, x, y klass.ClassID) error {
	log.Warningf("loading constraint violated for %s: %s and %s resolve to #%d and #%d", name, a, b, x, y)
	return vmerr.New(vmerr.LoadingConstraint,
		"loader constraint violation: loaders %s and %s have different classes for %s (#%d vs #%d)", a, b, name, x, y)
}

// agree folds class ids that must all be equal; 0 is unresolved.
func agree(ids ...klass.ClassID) (klass.ClassID, bool) {
	var want klass.ClassID
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if want != 0 && want != id {
			return 0, false
		}
		want = id
	}
	return want, true
}

func idOf(c *klass.Class) klass.ClassID {
	if c == nil {
		return 0
	}
	return c.ID()
}

// Check requires loaders a and b to resolve name to the same class. Both are
// consulted with FindLoaded only; nothing is loaded.
func (t *Tracker) Check(name string, a, b *loader.Loader) error {
	ca, cb := t.finder.FindLoaded(a, name), t.finder.FindLoaded(b, name)
	idA, idB := idOf(ca), idOf(cb)
	if _, ok := agree(idA, idB); !ok {
		return violation(name, a.ID(), b.ID(), idA, idB)
	}

	bk := t.bucket(name, true)
	bk.mu.Lock()
	defer bk.mu.Unlock()

	ra, rb := bk.find(a.ID()), bk.find(b.ID())
	var classA, classB klass.ClassID
	if ra != nil {
		classA = ra.class
	}
	if rb != nil {
		classB = rb.class
	}
	want, ok := agree(classA, classB, idA, idB)
	if !ok {
		x, y := classA, classB
		if x == 0 {
			x = idA
		}
		if y == 0 {
			y = idB
		}
		return violation(name, a.ID(), b.ID(), x, y)
	}

	switch {
	case ra == nil && rb == nil:
		r := &record{class: want}
		r.add(a.ID())
		r.add(b.ID())
		bk.records = append(bk.records, r)
	case ra == nil:
		rb.add(a.ID())
		rb.class = want
	case rb == nil:
		ra.add(b.ID())
		ra.class = want
	case ra != rb:
		small, large := ra, rb
		if len(small.loaders) > len(large.loaders) {
			small, large = large, small
		}
		for _, id := range small.loaders {
			large.add(id)
		}
		large.class = want
		bk.remove(small)
	default:
		ra.class = want
	}
	return nil
}

// Record declares that l resolves name to cls.
func (t *Tracker) Record(name string, cls *klass.Class, l *loader.Loader) error {
	return t.RecordAndPublish(name, cls, l, nil)
}

// RecordAndPublish verifies that l may resolve name to cls and, while the
// bucket is still locked, runs publish. The constraint is recorded only if
// publish succeeds.
func (t *Tracker) RecordAndPublish(name string, cls *klass.Class, l *loader.Loader, publish func() error) error {
	bk := t.bucket(name, true)
	bk.mu.Lock()
	defer bk.mu.Unlock()

	r := bk.find(l.ID())
	if r != nil && r.class != 0 && r.class != cls.ID() {
		var other loader.ID
		for _, id := range r.loaders {
			if id != l.ID() {
				other = id
				break
			}
		}
		return violation(name, l.ID(), other, cls.ID(), r.class)
	}
	if publish != nil {
		if err := publish(); err != nil {
			return err
		}
	}
	if r != nil {
		r.class = cls.ID()
		return nil
	}
	for _, r := range bk.records {
		if r.class == cls.ID() {
			r.add(l.ID())
			return nil
		}
	}
	bk.records = append(bk.records, &record{class: cls.ID(), loaders: []loader.ID{l.ID()}})
	return nil
}

// PurgeStats reports what a Purge removed.
type PurgeStats struct {
	Loaders int
	Records int
}

// Purge drops every loader not in alive from every record, shrinking record
// storage and removing records that end up empty.
func (t *Tracker) Purge(alive []loader.ID) PurgeStats {
	live := make(map[loader.ID]bool, len(alive))
	for _, id := range alive {
		live[id] = true
	}
	return t.PurgeFunc(func(id loader.ID) bool { return live[id] })
}

// PurgeFunc is Purge with liveness decided per loader while each bucket is
// locked. A loader that joins a record during the purge is asked about
// then, not judged by an earlier list. The boot loader is always alive and
// isAlive is called at most once per loader.
func (t *Tracker) PurgeFunc(isAlive func(loader.ID) bool) PurgeStats {
	known := map[loader.ID]bool{loader.BootID: true}
	alive := func(id loader.ID) bool {
		v, ok := known[id]
		if !ok {
			v = isAlive(id)
			known[id] = v
		}
		return v
	}

	var stats PurgeStats
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		buckets := make([]*bucket, 0, len(s.buckets))
		for _, b := range s.buckets {
			buckets = append(buckets, b)
		}
		s.mu.RUnlock()

		for _, b := range buckets {
			b.mu.Lock()
			for _, r := range b.records {
				before := len(r.loaders)
				r.loaders = slices.DeleteFunc(r.loaders, func(id loader.ID) bool { return !alive(id) })
				stats.Loaders += before - len(r.loaders)
				t.shrink(r)
			}
			before := len(b.records)
			b.records = slices.DeleteFunc(b.records, func(r *record) bool { return len(r.loaders) == 0 })
			stats.Records += before - len(b.records)
			b.mu.Unlock()
		}
	}
	if stats.Loaders > 0 {
		log.Debugf("purged %d loader entries and %d records", stats.Loaders, stats.Records)
	}
	return stats
}

func (t *Tracker) shrink(r *record) {
	c := cap(r.loaders)
	for c/2 >= t.minCapacity && len(r.loaders) < c/t.shrinkDivisor {
		c /= 2
	}
	if c == cap(r.loaders) {
		return
	}
	shrunk := make([]loader.ID, len(r.loaders), c)
	copy(shrunk, r.loaders)
	r.loaders = shrunk
}

// Record is a snapshot of one constraint record.
type Record struct {
	Class    klass.ClassID
	Loaders  []loader.ID
	Capacity int
}

// Records returns a snapshot of the records for name.
func (t *Tracker) Records(name string) []Record {
	bk := t.bucket(name, false)
	if bk == nil {
		return nil
	}
	bk.mu.Lock()
	defer bk.mu.Unlock()
	out := make([]Record, len(bk.records))
	for i, r := range bk.records {
		out[i] = Record{Class: r.class, Loaders: slices.Clone(r.loaders), Capacity: cap(r.loaders)}
	}
	return out
}

// Stats summarizes the tracker's contents.
type Stats struct {
	Buckets int
	Records int
	Loaders int
}

func (t *Tracker) Stats() Stats {
	var st Stats
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		for _, b := range s.buckets {
			st.Buckets++
			b.mu.Lock()
			st.Records += len(b.records)
			for _, r := range b.records {
				st.Loaders += len(r.loaders)
			}
			b.mu.Unlock()
		}
		s.mu.RUnlock()
	}
	return st
}
