// Package checkpoint implements the CheckpointStore backing RunnerContext's
// save/restore contract (SPEC_FULL.md §4.11, spec.md §6): a timestamp-keyed
// record of a context's tree, with older records beyond max_keep pruned.
//
// Two implementations share the Store interface: File, a flat-JSON-file
// store matching the original lineage's checkpoint/ directory contract
// exactly, and Bolt, an embedded-KV-backed store adapted from the teacher's
// WorkflowStore (bucket-per-concern, warm in-memory cache, otel read/write
// latency histograms) for hosts that want a single durable file instead of a
// directory of loose JSON. Both satisfy runnerctx.Store.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Store is the persistence contract a RunnerContext saves to and restores
// from. Save writes a new timestamped record for runID and prunes older
// records for that runID beyond maxKeep. Restore returns the most recent
// record for runID, or found=false if none exists yet.
type Store interface {
	Save(runID string, tree map[string]interface{}, maxKeep int) error
	Restore(runID string) (tree map[string]interface{}, found bool, err error)
	Close() error
}

// File is a Store backed by a directory of timestamp-stamped JSON files,
// grounded directly on the original lineage's
// "<prefix>-YYYYMMDD.HHMMSS.json" checkpoint convention.
type File struct {
	mu     sync.Mutex
	dir    string
	prefix string
}

// NewFile constructs a File store writing under dir with file names
// "<prefix>-<runID>-<timestamp>.json". dir is created if missing.
func NewFile(dir, prefix string) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create dir %q: %w", dir, err)
	}
	if prefix == "" {
		prefix = "checkpoint"
	}
	return &File{dir: dir, prefix: prefix}, nil
}

func (f *File) pattern(runID string) string {
	return fmt.Sprintf("%s-%s-", f.prefix, runID)
}

func (f *File) Save(runID string, tree map[string]interface{}, maxKeep int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(tree, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}
	name := fmt.Sprintf("%s%s.json", f.pattern(runID), time.Now().UTC().Format("20060102.150405.000000000"))
	path := filepath.Join(f.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("checkpoint: write %q: %w", path, err)
	}
	return f.prune(runID, maxKeep)
}

func (f *File) prune(runID string, maxKeep int) error {
	if maxKeep <= 0 {
		return nil
	}
	entries, err := f.matching(runID)
	if err != nil {
		return err
	}
	if len(entries) <= maxKeep {
		return nil
	}
	// Newest first; delete everything beyond maxKeep.
	for _, name := range entries[maxKeep:] {
		_ = os.Remove(filepath.Join(f.dir, name))
	}
	return nil
}

func (f *File) matching(runID string) ([]string, error) {
	pat := f.pattern(runID)
	dirEntries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read dir %q: %w", f.dir, err)
	}
	var names []string
	for _, e := range dirEntries {
		if strings.HasPrefix(e.Name(), pat) {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names))) // timestamp suffix sorts lexicographically
	return names, nil
}

func (f *File) Restore(runID string) (map[string]interface{}, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	names, err := f.matching(runID)
	if err != nil {
		return nil, false, err
	}
	if len(names) == 0 {
		return nil, false, nil
	}
	data, err := os.ReadFile(filepath.Join(f.dir, names[0]))
	if err != nil {
		return nil, false, fmt.Errorf("checkpoint: read %q: %w", names[0], err)
	}
	var tree map[string]interface{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, false, fmt.Errorf("checkpoint: unmarshal %q: %w", names[0], err)
	}
	return tree, true, nil
}

func (f *File) Close() error { return nil }

// Bolt is a Store backed by an embedded bbolt database: one bucket holding
// every runID's records keyed "runID:unixnano", plus an in-memory warm cache
// of each runID's most recent record, adapted from the teacher's
// WorkflowStore cache-then-db read path.
type Bolt struct {
	db *bbolt.DB
	mu sync.RWMutex

	latest map[string]map[string]interface{} // runID -> most recent record, warmed on open

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

var bucketCheckpoints = []byte("checkpoints")

// NewBolt opens (creating if absent) a bbolt database at path and warms the
// in-memory cache of each runID's latest record.
func NewBolt(path string, meter metric.Meter) (*Bolt, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open bbolt %q: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCheckpoints)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: create bucket: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("taskgraph_checkpoint_read_ms")
	writeLatency, _ := meter.Float64Histogram("taskgraph_checkpoint_write_ms")
	cacheHits, _ := meter.Int64Counter("taskgraph_checkpoint_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("taskgraph_checkpoint_cache_misses_total")

	b := &Bolt{
		db:           db,
		latest:       make(map[string]map[string]interface{}),
		readLatency:  readLatency,
		writeLatency: writeLatency,
		cacheHits:    cacheHits,
		cacheMisses:  cacheMisses,
	}
	if err := b.warmCache(); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: warm cache: %w", err)
	}
	return b, nil
}

func (b *Bolt) warmCache() error {
	return b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketCheckpoints)
		return bucket.ForEach(func(k, v []byte) error {
			runID, ts := splitKey(string(k))
			if runID == "" {
				return nil
			}
			var tree map[string]interface{}
			if err := json.Unmarshal(v, &tree); err != nil {
				return nil
			}
			if cur, ok := b.latest[runID]; !ok || ts > curTimestamp(cur) {
				tree["__ts"] = float64(ts)
				b.latest[runID] = tree
			}
			return nil
		})
	})
}

func curTimestamp(tree map[string]interface{}) int64 {
	if v, ok := tree["__ts"].(float64); ok {
		return int64(v)
	}
	return 0
}

func splitKey(key string) (runID string, ts int64) {
	idx := strings.LastIndex(key, ":")
	if idx < 0 {
		return "", 0
	}
	n, err := strconv.ParseInt(key[idx+1:], 10, 64)
	if err != nil {
		return "", 0
	}
	return key[:idx], n
}

func (b *Bolt) Save(runID string, tree map[string]interface{}, maxKeep int) error {
	start := time.Now()
	defer func() {
		b.writeLatency.Record(context.Background(), float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("run_id", runID)))
	}()

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UnixNano()
	data, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}
	key := fmt.Sprintf("%s:%d", runID, now)

	if err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCheckpoints).Put([]byte(key), data)
	}); err != nil {
		return fmt.Errorf("checkpoint: write: %w", err)
	}

	cached := make(map[string]interface{}, len(tree)+1)
	for k, v := range tree {
		cached[k] = v
	}
	cached["__ts"] = float64(now)
	b.latest[runID] = cached

	return b.pruneLocked(runID, maxKeep)
}

func (b *Bolt) pruneLocked(runID string, maxKeep int) error {
	if maxKeep <= 0 {
		return nil
	}
	var keys []string
	if err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketCheckpoints)
		prefix := []byte(runID + ":")
		c := bucket.Cursor()
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	}); err != nil {
		return err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	if len(keys) <= maxKeep {
		return nil
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketCheckpoints)
		for _, k := range keys[maxKeep:] {
			if err := bucket.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Bolt) Restore(runID string) (map[string]interface{}, bool, error) {
	start := time.Now()
	defer func() {
		b.readLatency.Record(context.Background(), float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("run_id", runID)))
	}()

	b.mu.RLock()
	defer b.mu.RUnlock()

	cached, ok := b.latest[runID]
	if !ok {
		b.cacheMisses.Add(context.Background(), 1)
		return nil, false, nil
	}
	b.cacheHits.Add(context.Background(), 1)

	out := make(map[string]interface{}, len(cached))
	for k, v := range cached {
		if k == "__ts" {
			continue
		}
		out[k] = v
	}
	return out, true, nil
}

func (b *Bolt) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.db.Close()
}
