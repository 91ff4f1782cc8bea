// Package oplog implements the append-only, per-worker operation log that
// backs durable execution: every side effect a worker performs is recorded
// here before the guest observes its result, and replay reconstructs a
// worker's exact state by re-reading this log from the beginning. The
// storage shape is the bucket-per-entity pattern in the teacher's
// pkg/storage.BoltStore, generalised to one namespace per worker instead
// of one bucket per entity kind.
package oplog

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golem-project/worker-executor/pkg/codec"
	"github.com/golem-project/worker-executor/pkg/metrics"
	"github.com/golem-project/worker-executor/pkg/storage"
	"github.com/golem-project/worker-executor/pkg/types"
)

const (
	indexNamespace = "oplog"
	// inlineThreshold is the largest payload size kept inline in an
	// OplogRecord rather than offloaded to blob storage by digest
	// (spec.md §4.1 PayloadRef).
	inlineThreshold = 4096
)

// Oplog is the durable log for a single worker.
type Oplog struct {
	kv       storage.KV
	blob     storage.Blob
	workerId types.WorkerId
	ns       string
}

// Open returns the Oplog for workerId; the log is created lazily on first
// Append, so Open never fails solely because the worker has no entries
// yet.
func Open(kv storage.KV, blob storage.Blob, workerId types.WorkerId) *Oplog {
	return &Oplog{
		kv:       kv,
		blob:     blob,
		workerId: workerId,
		ns:       indexNamespace + ":" + workerId.String(),
	}
}

func indexKey(idx types.OplogIndex) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(idx))
	return string(buf[:])
}

// Length returns the highest index appended so far; the next Append
// receives Length()+1. A fresh worker (no Create entry yet) has
// length 0.
func (o *Oplog) Length(ctx context.Context) (types.OplogIndex, error) {
	raw, err := o.kv.Get(ctx, metaNamespace, o.ns+":length")
	if err == storage.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("oplog: read length: %w", err)
	}
	return types.OplogIndex(binary.BigEndian.Uint64(raw)), nil
}

const metaNamespace = "oplog_meta"

func (o *Oplog) setLength(ctx context.Context, length types.OplogIndex) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(length))
	return o.kv.Set(ctx, metaNamespace, o.ns+":length", buf[:])
}

// Append durably writes the next record. The caller must not set
// record.Index; Append assigns it as the current Length()+1. Returns the
// assigned index.
func (o *Oplog) Append(ctx context.Context, record types.OplogRecord) (types.OplogIndex, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.OplogAppendDuration)

	length, err := o.Length(ctx)
	if err != nil {
		return 0, err
	}
	record.Index = length + 1
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}

	data, err := codec.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("oplog: encode record: %w", err)
	}
	if err := o.kv.Set(ctx, o.ns, indexKey(record.Index), data); err != nil {
		return 0, fmt.Errorf("oplog: persist record: %w", err)
	}
	if err := o.setLength(ctx, record.Index); err != nil {
		return 0, fmt.Errorf("oplog: advance length: %w", err)
	}
	metrics.OplogLength.WithLabelValues(o.workerId.String()).Set(float64(record.Index))
	return record.Index, nil
}

// Read returns records in [from, to], inclusive, in index order. to may
// exceed Length(); entries beyond the tail are simply omitted.
func (o *Oplog) Read(ctx context.Context, from, to types.OplogIndex) ([]types.OplogRecord, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.OplogReadDuration)

	var records []types.OplogRecord
	for idx := from; idx <= to; idx++ {
		data, err := o.kv.Get(ctx, o.ns, indexKey(idx))
		if err == storage.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("oplog: read index %d: %w", idx, err)
		}
		var record types.OplogRecord
		if err := codec.Unmarshal(data, &record); err != nil {
			return nil, fmt.Errorf("oplog: decode index %d: %w", idx, err)
		}
		records = append(records, record)
	}
	return records, nil
}

// ReadFrom lazily streams records starting at from to the current tail,
// calling fn for each; this is the sequence spec.md's recovery manager
// consumes during replay without materialising the whole log.
func (o *Oplog) ReadFrom(ctx context.Context, from types.OplogIndex, fn func(types.OplogRecord) error) error {
	length, err := o.Length(ctx)
	if err != nil {
		return err
	}
	for idx := from; idx <= length; idx++ {
		data, err := o.kv.Get(ctx, o.ns, indexKey(idx))
		if err == storage.ErrNotFound {
			continue
		}
		if err != nil {
			return fmt.Errorf("oplog: read index %d: %w", idx, err)
		}
		var record types.OplogRecord
		if err := codec.Unmarshal(data, &record); err != nil {
			return fmt.Errorf("oplog: decode index %d: %w", idx, err)
		}
		if err := fn(record); err != nil {
			return err
		}
	}
	return nil
}

// DropPrefix deletes entries with index < upTo, used after a Snapshot
// entry makes them redundant for replay (spec.md §4.1).
func (o *Oplog) DropPrefix(ctx context.Context, upTo types.OplogIndex) error {
	for idx := types.OplogIndex(1); idx < upTo; idx++ {
		if err := o.kv.Delete(ctx, o.ns, indexKey(idx)); err != nil {
			return fmt.Errorf("oplog: drop index %d: %w", idx, err)
		}
	}
	return nil
}

// UploadPayload content-addresses data and stores it in blob storage,
// inlining small payloads directly instead.
func (o *Oplog) UploadPayload(ctx context.Context, data []byte) (types.PayloadRef, error) {
	if len(data) <= inlineThreshold {
		return types.PayloadRef{Inline: data}, nil
	}
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if err := o.blob.PutRaw(ctx, digest, data); err != nil {
		return types.PayloadRef{}, fmt.Errorf("oplog: upload payload: %w", err)
	}
	return types.PayloadRef{Digest: digest}, nil
}

// DownloadPayload resolves a PayloadRef back to bytes.
func (o *Oplog) DownloadPayload(ctx context.Context, ref types.PayloadRef) ([]byte, error) {
	if ref.Inline != nil {
		return ref.Inline, nil
	}
	if ref.Digest == "" {
		return nil, nil
	}
	data, err := o.blob.GetRaw(ctx, ref.Digest)
	if err != nil {
		return nil, fmt.Errorf("oplog: download payload %s: %w", ref.Digest, err)
	}
	return data, nil
}
