// Package partcache persists query results partitioned by calendar month.
// One bolt file holds every query's partitions plus the index signatures the
// staleness check compares against. Reads tolerate a concurrent writer by
// retrying briefly before declaring a partition missing.
package partcache

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/coder/quartz"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/golang/snappy"
	"github.com/grafana/dskit/backoff"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"github.com/querygrid/querygrid/pkg/resultset"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// FlatPartition keys the single partition of a query that is not split
	// by month.
	FlatPartition = "default"

	dbFileName  = "querygrid.db"
	dbFileMode  = 0o666
	openTimeout = 1 * time.Second
)

var (
	partitionsBucketName = []byte("partitions")
	signaturesBucketName = []byte("signatures")
)

// CacheIOError marks storage failures the orchestrator degrades on instead
// of failing the request: a read error is a miss, a write error is logged
// and dropped.
type CacheIOError struct {
	Op  string
	Err error
}

func (e *CacheIOError) Error() string {
	return fmt.Sprintf("cache %s: %s", e.Op, e.Err)
}

func (e *CacheIOError) Unwrap() error { return e.Err }

func ioErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &CacheIOError{Op: op, Err: err}
}

// SignatureRecord is the last index signature persisted for a query. Month
// partitioned queries carry one entry per partition key, everything else a
// single flat value.
type SignatureRecord struct {
	Flat      string            `json:"flat,omitempty"`
	Months    map[string]string `json:"months,omitempty"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

type envelope struct {
	Payload   resultset.Payload `json:"payload"`
	WrittenAt time.Time         `json:"writtenAt"`
}

// PartitionInfo describes one stored partition.
type PartitionInfo struct {
	Key       string    `json:"key"`
	WrittenAt time.Time `json:"writtenAt"`
	Rows      int       `json:"rows"`
	Bytes     int       `json:"bytes"`
}

// Store is the partition cache surface the execution worker talks to.
type Store interface {
	// Put persists one partition, replacing any previous payload for it.
	Put(ctx context.Context, queryID, partition string, payload resultset.Payload) error
	// Get reads one partition. Absence is not an error.
	Get(ctx context.Context, queryID, partition string) (resultset.Payload, bool, error)
	// ReadCached reads the named partitions, which the caller expects to be
	// present. A partition that is absent after retries, unreadable or
	// corrupt lands in missing instead of failing the read; the fetch path
	// replaces it.
	ReadCached(ctx context.Context, queryID string, partitions []string) (payloads map[string]resultset.Payload, missing []string, err error)
	// Partitions describes every stored partition of a query, sorted by
	// key. Diagnostics only.
	Partitions(ctx context.Context, queryID string) ([]PartitionInfo, error)
	// Clear drops the named partitions, or every partition of the query
	// when none are named. The signature record goes with them.
	Clear(ctx context.Context, queryID string, partitions ...string) error

	SetFlatSignature(ctx context.Context, queryID, signature string) error
	SetMonthSignature(ctx context.Context, queryID, partition, signature string) error
	GetSignature(ctx context.Context, queryID string) (SignatureRecord, bool, error)

	Stop()
}

// Config configures the on-disk store.
type Config struct {
	Directory string `yaml:"directory"`

	// ReadRetry covers the window where a partition listed as cached is
	// being rewritten by another execution context.
	ReadRetry backoff.Config `yaml:"read_retry"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("store.", f)
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Directory, prefix+"directory", "./data", "Directory the partition cache db lives in.")
	f.DurationVar(&cfg.ReadRetry.MinBackoff, prefix+"read-retry-min-backoff", 50*time.Millisecond, "Minimum delay before retrying a read that expected a partition to be present.")
	f.DurationVar(&cfg.ReadRetry.MaxBackoff, prefix+"read-retry-max-backoff", 250*time.Millisecond, "Maximum delay between read retries.")
	f.IntVar(&cfg.ReadRetry.MaxRetries, prefix+"read-retry-max", 3, "How many times to retry before treating the partition as missing.")
}

type store struct {
	cfg     Config
	db      *bbolt.DB
	logger  log.Logger
	metrics *Metrics
	clock   quartz.Clock
}

// New opens (or creates) the bolt file under cfg.Directory.
func New(cfg Config, logger log.Logger, metrics *Metrics) (Store, error) {
	if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating cache directory")
	}

	db, err := bbolt.Open(filepath.Join(cfg.Directory, dbFileName), dbFileMode, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, errors.Wrap(err, "opening partition cache db")
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(partitionsBucketName); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(signaturesBucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "initializing partition cache buckets")
	}

	return &store{
		cfg:     cfg,
		db:      db,
		logger:  log.With(logger, "component", "partcache"),
		metrics: metrics,
		clock:   quartz.NewReal(),
	}, nil
}

func (s *store) Put(ctx context.Context, queryID, partition string, payload resultset.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	buf, err := resultset.CanonicalJSON(envelope{Payload: payload, WrittenAt: s.clock.Now().UTC()})
	if err != nil {
		return ioErr("encode", err)
	}
	compressed := snappy.Encode(nil, buf)

	err = s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(partitionsBucketName).CreateBucketIfNotExists([]byte(queryID))
		if err != nil {
			return err
		}
		return b.Put([]byte(partition), compressed)
	})
	if err != nil {
		s.metrics.ioErrors.Inc()
		return ioErr("put", err)
	}

	s.metrics.puts.Inc()
	s.metrics.storedBytes.Add(float64(len(compressed)))
	level.Debug(s.logger).Log("msg", "stored partition", "queryID", queryID, "partition", partition, "size", humanize.Bytes(uint64(len(compressed))))
	return nil
}

func (s *store) Get(ctx context.Context, queryID, partition string) (resultset.Payload, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var compressed []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(partitionsBucketName).Bucket([]byte(queryID))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(partition)); v != nil {
			compressed = make([]byte, len(v))
			copy(compressed, v)
		}
		return nil
	})
	if err != nil {
		s.metrics.ioErrors.Inc()
		return nil, false, ioErr("get", err)
	}
	if compressed == nil {
		s.metrics.misses.Inc()
		return nil, false, nil
	}

	buf, err := snappy.Decode(nil, compressed)
	if err != nil {
		// A corrupt entry is as good as absent; the fetch path rewrites it.
		level.Error(s.logger).Log("msg", "failed to decode cached partition", "queryID", queryID, "partition", partition, "err", err)
		s.metrics.ioErrors.Inc()
		s.metrics.misses.Inc()
		return nil, false, nil
	}

	var env envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		level.Error(s.logger).Log("msg", "failed to unmarshal cached partition", "queryID", queryID, "partition", partition, "err", err)
		s.metrics.ioErrors.Inc()
		s.metrics.misses.Inc()
		return nil, false, nil
	}

	s.metrics.hits.Inc()
	return env.Payload, true, nil
}

func (s *store) ReadCached(ctx context.Context, queryID string, partitions []string) (map[string]resultset.Payload, []string, error) {
	payloads := make(map[string]resultset.Payload, len(partitions))
	var missing []string

	for _, partition := range partitions {
		payload, found, err := s.getWithRetry(ctx, queryID, partition)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, err
			}
			level.Warn(s.logger).Log("msg", "cached partition unreadable, treating as missing", "queryID", queryID, "partition", partition, "err", err)
			missing = append(missing, partition)
			continue
		}
		if !found {
			missing = append(missing, partition)
			continue
		}
		payloads[partition] = payload
	}
	return payloads, missing, nil
}

// getWithRetry rereads a partition that is expected to exist. A concurrent
// execution context may be mid-commit, so absence gets a few tries before it
// counts.
func (s *store) getWithRetry(ctx context.Context, queryID, partition string) (resultset.Payload, bool, error) {
	retry := backoff.New(ctx, s.cfg.ReadRetry)
	for retry.Ongoing() {
		payload, found, err := s.Get(ctx, queryID, partition)
		if err != nil || found {
			return payload, found, err
		}
		level.Debug(s.logger).Log("msg", "expected partition absent, retrying", "queryID", queryID, "partition", partition, "attempt", retry.NumRetries())
		retry.Wait()
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	return nil, false, nil
}

func (s *store) Partitions(ctx context.Context, queryID string) ([]PartitionInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var infos []PartitionInfo
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(partitionsBucketName).Bucket([]byte(queryID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			info := PartitionInfo{Key: string(k), Bytes: len(v)}
			if buf, err := snappy.Decode(nil, v); err == nil {
				var env envelope
				if err := json.Unmarshal(buf, &env); err == nil {
					info.WrittenAt = env.WrittenAt
					info.Rows = env.Payload.RowCount()
				}
			}
			infos = append(infos, info)
			return nil
		})
	})
	if err != nil {
		s.metrics.ioErrors.Inc()
		return nil, ioErr("partitions", err)
	}
	return infos, nil
}

func (s *store) Clear(ctx context.Context, queryID string, partitions ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		parts := tx.Bucket(partitionsBucketName)
		if len(partitions) == 0 {
			if parts.Bucket([]byte(queryID)) != nil {
				if err := parts.DeleteBucket([]byte(queryID)); err != nil {
					return err
				}
			}
			return tx.Bucket(signaturesBucketName).Delete([]byte(queryID))
		}

		b := parts.Bucket([]byte(queryID))
		if b == nil {
			return nil
		}
		for _, p := range partitions {
			if err := b.Delete([]byte(p)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.metrics.ioErrors.Inc()
		return ioErr("clear", err)
	}
	return nil
}

func (s *store) SetFlatSignature(ctx context.Context, queryID, signature string) error {
	return s.updateSignature(ctx, queryID, func(rec *SignatureRecord) {
		rec.Flat = signature
		rec.Months = nil
	})
}

func (s *store) SetMonthSignature(ctx context.Context, queryID, partition, signature string) error {
	return s.updateSignature(ctx, queryID, func(rec *SignatureRecord) {
		if rec.Months == nil {
			rec.Months = map[string]string{}
		}
		rec.Months[partition] = signature
		rec.Flat = ""
	})
}

func (s *store) updateSignature(ctx context.Context, queryID string, mutate func(*SignatureRecord)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(signaturesBucketName)

		var rec SignatureRecord
		if v := b.Get([]byte(queryID)); v != nil {
			buf, err := snappy.Decode(nil, v)
			if err != nil {
				// Start fresh rather than fail the write.
				level.Error(s.logger).Log("msg", "failed to decode signature record, resetting", "queryID", queryID, "err", err)
			} else if err := json.Unmarshal(buf, &rec); err != nil {
				level.Error(s.logger).Log("msg", "failed to unmarshal signature record, resetting", "queryID", queryID, "err", err)
				rec = SignatureRecord{}
			}
		}

		mutate(&rec)
		rec.UpdatedAt = s.clock.Now().UTC()

		buf, err := resultset.CanonicalJSON(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(queryID), snappy.Encode(nil, buf))
	})
	if err != nil {
		s.metrics.ioErrors.Inc()
		return ioErr("signature put", err)
	}
	return nil
}

func (s *store) GetSignature(ctx context.Context, queryID string) (SignatureRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return SignatureRecord{}, false, err
	}

	var compressed []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(signaturesBucketName).Get([]byte(queryID)); v != nil {
			compressed = make([]byte, len(v))
			copy(compressed, v)
		}
		return nil
	})
	if err != nil {
		s.metrics.ioErrors.Inc()
		return SignatureRecord{}, false, ioErr("signature get", err)
	}
	if compressed == nil {
		return SignatureRecord{}, false, nil
	}

	buf, err := snappy.Decode(nil, compressed)
	if err != nil {
		level.Error(s.logger).Log("msg", "failed to decode signature record", "queryID", queryID, "err", err)
		s.metrics.ioErrors.Inc()
		return SignatureRecord{}, false, nil
	}
	var rec SignatureRecord
	if err := json.Unmarshal(buf, &rec); err != nil {
		level.Error(s.logger).Log("msg", "failed to unmarshal signature record", "queryID", queryID, "err", err)
		s.metrics.ioErrors.Inc()
		return SignatureRecord{}, false, nil
	}
	return rec, true, nil
}

func (s *store) Stop() {
	if err := s.db.Close(); err != nil {
		level.Error(s.logger).Log("msg", "failed to close partition cache db", "err", err)
	}
}
