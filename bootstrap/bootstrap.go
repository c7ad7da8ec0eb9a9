// Package bootstrap models the spec's "opaque external source" of
// authorized PoA keys and the bootstrap (M, x, K) triple (spec §1,
// §4.4). Grounded on the teacher's node/store/db.go: a bbolt-backed KV
// store opened once at startup, one bucket per logical table, values
// encoded with a small fixed binary layout rather than a generic
// serialization library.
package bootstrap

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"meshfabric.dev/core/fixedpoint"
)

var (
	bucketKeys   = []byte("authorized_keys")
	bucketConfig = []byte("bootstrap_config")
)

const configRecordKey = "active"

// Store is the bbolt-backed holder of the authorized-operator key set
// and the bootstrap (M, x, K) state a freshly started aggregator or
// worker loads before joining the control cycle.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) a bbolt database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("bootstrap: path required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := ensureDir(dir); err != nil {
			return nil, err
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: open bbolt: %w", err)
	}
	s := &Store{db: db}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketKeys, bucketConfig} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("bootstrap: create bucket %s: %w", string(b), err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// PutAuthorizedKey adds a key to the authorized-operator set.
func (s *Store) PutAuthorizedKey(key [32]byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeys).Put(key[:], []byte{1})
	})
}

// RemoveAuthorizedKey removes a key from the stored set. cmd/keyctl's
// deauthorize subcommand calls it directly on the store file; a
// running aggregator reads the set only once, at startup.
func (s *Store) RemoveAuthorizedKey(key [32]byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeys).Delete(key[:])
	})
}

// AuthorizedKeys returns the full authorized-operator set, suitable
// for constructing a poa.Verifier at startup.
func (s *Store) AuthorizedKeys() ([][32]byte, error) {
	var out [][32]byte
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeys).ForEach(func(k, _ []byte) error {
			if len(k) != 32 {
				return fmt.Errorf("bootstrap: malformed key length %d", len(k))
			}
			var key [32]byte
			copy(key[:], k)
			out = append(out, key)
			return nil
		})
	})
	return out, err
}

// Config is the bootstrap (M, x, K) triple plus the redundancy factor
// rho used to derive K (spec §4.2: K = BlockCount(m, rho)).
type Config struct {
	M   fixedpoint.Matrix
	X   fixedpoint.Vector
	Rho float64
}

// PutConfig persists the active bootstrap configuration.
func (s *Store) PutConfig(cfg Config) error {
	val, err := encodeConfig(cfg)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConfig).Put([]byte(configRecordKey), val)
	})
}

// GetConfig loads the active bootstrap configuration. ok is false if
// none has ever been written (a fresh, uninitialized deployment).
func (s *Store) GetConfig() (cfg Config, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketConfig).Get([]byte(configRecordKey))
		if v == nil {
			return nil
		}
		c, derr := decodeConfig(v)
		if derr != nil {
			return derr
		}
		cfg = c
		ok = true
		return nil
	})
	return cfg, ok, err
}

// encodeConfig lays out rows u32le | cols u32le | rho float64-bits
// u64le | m*cols q1 rows | cols x entries, mirroring the teacher's
// fixed binary layout in store/db.go rather than a generic codec.
func encodeConfig(cfg Config) ([]byte, error) {
	rows := cfg.M.Rows()
	cols := cfg.M.Cols()
	if rows > 0 && len(cfg.X) != cols {
		return nil, fmt.Errorf("bootstrap: x width %d does not match M cols %d", len(cfg.X), cols)
	}
	buf := make([]byte, 0, 8+8+rows*cols*4+cols*4)
	var tmp [8]byte
	binary.LittleEndian.PutUint32(tmp[0:4], uint32(rows))
	binary.LittleEndian.PutUint32(tmp[4:8], uint32(cols))
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint64(tmp[:], uint64(floatBitsFor(cfg.Rho)))
	buf = append(buf, tmp[:]...)
	for i := 0; i < rows; i++ {
		row := cfg.M.Row(i)
		for _, q := range row {
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], uint32(int32(q)))
			buf = append(buf, b[:]...)
		}
	}
	for _, q := range cfg.X {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(int32(q)))
		buf = append(buf, b[:]...)
	}
	return buf, nil
}

func decodeConfig(b []byte) (Config, error) {
	if len(b) < 16 {
		return Config{}, fmt.Errorf("bootstrap: truncated config record")
	}
	rows := int(binary.LittleEndian.Uint32(b[0:4]))
	cols := int(binary.LittleEndian.Uint32(b[4:8]))
	rho := floatFromBits(binary.LittleEndian.Uint64(b[8:16]))
	off := 16
	want := off + rows*cols*4 + cols*4
	if len(b) != want {
		return Config{}, fmt.Errorf("bootstrap: config record length %d, want %d", len(b), want)
	}
	m := make(fixedpoint.Matrix, rows)
	for i := 0; i < rows; i++ {
		row := make(fixedpoint.Vector, cols)
		for j := 0; j < cols; j++ {
			row[j] = fixedpoint.Q1(int32(binary.LittleEndian.Uint32(b[off : off+4])))
			off += 4
		}
		m[i] = row
	}
	x := make(fixedpoint.Vector, cols)
	for j := 0; j < cols; j++ {
		x[j] = fixedpoint.Q1(int32(binary.LittleEndian.Uint32(b[off : off+4])))
		off += 4
	}
	return Config{M: m, X: x, Rho: rho}, nil
}
