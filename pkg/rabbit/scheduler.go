package rabbit

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/nearline/nlds/pkg/log"
)

var bucketDelayed = []byte("delayed")

// delayedEntry is one journaled message waiting for its due time.
type delayedEntry struct {
	Key  string `json:"key"`
	Body []byte `json:"body"`
	Due  int64  `json:"due"` // unix nanos
}

// Scheduler emulates broker-side delayed publishing with a bbolt journal.
// Entries survive a process restart and are re-emitted on the next tick.
type Scheduler struct {
	db   *bolt.DB
	emit func(key string, body []byte) error

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// OpenScheduler opens or creates the delay journal at path.
func OpenScheduler(path string, emit func(key string, body []byte) error) (*Scheduler, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open delay journal: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDelayed)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create delay bucket: %w", err)
	}
	return &Scheduler{db: db, emit: emit, stopCh: make(chan struct{})}, nil
}

// Schedule journals a message for emission after delay.
func (s *Scheduler) Schedule(key string, body []byte, delay time.Duration) error {
	entry := delayedEntry{Key: key, Body: body, Due: time.Now().Add(delay).UnixNano()}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDelayed)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		// Keys sort by due time so the tick loop stops at the first
		// entry that is not due yet.
		k := make([]byte, 16)
		binary.BigEndian.PutUint64(k[:8], uint64(entry.Due))
		binary.BigEndian.PutUint64(k[8:], seq)
		return b.Put(k, data)
	})
}

// Start begins the emission loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop stops the loop and closes the journal.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.db.Close()
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.emitDue(); err != nil {
				log.Errorf("delay scheduler emission failed", err)
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) emitDue() error {
	now := time.Now().UnixNano()
	var due []delayedEntry
	var keys [][]byte
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDelayed).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if int64(binary.BigEndian.Uint64(k[:8])) > now {
				break
			}
			var e delayedEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			due = append(due, e)
			keys = append(keys, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for i, e := range due {
		if err := s.emit(e.Key, e.Body); err != nil {
			// Leave the entry journaled; it is retried next tick.
			return err
		}
		k := keys[i]
		if err := s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketDelayed).Delete(k)
		}); err != nil {
			return err
		}
	}
	return nil
}

// Pending returns the number of journaled messages, for tests and the
// liveness probe.
func (s *Scheduler) Pending() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketDelayed).Stats().KeyN
		return nil
	})
	return n, err
}
