package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/banshee-data/roverlog/internal/logfile"
	"github.com/banshee-data/roverlog/internal/monitoring"
	"github.com/banshee-data/roverlog/internal/rover"
	"github.com/banshee-data/roverlog/internal/timesync"
)

// Recorder persists what the consumer produces.
type Recorder interface {
	RecordSync(rover int, rec timesync.Record) error
	RecordMatch(m rover.Match) error
}

// ConsumerConfig configures the consumer.
type ConsumerConfig struct {
	Names     []string
	Sync      rover.Options
	Aligner   *timesync.Aligner
	Recorders []Recorder
	OnMatch   func(rover.Match)
}

// ConsumerStats counts consumer activity.
type ConsumerStats struct {
	Arrivals       int
	Matches        int
	RecorderErrors int
}

// Consumer owns every rover's queue and time table. It runs on a single
// goroutine.
type Consumer struct {
	cfg   ConsumerConfig
	sync  *rover.Synchronizer
	reg   *timesync.Registry
	stats ConsumerStats
}

// NewConsumer creates the synchroniser and tables for cfg.Names.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	c := &Consumer{cfg: cfg}
	s, err := rover.NewSynchronizer(cfg.Names, cfg.Sync, c.publish)
	if err != nil {
		return nil, err
	}
	c.sync = s
	c.reg = timesync.NewRegistry(cfg.Names, cfg.Aligner)
	return c, nil
}

// Registry returns the per-rover time tables.
func (c *Consumer) Registry() *timesync.Registry { return c.reg }

// Synchronizer returns the live synchroniser.
func (c *Consumer) Synchronizer() *rover.Synchronizer { return c.sync }

// Stats returns a snapshot of the counters.
func (c *Consumer) Stats() ConsumerStats { return c.stats }

// Handle indexes one arrival's uptime and receiver time, then offers the
// sample to the synchroniser. The sample is matched on its aligned receiver
// time.
func (c *Consumer) Handle(a Arrival) []rover.Match {
	c.stats.Arrivals++
	rec, _, err := c.reg.Add(a.Rover, timesync.Record{
		Uptime: a.Uptime,
		ITOW:   a.Sample.ITOW,
		Source: "live:" + c.roverName(a.Rover),
	})
	if err != nil {
		monitoring.Opsf("consumer: %v", err)
		return nil
	}
	for _, r := range c.cfg.Recorders {
		if err := r.RecordSync(a.Rover, rec); err != nil {
			c.stats.RecorderErrors++
			monitoring.Opsf("consumer: failed to record sync for %s: %v", c.roverName(a.Rover), err)
		}
	}

	p := a.Sample
	p.ITOW = rec.ITOW
	return c.sync.Push(a.Rover, p)
}

func (c *Consumer) publish(m rover.Match) {
	c.stats.Matches++
	monitoring.Tracef("consumer: match iTOW %d epoch %d", m.ITOW, m.Epoch)
	for _, r := range c.cfg.Recorders {
		if err := r.RecordMatch(m); err != nil {
			c.stats.RecorderErrors++
			monitoring.Opsf("consumer: failed to record match at iTOW %d: %v", m.ITOW, err)
		}
	}
	if c.cfg.OnMatch != nil {
		c.cfg.OnMatch(m)
	}
}

func (c *Consumer) roverName(i int) string {
	if i >= 0 && i < len(c.cfg.Names) {
		return c.cfg.Names[i]
	}
	return fmt.Sprintf("rover%d", i)
}

// Run handles arrivals until in closes or ctx is done, then logs each
// rover's clock drift.
func (c *Consumer) Run(ctx context.Context, in <-chan Arrival) error {
	defer c.LogDrift()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case a, ok := <-in:
			if !ok {
				return nil
			}
			c.Handle(a)
		}
	}
}

// LogDrift logs the receiver clock drift of every rover with enough records.
func (c *Consumer) LogDrift() {
	for i := 0; i < c.reg.Len(); i++ {
		d, err := timesync.EstimateDrift(c.reg.Table(i).Records())
		if err != nil {
			continue
		}
		monitoring.Diagf("consumer: %s drift %s", c.reg.Name(i), d)
	}
	st := c.sync.Stats()
	monitoring.Diagf("consumer: %d arrivals, %d matches, %d discarded, %d stale, %d trimmed",
		c.stats.Arrivals, st.Matched, st.Discarded, st.Stale, st.Trimmed)
}

// SyncFiles records each rover's sync records to its own TSV log.
type SyncFiles struct {
	writers []*logfile.Writer
}

// CreateSyncFiles creates one sync log per rover in dir.
func CreateSyncFiles(dir string, names []string) (*SyncFiles, error) {
	sf := &SyncFiles{}
	for _, name := range names {
		w, err := logfile.CreateWriter(filepath.Join(dir, logfile.SyncFileName(name)), logfile.SyncHeader)
		if err != nil {
			sf.Close()
			return nil, err
		}
		sf.writers = append(sf.writers, w)
	}
	return sf, nil
}

// RecordSync appends rec to the rover's log.
func (sf *SyncFiles) RecordSync(rover int, rec timesync.Record) error {
	if rover < 0 || rover >= len(sf.writers) {
		return fmt.Errorf("no sync log for rover %d", rover)
	}
	return sf.writers[rover].WriteSync(rec)
}

// RecordMatch is a no-op; matches are not written to sync logs.
func (sf *SyncFiles) RecordMatch(rover.Match) error { return nil }

// Close closes every log.
func (sf *SyncFiles) Close() error {
	var errs []error
	for _, w := range sf.writers {
		errs = append(errs, w.Close())
	}
	return errors.Join(errs...)
}
