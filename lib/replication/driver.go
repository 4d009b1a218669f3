package replication

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/ValentinKolb/dDir/lib/errs"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logger.GetLogger("repl")

// Partner is a replication partner updates are pulled from
type Partner interface {
	Name() string
	Pull(ctx context.Context, sinceUSN uint64, limit int) ([]*Update, error)
}

// DriverOptions configures a Driver
type DriverOptions struct {
	// Interval between two replication cycles
	Interval time.Duration
	// BatchSize is the maximum number of updates pulled per partner and cycle
	BatchSize int
	// InvocationID returns the invocation id of this node
	InvocationID func() string
	// Active reports whether this node applies updates (the raft leader), nil means always
	Active func() bool
	// Now returns the time stamped into synthesized metadata
	Now func() time.Time
}

// failure remembers the update a partner is stuck on, each is logged once
type failure struct {
	usn uint64
	err error
}

// Driver pulls updates from every partner and applies them through the
// metadata resolver. One high-watermark is tracked per partner, it only
// advances past updates that were applied.
type Driver struct {
	applier  Applier
	partners []Partner
	opts     DriverOptions

	watermarks *xsync.MapOf[string, uint64]
	failures   *xsync.MapOf[string, failure]

	cycleMu sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	metrics    *metrics.Set
	applied    *metrics.Counter
	unchanged  *metrics.Counter
	failed     *metrics.Counter
	pullErrors *metrics.Counter
	cycles     *metrics.Counter
}

// NewDriver creates a driver for the given partners
func NewDriver(applier Applier, partners []Partner, opts DriverOptions) *Driver {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.InvocationID == nil {
		opts.InvocationID = func() string { return "" }
	}

	d := &Driver{
		applier:    applier,
		partners:   partners,
		opts:       opts,
		watermarks: xsync.NewMapOf[string, uint64](),
		failures:   xsync.NewMapOf[string, failure](),
		metrics:    metrics.NewSet(),
	}
	d.applied = d.metrics.NewCounter("ddir_repl_applied_total")
	d.unchanged = d.metrics.NewCounter("ddir_repl_unchanged_total")
	d.failed = d.metrics.NewCounter("ddir_repl_failed_total")
	d.pullErrors = d.metrics.NewCounter("ddir_repl_pull_errors_total")
	d.cycles = d.metrics.NewCounter("ddir_repl_cycles_total")
	for _, p := range partners {
		name := p.Name()
		d.metrics.NewGauge(fmt.Sprintf(`ddir_repl_watermark{partner=%q}`, name), func() float64 {
			return float64(d.Watermark(name))
		})
	}
	return d
}

// Start runs a replication cycle every interval until Stop is called or ctx is done
func (d *Driver) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.Cycle(ctx); err != nil && ctx.Err() == nil {
					log.Warningf("replication cycle: %v", err)
				}
			}
		}
	}()
	log.Infof("replication driver started with %d partner(s), interval %s", len(d.partners), d.opts.Interval)
}

// Stop ends the background loop and waits for it
func (d *Driver) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// Cycle pulls and applies the pending updates of every partner once. It
// returns the first pull error, apply failures are logged and retried in the
// next cycle.
func (d *Driver) Cycle(ctx context.Context) error {
	d.cycleMu.Lock()
	defer d.cycleMu.Unlock()

	if d.opts.Active != nil && !d.opts.Active() {
		return nil
	}
	d.cycles.Inc()

	var first error
	for _, p := range d.partners {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.cyclePartner(ctx, p); err != nil {
			d.pullErrors.Inc()
			if first == nil {
				first = fmt.Errorf("partner %s: %w", p.Name(), err)
			}
		}
	}
	return first
}

func (d *Driver) cyclePartner(ctx context.Context, p Partner) error {
	name := p.Name()
	since := d.Watermark(name)

	updates, err := p.Pull(ctx, since, d.opts.BatchSize)
	if err != nil {
		return err
	}
	sort.SliceStable(updates, func(i, j int) bool { return updates[i].PartnerUSN < updates[j].PartnerUSN })

	for _, u := range updates {
		if u.PartnerUSN <= since {
			continue
		}
		if u.Partner == "" {
			u.Partner = name
		}

		usns := UpdateToUSNList(u)
		if head, err := usns.GetHead(); err == nil {
			lo, _ := usns.Value(head)
			tail, _ := usns.GetTail()
			hi, _ := usns.Value(tail)
			log.Debugf("applying %s %s from %s (usn %d, attribute usns %d..%d)", u.Op, u.Entry.DN, name, u.PartnerUSN, lo, hi)
		}

		usn, err := Apply(d.applier, u, d.opts.InvocationID(), d.opts.Now())
		if err != nil {
			d.failed.Inc()
			if prev, ok := d.failures.Load(name); !ok || prev.usn != u.PartnerUSN {
				log.Errorf("replication from %s stuck at usn %d (%s %s): %v (code %s)",
					name, u.PartnerUSN, u.Op, u.Entry.DN, err, errs.CodeOf(err))
			}
			d.failures.Store(name, failure{usn: u.PartnerUSN, err: err})
			return nil
		}
		if _, ok := d.failures.LoadAndDelete(name); ok {
			log.Infof("replication from %s resumed at usn %d", name, u.PartnerUSN)
		}
		if usn == 0 {
			d.unchanged.Inc()
		} else {
			d.applied.Inc()
		}
		since = u.PartnerUSN
		d.watermarks.Store(name, since)
	}
	return nil
}

// Watermark returns the highest partner usn applied from a partner
func (d *Driver) Watermark(partner string) uint64 {
	usn, _ := d.watermarks.Load(partner)
	return usn
}

// SetWatermark sets the watermark of a partner, e.g. after a restore
func (d *Driver) SetWatermark(partner string, usn uint64) {
	d.watermarks.Store(partner, usn)
}

// LastError returns the error a partner is stuck on, nil if none
func (d *Driver) LastError(partner string) error {
	if f, ok := d.failures.Load(partner); ok {
		return f.err
	}
	return nil
}

// WriteMetrics writes the driver metrics in Prometheus text format
func (d *Driver) WriteMetrics(w io.Writer) {
	d.metrics.WritePrometheus(w)
}
