package devicesim

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/proxipair/pairing-server/internal/protocol"
)

// Options configure a simulation run.
type Options struct {
	URL         string
	Interval    time.Duration // time between reports per device
	Duration    time.Duration // total run time; 0 runs until ctx ends
	Jitter      float64       // max bearing wobble per step, degrees
	Concurrency int           // max simultaneous dials
	Seed        int64
}

// Run connects every walker, streams its reports every Interval and records
// outcomes in collector. It returns when Duration elapses or ctx ends.
func Run(ctx context.Context, walkers []*Walker, opts Options, collector *Collector, logger *zap.Logger) {
	logger = logger.Named("sim")
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 50
	}

	sem := make(chan struct{}, opts.Concurrency)
	var wg sync.WaitGroup
	for i, w := range walkers {
		wg.Add(1)
		go func(i int, w *Walker) {
			defer wg.Done()

			sem <- struct{}{}
			c, err := connect(ctx, opts.URL)
			<-sem
			if err != nil {
				collector.AddError()
				logger.Debug("dial failed", zap.String("device_id", w.DeviceID), zap.Error(err))
				return
			}
			defer c.Close()
			collector.AddConnect(c.ConnectLatency)

			rng := rand.New(rand.NewSource(opts.Seed + int64(i)))
			drive(ctx, c, w, opts, rng, collector, logger)
		}(i, w)
	}
	wg.Wait()
}

func connect(ctx context.Context, url string) (*Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return Dial(dialCtx, url)
}

// drive registers the outcome handlers, then steps and reports until ctx ends
// or the server closes the connection.
func drive(ctx context.Context, c *Client, w *Walker, opts Options, rng *rand.Rand, collector *Collector, logger *zap.Logger) {
	start := time.Now()
	var pairedOnce sync.Once

	count := func(raw json.RawMessage) {
		var m struct {
			Type    string `json:"type"`
			APITime *int64 `json:"api_time"`
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			return
		}
		if m.APITime != nil {
			collector.AddReceived(m.Type, *m.APITime, true)
		} else {
			collector.AddReceived(m.Type, 0, false)
		}
	}
	for _, t := range []string{protocol.TypeSearching, protocol.TypePeerUpdate, protocol.TypeRateLimited, protocol.TypeError} {
		c.On(t, count)
	}
	c.On(protocol.TypePaired, func(raw json.RawMessage) {
		count(raw)
		var m protocol.PairedMsg
		if err := json.Unmarshal(raw, &m); err == nil {
			pairedOnce.Do(func() { collector.AddFirstPair(time.Since(start)) })
			logger.Debug("paired",
				zap.String("device_id", w.DeviceID),
				zap.String("peer_id", m.PairingData.DeviceID),
				zap.Float64("distance_m", m.PairingData.Distance))
		}
	})
	c.Start()

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	connID, err := c.WaitConnected(waitCtx)
	cancel()
	if err != nil {
		collector.AddError()
		return
	}
	logger.Debug("device connected", zap.String("device_id", w.DeviceID), zap.String("conn_id", connID))

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()
	last := time.Now()
	for {
		if err := c.Send(w.Report()); err != nil {
			collector.AddError()
			return
		}
		collector.AddSent()

		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			return
		case now := <-ticker.C:
			w.Step(now.Sub(last).Seconds(), opts.Jitter, rng)
			last = now
		}
	}
}
