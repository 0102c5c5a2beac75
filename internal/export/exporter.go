// Package export ships the event log to cold storage. A bus subscriber
// batches events into episode bundles and uploads each bundle as one
// canonical JSON object; downstream consumers replay or analyze them
// offline.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/echelonworks/echelond/internal/bus"
	"github.com/echelonworks/echelond/internal/clock"
	"github.com/echelonworks/echelond/internal/config"
	"github.com/echelonworks/echelond/internal/domain"
	"github.com/echelonworks/echelond/internal/metrics"
)

// multipartThreshold is the bundle size above which the upload switches
// to the multipart path.
const multipartThreshold = 8 << 20

// bundle is the on-disk shape of one episode file.
type bundle struct {
	FirstSeq  uint64         `json:"first_seq"`
	LastSeq   uint64         `json:"last_seq"`
	Count     int            `json:"count"`
	WrittenAt time.Time      `json:"written_at"`
	Events    []domain.Event `json:"events"`
}

// Exporter drains the bus into timestamped bundles under a key prefix.
type Exporter struct {
	cfg    config.ExportConfig
	clk    clock.Clock
	writer domain.BlobWriter
	bus    *bus.Bus
	met    *metrics.Registry
	logger *slog.Logger

	buf []domain.Event
}

// New builds an exporter. met may be nil in tests.
func New(cfg config.ExportConfig, clk clock.Clock, writer domain.BlobWriter, b *bus.Bus, met *metrics.Registry, logger *slog.Logger) *Exporter {
	return &Exporter{
		cfg:    cfg,
		clk:    clk,
		writer: writer,
		bus:    b,
		met:    met,
		logger: logger.With(slog.String("component", "exporter")),
	}
}

// Run consumes events until ctx ends, flushing whenever the batch fills
// or the flush interval elapses. A final flush on shutdown drains
// whatever is buffered.
func (e *Exporter) Run(ctx context.Context) error {
	sub := e.bus.Subscribe("exporter", exportedKinds()...)
	defer e.bus.Unsubscribe(sub)

	ticker := time.NewTicker(e.cfg.FlushInterval.Duration)
	defer ticker.Stop()

	e.logger.Info("exporter started",
		slog.Int("batch_size", e.cfg.BatchSize),
		slog.Duration("flush_interval", e.cfg.FlushInterval.Duration),
		slog.String("prefix", e.cfg.Prefix),
	)

	for {
		select {
		case <-ctx.Done():
			e.finalFlush(ctx)
			return ctx.Err()
		case <-sub.Done():
			e.finalFlush(ctx)
			return nil
		case evt := <-sub.C():
			e.buf = append(e.buf, evt)
			if len(e.buf) >= e.cfg.BatchSize {
				e.flush(ctx)
			}
		case <-ticker.C:
			e.flush(ctx)
		}
	}
}

// exportedKinds lists everything the bundles carry. The exporter's own
// announcements stay out so a bundle never triggers another bundle.
func exportedKinds() []domain.EventKind {
	kinds := make([]domain.EventKind, 0, len(domain.EventKinds))
	for _, k := range domain.EventKinds {
		if k == domain.EventExportReady {
			continue
		}
		kinds = append(kinds, k)
	}
	return kinds
}

func (e *Exporter) finalFlush(ctx context.Context) {
	if len(e.buf) == 0 {
		return
	}
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	e.flush(flushCtx)
}

// flush serializes the buffer into one bundle and uploads it. On upload
// failure the buffer is retained and the next flush retries; sequence
// numbers keep the bundle idempotent on the far side.
func (e *Exporter) flush(ctx context.Context) {
	if len(e.buf) == 0 {
		return
	}

	first := e.buf[0].Seq
	last := e.buf[len(e.buf)-1].Seq
	key := e.bundleKey(e.buf[0].At, first, last)

	data, err := encodeBundle(bundle{
		FirstSeq:  first,
		LastSeq:   last,
		Count:     len(e.buf),
		WrittenAt: e.clk.Now(),
		Events:    e.buf,
	})
	if err != nil {
		// An unencodable payload would wedge the buffer forever; drop
		// the batch and report loudly.
		e.logger.Error("bundle encode failed, dropping batch",
			slog.String("key", key),
			slog.Int("count", len(e.buf)),
			slog.String("error", err.Error()),
		)
		e.buf = nil
		return
	}

	if err := e.upload(ctx, key, data); err != nil {
		e.logger.Warn("bundle upload failed, retrying next flush",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return
	}

	payload := domain.ExportReadyPayload{
		Key:      key,
		Count:    len(e.buf),
		FirstSeq: first,
		LastSeq:  last,
		Bytes:    int64(len(data)),
	}
	e.buf = nil

	if e.met != nil {
		e.met.ExportBundles.Inc()
		e.met.ExportBytes.Add(float64(payload.Bytes))
	}
	e.logger.Info("bundle exported",
		slog.String("key", key),
		slog.Int("count", payload.Count),
		slog.Int64("bytes", payload.Bytes),
	)
	e.bus.Publish(domain.Event{
		Kind:    domain.EventExportReady,
		At:      e.clk.Now(),
		Payload: payload,
	})
}

func (e *Exporter) upload(ctx context.Context, key string, data []byte) error {
	if len(data) > multipartThreshold {
		return e.writer.PutMultipart(ctx, key, bytes.NewReader(data), 0)
	}
	return e.writer.Put(ctx, key, bytes.NewReader(data), "application/json")
}

// bundleKey partitions bundles by the day of their first event:
//
//	episodes/2026-08-25/1042-1541.json
func (e *Exporter) bundleKey(at time.Time, first, last uint64) string {
	if at.IsZero() {
		at = e.clk.Now()
	}
	return fmt.Sprintf("%s/%s/%d-%d.json", e.cfg.Prefix, at.UTC().Format("2006-01-02"), first, last)
}

// encodeBundle writes the bundle as one compact JSON document. HTML
// escaping is off so payload text round-trips byte-for-byte.
func encodeBundle(b bundle) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(b); err != nil {
		return nil, fmt.Errorf("export: encode bundle %d-%d: %w", b.FirstSeq, b.LastSeq, err)
	}
	return buf.Bytes(), nil
}
