// Package logview fetches and renders the device system log, either as
// a one-shot dump or as a polled follow stream.
//
// The device log endpoint has no cursor and no push channel; follow
// mode polls it and deduplicates against the last batch by remembering
// a hash of the newest line already emitted. Lines above the remembered
// one are new; everything at or below it was shown before.
package logview

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"time"

	"github.com/camkit/camkit/api"
)

// DefaultPollInterval is the follow-mode poll period.
const DefaultPollInterval = 500 * time.Millisecond

// Source fetches the device system log, newest entry first.
// *device.Client is the production implementation.
type Source interface {
	SystemLog(ctx context.Context) ([]api.SyslogEntry, error)
}

// Options tunes Stream.
type Options struct {
	// Follow keeps polling after the first fetch until the context
	// ends.
	Follow bool

	// Interval is the follow-mode poll period. Zero selects
	// DefaultPollInterval.
	Interval time.Duration

	// Number limits the first batch to the newest N entries. Zero means
	// everything.
	Number int

	// JSON emits one JSON object per line instead of rendered text.
	JSON bool

	// Color renders severity colors. The caller decides, typically by
	// checking whether the output is a terminal.
	Color bool

	Log *slog.Logger
}

// Stream writes the device log to w per opts. In follow mode it blocks
// until the context ends; fetch errors during follow are logged and the
// polling continues, because the device may just be rebooting.
func Stream(ctx context.Context, src Source, w io.Writer, opts Options) error {
	interval := opts.Interval
	if interval == 0 {
		interval = DefaultPollInterval
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	entries, err := src.SystemLog(ctx)
	if err != nil {
		if !opts.Follow {
			return fmt.Errorf("fetching system log: %w", err)
		}
		log.Warn("system log fetch failed", "err", err)
	}

	first := entries
	if opts.Number > 0 && len(first) > opts.Number {
		first = first[:opts.Number]
	}
	if err := emit(w, first, opts); err != nil {
		return err
	}

	var last uint64
	if len(entries) > 0 {
		last = lineHash(entries[0])
	}

	if !opts.Follow {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		entries, err := src.SystemLog(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("system log fetch failed", "err", err)
			continue
		}

		fresh := newerThan(entries, last)
		if len(fresh) == 0 {
			continue
		}
		if err := emit(w, fresh, opts); err != nil {
			return err
		}
		last = lineHash(entries[0])
	}
}

// newerThan returns the prefix of the newest-first batch that lies
// above the remembered line. When the remembered line is gone, the
// device log rotated past it and the whole batch counts as new.
func newerThan(entries []api.SyslogEntry, last uint64) []api.SyslogEntry {
	if last == 0 {
		return entries
	}
	for i, e := range entries {
		if lineHash(e) == last {
			return entries[:i]
		}
	}
	return entries
}

// emit writes a newest-first batch in reading order, oldest line first.
func emit(w io.Writer, entries []api.SyslogEntry, opts Options) error {
	for i := len(entries) - 1; i >= 0; i-- {
		if opts.JSON {
			data, err := json.Marshal(entries[i])
			if err != nil {
				return fmt.Errorf("encoding log entry: %w", err)
			}
			if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
				return err
			}
			continue
		}
		if _, err := fmt.Fprintln(w, renderLine(entries[i], opts.Color)); err != nil {
			return err
		}
	}
	return nil
}

func lineHash(e api.SyslogEntry) uint64 {
	h := fnv.New64a()
	_, _ = io.WriteString(h, e.Timestamp)
	_, _ = io.WriteString(h, "\x00")
	_, _ = io.WriteString(h, e.Source)
	_, _ = io.WriteString(h, "\x00")
	_, _ = io.WriteString(h, e.Message)
	return h.Sum64()
}
