package main

import (
	"fmt"
	"gtorrent/torrent"
	"sync/atomic"
	"time"

	"github.com/mitchellh/colorstring"
	"github.com/schollz/progressbar/v3"
)

// progressReporter ticks a terminal progress bar off a Coordinator's Stats
// until the torrent finishes or Stop is called.
type progressReporter struct {
	stop chan struct{}
	done chan struct{}
}

// startProgressReporter starts a background goroutine that renders tor's
// download progress. Colorstring prefixes the name so a scroll of
// concurrent downloads stays readable in a plain terminal.
func startProgressReporter(tor *torrent.Torrent, coord *torrent.Coordinator) *progressReporter {
	r := &progressReporter{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	bar := progressbar.NewOptions(coord.TotalPieces(),
		progressbar.OptionSetDescription(colorstring.Color(fmt.Sprintf("[green]%s", tor.Name))),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionClearOnFinish(),
	)

	var lastFinished int64
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				stats := coord.Stats()
				delta := int64(stats.Finished) - atomic.LoadInt64(&lastFinished)
				if delta > 0 {
					atomic.StoreInt64(&lastFinished, int64(stats.Finished))
					bar.Add(int(delta))
				}
				if stats.Finished >= stats.TotalPieces {
					return
				}
			}
		}
	}()

	return r
}

// Stop halts the reporting goroutine and blocks until it has exited.
func (r *progressReporter) Stop() {
	close(r.stop)
	<-r.done
}
