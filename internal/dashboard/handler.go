package dashboard

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tombolacan/tombola/internal/metrics"
	"github.com/tombolacan/tombola/internal/observer"
	"github.com/tombolacan/tombola/internal/sync"
)

// Handler turns store change notifications and pass outcomes into
// dashboard broadcasts.
type Handler struct {
	server  *Server
	stats   StatsFunc
	timeout time.Duration
	logger  zerolog.Logger
}

// NewHandler creates a handler broadcasting through server.
func NewHandler(server *Server, stats StatsFunc, logger zerolog.Logger) *Handler {
	return &Handler{
		server:  server,
		stats:   stats,
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

// Attach subscribes the handler to bus and returns the unsubscribe func.
func (h *Handler) Attach(bus *observer.Bus) func() {
	return bus.Subscribe(h.OnChange)
}

// OnChange re-reads aggregate counts, refreshes the record gauges and
// pushes the counts to clients.
func (h *Handler) OnChange() {
	if h.stats == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	stats, err := h.stats(ctx)
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to read stats after change")
		return
	}

	metrics.SetRecordCounts(stats)
	h.server.BroadcastData(MessageTypeStats, NewStatsData(stats))
}

// OnPass broadcasts the outcome of a pass. Its signature matches
// daemon.PassFunc.
func (h *Handler) OnPass(reason string, res sync.Result, err error) {
	data := SyncCompleteData{
		Trigger: reason,
		Synced:  res.Synced,
		Failed:  res.Failed,
		Skipped: string(res.Skipped),
	}
	if err != nil {
		data.Error = err.Error()
	}
	h.server.BroadcastData(MessageTypeSyncComplete, data)
}
