package daemon

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
)

// Service adapts a Daemon to suture's Serve pattern.
//
// Example usage:
//
//	d, _ := daemon.New(orch, monitor, st)
//	sup := daemon.NewSupervisor(logger, daemon.DefaultSupervisorConfig())
//	sup.Add(daemon.NewService(d))
//	err := sup.Serve(ctx)
type Service struct {
	daemon *Daemon
	name   string
}

// NewService wraps d as a supervised service.
func NewService(d *Daemon) *Service {
	return &Service{daemon: d, name: "sync-daemon"}
}

// Serve implements suture.Service.
//
// It blocks in Daemon.Start until ctx is canceled, then returns ctx.Err().
// A start failure is returned as is so suture restarts the service
// according to its backoff policy.
func (s *Service) Serve(ctx context.Context) error {
	if err := s.daemon.Start(ctx); err != nil {
		return err
	}
	return ctx.Err()
}

// String implements fmt.Stringer for logging.
func (s *Service) String() string {
	return s.name
}

// SupervisorConfig holds supervisor tuning.
type SupervisorConfig struct {
	// FailureThreshold is the number of failures before entering backoff.
	FailureThreshold float64

	// FailureDecay is the rate at which failures decay in seconds.
	FailureDecay float64

	// FailureBackoff is the duration to wait when threshold is exceeded.
	FailureBackoff time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultSupervisorConfig returns sensible defaults.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// NewSupervisor builds the root supervisor that logs its events to logger.
func NewSupervisor(logger zerolog.Logger, config SupervisorConfig) *suture.Supervisor {
	return suture.New("tombola", suture.Spec{
		EventHook:        eventHook(logger),
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	})
}

// eventHook forwards supervisor events to zerolog.
func eventHook(logger zerolog.Logger) suture.EventHook {
	return func(ev suture.Event) {
		var event *zerolog.Event
		switch ev.Type() {
		case suture.EventTypeServicePanic, suture.EventTypeStopTimeout:
			event = logger.Error()
		case suture.EventTypeServiceTerminate, suture.EventTypeBackoff:
			event = logger.Warn()
		default:
			event = logger.Info()
		}
		event.Fields(ev.Map()).Msg(ev.String())
	}
}
