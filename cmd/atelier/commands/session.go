package commands

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/dyluth/atelier/internal/api"
	"github.com/dyluth/atelier/internal/board"
	"github.com/dyluth/atelier/internal/config"
	"github.com/dyluth/atelier/internal/phase"
	"github.com/dyluth/atelier/internal/printer"
	"github.com/dyluth/atelier/internal/stream"
	"github.com/redis/go-redis/v9"
)

// session wires one phase machine to the backend and, when configured, to
// the board mirror.
type session struct {
	cfg       *config.Config
	transport *stream.Transport
	machine   *phase.Machine
	stopBoard func()
}

func openSession(cfg *config.Config) *session {
	client := api.New(cfg.Backend.URL)
	client.Timeout = cfg.Backend.RequestTimeout

	buffer := stream.NewBuffer(cfg.Stream.BufferCapacity, cfg.Stream.DedupWindow)
	transport := stream.NewTransport(cfg.Backend.URL, buffer)
	for k, v := range cfg.Backend.Headers {
		client.Headers[k] = v
		transport.Headers[k] = v
	}

	s := &session{
		cfg:       cfg,
		transport: transport,
		machine:   phase.New(client, transport, buffer, cfg.MachineOptions()),
	}

	if cfg.Board != nil {
		stop, err := attachBoard(cfg.Board, s.machine)
		if err != nil {
			printer.Warning("State mirror disabled: %v\n", err)
		} else {
			s.stopBoard = stop
		}
	}
	return s
}

// attachBoard starts mirroring machine snapshots into Redis.
func attachBoard(cfg *config.BoardConfig, machine *phase.Machine) (func(), error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client, err := board.NewClient(opts, cfg.Namespace)
	if err != nil {
		return nil, err
	}

	pingCtx, cancelPing := context.WithTimeout(context.Background(), cfg.WriteTimeout)
	defer cancelPing()
	if err := client.Ping(pingCtx); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis unreachable at %s: %w", cfg.RedisURL, err)
	}

	mirror := board.NewMirror(client, cfg.WriteTimeout)
	unsubscribe := mirror.Attach(machine)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mirror.Run(ctx)
		close(done)
	}()

	return func() {
		unsubscribe()
		cancel()
		<-done
		client.Close()
	}, nil
}

// Close unmounts the workshop and flushes the mirror.
func (s *session) Close() {
	// The final snapshot is written before the machine forgets the workshop
	if s.stopBoard != nil {
		s.stopBoard()
	}
	s.machine.Unmount()
}

// mount loads workshopID. The mount, and its stream, live until ctx is done
// or the session is closed.
func (s *session) mount(ctx context.Context, workshopID string) error {
	return s.machine.Mount(ctx, workshopID)
}

// lockedWriter serializes writes from the stream and observer goroutines.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
