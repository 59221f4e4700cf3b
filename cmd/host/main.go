// Command host runs the shared-memory side of the ring buffer
// handoff: it creates the shared-memory segment and the ring buffer
// inside it, publishes the layout over a rendezvous channel, then
// produces (or consumes, depending on direction) elements until its run
// duration elapses or the adapter signals teardown, and exits once that
// signal has arrived.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shmring/rdmaringbuf/internal/summary"
	"github.com/shmring/rdmaringbuf/rendezvous"
	"github.com/shmring/rdmaringbuf/ringbuf"
	"github.com/shmring/rdmaringbuf/shm"
)

type hostFlags struct {
	shmName      string
	rendezvous   string
	ringLength   uint64
	messageSize  uint64
	duration     time.Duration
	produce      bool
}

func main() {
	flags := &hostFlags{}

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Run the shared-memory host side of the ring buffer handoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHost(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.shmName, "shm-name", "/ringbuf_host", "shared-memory segment name")
	cmd.Flags().StringVar(&flags.rendezvous, "rendezvous", "/tmp/ringbuf_rendezvous", "rendezvous channel path")
	cmd.Flags().Uint64Var(&flags.ringLength, "ring-length", 1<<20, "ring capacity in elements")
	cmd.Flags().Uint64Var(&flags.messageSize, "message-size", 4096, "elements moved per chunk")
	cmd.Flags().DurationVar(&flags.duration, "duration", 10*time.Second, "how long to run before tearing down")
	cmd.Flags().BoolVar(&flags.produce, "produce", true, "true to produce into the ring, false to consume from it")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runHost(ctx context.Context, flags *hostFlags) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("host: building logger: %w", err)
	}
	defer logger.Sync()

	elemSize := uint64(1) // ring of bytes; message_size is expressed in bytes here
	segmentSize := ringbuf.HeaderSize() + flags.ringLength*elemSize

	segment, err := shm.Create(flags.shmName, segmentSize)
	if err != nil {
		return fmt.Errorf("host: creating shared memory: %w", err)
	}
	defer segment.Destroy()

	ring, bufferOffset, err := ringbuf.NewInPlace[byte](segment.Bytes(), flags.ringLength)
	if err != nil {
		return fmt.Errorf("host: constructing ring in place: %w", err)
	}

	channel, err := rendezvous.Create(flags.rendezvous)
	if err != nil {
		return fmt.Errorf("host: creating rendezvous channel: %w", err)
	}
	defer channel.Destroy()

	md := rendezvous.NewMetadata(0, ringbuf.TailOffset(), bufferOffset, flags.ringLength, flags.shmName)
	if err := channel.WriteMetadata(md); err != nil {
		return fmt.Errorf("host: publishing metadata: %w", err)
	}

	logger.Info("ring buffer published",
		zap.String("shm_name", flags.shmName),
		zap.Uint64("ring_length", flags.ringLength),
		zap.Uint64("buffer_offset", bufferOffset),
	)

	sender, receiver := ring.Split()

	run := summary.Start()
	deadline := time.Now().Add(flags.duration)

	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	// The adapter, as the rendezvous opener, signals teardown once its
	// own data-plane loop exits. Running the data loop alongside that
	// wait lets the host stop early if the adapter finishes (or dies)
	// before this run's own duration elapses, and — per the handoff
	// protocol — the host (the creator) must observe that signal
	// before its deferred segment/channel Destroy calls run, never
	// before.
	g, gCtx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		if flags.produce {
			produceLoop(gCtx, sender, flags.messageSize, run)
		} else {
			consumeLoop(gCtx, receiver, flags.messageSize, run)
		}
		return nil
	})
	g.Go(func() error {
		err := channel.AwaitTeardown()
		cancel()
		return err
	})
	if err := g.Wait(); err != nil {
		logger.Warn("teardown coordination failed", zap.Error(err))
	}

	role := "consumer"
	if flags.produce {
		role = "producer"
	}
	run.Log(logger, role)
	return nil
}

func produceLoop(ctx context.Context, tx *ringbuf.Sender[byte], messageSize uint64, run *summary.Run) {
	payload := make([]byte, messageSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		chunk, ok := tx.TryReserve(messageSize)
		if !ok {
			continue
		}
		rand.Read(payload)
		copy(chunk.Slice(), payload)
		chunk.Commit()
		run.Add(messageSize)
	}
}

func consumeLoop(ctx context.Context, rx *ringbuf.Receiver[byte], messageSize uint64, run *summary.Run) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		chunk, ok := rx.ReadExact(messageSize)
		if !ok {
			continue
		}
		chunk.Commit()
		run.Add(messageSize)
	}
}
