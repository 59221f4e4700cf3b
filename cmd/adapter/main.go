// Command adapter runs the network-facing side of the ring buffer
// handoff: it opens the shared-memory segment and ring buffer
// published by the host over the rendezvous channel, brings an RDMA
// queue pair up to RTS against a peer adapter, then shuttles ring
// chunks across posted sends/receives until teardown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shmring/rdmaringbuf/internal/summary"
	"github.com/shmring/rdmaringbuf/rdma"
	"github.com/shmring/rdmaringbuf/rendezvous"
	"github.com/shmring/rdmaringbuf/ringbuf"
	"github.com/shmring/rdmaringbuf/shm"
)

type adapterFlags struct {
	device      string
	gidIndex    int
	role        string
	serverAddr  string
	shmName     string
	rendezvous  string
	messageSize uint64
	batchSize   int
	duration    time.Duration
}

func main() {
	flags := &adapterFlags{}

	cmd := &cobra.Command{
		Use:   "adapter",
		Short: "Run the RDMA-facing adapter side of the ring buffer handoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdapter(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.device, "device", "", "RDMA device name (empty selects the first device)")
	cmd.Flags().IntVar(&flags.gidIndex, "gid-index", -1, "GID table index; negative disables the global routing header")
	cmd.Flags().StringVar(&flags.role, "role", "server", "out-of-band exchange role: server or client")
	cmd.Flags().StringVar(&flags.serverAddr, "addr", "0.0.0.0:18515", "out-of-band listen address (server) or dial address (client)")
	cmd.Flags().StringVar(&flags.shmName, "shm-name", "/ringbuf_host", "shared-memory segment name published by the host")
	cmd.Flags().StringVar(&flags.rendezvous, "rendezvous", "/tmp/ringbuf_rendezvous", "rendezvous channel path to open")
	cmd.Flags().Uint64Var(&flags.messageSize, "message-size", 4096, "elements moved per posted work request")
	cmd.Flags().IntVar(&flags.batchSize, "batch-size", 16, "max completions requested per poll_cq call")
	cmd.Flags().DurationVar(&flags.duration, "duration", 10*time.Second, "how long to run before tearing down")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runAdapter(ctx context.Context, flags *adapterFlags) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("adapter: building logger: %w", err)
	}
	defer logger.Sync()

	channel, err := rendezvous.Open(flags.rendezvous)
	if err != nil {
		return fmt.Errorf("adapter: opening rendezvous channel: %w", err)
	}
	defer channel.Close()
	// As the rendezvous opener, this process signals teardown once it
	// is done with the shared segment; the host (the creator) awaits
	// that signal before its own deferred Destroy calls run. Deferred
	// so every exit path signals, not just the success path.
	defer func() {
		if err := channel.SignalTeardown(); err != nil {
			logger.Warn("failed to signal teardown", zap.Error(err))
		}
	}()

	md, err := channel.ReadMetadata()
	if err != nil {
		return fmt.Errorf("adapter: reading metadata: %w", err)
	}

	segmentSize := md.BufferOffset + md.RingLength
	segment, err := shm.Open(md.Name(), segmentSize)
	if err != nil {
		return fmt.Errorf("adapter: opening shared memory %q: %w", md.Name(), err)
	}
	defer segment.Close()

	ring, err := ringbuf.FromMetadata[byte](segment.Bytes(), md.HeadOffset, md.TailOffset, md.BufferOffset, md.RingLength)
	if err != nil {
		return fmt.Errorf("adapter: reconstructing ring: %w", err)
	}

	verbs, err := openVerbs(flags.device)
	if err != nil {
		return fmt.Errorf("adapter: opening verbs device: %w", err)
	}
	defer verbs.Close()

	role := rdma.RoleServer
	if flags.role == "client" {
		role = rdma.RoleClient
	}

	adapter, err := rdma.New(verbs, ring, rdma.Config{
		Role:        role,
		Addr:        flags.serverAddr,
		GIDIndex:    flags.gidIndex,
		MessageSize: flags.messageSize,
		BatchSize:   flags.batchSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("adapter: constructing transport adapter: %w", err)
	}

	bringUpCtx, cancelBringUp := context.WithTimeout(ctx, 30*time.Second)
	peer, err := adapter.BringUp(bringUpCtx)
	cancelBringUp()
	if err != nil {
		return fmt.Errorf("adapter: bring-up failed: %w", err)
	}
	logger.Info("queue pair ready", zap.Uint32("peer_qpn", peer.QPN))

	sender, receiver := ring.Split()

	run := summary.Start()
	runCtx, cancel := context.WithTimeout(ctx, flags.duration)
	defer cancel()

	if role == rdma.RoleServer {
		err = adapter.RunReceiver(runCtx, sender)
	} else {
		err = adapter.RunSender(runCtx, receiver)
	}
	if err != nil && runCtx.Err() == nil {
		return fmt.Errorf("adapter: data-plane loop failed: %w", err)
	}

	run.Log(logger, flags.role)
	return nil
}
