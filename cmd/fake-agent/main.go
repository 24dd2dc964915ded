// ABOUTME: Minimal fake agent for E2E testing: connects to the hub with a machine key and fakes package runs.
// ABOUTME: Usage: fake-agent -key fk_... [-addr localhost:50051] [-duration 2s] [-fail]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/2389/fleet-gateway/internal/agent"
	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/dispatch"
	"github.com/2389/fleet-gateway/internal/hub"
	"github.com/2389/fleet-gateway/internal/store"
)

type options struct {
	addr      string
	key       string
	tenant    string
	duration  time.Duration
	keepAlive time.Duration
	fail      bool
}

func main() {
	var opts options
	flag.StringVar(&opts.addr, "addr", "localhost:50051", "gRPC hub address")
	flag.StringVar(&opts.key, "key", os.Getenv("FLEET_MACHINE_KEY"), "agent machine key")
	flag.StringVar(&opts.tenant, "tenant", "", "tenant slug to assert (optional)")
	flag.DurationVar(&opts.duration, "duration", 2*time.Second, "how long each fake run takes")
	flag.DurationVar(&opts.keepAlive, "keepalive", 20*time.Second, "keepAlive interval")
	flag.BoolVar(&opts.fail, "fail", false, "report every run as failed")
	flag.Parse()

	if opts.key == "" {
		log.Fatal("machine key required: pass -key or set FLEET_MACHINE_KEY")
	}
	if err := run(opts); err != nil {
		log.Fatal(err)
	}
}

// fakeAgent serialises sends on the stream and tracks runs it can cancel.
type fakeAgent struct {
	opts   options
	stream *hub.ClientStream

	sendMu sync.Mutex
	mu     sync.Mutex
	runs   map[string]context.CancelFunc
}

func (a *fakeAgent) send(frameType string, payload any) {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	if err := a.stream.Send(agent.Frame{Type: frameType, Payload: payload}); err != nil {
		log.Printf("send %s error: %v", frameType, err)
	}
}

func run(opts options) error {
	conn, err := grpc.NewClient(opts.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	stream, err := hub.Dial(ctx, conn, auth.Credentials{MachineKey: opts.key, TenantSlug: opts.tenant})
	if err != nil {
		return err
	}

	frameType, payload, err := stream.Recv()
	if err != nil {
		return fmt.Errorf("failed to receive welcome: %w", err)
	}
	if frameType != agent.FrameWelcome {
		return fmt.Errorf("expected welcome, got: %s", frameType)
	}
	var welcome agent.Welcome
	if err := json.Unmarshal(payload, &welcome); err != nil {
		return fmt.Errorf("decoding welcome: %w", err)
	}
	fmt.Fprintf(os.Stderr, "connected as %s (session: %s)\n", welcome.AgentID, welcome.SessionID)

	a := &fakeAgent{opts: opts, stream: stream, runs: make(map[string]context.CancelFunc)}
	go a.keepAliveLoop(ctx)

	for {
		frameType, payload, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil // graceful shutdown
			}
			return fmt.Errorf("recv error: %w", err)
		}

		switch frameType {
		case dispatch.FrameExecutePackage:
			var cmd dispatch.ExecutePackage
			if err := json.Unmarshal(payload, &cmd); err != nil {
				log.Printf("bad executePackage: %v", err)
				continue
			}
			a.start(ctx, cmd)
		case dispatch.FrameCancelExecution:
			var cmd dispatch.CancelExecution
			if err := json.Unmarshal(payload, &cmd); err != nil {
				log.Printf("bad cancelExecution: %v", err)
				continue
			}
			a.cancel(cmd.ExecutionID)
		default:
			log.Printf("ignoring %s", frameType)
		}
	}
}

func (a *fakeAgent) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(a.opts.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.send(dispatch.FrameKeepAlive, dispatch.KeepAlive{})
		}
	}
}

func (a *fakeAgent) start(ctx context.Context, cmd dispatch.ExecutePackage) {
	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.runs[cmd.ExecutionID] = cancel
	a.mu.Unlock()

	log.Printf("running %s %s [%s]", cmd.PackageName, cmd.Version, cmd.ExecutionID)
	a.send(dispatch.FrameStatus, dispatch.StatusReport{Status: store.AgentStatusBusy, Heartbeat: time.Now().UTC(), ExecutionID: cmd.ExecutionID})
	a.send(dispatch.FrameExecutionStatus, dispatch.ExecutionStatusReport{ExecutionID: cmd.ExecutionID, Status: store.ExecutionStatusRunning})

	go func() {
		defer a.finish(cmd.ExecutionID)

		select {
		case <-runCtx.Done():
			log.Printf("run %s stopped", cmd.ExecutionID)
			return
		case <-time.After(a.opts.duration):
		}

		output := fmt.Sprintf("fake run of %s %s\n", cmd.PackageName, cmd.Version)
		a.send(dispatch.FrameExecutionLog, dispatch.ExecutionLog{ExecutionID: cmd.ExecutionID, Content: output})

		report := dispatch.ExecutionStatusReport{ExecutionID: cmd.ExecutionID, Status: store.ExecutionStatusCompleted, LogOutput: &output}
		if a.opts.fail {
			msg := "fake failure"
			report.Status = store.ExecutionStatusFailed
			report.ErrorMessage = &msg
		}
		a.send(dispatch.FrameExecutionStatus, report)
		log.Printf("run %s %s", cmd.ExecutionID, report.Status)
	}()
}

func (a *fakeAgent) cancel(executionID string) {
	a.mu.Lock()
	cancel, ok := a.runs[executionID]
	a.mu.Unlock()
	if ok {
		cancel()
	}
}

func (a *fakeAgent) finish(executionID string) {
	a.mu.Lock()
	if cancel, ok := a.runs[executionID]; ok {
		cancel()
		delete(a.runs, executionID)
	}
	idle := len(a.runs) == 0
	a.mu.Unlock()

	if idle {
		a.send(dispatch.FrameStatus, dispatch.StatusReport{Status: store.AgentStatusAvailable, Heartbeat: time.Now().UTC()})
	}
}
