// Package gateway ties the pieces together: route, call the agent, deliver
// the reply.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/roelfdiedericks/wabridge/internal/agent"
	"github.com/roelfdiedericks/wabridge/internal/dedupe"
	. "github.com/roelfdiedericks/wabridge/internal/logging"
	"github.com/roelfdiedericks/wabridge/internal/router"
	"github.com/roelfdiedericks/wabridge/internal/types"
)

// Resolver picks the route for a message. Implemented by *router.Router.
type Resolver interface {
	Resolve(ctx context.Context, msg *types.IncomingMessage) (*types.Route, error)
}

// Caller invokes an agent. Implemented by *agent.Client.
type Caller interface {
	Call(ctx context.Context, msg *types.IncomingMessage, route *types.Route) (*agent.Reply, error)
}

// Sender delivers reply text. Implemented by *whatsapp.Manager and
// *evolution.Client.
type Sender interface {
	SendText(ctx context.Context, to, text string) error
}

// Options configures a Gateway.
type Options struct {
	Resolver Resolver
	Caller   Caller
	Sender   Sender        // nil disables delivery
	Dedupe   *dedupe.Cache // nil disables duplicate suppression

	MaxConcurrent int // 0 = unbounded
}

// HealthStatus is a snapshot of gateway counters.
type HealthStatus struct {
	Status    string `json:"status"`
	Uptime    int64  `json:"uptime"`
	InFlight  int64  `json:"inFlight"`
	Processed int64  `json:"processed"`
	Failed    int64  `json:"failed"`
	Dropped   int64  `json:"duplicatesDropped"`
}

// Gateway is the orchestrator. It is safe for concurrent use.
type Gateway struct {
	resolver Resolver
	caller   Caller
	sender   Sender
	dedupe   *dedupe.Cache
	sem      *semaphore.Weighted

	startTime time.Time
	wg        sync.WaitGroup

	inFlight  atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// New creates a Gateway.
func New(opts Options) *Gateway {
	g := &Gateway{
		resolver:  opts.Resolver,
		caller:    opts.Caller,
		sender:    opts.Sender,
		dedupe:    opts.Dedupe,
		startTime: time.Now(),
	}
	if opts.MaxConcurrent > 0 {
		g.sem = semaphore.NewWeighted(int64(opts.MaxConcurrent))
	}
	return g
}

// Process runs one message end to end: resolve, call, deliver.
// The result reflects whether the agent produced an answer; a failed
// delivery is logged and does not turn success into failure.
func (g *Gateway) Process(ctx context.Context, msg *types.IncomingMessage) types.AgentResponse {
	route, err := g.resolver.Resolve(ctx, msg)
	if err != nil {
		if errors.Is(err, router.ErrNoRoute) {
			L_info("gateway: no route", "channel", msg.ChannelID, "id", msg.ID)
			return types.AgentResponse{
				Success: false,
				Error:   fmt.Sprintf("No route found for channel: %s", msg.ChannelID),
			}
		}
		L_error("gateway: route lookup failed", "channel", msg.ChannelID, "error", err)
		return types.AgentResponse{
			Success: false,
			Error:   fmt.Sprintf("route lookup failed: %v", err),
		}
	}

	start := time.Now()
	reply, err := g.caller.Call(ctx, msg, route)
	if err != nil {
		L_error("gateway: agent call failed",
			"channel", msg.ChannelID,
			"endpoint", route.AgentEndpoint,
			"error", err)
		return types.AgentResponse{
			Success: false,
			Error:   fmt.Sprintf("agent call failed: %v", err),
			Metadata: map[string]any{
				"agentEndpoint": route.AgentEndpoint,
			},
		}
	}
	L_debug("gateway: agent replied", "channel", msg.ChannelID, "chars", len(reply.Text), "elapsed", time.Since(start).String())

	metadata := make(map[string]any, len(reply.Metadata)+2)
	maps.Copy(metadata, reply.Metadata)
	metadata["agentEndpoint"] = route.AgentEndpoint
	metadata["environment"] = route.Environment

	if reply.Text == "" {
		L_debug("gateway: agent chose not to reply", "channel", msg.ChannelID)
		return types.AgentResponse{Success: true, Metadata: metadata}
	}

	g.deliver(ctx, types.ReplyTo(*msg, reply.Text))

	return types.AgentResponse{
		Success:  true,
		Response: reply.Text,
		Metadata: metadata,
	}
}

// deliver sends out best-effort.
func (g *Gateway) deliver(ctx context.Context, out types.OutgoingMessage) {
	if g.sender == nil {
		L_debug("gateway: outbound disabled, reply not sent", "channel", out.ChannelID)
		return
	}
	if err := g.sender.SendText(ctx, out.To, out.Text); err != nil {
		L_warn("gateway: reply delivery failed", "to", out.To, "error", err)
		return
	}
	L_info("gateway: reply delivered", "to", out.To, "chars", len(out.Text))
}

// HandleMessage is the inbound subscriber for the socket and the webhook.
// Duplicates are dropped; everything else is processed in the background
// so the caller never waits on an agent.
func (g *Gateway) HandleMessage(ctx context.Context, msg *types.IncomingMessage) error {
	if msg == nil {
		return errors.New("gateway: nil message")
	}
	if g.dedupe != nil && g.dedupe.CheckAndMark(msg.ID) {
		g.dropped.Add(1)
		L_debug("gateway: duplicate message dropped", "id", msg.ID, "channel", msg.ChannelID)
		return nil
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		// Detached from the delivering request; only its values are kept
		runCtx := context.WithoutCancel(ctx)

		if g.sem != nil {
			if err := g.sem.Acquire(runCtx, 1); err != nil {
				L_error("gateway: acquire slot failed", "id", msg.ID, "error", err)
				return
			}
			defer g.sem.Release(1)
		}

		g.inFlight.Add(1)
		defer g.inFlight.Add(-1)

		res := g.Process(runCtx, msg)
		if res.Success {
			g.processed.Add(1)
		} else {
			g.failed.Add(1)
		}
		L_debug("gateway: message processed", "id", msg.ID, "success", res.Success, "error", res.Error)
	}()
	return nil
}

// Wait blocks until all background processing has finished.
func (g *Gateway) Wait() {
	g.wg.Wait()
}

// Shutdown waits for in-flight messages, giving up when ctx ends.
func (g *Gateway) Shutdown(ctx context.Context) error {
	L_info("gateway: shutting down", "inFlight", g.inFlight.Load())
	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gateway: shutdown: %w", ctx.Err())
	}
}

// Health returns the gateway counters.
func (g *Gateway) Health() HealthStatus {
	return HealthStatus{
		Status:    "healthy",
		Uptime:    int64(time.Since(g.startTime).Seconds()),
		InFlight:  g.inFlight.Load(),
		Processed: g.processed.Load(),
		Failed:    g.failed.Load(),
		Dropped:   g.dropped.Load(),
	}
}
