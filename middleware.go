package spice

import (
	"context"
	"fmt"
	"log/slog"
)

// Transformer is a cross-cutting interceptor invoked around node execution.
// Implementations usually embed BaseTransformer and override the hooks they
// need. Each hook returns the (possibly replaced) message.
type Transformer interface {
	// BeforeExecution runs once, before the entry node.
	BeforeExecution(ctx context.Context, g *Graph, msg Message) (Message, error)
	// BeforeNode runs before every node.
	BeforeNode(ctx context.Context, g *Graph, nodeID string, msg Message) (Message, error)
	// AfterNode runs after every node, seeing both the node's input and output.
	AfterNode(ctx context.Context, g *Graph, nodeID string, in, out Message) (Message, error)
	// AfterExecution is cleanup-phase: it runs once after the run settles and
	// must never abort it — failures are logged and the chain continues.
	AfterExecution(ctx context.Context, g *Graph, in, out Message) (Message, error)
	// OnError sees a node failure. Returning recovered=true substitutes the
	// returned message and the run continues; otherwise the failure propagates.
	OnError(ctx context.Context, g *Graph, msg Message, cause error) (Message, bool)
}

// BaseTransformer is a no-op Transformer for embedding.
type BaseTransformer struct{}

func (BaseTransformer) BeforeExecution(_ context.Context, _ *Graph, msg Message) (Message, error) {
	return msg, nil
}

func (BaseTransformer) BeforeNode(_ context.Context, _ *Graph, _ string, msg Message) (Message, error) {
	return msg, nil
}

func (BaseTransformer) AfterNode(_ context.Context, _ *Graph, _ string, _ Message, out Message) (Message, error) {
	return out, nil
}

func (BaseTransformer) AfterExecution(_ context.Context, _ *Graph, _ Message, out Message) (Message, error) {
	return out, nil
}

func (BaseTransformer) OnError(_ context.Context, _ *Graph, msg Message, _ error) (Message, bool) {
	return msg, false
}

// transformerChain applies a graph's transformers in declaration order.
// With continueOnFailure, a failing transformer is logged, the current message
// is preserved, and the next transformer runs; otherwise the chain
// short-circuits and surfaces the failure.
type transformerChain struct {
	transformers      []Transformer
	continueOnFailure bool
	logger            *slog.Logger
}

// apply runs one phase of the chain. step invokes a single transformer's hook
// and must recover the phase's message on failure.
func (c *transformerChain) apply(phase string, msg Message, step func(Transformer, Message) (Message, error)) (Message, error) {
	current := msg
	for i, t := range c.transformers {
		next, err := c.safeStep(t, current, step)
		if err != nil {
			if phase == "afterExecution" || c.continueOnFailure {
				c.logger.Warn("transformer failed, continuing",
					"phase", phase, "index", i, "error", err)
				continue
			}
			return current, fmt.Errorf("transformer %d in %s: %w", i, phase, err)
		}
		current = next
	}
	return current, nil
}

// safeStep contains transformer panics, converting them to errors so a broken
// interceptor cannot take down the run loop.
func (c *transformerChain) safeStep(t Transformer, msg Message, step func(Transformer, Message) (Message, error)) (out Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = msg
			err = fmt.Errorf("transformer panic: %v", r)
		}
	}()
	return step(t, msg)
}

func (c *transformerChain) beforeExecution(ctx context.Context, g *Graph, msg Message) (Message, error) {
	return c.apply("beforeExecution", msg, func(t Transformer, m Message) (Message, error) {
		return t.BeforeExecution(ctx, g, m)
	})
}

func (c *transformerChain) beforeNode(ctx context.Context, g *Graph, nodeID string, msg Message) (Message, error) {
	return c.apply("beforeNode", msg, func(t Transformer, m Message) (Message, error) {
		return t.BeforeNode(ctx, g, nodeID, m)
	})
}

func (c *transformerChain) afterNode(ctx context.Context, g *Graph, nodeID string, in, out Message) (Message, error) {
	return c.apply("afterNode", out, func(t Transformer, m Message) (Message, error) {
		return t.AfterNode(ctx, g, nodeID, in, m)
	})
}

func (c *transformerChain) afterExecution(ctx context.Context, g *Graph, in, out Message) Message {
	// Cleanup phase: failures never abort.
	final, _ := c.apply("afterExecution", out, func(t Transformer, m Message) (Message, error) {
		return t.AfterExecution(ctx, g, in, m)
	})
	return final
}

// onError offers the failure to each transformer in order; the first one that
// recovers wins.
func (c *transformerChain) onError(ctx context.Context, g *Graph, msg Message, cause error) (Message, bool) {
	for i, t := range c.transformers {
		recovered, ok := c.safeOnError(t, ctx, g, msg, cause)
		if ok {
			c.logger.Info("transformer recovered node failure",
				"index", i, "error", cause)
			return recovered, true
		}
	}
	return msg, false
}

func (c *transformerChain) safeOnError(t Transformer, ctx context.Context, g *Graph, msg Message, cause error) (out Message, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("transformer panicked in onError", "panic", r)
			out, ok = msg, false
		}
	}()
	return t.OnError(ctx, g, msg, cause)
}
