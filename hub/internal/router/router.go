// Package router decides the fan-out of every inbound chat message, persists
// it and dispatches it to the online members of its delivery set.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/samber/lo"

	"github.com/amurg-ai/relay/hub/internal/history"
	"github.com/amurg-ai/relay/hub/internal/membership"
	"github.com/amurg-ai/relay/hub/internal/presence"
	"github.com/amurg-ai/relay/hub/internal/store"
)

// Dispatcher pushes a persisted message to one live connection. It must not
// block on a slow peer; an error counts as a delivery miss.
type Dispatcher interface {
	Deliver(conn presence.Conn, msg store.Message) error
}

// Report describes the outcome of routing one message.
type Report struct {
	Message   store.Message
	Persisted bool
	// Delivered lists identities the message was pushed to.
	Delivered []string
	// Missed lists identities in the delivery set that were offline or whose
	// connection could not take the message.
	Missed []string
}

// Options configures the Router.
type Options struct {
	MaxTextBytes int // 0 = unlimited
}

// Router routes messages between registered identities.
type Router struct {
	registry   *presence.Registry
	resolver   *membership.Resolver
	history    *history.Log
	dispatcher Dispatcher
	logger     *slog.Logger

	maxTextBytes int
}

// New creates a new Router.
func New(reg *presence.Registry, res *membership.Resolver, hist *history.Log, d Dispatcher, logger *slog.Logger, opts Options) *Router {
	return &Router{
		registry:     reg,
		resolver:     res,
		history:      hist,
		dispatcher:   d,
		logger:       logger.With("component", "router"),
		maxTextBytes: opts.MaxTextBytes,
	}
}

// Route validates, classifies, persists and dispatches a message from the
// registered identity from to the conversation key to. Persistence completes
// before any delivery is attempted; if it fails nothing is delivered.
func (r *Router) Route(ctx context.Context, from, to, text string) (Report, error) {
	if text == "" {
		return Report{}, fmt.Errorf("%w: empty text", ErrInvalidMessage)
	}
	if r.maxTextBytes > 0 && len(text) > r.maxTextBytes {
		return Report{}, fmt.Errorf("%w: text exceeds %d bytes", ErrInvalidMessage, r.maxTextBytes)
	}
	if strings.TrimSpace(to) == "" {
		return Report{}, fmt.Errorf("%w: missing destination", ErrInvalidMessage)
	}
	if !r.registry.IsOnline(from) {
		return Report{}, fmt.Errorf("%w: sender %q is not registered", ErrInvalidMessage, from)
	}

	dest, err := r.resolver.Classify(ctx, to)
	if err != nil {
		r.logger.Warn("destination resolution failed", "from", from, "to", to, "error", err)
		return Report{}, err
	}

	_, isGroup := dest.(membership.Group)
	msg, err := r.history.Append(ctx, store.Message{
		From:    from,
		To:      dest.Key(),
		Text:    text,
		IsGroup: isGroup,
	})
	if err != nil {
		r.logger.Error("persist message failed", "from", from, "to", to, "error", err)
		return Report{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	targets, err := r.dispatchSet(ctx, dest)
	if err != nil {
		// The message is stored; members pick it up from history.
		r.logger.Warn("re-read group members failed, skipping live delivery",
			"message_id", msg.ID, "group", msg.To, "error", err)
	}

	report := Report{Message: msg, Persisted: true, Delivered: []string{}}
	for _, identity := range targets {
		conn, ok := r.registry.Lookup(identity)
		if !ok {
			report.Missed = append(report.Missed, identity)
			continue
		}
		if err := r.dispatcher.Deliver(conn, msg); err != nil {
			r.logger.Debug("delivery missed", "message_id", msg.ID, "to", identity, "error", err)
			report.Missed = append(report.Missed, identity)
			continue
		}
		report.Delivered = append(report.Delivered, identity)
	}

	r.logger.Debug("message routed", "message_id", msg.ID, "from", from, "to", msg.To,
		"group", isGroup, "delivered", len(report.Delivered), "missed", len(report.Missed))
	return report, nil
}

// dispatchSet returns the identities a persisted message to dest is pushed
// to. Group membership is read again after persistence so that members
// removed in the meantime are not sent the message live. A group deleted in
// the meantime has nobody to deliver to.
func (r *Router) dispatchSet(ctx context.Context, dest membership.Destination) ([]string, error) {
	switch d := dest.(type) {
	case membership.Private:
		return []string{d.Identity}, nil
	case membership.Group:
		g, err := r.resolver.FindGroup(ctx, d.Handle)
		if err != nil {
			return nil, err
		}
		if g == nil {
			return nil, nil
		}
		return lo.Uniq(g.Members), nil
	default:
		return nil, nil
	}
}
