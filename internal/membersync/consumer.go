package membersync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agentworkforce/groupsync/internal/queue"
)

const DefaultMaxIterations = 100

// MemberSyncer refreshes one user named in a change event.
type MemberSyncer interface {
	ResyncMember(ctx context.Context, username string) (Result, error)
}

type ConsumerOptions struct {
	Queue         queue.ChangeQueue
	Syncer        MemberSyncer
	Ignore        IgnorePolicy
	MessageKey    string
	MaxIterations int
	Logger        *slog.Logger
	Sanitize      func(error) string
}

// Consumer drains group change notifications from a queue and resyncs every
// member they name.
type Consumer struct {
	queue         queue.ChangeQueue
	syncer        MemberSyncer
	ignore        IgnorePolicy
	messageKey    string
	maxIterations int
	logger        *slog.Logger
	sanitize      func(error) string
}

type DrainStats struct {
	Fetches       int `json:"fetches"`
	Received      int `json:"received"`
	Processed     int `json:"processed"`
	Dropped       int `json:"dropped"`
	Failed        int `json:"failed"`
	Members       int `json:"members"`
	FailedMembers int `json:"failedMembers"`
	// Released counts messages fetched after cancellation and left on the
	// queue for redelivery.
	Released int `json:"released"`
}

func NewConsumer(opts ConsumerOptions) (*Consumer, error) {
	if opts.Queue == nil || opts.Syncer == nil {
		return nil, fmt.Errorf("%w: queue and syncer are required", ErrInvalidInput)
	}
	maxIterations := opts.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	sanitize := opts.Sanitize
	if sanitize == nil {
		sanitize = func(err error) string { return err.Error() }
	}
	return &Consumer{
		queue:         opts.Queue,
		syncer:        opts.Syncer,
		ignore:        opts.Ignore,
		messageKey:    strings.TrimSpace(opts.MessageKey),
		maxIterations: maxIterations,
		logger:        logger,
		sanitize:      sanitize,
	}, nil
}

// Drain fetches batches until one comes back empty or the iteration ceiling
// is reached. Per-message failures are logged and counted, never returned.
//
// Cancelling ctx only stops the loop between batches. A batch whose first
// message has been deleted is always processed to the end, and a batch
// fetched after cancellation is not deleted so the queue redelivers it.
func (c *Consumer) Drain(ctx context.Context) DrainStats {
	work := context.WithoutCancel(ctx)
	stats := DrainStats{}
	capped := true
	for stats.Fetches < c.maxIterations {
		if ctx.Err() != nil {
			c.logger.WarnContext(work, "drain cancelled", "fetches", stats.Fetches)
			capped = false
			break
		}
		stats.Fetches++
		batch, err := c.queue.GetMessages(ctx)
		if err != nil {
			c.logger.ErrorContext(work, "fetch change messages failed", "error", c.sanitize(err))
			capped = false
			break
		}
		if len(batch) == 0 {
			capped = false
			break
		}
		stats.Received += len(batch)
		if ctx.Err() != nil {
			stats.Released += len(batch)
			c.logger.WarnContext(work, "drain cancelled; leaving fetched batch for redelivery", "messages", len(batch))
			capped = false
			break
		}
		for _, msg := range batch {
			c.handle(work, msg, &stats)
		}
	}
	if capped {
		c.logger.WarnContext(work, "drain stopped at iteration ceiling", "max_iterations", c.maxIterations)
	}
	c.logger.InfoContext(work, "drain finished",
		"fetches", stats.Fetches,
		"received", stats.Received,
		"processed", stats.Processed,
		"dropped", stats.Dropped,
		"failed", stats.Failed,
		"released", stats.Released,
	)
	return stats
}

func (c *Consumer) handle(ctx context.Context, msg queue.Message, stats *DrainStats) {
	logger := c.logger.With("message_id", msg.ID)
	if err := c.queue.DeleteMessage(ctx, msg.ReceiptHandle); err != nil {
		logger.WarnContext(ctx, "delete change message failed; processing anyway", "error", c.sanitize(err))
	}
	members, err := c.decode(ctx, msg)
	switch {
	case err != nil:
		stats.Failed++
		logger.ErrorContext(ctx, "decode change message failed", "error", c.sanitize(err))
		return
	case members == nil:
		stats.Dropped++
		return
	}
	failed := 0
	for _, member := range members {
		stats.Members++
		if _, err := c.syncer.ResyncMember(ctx, member); err != nil {
			failed++
			logger.ErrorContext(ctx, "resync member failed", "user", member, "error", c.sanitize(err))
		}
	}
	stats.FailedMembers += failed
	if failed > 0 {
		stats.Failed++
		return
	}
	stats.Processed++
}

// decode returns the members to resync, or nil when the message is not of
// interest.
func (c *Consumer) decode(ctx context.Context, msg queue.Message) ([]string, error) {
	env, raw, err := decodeHeader(msg.Body)
	if err != nil {
		return nil, err
	}
	if env.Action != ActionUpdateMembers || env.GroupID == "" {
		c.logger.InfoContext(ctx, "ignoring change message", "action", env.Action, "group", env.GroupID)
		return nil, nil
	}
	if c.ignore.Ignored(env.GroupID) {
		c.logger.InfoContext(ctx, "ignoring change for ignored group", "action", env.Action, "group", env.GroupID)
		return nil, nil
	}
	body, err := decodeBody(raw, c.messageKey)
	if err != nil {
		return nil, err
	}
	event, err := ParseUpdateMembers(body)
	if err != nil {
		return nil, err
	}
	event.Action = env.Action
	event.GroupID = env.GroupID
	members := event.ChangedMembers()
	c.logger.InfoContext(ctx, "processing change message", "group", event.GroupID, "members", len(members))
	if members == nil {
		members = []string{}
	}
	return members, nil
}
