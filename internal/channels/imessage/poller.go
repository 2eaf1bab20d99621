package imessage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nextlevelbuilder/goclaw-imessage/internal/bus"
	"github.com/nextlevelbuilder/goclaw-imessage/internal/channels"
	"github.com/nextlevelbuilder/goclaw-imessage/internal/config"
	"github.com/nextlevelbuilder/goclaw-imessage/internal/metrics"
	"github.com/nextlevelbuilder/goclaw-imessage/internal/sessions"
	"github.com/nextlevelbuilder/goclaw-imessage/internal/tracing"
)

// Poller tails chat.db for one account. It owns the database handle, the
// contact cache, the watermark and the lease token; nothing is shared with
// other pollers except the lease and watermark files.
type Poller struct {
	acc      config.IMessageAccount
	policy   *channels.BaseChannel
	handler  bus.MessageHandler
	lease    *Lease
	store    *WatermarkStore
	owner    string
	channel  string
	agentID  string
	contacts []string // address book paths; nil disables contact names

	db       *ChatDB
	resolver *ContactResolver
	norm     *Normalizer
	wm       *Watermark

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
	onExit   func()
}

// PollerOptions configures NewPoller.
type PollerOptions struct {
	Account      config.IMessageAccount
	StateDir     string // per-account state directory
	Channel      string // channel name stamped on events
	AgentID      string
	Handler      bus.MessageHandler
	ContactPaths []string // nil = DefaultAddressBookPaths when contact names are enabled
	OnExit       func()   // called once when the loop ends for any reason
}

// NewPoller creates a poller. Nothing is opened until Start.
func NewPoller(opts PollerOptions) *Poller {
	contacts := opts.ContactPaths
	if !opts.Account.ResolveContactNames {
		contacts = nil
	} else if contacts == nil {
		contacts = DefaultAddressBookPaths()
	}
	return &Poller{
		acc:      opts.Account,
		policy:   channels.NewBaseChannel(opts.Channel, opts.Account.AllowFrom, NormalizeHandle),
		handler:  opts.Handler,
		lease:    NewLease(LeasePath(opts.StateDir)),
		store:    NewWatermarkStore(WatermarkPath(opts.StateDir)),
		owner:    NewOwnerToken(),
		channel:  opts.Channel,
		agentID:  opts.AgentID,
		contacts: contacts,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		onExit:   opts.OnExit,
	}
}

// Owner returns this poller's lease token.
func (p *Poller) Owner() string { return p.owner }

// Start opens chat.db, loads the watermark, claims the lease and launches
// the poll loop. An error means nothing was started.
func (p *Poller) Start(ctx context.Context) error {
	if err := p.open(ctx); err != nil {
		return err
	}
	go p.loop(ctx)
	return nil
}

// open prepares the poller without starting the loop.
func (p *Poller) open(ctx context.Context) error {
	db, err := OpenChatDB(ctx, p.acc.DBPath)
	if err != nil {
		return err
	}

	wm, err := p.store.Load(ctx, db.MaxRowID)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("load watermark: %w", err)
	}

	p.db = db
	p.wm = wm
	if len(p.contacts) > 0 {
		p.resolver = NewContactResolver(p.contacts)
	}
	var names nameResolver
	if p.resolver != nil {
		names = p.resolver
	}
	p.norm = NewNormalizer(db, names, p.channel, p.acc.ID, p.agentID)

	if err := p.lease.Claim(p.owner); err != nil {
		slog.Warn("imessage: lease claim failed, running without exclusivity",
			"account", p.acc.ID, "path", p.lease.Path(), "error", err)
	}
	if err := p.store.Persist(p.wm); err != nil {
		slog.Warn("imessage: persist watermark failed", "account", p.acc.ID, "error", err)
	}
	metrics.SetWatermark(p.acc.ID, p.wm.LastRowID)

	slog.Info("imessage poller started",
		"account", p.acc.ID,
		"db", db.Path(),
		"last_row_id", p.wm.LastRowID,
		"interval", p.acc.PollInterval,
		"dm_policy", p.acc.DMPolicy,
	)
	return nil
}

// Stop ends the loop and waits for the current tick to finish or ctx to expire.
func (p *Poller) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stopCh) })
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the loop has exited and resources are released.
func (p *Poller) Done() <-chan struct{} { return p.done }

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)
	defer p.teardown()

	timer := time.NewTimer(p.acc.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-timer.C:
			if !p.tick(ctx) {
				return
			}
			// Scheduled after the tick completes, so ticks never overlap.
			timer.Reset(p.acc.PollInterval)
		}
	}
}

// tick runs one poll cycle. It returns false when this instance has lost
// the lease and must stop.
//
// Cancelling ctx or calling Stop does not interrupt the row being handled:
// its dispatch and sends run on a context detached from ctx. Rows after it
// are left above the watermark for the next start.
func (p *Poller) tick(ctx context.Context) bool {
	abort := ctx
	ctx = context.WithoutCancel(ctx)

	if !p.lease.IsActive(p.owner) {
		slog.Warn("imessage: another instance claimed the lease, stopping",
			"account", p.acc.ID, "owner", p.owner)
		return false
	}

	ctx, span := tracing.Tracer().Start(ctx, "imessage.poll")
	span.SetAttributes(
		attribute.String("account", p.acc.ID),
		attribute.Int64("after_row_id", p.wm.LastRowID),
	)
	defer span.End()

	rows, err := p.db.Poll(ctx, p.wm.LastRowID)
	if err != nil {
		metrics.PollError(p.acc.ID)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("imessage: poll failed", "account", p.acc.ID, "error", err)
		return true
	}
	span.SetAttributes(attribute.Int("rows", len(rows)))
	if len(rows) == 0 {
		return true
	}
	metrics.RowsPolled(p.acc.ID, len(rows))

	for _, d := range p.selectRows(rows) {
		if p.stopping(abort) {
			slog.Info("imessage: stopping mid-batch, rest left for next start",
				"account", p.acc.ID, "next_row_id", d.row.RowID)
			break
		}
		if d.skip != "" {
			metrics.RowFiltered(p.acc.ID, d.skip)
			slog.Debug("imessage: row skipped", "account", p.acc.ID, "rowid", d.row.RowID, "reason", d.skip)
		} else {
			msg := p.norm.BuildEvent(ctx, d.row, d.cls)
			slog.Info("imessage message received",
				"account", p.acc.ID,
				"rowid", d.row.RowID,
				"sender", d.row.Sender,
				"kind", d.cls.Kind.String(),
				"preview", channels.Truncate(msg.Content, 50),
			)
			if err := p.handler(ctx, msg); err != nil {
				slog.Error("imessage: handler failed", "account", p.acc.ID, "rowid", d.row.RowID, "error", err)
			}
		}
		p.wm.Advance(d.row.RowID)
	}

	if err := p.store.Persist(p.wm); err != nil {
		slog.Warn("imessage: persist watermark failed", "account", p.acc.ID, "error", err)
	}
	metrics.SetWatermark(p.acc.ID, p.wm.LastRowID)
	return true
}

// stopping reports whether the loop has been asked to end.
func (p *Poller) stopping(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

// rowDecision is the verdict on one polled row. skip is empty for rows
// that become events.
type rowDecision struct {
	row  RawRow
	cls  Classification
	skip string
}

// selectRows filters a batch in ROWID order: rows already processed,
// senders rejected by policy and rows Classify drops are skipped.
func (p *Poller) selectRows(rows []RawRow) []rowDecision {
	out := make([]rowDecision, 0, len(rows))
	batch := make(map[int64]struct{}, len(rows))
	for _, r := range rows {
		d := rowDecision{row: r}
		_, dup := batch[r.RowID]
		batch[r.RowID] = struct{}{}

		peerKind := string(sessions.PeerKindFromGroup(r.IsGroup))
		switch {
		case dup || p.wm.Seen(r.RowID) || r.RowID <= p.wm.LastRowID:
			d.skip = "duplicate"
		case r.IsFromMe:
			d.skip = "from_me"
		case !p.policy.CheckPolicy(peerKind, p.acc.DMPolicy, p.acc.GroupPolicy, r.Sender):
			d.skip = "policy"
		default:
			d.cls = Classify(r, p.acc.IncludeTapbacks)
			if d.cls.Kind == KindDrop {
				d.skip = d.cls.Reason
			}
		}
		out = append(out, d)
	}
	return out
}

func (p *Poller) teardown() {
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			slog.Debug("imessage: close chat.db", "account", p.acc.ID, "error", err)
		}
	}
	if p.resolver != nil {
		p.resolver.Close()
	}
	slog.Info("imessage poller stopped", "account", p.acc.ID, "last_row_id", p.wm.LastRowID)
	if p.onExit != nil {
		p.onExit()
	}
}
