// Package leader runs the single process per trading mode that owns the
// brokerage session, and the supervisor that keeps it alive.
package leader

import (
	"context"
	"errors"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"brokerd/internal/config"
	"brokerd/internal/ipc"
	"brokerd/internal/logger"
	"brokerd/internal/pkg/reason"
	"brokerd/internal/pkg/text"
)

var loopLog = logger.Named("leader")

const (
	TaskWatchlist  = "watchlist"
	TaskSnapshot   = "snapshot"
	TaskOpenOrders = "open_orders"
	TaskExecutions = "executions"
	TaskCommands   = "commands"
)

const maxErrLen = 256

type task struct {
	name    string
	every   time.Duration
	lastRun time.Time
	ran     bool
	run     func(ctx context.Context, now time.Time) error
}

// due uses the monotonic reading carried by time.Now values.
func (t *task) due(now time.Time) bool {
	return !t.ran || now.Sub(t.lastRun) >= t.every
}

// Loop is the leader's single-threaded cooperative scheduler.
type Loop struct {
	cfg     config.LeaderConfig
	mode    string
	layout  ipc.Layout
	session Session
	now     func() time.Time
	pid     int

	tasks      []*task
	watchlist  []string
	openOrders ipc.OpenOrdersSnapshot
	positions  []ipc.PositionItem
	errCount   int
	lastErr    string
	processed  *ipc.ProcessedCommands
}

type LoopOption func(*Loop)

func WithLoopClock(now func() time.Time) LoopOption {
	return func(l *Loop) {
		if now != nil {
			l.now = now
		}
	}
}

func NewLoop(cfg config.LeaderConfig, mode string, layout ipc.Layout, session Session, opts ...LoopOption) *Loop {
	l := &Loop{
		cfg:     cfg,
		mode:    mode,
		layout:  layout,
		session: session,
		now:     time.Now,
		pid:     os.Getpid(),
	}
	for _, opt := range opts {
		opt(l)
	}
	iv := cfg.Intervals
	l.tasks = []*task{
		{name: TaskWatchlist, every: millisOr(iv.WatchlistMillis, 5*time.Second), run: l.refreshWatchlist},
		{name: TaskOpenOrders, every: millisOr(iv.OpenOrdersMillis, 2*time.Second), run: l.pollOpenOrders},
		{name: TaskSnapshot, every: millisOr(iv.SnapshotMillis, 5*time.Second), run: l.snapshot},
		{name: TaskExecutions, every: millisOr(iv.ExecutionsMillis, time.Second), run: l.tailExecutions},
		{name: TaskCommands, every: millisOr(iv.CommandsMillis, 500*time.Millisecond), run: l.drainCommands},
	}
	return l
}

func millisOr(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// Run ticks until ctx is done and writes a final stopped status.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.layout.Ensure(); err != nil {
		return err
	}
	if err := l.session.Connect(ctx); err != nil {
		l.recordErr("connect", err)
	}
	tick := l.cfg.Tick()
	if tick <= 0 {
		tick = 250 * time.Millisecond
	}
	loopLog.Infof("leader loop 启动 mode=%s tick=%s pid=%d", l.mode, tick, l.pid)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		l.Tick(ctx)
		select {
		case <-ctx.Done():
			l.writeStatus(l.now(), ipc.LeaderStopped)
			_ = l.session.Close()
			loopLog.Infof("leader loop 退出 mode=%s", l.mode)
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs every due sub-task once, then writes the status file.
func (l *Loop) Tick(ctx context.Context) []string {
	var ran []string
	for _, t := range l.tasks {
		now := l.now()
		if !t.due(now) {
			continue
		}
		t.lastRun, t.ran = now, true
		if err := t.run(ctx, now); err != nil {
			l.recordErr(t.name, err)
		}
		ran = append(ran, t.name)
	}
	status := ipc.LeaderOK
	if !l.session.Healthy() || l.openOrders.Stale {
		status = ipc.LeaderDegraded
	}
	l.writeStatus(l.now(), status)
	return ran
}

func (l *Loop) recordErr(stage string, err error) {
	l.errCount++
	l.lastErr = text.Truncate(stage+": "+err.Error(), maxErrLen)
	loopLog.Warnf("leader %s 失败: %v", stage, err)
}

func (l *Loop) writeStatus(now time.Time, status string) {
	st := ipc.LeaderStatus{
		Status:            status,
		LastHeartbeat:     now.UTC(),
		Stale:             l.openOrders.Stale,
		SubscribedSymbols: l.watchlist,
		ErrorCount:        l.errCount,
		LastError:         l.lastErr,
		MarketDataType:    l.session.MarketDataType(),
		PID:               l.pid,
		Mode:              l.mode,
	}
	if st.SubscribedSymbols == nil {
		st.SubscribedSymbols = []string{}
	}
	if err := ipc.WriteJSON(l.layout.StatusFile(), st); err != nil {
		loopLog.Errorf("写 leader status 失败: %v", err)
	}
}

func (l *Loop) refreshWatchlist(_ context.Context, now time.Time) error {
	set := make(map[string]struct{})
	for _, s := range l.cfg.StaticSymbols {
		set[strings.ToUpper(strings.TrimSpace(s))] = struct{}{}
	}
	for _, it := range l.openOrders.Items {
		set[strings.ToUpper(it.Symbol)] = struct{}{}
	}
	for _, p := range l.positions {
		if !p.Quantity.IsZero() {
			set[strings.ToUpper(p.Symbol)] = struct{}{}
		}
	}
	delete(set, "")
	next := make([]string, 0, len(set))
	for s := range set {
		next = append(next, s)
	}
	sort.Strings(next)
	if equalStrings(next, l.watchlist) && l.watchlist != nil {
		return nil
	}
	if err := ipc.WriteJSON(l.layout.WatchlistFile(), ipc.Watchlist{Symbols: next, UpdatedAt: now.UTC()}); err != nil {
		return err
	}
	l.watchlist = next
	loopLog.Infof("watchlist 更新 mode=%s symbols=%v", l.mode, next)
	return l.session.Subscribe(next)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (l *Loop) pollOpenOrders(ctx context.Context, now time.Time) error {
	items, err := l.session.OpenOrders(ctx)
	if err != nil {
		// keep the last items but flag them so reconciliation does not trust them
		l.openOrders.Stale = true
		if werr := ipc.WriteJSON(l.layout.OpenOrdersFile(), l.openOrders); werr != nil {
			return errors.Join(err, werr)
		}
		return err
	}
	if items == nil {
		items = []ipc.OpenOrderItem{}
	}
	l.openOrders = ipc.OpenOrdersSnapshot{Items: items, Stale: false, RefreshedAt: now.UTC()}
	return ipc.WriteJSON(l.layout.OpenOrdersFile(), l.openOrders)
}

func (l *Loop) snapshot(ctx context.Context, now time.Time) error {
	var errs []error
	if items, err := l.session.Positions(ctx); err != nil {
		errs = append(errs, err)
		var prev ipc.PositionsSnapshot
		if _, rerr := ipc.ReadJSON(l.layout.PositionsFile(), &prev); rerr == nil {
			prev.Stale = true
			errs = append(errs, ipc.WriteJSON(l.layout.PositionsFile(), prev))
		}
	} else {
		l.positions = items
		if items == nil {
			items = []ipc.PositionItem{}
		}
		errs = append(errs, ipc.WriteJSON(l.layout.PositionsFile(), ipc.PositionsSnapshot{
			Items: items, RefreshedAt: now.UTC(), SourceDetail: "session",
		}))
	}
	if acct, err := l.session.Account(ctx); err != nil {
		errs = append(errs, err)
	} else {
		errs = append(errs, ipc.WriteJSON(l.layout.AccountFile(), acct))
	}
	if len(l.watchlist) > 0 {
		if quotes, err := l.session.Quotes(ctx, l.watchlist); err != nil {
			errs = append(errs, err)
		} else {
			errs = append(errs, ipc.WriteJSON(l.layout.QuotesFile(), ipc.QuotesSnapshot{Items: quotes, RefreshedAt: now.UTC()}))
		}
	}
	return errors.Join(errs...)
}

func (l *Loop) tailExecutions(ctx context.Context, _ time.Time) error {
	events, err := l.session.Executions(ctx)
	if err != nil {
		return err
	}
	for _, ev := range events {
		tag := ev.Tag
		if tag == "" {
			tag = "order-" + strconv.FormatInt(ev.OrderID, 10)
		}
		if err := ipc.AppendEvent(l.layout.EventLog(tag), ev); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loop) drainCommands(ctx context.Context, now time.Time) error {
	if l.processed == nil {
		processed, err := ipc.LoadProcessed(l.layout.ProcessedFile(), ipc.ProcessedRetention)
		if err != nil {
			loopLog.Warnf("已处理命令记录不可读，重新开始 path=%s err=%v", l.layout.ProcessedFile(), err)
		}
		l.processed = processed
	}
	pending, err := ipc.PendingCommands(l.layout)
	if err != nil {
		return err
	}
	for _, pc := range pending {
		l.handleCommand(ctx, now, pc)
		if err := os.Remove(pc.Path); err != nil && !os.IsNotExist(err) {
			loopLog.Warnf("删除命令文件失败 path=%s err=%v", pc.Path, err)
		}
	}
	return nil
}

func (l *Loop) handleCommand(ctx context.Context, now time.Time, pc ipc.PendingCommand) {
	cmd := pc.Command
	if pc.Err != nil {
		loopLog.Warnf("丢弃非法命令 path=%s err=%v", pc.Path, pc.Err)
		if cmd.CommandID != "" {
			l.writeResult(cmd, ipc.ResultInvalid, "", reason.CommandInvalid, pc.Err)
		}
		return
	}
	if l.processed.Seen(cmd.CommandID) {
		loopLog.Debugf("命令已执行，丢弃重复 id=%s", cmd.CommandID)
		return
	}
	if _, found, _ := ipc.ReadResult(l.layout, cmd.CommandID); found {
		loopLog.Debugf("命令已处理，丢弃重复 id=%s", cmd.CommandID)
		return
	}
	if l.expired(cmd, now) {
		l.writeResult(cmd, ipc.ResultExpired, "", reason.CommandExpired, errors.New("command expired before execution"))
		return
	}
	switch cmd.Type {
	case ipc.CommandSubmitOrder:
		brokerID, err := l.session.PlaceOrder(ctx, cmd)
		if err != nil {
			l.writeResult(cmd, ipc.ResultRejected, "", "", err)
			return
		}
		l.writeResult(cmd, ipc.ResultOK, brokerID, "", nil)
	case ipc.CommandCancelOrder:
		if err := l.session.CancelOrder(ctx, cmd); err != nil {
			l.writeResult(cmd, ipc.ResultError, cmd.BrokerOrderID, "", err)
			return
		}
		l.writeResult(cmd, ipc.ResultOK, cmd.BrokerOrderID, "", nil)
	default:
		l.writeResult(cmd, ipc.ResultInvalid, "", reason.CommandInvalid, errors.New("unknown command type"))
	}
}

func (l *Loop) expired(cmd ipc.Command, now time.Time) bool {
	if cmd.Expired(now) {
		return true
	}
	ttl := l.cfg.CommandTTL()
	return cmd.ExpiresAt.IsZero() && ttl > 0 && !cmd.RequestedAt.IsZero() && now.Sub(cmd.RequestedAt) > ttl
}

func (l *Loop) writeResult(cmd ipc.Command, status, brokerID string, code reason.Code, err error) {
	res := ipc.CommandResult{
		CommandID:     cmd.CommandID,
		Type:          cmd.Type,
		Status:        status,
		OrderID:       cmd.OrderID,
		Tag:           cmd.Tag,
		BrokerOrderID: brokerID,
		Code:          string(code),
		CompletedAt:   l.now().UTC(),
	}
	if err != nil {
		res.Error = err.Error()
	}
	if l.processed != nil {
		if perr := l.processed.Mark(cmd.CommandID, res.CompletedAt); perr != nil {
			loopLog.Warnf("记录已处理命令失败 id=%s err=%v", cmd.CommandID, perr)
		}
	}
	if werr := ipc.WriteResult(l.layout, res); werr != nil {
		loopLog.Errorf("写命令结果失败 id=%s err=%v", cmd.CommandID, werr)
		return
	}
	loopLog.Infof("命令完成 id=%s type=%s status=%s", cmd.CommandID, cmd.Type, status)
}
