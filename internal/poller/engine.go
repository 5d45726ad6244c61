package poller

import (
	"context"
	"errors"
	"fmt"
	"html"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/deziikuoo/Lillyalbaab-Social/internal/activity"
	"github.com/deziikuoo/Lillyalbaab-Social/internal/models"
	"github.com/deziikuoo/Lillyalbaab-Social/internal/source"
)

// State is the engine's position within a poll cycle
type State string

const (
	StateIdle        State = "idle"
	StateFetching    State = "fetching"
	StateDiffing     State = "diffing"
	StateDispatching State = "dispatching"
	StateCommitting  State = "committing"
	StateError       State = "error"
)

// Channel delivers one item to the outbound destination
type Channel interface {
	Send(ctx context.Context, item models.Item, caption string) (models.DeliveryReceipt, error)
}

// Cache is the dedup state the engine reads and commits
type Cache interface {
	Snapshot(ctx context.Context, target string) ([]models.Item, error)
	ReplaceSnapshot(ctx context.Context, target string, items []models.Item) error
	IsProcessed(ctx context.Context, target, itemID string) (bool, error)
	MarkProcessed(ctx context.Context, target string, item models.Item) error
	Sweep(ctx context.Context, olderThan time.Duration) (int64, error)
}

// EngineConfig holds the engine's tunables
type EngineConfig struct {
	FetchTimeout time.Duration
	// ProfileURL builds the link used in captions. Optional.
	ProfileURL func(target string) string
}

// Engine runs poll cycles: fetch, diff against the committed snapshot,
// dispatch new items, then commit. Cycles never overlap.
type Engine struct {
	source  source.ItemSource
	cache   Cache
	channel Channel
	tracker *activity.Tracker
	cfg     EngineConfig
	logger  *log.Logger

	cycleMu sync.Mutex

	stateMu sync.RWMutex
	state   State
}

// NewEngine wires an engine from its collaborators
func NewEngine(src source.ItemSource, c Cache, ch Channel, tracker *activity.Tracker, cfg EngineConfig, logger *log.Logger) *Engine {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	return &Engine{
		source:  src,
		cache:   c,
		channel: ch,
		tracker: tracker,
		cfg:     cfg,
		logger:  logger,
		state:   StateIdle,
	}
}

func (e *Engine) State() State {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.stateMu.Lock()
	e.state = s
	e.stateMu.Unlock()
}

// Tracker exposes the activity tracker for status reporting
func (e *Engine) Tracker() *activity.Tracker {
	return e.tracker
}

// RunCycle performs one full poll cycle for target. Force only skips the
// early exit when nothing is new; known items are never dispatched again.
//
// A started cycle always runs to completion: cancelling ctx does not abort
// dispatch or commit. Each remote call is bounded by its own timeout.
func (e *Engine) RunCycle(ctx context.Context, target string, force bool) (result models.CycleResult) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	ctx = context.WithoutCancel(ctx)

	result = models.CycleResult{
		Target:    target,
		Forced:    force,
		StartedAt: time.Now().UTC(),
	}
	defer func() {
		if r := recover(); r != nil {
			e.setState(StateError)
			result.ErrorClass = models.ErrorPanic
			result.ErrorMessage = fmt.Sprintf("cycle panicked: %v", r)
			e.logger.Error("poll cycle panicked", "target", target, "panic", r)
		}
		result.FinishedAt = time.Now().UTC()
	}()

	e.setState(StateFetching)
	fetched, err := e.fetch(ctx, target)
	if err != nil {
		e.setState(StateError)
		result.ErrorClass = models.ErrorFetch
		result.ErrorMessage = err.Error()
		result.ActivityLevel = e.tracker.Level()
		e.logger.Error("fetch failed", "target", target, "err", err)
		return result
	}
	result.Fetched = len(fetched)

	e.setState(StateDiffing)
	fresh := e.diff(ctx, target, fetched)
	result.New = len(fresh)

	failed := map[string]bool{}
	if len(fresh) > 0 || force {
		e.setState(StateDispatching)
		failed = e.dispatch(ctx, target, fresh, &result)
	} else {
		e.logger.Debug("no new items", "target", target, "fetched", len(fetched))
	}

	e.setState(StateCommitting)
	snapshot := make([]models.Item, len(fetched))
	for i, item := range fetched {
		item.Pending = failed[item.ID]
		snapshot[i] = item
	}
	if err := e.cache.ReplaceSnapshot(ctx, target, snapshot); err != nil {
		e.logger.Error("snapshot commit failed, state left as is", "target", target, "err", err)
		result.ErrorClass = models.ErrorCache
		result.ErrorMessage = joinMessage(result.ErrorMessage, err.Error())
	} else {
		result.Committed = true
	}

	e.tracker.RecordNewItems(len(fresh))
	result.ActivityLevel = e.tracker.Level()
	result.NextInterval = e.tracker.NextInterval()
	e.tracker.ResetCycle()

	if result.ErrorClass == models.ErrorCache {
		e.setState(StateError)
	} else {
		e.setState(StateIdle)
	}

	e.logger.Info("poll cycle finished",
		"target", target,
		"fetched", result.Fetched,
		"new", result.New,
		"sent", result.Sent,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"level", result.ActivityLevel,
		"next", result.NextInterval,
	)
	return result
}

func (e *Engine) fetch(ctx context.Context, target string) ([]models.Item, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	raw, err := e.source.FetchItems(fetchCtx, target)
	if errors.Is(err, source.ErrNotFound) {
		e.logger.Warn("target not found, treating as empty", "target", target)
		return []models.Item{}, nil
	}
	if err != nil {
		return nil, err
	}

	items := make([]models.Item, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, r := range raw {
		item := models.NewItem(r)
		if seen[item.ID] {
			e.logger.Debug("duplicate item in fetch", "target", target, "id", item.ID)
			continue
		}
		seen[item.ID] = true
		items = append(items, item)
	}
	return items, nil
}

// diff returns the fetched items absent from the committed snapshot.
// Pending snapshot entries count as absent.
func (e *Engine) diff(ctx context.Context, target string, fetched []models.Item) []models.Item {
	cached, err := e.cache.Snapshot(ctx, target)
	if err != nil {
		e.logger.Error("snapshot read failed, treating cache as empty", "target", target, "err", err)
		cached = nil
	}

	known := make(map[string]bool, len(cached))
	for _, item := range cached {
		if !item.Pending {
			known[item.ID] = true
		}
	}

	var fresh []models.Item
	for _, item := range fetched {
		if !known[item.ID] {
			fresh = append(fresh, item)
		}
	}
	return fresh
}

// dispatch sends items in order and returns the ids whose delivery failed
func (e *Engine) dispatch(ctx context.Context, target string, items []models.Item, result *models.CycleResult) map[string]bool {
	failed := map[string]bool{}
	var lastErr error

	for _, item := range items {
		processed, err := e.cache.IsProcessed(ctx, target, item.ID)
		if err != nil {
			e.logger.Warn("processed check failed, sending anyway", "target", target, "id", item.ID, "err", err)
			processed = false
		}
		if processed {
			result.Skipped++
			continue
		}

		if _, err := e.channel.Send(ctx, item, e.caption(target, item)); err != nil {
			e.logger.Error("send failed", "target", target, "id", item.ID, "kind", item.Kind, "err", err)
			failed[item.ID] = true
			result.Failed++
			lastErr = err
			continue
		}
		result.Sent++

		if err := e.cache.MarkProcessed(ctx, target, item); err != nil {
			e.logger.Error("mark processed failed", "target", target, "id", item.ID, "err", err)
		}
	}

	if result.Failed > 0 {
		result.ErrorClass = models.ErrorDispatch
		result.ErrorMessage = fmt.Sprintf("%d of %d sends failed: %v", result.Failed, len(items), lastErr)
	}
	return failed
}

func (e *Engine) caption(target string, item models.Item) string {
	profile := "https://www.snapchat.com/add/" + target + "/"
	if e.cfg.ProfileURL != nil {
		profile = e.cfg.ProfileURL(target)
	}
	return fmt.Sprintf(`New %s from <a href="%s">@%s</a>`,
		item.Kind, html.EscapeString(profile), html.EscapeString(target))
}

func joinMessage(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}
