// Package stream maintains the realtime WebSocket session with the
// broker: login, condition search registration, subscription recovery
// after reconnects, and demultiplexing of realtime frames into the
// caches and queues the engine reads.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/hyeonwoo-kim/yeouido_scalper/internal/broker"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/models"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/storage"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/util"
)

const (
	reconnectDelay = 5 * time.Second
	pingInterval   = 5 * time.Second

	// DefaultTickType is the realtime quote subscription type.
	DefaultTickType = "0B"

	conditionsKey        = "conditions"
	currentConditionsKey = "current_conditions"
)

type wsCommand struct {
	action  string // "add", "remove", "snapshot"
	code    string
	subType string
	seq     string
}

// capturedStock is one entry of the live capture list shown on the
// dashboard.
type capturedStock struct {
	Code   string `json:"code"`
	Name   string `json:"name"`
	Time   string `json:"time"`
	CondID string `json:"cond_id"`
}

// Gateway owns the WebSocket session. Run blocks and reconnects until
// the context is cancelled; all other methods are safe to call from the
// engine goroutines.
type Gateway struct {
	url    string
	tokens *broker.TokenService
	book   *broker.MasterBook
	store  storage.Interface
	logger *log.Logger

	events   chan models.ConditionEvent
	commands chan wsCommand

	mu       sync.RWMutex
	realtime map[string]map[string]string
	captured map[string]capturedStock
	dirty    bool

	subMu        sync.Mutex
	stockSubs    map[string]string
	accountTypes []string
	lastCondSeq  string

	connected atomic.Bool
}

// NewGateway creates a gateway. accountTypes are the realtime types
// subscribed at account scope on every login, normally 00 and 04.
func NewGateway(url string, tokens *broker.TokenService, book *broker.MasterBook, store storage.Interface, accountTypes []string, logger *log.Logger) *Gateway {
	if logger == nil {
		logger = log.Default()
	}
	g := &Gateway{
		url:          url,
		tokens:       tokens,
		book:         book,
		store:        store,
		logger:       logger,
		events:       make(chan models.ConditionEvent, 256),
		commands:     make(chan wsCommand, 64),
		realtime:     map[string]map[string]string{},
		captured:     map[string]capturedStock{},
		stockSubs:    map[string]string{},
		accountTypes: accountTypes,
	}
	// The capture list is transient; stale entries from a previous run
	// would show phantom stocks.
	if err := store.SetKV(currentConditionsKey, map[string]capturedStock{}); err != nil {
		logger.Printf("warning: failed to reset capture list: %v", err)
	}
	return g
}

// Run drives the connect/listen/reconnect loop until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	go g.captureSaver(ctx)
	for {
		if err := g.session(ctx); err != nil {
			g.logger.Printf("websocket session ended: %v", err)
		}
		g.connected.Store(false)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
		g.logger.Printf("reconnecting websocket")
	}
}

// Connected reports whether the session is logged in.
func (g *Gateway) Connected() bool {
	return g.connected.Load()
}

func (g *Gateway) session(ctx context.Context) error {
	token, err := g.tokens.Token(ctx, false)
	if err != nil {
		return fmt.Errorf("failed to obtain token for websocket: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, g.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", g.url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")
	conn.SetReadLimit(1 << 22)

	if err := wsjson.Write(ctx, conn, map[string]string{"trnm": "LOGIN", "token": token}); err != nil {
		return fmt.Errorf("failed to send login: %w", err)
	}
	g.logger.Printf("websocket connected, login sent")

	sessionCtx, stop := context.WithCancel(ctx)
	defer stop()

	errCh := make(chan error, 3)
	go func() { errCh <- g.readLoop(sessionCtx, conn) }()
	go func() { errCh <- g.pingLoop(sessionCtx, conn) }()
	go func() { errCh <- g.commandLoop(sessionCtx, conn) }()

	err = <-errCh
	stop()
	return err
}

func (g *Gateway) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				return fmt.Errorf("ping failed: %w", err)
			}
		}
	}
}

func (g *Gateway) commandLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-g.commands:
			var err error
			switch cmd.action {
			case "add":
				err = g.sendRegistration(ctx, conn, cmd.code, cmd.subType, "2")
			case "remove":
				err = wsjson.Write(ctx, conn, map[string]any{
					"trnm":   "REMOVE",
					"grp_no": "2",
					"data":   []map[string][]string{{"item": {cmd.code}, "type": {cmd.subType}}},
				})
			case "snapshot":
				g.subMu.Lock()
				g.lastCondSeq = cmd.seq
				g.subMu.Unlock()
				err = g.sendSnapshotRequest(ctx, conn, cmd.seq)
			}
			if err != nil {
				return fmt.Errorf("command %s failed: %w", cmd.action, err)
			}
		}
	}
}

func (g *Gateway) sendRegistration(ctx context.Context, conn *websocket.Conn, item, subType, grpNo string) error {
	return wsjson.Write(ctx, conn, map[string]any{
		"trnm":    "REG",
		"grp_no":  grpNo,
		"refresh": "1",
		"data":    []map[string][]string{{"item": {item}, "type": {subType}}},
	})
}

func (g *Gateway) sendSnapshotRequest(ctx context.Context, conn *websocket.Conn, seq string) error {
	g.logger.Printf("requesting condition search %s", seq)
	return wsjson.Write(ctx, conn, map[string]string{
		"trnm":        "CNSRREQ",
		"seq":         seq,
		"search_type": "1",
		"stex_tp":     "K",
	})
}

func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("websocket read failed: %w", err)
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		switch env.Trnm {
		case "LOGIN":
			if env.ReturnCode != nil && *env.ReturnCode != 0 {
				// A bad token keeps failing until reissued.
				g.tokens.ClearCache()
				return fmt.Errorf("websocket login rejected: %s (code %d)", env.ReturnMsg, *env.ReturnCode)
			}
			g.connected.Store(true)
			g.logger.Printf("websocket login accepted, restoring subscriptions")
			if err := g.afterLogin(ctx, conn); err != nil {
				return err
			}
		case "CNSRLST":
			g.storeConditionList(env.Data)
		case "CNSRREQ":
			g.handleSnapshot(parseSeq(env.Seq), env.Data)
		case "REAL":
			if g.connected.Load() {
				var rows []realRow
				if err := json.Unmarshal(env.Data, &rows); err == nil {
					g.handleRealtime(rows)
				}
			}
		}
	}
}

// afterLogin requests the saved-search list and replays every
// subscription the engine registered before the reconnect.
func (g *Gateway) afterLogin(ctx context.Context, conn *websocket.Conn) error {
	if err := wsjson.Write(ctx, conn, map[string]string{"trnm": "CNSRLST"}); err != nil {
		return fmt.Errorf("failed to request condition list: %w", err)
	}

	for _, accType := range g.accountTypes {
		if err := g.sendRegistration(ctx, conn, "", accType, "1"); err != nil {
			return fmt.Errorf("failed to register account type %s: %w", accType, err)
		}
	}

	g.subMu.Lock()
	stocks := make(map[string]string, len(g.stockSubs))
	for code, subType := range g.stockSubs {
		stocks[code] = subType
	}
	lastSeq := g.lastCondSeq
	g.subMu.Unlock()

	for code, subType := range stocks {
		if err := g.sendRegistration(ctx, conn, code, subType, "2"); err != nil {
			return fmt.Errorf("failed to re-register %s: %w", code, err)
		}
	}
	if lastSeq != "" {
		if err := g.sendSnapshotRequest(ctx, conn, lastSeq); err != nil {
			return fmt.Errorf("failed to re-request condition search: %w", err)
		}
	}
	return nil
}

func (g *Gateway) storeConditionList(raw json.RawMessage) {
	conditions := parseConditionList(raw)
	if len(conditions) == 0 {
		return
	}
	if err := g.store.SetKV(conditionsKey, map[string][]Condition{"conditions": conditions}); err != nil {
		g.logger.Printf("warning: failed to persist condition list: %v", err)
		return
	}
	g.logger.Printf("condition list saved, %d searches", len(conditions))
}

// handleSnapshot turns an initial CNSRREQ result into admission events,
// so stocks already matching the search when the bot starts are
// evaluated like fresh captures.
func (g *Gateway) handleSnapshot(seq string, raw json.RawMessage) {
	stocks := parseSnapshot(raw)
	now := time.Now().Format("15:04:05")

	g.mu.Lock()
	for _, s := range stocks {
		name := g.lookupName(s.Code, s.Name)
		g.captured[s.Code] = capturedStock{Code: s.Code, Name: name, Time: now, CondID: seq}
	}
	if len(stocks) > 0 {
		g.dirty = true
	}
	g.mu.Unlock()

	for _, s := range stocks {
		g.emit(models.ConditionEvent{ConditionID: seq, Symbol: s.Code, Type: "I"})
	}
	if len(stocks) > 0 {
		g.logger.Printf("condition snapshot for %s queued %d stocks", seq, len(stocks))
	}
}

func (g *Gateway) handleRealtime(rows []realRow) {
	for _, row := range rows {
		key := row.Item + "_" + row.Type
		switch {
		case row.Type == "00" && row.Item == "":
			key = "ACCOUNT_00"
			code := row.Values["9001"]
			g.logger.Printf("order execution for %s(%s): %s", g.lookupName(code, code), code, row.Values["913"])
		case row.Type == "04" && row.Item == "":
			key = "ACCOUNT_04"
		case row.Type == "02":
			key = "CONDITION_" + row.Item
			g.handleConditionTick(row)
		}
		g.mu.Lock()
		g.realtime[key] = row.Values
		g.mu.Unlock()
	}
}

func (g *Gateway) handleConditionTick(row realRow) {
	code := util.StripSymbolPrefix(row.Values["9001"])
	if code == "" {
		return
	}
	condID := normalizeConditionID(util.FirstNonEmpty(row.Values["9007"], row.Item))
	eventType := row.Values["843"]
	price := util.ParseAbsInt(row.Values["10"])
	name := g.lookupName(code, code)

	g.mu.Lock()
	switch eventType {
	case "I":
		g.captured[code] = capturedStock{Code: code, Name: name, Time: time.Now().Format("15:04:05"), CondID: condID}
	case "D":
		delete(g.captured, code)
	}
	g.dirty = true
	g.mu.Unlock()

	g.logger.Printf("condition %s: %s(%s) %s", condID, name, code, eventType)
	g.emit(models.ConditionEvent{ConditionID: condID, Symbol: code, Type: eventType, Price: price})
}

func (g *Gateway) emit(ev models.ConditionEvent) {
	select {
	case g.events <- ev:
	default:
		g.logger.Printf("warning: condition queue full, dropping event for %s", ev.Symbol)
	}
}

func (g *Gateway) lookupName(code, fallback string) string {
	if g.book != nil {
		if name := g.book.Name(code); name != code {
			return name
		}
	}
	if fallback != "" {
		return fallback
	}
	return code
}

// captureSaver flushes the capture list to the store at most once per
// second, and only when it changed.
func (g *Gateway) captureSaver(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.mu.Lock()
			if !g.dirty {
				g.mu.Unlock()
				continue
			}
			snapshot := make(map[string]capturedStock, len(g.captured))
			for k, v := range g.captured {
				snapshot[k] = v
			}
			g.dirty = false
			g.mu.Unlock()
			if err := g.store.SetKV(currentConditionsKey, snapshot); err != nil {
				g.logger.Printf("warning: failed to persist capture list: %v", err)
			}
		}
	}
}

// Latest returns a copy of the most recent values for one realtime key.
// dataType "ACCOUNT" addresses the account scoped streams, itemCode then
// being 00 or 04.
func (g *Gateway) Latest(itemCode, dataType string) map[string]string {
	key := itemCode + "_" + dataType
	if dataType == "ACCOUNT" {
		key = "ACCOUNT_" + itemCode
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	values, ok := g.realtime[key]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

// ClearLatest drops the cached values for one realtime key, used after
// an execution report has been consumed.
func (g *Gateway) ClearLatest(itemCode, dataType string) {
	key := itemCode + "_" + dataType
	if dataType == "ACCOUNT" {
		key = "ACCOUNT_" + itemCode
	}
	g.mu.Lock()
	delete(g.realtime, key)
	g.mu.Unlock()
}

// PopConditionEvent dequeues one pending admission event.
func (g *Gateway) PopConditionEvent() (models.ConditionEvent, bool) {
	select {
	case ev := <-g.events:
		return ev, true
	default:
		return models.ConditionEvent{}, false
	}
}

// AddSubscription registers a realtime quote stream for one stock. The
// subscription survives reconnects.
func (g *Gateway) AddSubscription(code, subType string) {
	if subType == "" {
		subType = DefaultTickType
	}
	g.subMu.Lock()
	g.stockSubs[code] = subType
	g.subMu.Unlock()
	g.enqueue(wsCommand{action: "add", code: code, subType: subType})
}

// RemoveSubscription drops a stock's realtime stream.
func (g *Gateway) RemoveSubscription(code, subType string) {
	if subType == "" {
		subType = DefaultTickType
	}
	g.subMu.Lock()
	delete(g.stockSubs, code)
	g.subMu.Unlock()
	g.enqueue(wsCommand{action: "remove", code: code, subType: subType})
}

// RequestSnapshot starts the realtime condition search with the given
// sequence id. The id is remembered and replayed after reconnects.
func (g *Gateway) RequestSnapshot(seq string) {
	g.enqueue(wsCommand{action: "snapshot", seq: seq})
}

// Conditions returns the saved-search list received on the last login.
func (g *Gateway) Conditions() ([]Condition, error) {
	var stored map[string][]Condition
	found, err := g.store.GetKV(conditionsKey, &stored)
	if err != nil {
		return nil, fmt.Errorf("failed to load condition list: %w", err)
	}
	if !found {
		return nil, nil
	}
	return stored["conditions"], nil
}

func (g *Gateway) enqueue(cmd wsCommand) {
	select {
	case g.commands <- cmd:
	default:
		g.logger.Printf("warning: websocket command queue full, dropping %s", cmd.action)
	}
}
