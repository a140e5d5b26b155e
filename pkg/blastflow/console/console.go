// Package console ties BlastFlow together. It answers dashboard events,
// relays engine lifecycle changes to authenticated operators, feeds blasts to
// the dispatcher and owns the full system reset.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/blastflow/pkg/blastflow/channels"
	"github.com/jholhewres/blastflow/pkg/blastflow/dispatch"
	"github.com/jholhewres/blastflow/pkg/blastflow/session"
	"github.com/jholhewres/blastflow/pkg/blastflow/webui"
)

// ErrResetInProgress is returned when a reset is requested while another runs.
var ErrResetInProgress = fmt.Errorf("reset already in progress")

// ResetConfig configures the full system reset and its daily schedule.
type ResetConfig struct {
	Schedule          string        `yaml:"schedule"`
	Timezone          string        `yaml:"timezone"`
	SettleDelay       time.Duration `yaml:"settle_delay" split_words:"true"`
	DeleteCredentials bool          `yaml:"delete_credentials" split_words:"true"`
}

// DefaultResetConfig returns a ResetConfig with sensible defaults.
func DefaultResetConfig() ResetConfig {
	return ResetConfig{
		Schedule:          "0 0 * * *",
		SettleDelay:       3 * time.Second,
		DeleteCredentials: true,
	}
}

// Hub is the connection registry the console broadcasts through.
type Hub interface {
	BroadcastAuthenticated(event string, data any)
	BroadcastAll(event string, data any)
	BroadcastExcept(exceptID, event string, data any)
	SendTo(connID, event string, data any) bool
	DeauthenticateAll()
	Counts() (live, authenticated int)
}

// Client is one dashboard connection as seen by the console.
type Client interface {
	ID() string
	Authenticated() bool
	DisplayName() string
	Authenticate(name string)
	Emit(event string, data any) error
}

// Dispatcher queues blasts.
type Dispatcher interface {
	Start(ctx context.Context)
	Submit(b dispatch.Batch) (int, error)
	Pending() int
	Active() *dispatch.Batch
	DropQueued() int
	Close() error
}

// Status is a snapshot of the whole system.
type Status struct {
	Engine         channels.State  `json:"engine_state"`
	EngineStatus   channels.Status `json:"engine_status"`
	Session        session.Status  `json:"session"`
	Members        int             `json:"members"`
	Connections    int             `json:"connections"`
	Authenticated  int             `json:"authenticated"`
	PendingBatches int             `json:"pending_batches"`
	ActiveBlast    string          `json:"active_blast,omitempty"`
	Resetting      bool            `json:"resetting"`
}

// Console is the application core.
type Console struct {
	cfg           ResetConfig
	credentialDir string
	hub           Hub
	rooms         *session.Manager
	logger        *slog.Logger

	mu         sync.RWMutex
	engine     channels.Engine
	dispatcher Dispatcher
	root       context.Context

	resetting atomic.Bool
	resets    sync.WaitGroup

	// Replaced in tests.
	removeAll func(path string) error
	sleep     func(ctx context.Context, d time.Duration) error
}

// New creates a console. credentialDir is wiped by destructive resets.
func New(cfg ResetConfig, credentialDir string, hub Hub, rooms *session.Manager, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	return &Console{
		cfg:           cfg,
		credentialDir: credentialDir,
		hub:           hub,
		rooms:         rooms,
		logger:        logger.With("component", "console"),
		root:          context.Background(),
		removeAll:     os.RemoveAll,
		sleep:         sleepCtx,
	}
}

// Attach wires the engine and dispatcher. Both are built after the console
// because the engine reports to HandleEngineEvent and the dispatcher reports
// to the console as its Reporter.
func (c *Console) Attach(engine channels.Engine, dispatcher Dispatcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.engine = engine
	c.dispatcher = dispatcher
}

func (c *Console) deps() (channels.Engine, Dispatcher, context.Context) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.engine, c.dispatcher, c.root
}

// Start launches the dispatcher and the first engine connect. An engine
// failure is not fatal; the engine retries on its own.
func (c *Console) Start(ctx context.Context) error {
	c.mu.Lock()
	c.root = ctx
	engine, dispatcher := c.engine, c.dispatcher
	c.mu.Unlock()

	if engine == nil || dispatcher == nil {
		return fmt.Errorf("console: engine and dispatcher must be attached before Start")
	}

	dispatcher.Start(ctx)
	if err := engine.Start(ctx); err != nil {
		c.logger.Warn("engine start failed, retrying in background", "error", err)
	}
	return nil
}

// Stop closes the dispatcher and releases the engine. Credentials are kept.
func (c *Console) Stop() {
	c.resets.Wait()
	engine, dispatcher, _ := c.deps()
	if dispatcher != nil {
		_ = dispatcher.Close()
	}
	if engine != nil {
		if err := engine.Destroy(); err != nil {
			c.logger.Warn("engine destroy failed", "error", err)
		}
	}
}

// Status returns a snapshot for the admin API.
func (c *Console) Status() Status {
	engine, dispatcher, _ := c.deps()
	st := Status{
		Session:   c.rooms.Status(),
		Members:   c.rooms.Members(),
		Resetting: c.resetting.Load(),
	}
	st.Connections, st.Authenticated = c.hub.Counts()
	if engine != nil {
		st.Engine = engine.State()
		st.EngineStatus = st.Engine.Status()
	}
	if dispatcher != nil {
		st.PendingBatches = dispatcher.Pending()
		if b := dispatcher.Active(); b != nil {
			st.ActiveBlast = b.RequesterName
		}
	}
	return st
}

// ---------- Dashboard events ----------

// HandleEvent implements webui.Handler.
func (c *Console) HandleEvent(conn *webui.Conn, event string, data json.RawMessage) {
	c.handle(conn, event, data)
}

// HandleDisconnect implements webui.Handler.
func (c *Console) HandleDisconnect(conn *webui.Conn) {
	c.rooms.Release(conn.ID())
}

func (c *Console) handle(cl Client, event string, data json.RawMessage) {
	switch event {
	case EventCheckSessionStatus:
		c.emit(cl, EventSessionStatus, c.rooms.Status())

	case EventCreateSession:
		var req createSessionRequest
		if !c.decode(cl, event, data, &req) {
			return
		}
		c.createSession(cl, req)

	case EventLoginSession:
		var req loginSessionRequest
		if !c.decode(cl, event, data, &req) {
			return
		}
		c.loginSession(cl, req)

	case EventLogout:
		if !cl.Authenticated() {
			return
		}
		trigger := "user " + cl.DisplayName()
		c.logger.Info("operator requested system reset", "user", cl.DisplayName(), "conn", cl.ID())
		c.goReset(trigger, true)

	case EventBlast:
		if !cl.Authenticated() {
			return
		}
		var req blastRequest
		if !c.decode(cl, event, data, &req) {
			c.Notify(cl.ID(), "❌ Blast rejected: malformed request.")
			c.Finished(cl.ID())
			return
		}
		c.blast(cl, req)

	default:
		c.logger.Debug("unknown event", "event", event, "conn", cl.ID())
	}
}

func (c *Console) decode(cl Client, event string, data json.RawMessage, v any) bool {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		c.logger.Warn("invalid payload", "event", event, "conn", cl.ID(), "error", err)
		return false
	}
	return true
}

func (c *Console) createSession(cl Client, req createSessionRequest) {
	created, err := c.rooms.Create(cl.ID(), req.Mode, req.Password)
	if err != nil {
		c.emit(cl, EventLoginResult, loginResultPayload{Success: false, Message: c.loginMessage(err)})
		return
	}
	if !created {
		c.logger.Debug("create ignored, session already exists", "conn", cl.ID())
		return
	}
	c.admit(cl, req.Username, req.Mode)
	c.hub.BroadcastExcept(cl.ID(), EventSessionCreated, sessionCreatedPayload{Mode: req.Mode})
}

func (c *Console) loginSession(cl Client, req loginSessionRequest) {
	mode, err := c.rooms.Login(cl.ID(), req.Password)
	if err != nil {
		c.emit(cl, EventLoginResult, loginResultPayload{Success: false, Message: c.loginMessage(err)})
		return
	}
	c.admit(cl, req.Username, mode)
}

// admit marks the connection authenticated and sends it the engine snapshot
// so the dashboard renders the right screen without waiting for an event.
func (c *Console) admit(cl Client, username string, mode session.Mode) {
	cl.Authenticate(username)
	c.emit(cl, EventLoginResult, loginResultPayload{Success: true, Username: username, Mode: mode})

	engine, _, _ := c.deps()
	status := channels.StatusScan
	if engine != nil {
		status = engine.State().Status()
	}
	c.emit(cl, EventStatus, status)
	if status == channels.StatusScan && engine != nil {
		if img := engine.LastLoginImage(); img != "" {
			c.emit(cl, EventQR, img)
		}
	}
}

func (c *Console) blast(cl Client, req blastRequest) {
	_, dispatcher, _ := c.deps()
	if dispatcher == nil {
		return
	}
	ahead, err := dispatcher.Submit(dispatch.Batch{
		Requester:     cl.ID(),
		RequesterName: cl.DisplayName(),
		Targets:       req.Targets,
	})
	switch {
	case errors.Is(err, dispatch.ErrQueueFull):
		c.Notify(cl.ID(), "❌ Blast queue is full, please try again later.")
		c.Finished(cl.ID())
	case err != nil:
		c.Notify(cl.ID(), fmt.Sprintf("❌ Blast rejected: %v", err))
		c.Finished(cl.ID())
	case ahead > 0:
		c.Notify(cl.ID(), fmt.Sprintf("⏳ Your blast is queued behind %d other batch(es).", ahead))
	}
}

func (c *Console) emit(cl Client, event string, data any) {
	if err := cl.Emit(event, data); err != nil {
		c.logger.Error("emit failed", "event", event, "conn", cl.ID(), "error", err)
	}
}

func (c *Console) loginMessage(err error) string {
	switch {
	case errors.Is(err, session.ErrRoomFull):
		return fmt.Sprintf("Room is full (max %d users).", c.rooms.Capacity())
	case errors.Is(err, session.ErrBadSecret):
		return "Wrong password!"
	case errors.Is(err, session.ErrNoSession):
		return "No session has been created yet."
	case errors.Is(err, session.ErrInvalidMode):
		return "Choose individual or team mode."
	default:
		return "Login failed."
	}
}

// ---------- dispatch.Reporter ----------

// Log broadcasts an operator log line.
func (c *Console) Log(line string) {
	c.logger.Info(line)
	c.hub.BroadcastAuthenticated(EventLog, line)
}

// Sent broadcasts a per-target success.
func (c *Console) Sent(id json.RawMessage) {
	c.hub.BroadcastAuthenticated(EventSentSuccess, sentSuccessPayload{ID: id})
}

// Notify sends a log line to one connection.
func (c *Console) Notify(connID, line string) {
	c.hub.SendTo(connID, EventLog, line)
}

// Finished acknowledges a batch to its requester.
func (c *Console) Finished(connID string) {
	c.hub.SendTo(connID, EventFinished, true)
}

// ---------- Engine events ----------

// HandleEngineEvent relays engine lifecycle events to authenticated
// operators. An auth failure is reported but never forces a reload.
func (c *Console) HandleEngineEvent(evt channels.Event) {
	switch evt.Type {
	case channels.EventLoginCode:
		c.hub.BroadcastAuthenticated(EventQR, evt.LoginImage)
		c.Log("System: waiting for QR code scan...")
		c.hub.BroadcastAuthenticated(EventStatus, channels.StatusScan)

	case channels.EventAuthenticated:
		c.hub.BroadcastAuthenticated(EventStatus, channels.StatusAuthenticated)

	case channels.EventReady:
		c.Log("✅ WhatsApp connected! Ready to blast.")
		c.hub.BroadcastAuthenticated(EventStatus, channels.StatusReady)

	case channels.EventDisconnected:
		c.Log("⚠️ WhatsApp disconnected.")
		c.hub.BroadcastAuthenticated(EventStatus, channels.StatusScan)

	case channels.EventAuthFailure:
		c.logger.Warn("engine authentication failed", "reason", evt.Reason)
		c.hub.BroadcastAuthenticated(EventLog, "❌ Session expired or failed. Please scan again.")
	}
}

// ---------- Reset ----------

// goReset runs a reset in the background.
func (c *Console) goReset(trigger string, deleteCredentials bool) {
	c.resets.Add(1)
	go func() {
		defer c.resets.Done()
		_, _, root := c.deps()
		if err := c.ResetSystem(root, trigger, deleteCredentials); err != nil && !errors.Is(err, ErrResetInProgress) {
			c.logger.Error("reset failed", "trigger", trigger, "error", err)
		}
	}()
}

// ResetSystem tears the whole system down and rebuilds the engine. Every
// connection is sent back to the login screen; when deleteCredentials is set
// the engine must be paired again. Overlapping calls return
// ErrResetInProgress. Teardown errors are logged and never abort the reset.
func (c *Console) ResetSystem(ctx context.Context, trigger string, deleteCredentials bool) error {
	if !c.resetting.CompareAndSwap(false, true) {
		c.logger.Info("reset skipped, another reset is running", "trigger", trigger)
		return ErrResetInProgress
	}
	defer c.resetting.Store(false)

	engine, dispatcher, root := c.deps()
	logger := c.logger.With("trigger", trigger, "delete_credentials", deleteCredentials)
	logger.Info("system reset started")

	if dispatcher != nil {
		if n := dispatcher.DropQueued(); n > 0 {
			logger.Info("queued blasts cancelled", "count", n)
		}
	}

	existed := c.rooms.Status().Initialized
	c.hub.BroadcastAuthenticated(EventStatus, channels.StatusReset)
	if existed {
		c.hub.BroadcastAll(EventForceReload, nil)
	}

	c.rooms.Reset()
	c.hub.DeauthenticateAll()

	if engine != nil {
		if err := engine.Destroy(); err != nil {
			logger.Warn("engine destroy failed", "error", err)
		}
	}

	if err := c.sleep(ctx, c.cfg.SettleDelay); err != nil {
		logger.Warn("settle wait interrupted", "error", err)
	}

	if deleteCredentials && c.credentialDir != "" {
		if err := c.removeAll(c.credentialDir); err != nil {
			logger.Error("deleting credentials failed", "dir", c.credentialDir, "error", err)
		} else {
			logger.Info("credentials deleted", "dir", c.credentialDir)
		}
	}

	c.resetting.Store(false)
	if engine != nil && root.Err() == nil {
		if err := engine.Start(root); err != nil {
			logger.Warn("engine restart failed, retrying in background", "error", err)
		}
	}
	logger.Info("system reset finished")
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// compile-time checks
var (
	_ webui.Handler     = (*Console)(nil)
	_ dispatch.Reporter = (*Console)(nil)
	_ Hub               = (*webui.Hub)(nil)
	_ Client            = (*webui.Conn)(nil)
)
