// Package whatsapp implements the BlastFlow engine on top of whatsmeow, a
// native Go WhatsApp Web client.
//
// The adapter owns exactly one whatsmeow client at a time. Start always tears
// down the previous client (listeners included) before building a new one, and
// every event handler is bound to a generation number so late events from a
// destroyed client are dropped.
//
// Login credentials live in a SQLite database under SessionDir, named after
// SessionID. Wiping SessionDir forces a fresh QR pairing on the next Start.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/blastflow/pkg/blastflow/channels"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the credential store.
)

// Config holds WhatsApp engine configuration.
type Config struct {
	// SessionDir is the durable credential directory. It is deleted wholesale
	// on a destructive reset.
	SessionDir string `yaml:"session_dir" split_words:"true"`

	// SessionID names the credential database inside SessionDir.
	SessionID string `yaml:"session_id" split_words:"true"`

	// ReinitDelay is how long to wait before rebuilding the client after an
	// authentication or initialization failure.
	ReinitDelay time.Duration `yaml:"reinit_delay" split_words:"true"`

	// DeviceName is shown in the phone's linked devices list.
	DeviceName string `yaml:"device_name" split_words:"true"`

	// QRSize is the edge length in pixels of the rendered login code.
	QRSize int `yaml:"qr_size" split_words:"true"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SessionDir:  ".blastflow_auth",
		SessionID:   "blastflow_session",
		ReinitDelay: 5 * time.Second,
		DeviceName:  "BlastFlow",
		QRSize:      256,
	}
}

// DatabasePath returns the credential database location.
func (c Config) DatabasePath() string {
	return filepath.Join(c.SessionDir, c.SessionID+".db")
}

// WhatsApp implements channels.Engine.
//
// Lock order: w.mu only guards the swap of the live client. No whatsmeow call
// is made while holding it and event handlers never take it, because
// whatsmeow runs handlers under its own handler lock and RemoveEventHandler
// waits for that lock.
type WhatsApp struct {
	cfg     Config
	logger  *slog.Logger
	handler channels.EventHandler

	mu   sync.Mutex
	live *liveClient

	// client is the connected client, readable without w.mu.
	client atomic.Pointer[whatsmeow.Client]

	// parent is the context of the last Start; reinit timers derive from it.
	parent atomic.Pointer[parentContext]

	// generation increments on every Start and Destroy; handlers and timers
	// carry the generation they were created for.
	generation atomic.Uint64

	state atomic.Value // channels.State

	qrMu   sync.Mutex
	lastQR string

	// reinitGen is the generation that already has a rebuild scheduled.
	reinitGen atomic.Uint64

	// connect builds and connects a client for the given generation.
	// Replaced in tests.
	connect func(ctx context.Context, gen uint64) error
}

type parentContext struct {
	ctx context.Context
}

// liveClient is everything one generation owns.
type liveClient struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	handlerID uint32
	cancel    context.CancelFunc
}

// release detaches listeners and closes the client and store. Must be called
// without holding w.mu.
func (l *liveClient) release() error {
	if l == nil {
		return nil
	}
	if l.cancel != nil {
		l.cancel()
	}
	if l.client != nil {
		l.client.RemoveEventHandler(l.handlerID)
		l.client.Disconnect()
	}
	if l.container != nil {
		if err := l.container.Close(); err != nil {
			return fmt.Errorf("closing session store: %w", err)
		}
	}
	return nil
}

// New creates a new WhatsApp engine. handler receives lifecycle events; it
// may be nil.
func New(cfg Config, handler channels.EventHandler, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.SessionDir == "" {
		cfg.SessionDir = defaults.SessionDir
	}
	if cfg.SessionID == "" {
		cfg.SessionID = defaults.SessionID
	}
	if cfg.ReinitDelay <= 0 {
		cfg.ReinitDelay = defaults.ReinitDelay
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = defaults.DeviceName
	}
	if cfg.QRSize <= 0 {
		cfg.QRSize = defaults.QRSize
	}

	w := &WhatsApp{
		cfg:     cfg,
		logger:  logger.With("component", "whatsapp"),
		handler: handler,
	}
	w.connect = w.connectClient
	w.setState(channels.StateUninitialized)
	return w
}

// ---------- State ----------

// State returns the current lifecycle state.
func (w *WhatsApp) State() channels.State {
	if v := w.state.Load(); v != nil {
		return v.(channels.State)
	}
	return channels.StateUninitialized
}

func (w *WhatsApp) setState(s channels.State) {
	w.state.Store(s)
}

// LastLoginImage returns the cached login code image while a scan is pending.
func (w *WhatsApp) LastLoginImage() string {
	if w.State() != channels.StateScanPending {
		return ""
	}
	w.qrMu.Lock()
	defer w.qrMu.Unlock()
	return w.lastQR
}

func (w *WhatsApp) setLastQR(img string) {
	w.qrMu.Lock()
	w.lastQR = img
	w.qrMu.Unlock()
}

// current reports whether gen is still the live generation.
func (w *WhatsApp) current(gen uint64) bool {
	return w.generation.Load() == gen
}

func (w *WhatsApp) parentContext() context.Context {
	if p := w.parent.Load(); p != nil {
		return p.ctx
	}
	return context.Background()
}

// ---------- Lifecycle ----------

// Start tears down any previous client and connects a new one. When the
// device has no stored credentials the QR login runs in the background and
// login codes are reported as EventLoginCode.
//
// A failed Start schedules another attempt after ReinitDelay.
func (w *WhatsApp) Start(ctx context.Context) error {
	// Invalidate the old generation before its handlers can be waited on.
	gen := w.generation.Add(1)
	w.parent.Store(&parentContext{ctx: ctx})
	if err := w.teardown(); err != nil {
		w.logger.Warn("whatsapp: releasing previous client", "error", err)
	}

	w.setState(channels.StateInitializing)
	w.logger.Info("whatsapp: initializing engine", "generation", gen)

	if err := w.connect(ctx, gen); err != nil {
		if !w.current(gen) {
			return err
		}
		w.logger.Error("whatsapp: init failed", "error", err)
		w.authFailure(gen, "initialization failed: "+err.Error())
		return err
	}
	return nil
}

// Destroy disconnects and releases the current client. Credentials on disk
// are left untouched. Pending reinit timers are invalidated.
func (w *WhatsApp) Destroy() error {
	w.generation.Add(1)
	err := w.teardown()
	w.setState(channels.StateUninitialized)
	w.logger.Info("whatsapp: engine destroyed")
	return err
}

// teardown swaps out the live client under w.mu and releases it after.
func (w *WhatsApp) teardown() error {
	w.mu.Lock()
	old := w.live
	w.live = nil
	w.client.Store(nil)
	w.mu.Unlock()

	w.setLastQR("")
	return old.release()
}

// attach installs a freshly built client for gen. It returns false, leaving
// the caller to release it, when gen was superseded meanwhile.
func (w *WhatsApp) attach(gen uint64, live *liveClient) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.current(gen) {
		return false
	}
	w.live = live
	w.client.Store(live.client)
	return true
}

// connectClient opens the credential store, builds the client and connects.
func (w *WhatsApp) connectClient(ctx context.Context, gen uint64) error {
	if err := os.MkdirAll(w.cfg.SessionDir, 0o700); err != nil {
		return fmt.Errorf("creating session dir: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)

	dbLog := newLogger(w.logger, "Database", slog.LevelWarn)
	container, err := sqlstore.New(runCtx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000", w.cfg.DatabasePath()),
		dbLog)
	if err != nil {
		cancel()
		return fmt.Errorf("creating session store: %w", err)
	}

	device, err := container.GetFirstDevice(runCtx)
	if err != nil {
		cancel()
		_ = container.Close()
		return fmt.Errorf("getting device: %w", err)
	}

	store.SetOSInfo(w.cfg.DeviceName, [3]uint32{1, 0, 0})

	client := whatsmeow.NewClient(device, newLogger(w.logger, "Client", slog.LevelInfo))
	client.EnableAutoReconnect = true

	live := &liveClient{
		client:    client,
		container: container,
		cancel:    cancel,
		handlerID: client.AddEventHandler(func(evt any) { w.handleEvent(gen, evt) }),
	}
	if !w.attach(gen, live) {
		// Destroyed or restarted while the store was opening.
		_ = live.release()
		return channels.ErrEngineClosed
	}

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(runCtx)
		if err != nil {
			return fmt.Errorf("getting QR channel: %w", err)
		}
		if err := client.Connect(); err != nil {
			return fmt.Errorf("connecting for QR: %w", err)
		}
		w.setState(channels.StateScanPending)
		w.logger.Info("whatsapp: no stored credentials, waiting for QR scan")
		go w.watchQR(runCtx, gen, qrChan)
		return nil
	}

	if err := client.Connect(); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	w.setState(channels.StateAuthenticating)
	w.logger.Info("whatsapp: connecting with stored credentials",
		"jid", client.Store.ID.String())
	return nil
}

// scheduleReinit restarts the engine after ReinitDelay unless another Start
// or Destroy happens first. Repeated failures within one generation schedule
// a single rebuild. Safe to call from event handlers.
func (w *WhatsApp) scheduleReinit(gen uint64) {
	if w.reinitGen.Swap(gen) == gen {
		return
	}

	parent := w.parentContext()
	go func() {
		timer := time.NewTimer(w.cfg.ReinitDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-parent.Done():
			return
		}

		if !w.current(gen) {
			w.logger.Debug("whatsapp: reinit skipped, engine already rebuilt")
			return
		}
		w.logger.Info("whatsapp: reinitializing after failure")
		_ = w.Start(parent)
	}()
}

// ---------- Sending ----------

// SendText sends a plain text message to destination ("<digits>@s.whatsapp.net").
func (w *WhatsApp) SendText(ctx context.Context, destination, text string) error {
	client := w.client.Load()
	if client == nil {
		return channels.ErrEngineClosed
	}
	if !client.IsLoggedIn() {
		return channels.ErrEngineNotReady
	}

	jid, err := types.ParseJID(destination)
	if err != nil {
		return fmt.Errorf("invalid destination %q: %w", destination, err)
	}

	msg := &waE2E.Message{
		Conversation: proto.String(text),
	}
	if _, err := client.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// ---------- Events ----------

// emit delivers an event to the handler, shielding the engine from panics.
func (w *WhatsApp) emit(evt channels.Event) {
	if w.handler == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	evt.State = w.State()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Warn("whatsapp: event handler panic", "error", r)
		}
	}()
	w.handler(evt)
}

// authFailure reports a failed login or init and schedules a rebuild.
func (w *WhatsApp) authFailure(gen uint64, reason string) {
	w.setState(channels.StateDisconnected)
	w.setLastQR("")
	w.emit(channels.Event{Type: channels.EventAuthFailure, Reason: reason})
	w.scheduleReinit(gen)
}

// compile-time check
var _ channels.Engine = (*WhatsApp)(nil)
