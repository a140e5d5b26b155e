// Package whatsapp – events.go maps whatsmeow events onto the engine state
// machine and reports them upward.
package whatsapp

import (
	"fmt"

	"github.com/jholhewres/blastflow/pkg/blastflow/channels"

	"go.mau.fi/whatsmeow/types/events"
)

// handleEvent is the whatsmeow event dispatcher for one client generation.
// Events from a client that has since been torn down are ignored.
func (w *WhatsApp) handleEvent(gen uint64, rawEvt any) {
	if !w.current(gen) {
		return
	}

	switch evt := rawEvt.(type) {
	case *events.PairSuccess:
		w.handlePairSuccess(evt)

	case *events.Connected:
		w.handleConnected(evt)

	case *events.Disconnected:
		w.handleDisconnected("connection lost")

	case *events.StreamReplaced:
		w.handleDisconnected("another client took over this session")

	case *events.LoggedOut:
		reason := "unknown"
		if evt.Reason != 0 {
			reason = evt.Reason.String()
		}
		w.logger.Error("whatsapp: logged out", "reason", reason, "on_connect", evt.OnConnect)
		w.authFailure(gen, "logged out: "+reason)

	case *events.ConnectFailure:
		reason := "unknown"
		if evt.Reason != 0 {
			reason = evt.Reason.String()
		}
		w.logger.Error("whatsapp: connect failure",
			"reason", reason,
			"message", evt.Message,
			"permanent", evt.PermanentDisconnectDescription())
		w.authFailure(gen, "connect failure: "+reason)

	case *events.PairError:
		w.logger.Error("whatsapp: pairing failed", "error", evt.Error)
		w.authFailure(gen, fmt.Sprintf("pairing failed: %v", evt.Error))

	case *events.TemporaryBan:
		w.logger.Error("whatsapp: temporary ban", "code", evt.Code, "expire", evt.Expire)
		w.authFailure(gen, fmt.Sprintf("temporary ban, expires in %s", evt.Expire))

	case *events.KeepAliveTimeout:
		w.logger.Warn("whatsapp: keep-alive timeout",
			"error_count", evt.ErrorCount,
			"last_success", evt.LastSuccess)

	case *events.KeepAliveRestored:
		w.logger.Info("whatsapp: keep-alive restored")
	}
}

func (w *WhatsApp) handlePairSuccess(evt *events.PairSuccess) {
	w.setState(channels.StateAuthenticating)
	w.setLastQR("")
	w.logger.Info("whatsapp: QR scanned, authenticating",
		"jid", evt.ID.String(),
		"platform", evt.Platform)
	w.emit(channels.Event{Type: channels.EventAuthenticated})
}

func (w *WhatsApp) handleConnected(_ *events.Connected) {
	w.setState(channels.StateReady)
	w.setLastQR("")

	jid := ""
	if client := w.client.Load(); client != nil && client.Store.ID != nil {
		jid = client.Store.ID.String()
	}

	w.logger.Info("whatsapp: connected", "jid", jid)
	w.emit(channels.Event{Type: channels.EventReady})
}

func (w *WhatsApp) handleDisconnected(reason string) {
	w.setState(channels.StateDisconnected)
	w.logger.Warn("whatsapp: disconnected", "reason", reason)
	w.emit(channels.Event{Type: channels.EventDisconnected, Reason: reason})
}
