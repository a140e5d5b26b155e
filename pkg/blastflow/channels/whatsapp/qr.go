package whatsapp

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/jholhewres/blastflow/pkg/blastflow/channels"
	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
)

// watchQR consumes the pairing channel of one client generation. Each code is
// rendered to a PNG data URL and reported as EventLoginCode. Expiry or errors
// count as an authentication failure, which rebuilds the engine.
func (w *WhatsApp) watchQR(ctx context.Context, gen uint64, qrChan <-chan whatsmeow.QRChannelItem) {
	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-qrChan:
			if !ok {
				return
			}
			if !w.current(gen) {
				return
			}

			switch evt.Event {
			case "code":
				attempts++
				img, err := renderQR(evt.Code, w.cfg.QRSize)
				if err != nil {
					w.logger.Error("whatsapp: rendering QR failed", "error", err)
					continue
				}
				w.setState(channels.StateScanPending)
				w.setLastQR(img)
				w.logger.Info("whatsapp: QR code ready", "attempt", attempts, "expires_in", evt.Timeout)
				w.emit(channels.Event{
					Type:       channels.EventLoginCode,
					LoginImage: img,
				})

			case "success":
				w.logger.Info("whatsapp: QR login accepted")
				return

			case "timeout":
				w.logger.Warn("whatsapp: QR code expired without a scan")
				w.authFailure(gen, "login code expired")
				return

			default:
				reason := evt.Event
				if evt.Error != nil {
					reason = evt.Error.Error()
				}
				w.logger.Error("whatsapp: QR login error", "event", evt.Event, "error", evt.Error)
				w.authFailure(gen, "login failed: "+reason)
				return
			}
		}
	}
}

// renderQR encodes a login code as a base64 PNG data URL.
func renderQR(code string, size int) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, size)
	if err != nil {
		return "", fmt.Errorf("encoding QR: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
