package console

import (
	"encoding/json"

	"github.com/jholhewres/blastflow/pkg/blastflow/dispatch"
	"github.com/jholhewres/blastflow/pkg/blastflow/session"
)

// Client events.
const (
	EventCheckSessionStatus = "check_session_status"
	EventCreateSession      = "create_session"
	EventLoginSession       = "login_session"
	EventLogout             = "logout"
	EventBlast              = "blast"
)

// Server events.
const (
	EventSessionStatus  = "session_status"
	EventSessionCreated = "session_created"
	EventLoginResult    = "login_result"
	EventForceReload    = "force_reload"
	EventStatus         = "status"
	EventQR             = "qr"
	EventLog            = "log"
	EventSentSuccess    = "sent_success"
	EventFinished       = "finished"
)

type createSessionRequest struct {
	Mode     session.Mode `json:"mode"`
	Password string       `json:"password"`
	Username string       `json:"username"`
}

type loginSessionRequest struct {
	Password string `json:"password"`
	Username string `json:"username"`
}

type blastRequest struct {
	Targets []dispatch.Target `json:"targets"`
}

type sessionCreatedPayload struct {
	Mode session.Mode `json:"mode"`
}

type loginResultPayload struct {
	Success  bool         `json:"success"`
	Username string       `json:"username,omitempty"`
	Mode     session.Mode `json:"mode,omitempty"`
	Message  string       `json:"message,omitempty"`
}

type sentSuccessPayload struct {
	ID json.RawMessage `json:"id"`
}
