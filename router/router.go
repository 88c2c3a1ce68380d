package router

import (
	"net/http"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/voxrelay/gateway/auth"
	"github.com/voxrelay/gateway/ratelimit"
	"github.com/voxrelay/gateway/session"
	"github.com/voxrelay/gateway/turnstate"
)

// Router is the HTTP entry point for the gateway's single WebSocket
// route: it authenticates the upgrade, creates a session, and hands the
// resulting connection to a Conn for its lifetime.
type Router struct {
	auth     *auth.Verifier
	sessions *session.Store
	orch     *turnstate.Orchestrator
	limiter  *ratelimit.Limiters
	rejected RejectionRecorder
	logger   *zap.Logger

	acceptOptions *websocket.AcceptOptions
}

// Config carries the dependencies a Router needs. Rejected may be nil.
type Config struct {
	Auth     *auth.Verifier
	Sessions *session.Store
	Orch     *turnstate.Orchestrator
	Limiter  *ratelimit.Limiters
	Rejected RejectionRecorder
	Logger   *zap.Logger
}

// New builds a Router.
func New(cfg Config) *Router {
	return &Router{
		auth:     cfg.Auth,
		sessions: cfg.Sessions,
		orch:     cfg.Orch,
		limiter:  cfg.Limiter,
		rejected: cfg.Rejected,
		logger:   cfg.Logger.With(zap.String("component", "router")),
		acceptOptions: &websocket.AcceptOptions{
			InsecureSkipVerify: true, // the gateway sits behind a trusted edge proxy for CORS/TLS
		},
	}
}

// Handler returns the http.Handler to mount at the gateway's WebSocket
// path. Auth (C14) runs entirely within this handler, before the
// upgrade completes: a failed verification never creates a session,
// stream, or memory turn (§12.2).
func (rt *Router) Handler() http.Handler {
	return http.HandlerFunc(rt.serveWS)
}

func (rt *Router) serveWS(w http.ResponseWriter, r *http.Request) {
	principal, err := rt.auth.VerifyRequest(r)
	if err != nil {
		rt.logger.Info("rejected websocket upgrade: auth failed", zap.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, rt.acceptOptions)
	if err != nil {
		rt.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	id := session.NewID()
	sess := rt.sessions.GetOrCreate(id, principal)
	conn := NewConn(ws, sess, rt.orch, rt.limiter, rt.rejected, rt.logger)

	rt.logger.Info("session attached", zap.String("session_id", string(id)), zap.String("principal", principal))

	ctx := r.Context()
	if err := conn.Run(ctx); err != nil {
		rt.logger.Debug("connection closed", zap.String("session_id", string(id)), zap.Error(err))
	}

	rt.sessions.Destroy(id)
	if rt.limiter != nil {
		rt.limiter.Destroy(string(id))
	}
	_ = ws.CloseNow()
}
