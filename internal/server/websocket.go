package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/livetemplate/livetemplate"
	"github.com/rs/zerolog"

	"github.com/livetemplate/pagecraft"
	"github.com/livetemplate/pagecraft/internal/builder"
	"github.com/livetemplate/pagecraft/internal/pages"
	"github.com/livetemplate/pagecraft/internal/render"
	"github.com/livetemplate/pagecraft/internal/store"
	"github.com/livetemplate/pagecraft/internal/telemetry"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

// ClientMessage is one builder event sent by the canvas.
type ClientMessage struct {
	Type     string         `json:"type"`
	NodeID   string         `json:"nodeId,omitempty"`
	TargetID string         `json:"targetId,omitempty"`
	Position string         `json:"position,omitempty"`
	ParentID string         `json:"parentId,omitempty"`
	Index    *int           `json:"index,omitempty"` // nil appends
	Kind     string         `json:"kind,omitempty"`
	Props    map[string]any `json:"props,omitempty"`
	Patch    map[string]any `json:"patch,omitempty"`
}

// ServerMessage is sent back after every event.
type ServerMessage struct {
	Type string `json:"type"` // tree, error, saved, conflict
	// Tree is a livetemplate tree update of the canvas view.
	Tree    json.RawMessage   `json:"tree,omitempty"`
	State   *builder.Snapshot `json:"state,omitempty"`
	Code    string            `json:"code,omitempty"`
	Message string            `json:"message,omitempty"`
	Version string            `json:"version,omitempty"`
}

// session is one websocket connection editing one page.
type session struct {
	srv    *Server
	conn   *websocket.Conn
	pageID string
	remote string
	ctrl   *builder.Controller
	log    zerolog.Logger

	tmpl    *livetemplate.Template
	actions map[string]actionHandler

	writeMu sync.Mutex
	// last is the most recent canvas render; select and hover events are
	// dispatched through its node handlers.
	last *render.Output

	viewMu sync.Mutex
	view   canvasView

	closeOnce sync.Once
}

func (s *Server) handleBuilderWS(w http.ResponseWriter, r *http.Request) {
	pageID := chi.URLParam(r, "pageId")
	if err := store.ValidatePageID(pageID); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("page", pageID).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxMessageSize)

	sess := &session{
		srv:    s,
		conn:   conn,
		pageID: pageID,
		remote: conn.RemoteAddr().String(),
		log:    telemetry.Component(s.log, "builder").With().Str("page", pageID).Str("remote", conn.RemoteAddr().String()).Logger(),
	}
	s.addSession(sess)
	defer func() {
		s.removeSession(sess)
		sess.close()
	}()

	sess.log.Debug().Msg("builder session opened")
	if !sess.start(r.Context()) {
		return
	}
	sess.readLoop()
	sess.log.Debug().Msg("builder session closed")
}

// start loads the page and sends the first canvas. A missing page opens as
// an empty, never-saved document.
func (sess *session) start(ctx context.Context) bool {
	tmpl, err := newCanvasTemplate("builder-" + sess.pageID)
	if err != nil {
		sess.log.Error().Err(err).Msg("canvas template failed")
		sess.sendError(err)
		return false
	}
	sess.tmpl = tmpl

	res := sess.srv.pages.FetchPage(ctx, sess.pageID)
	var doc *pagecraft.PageDocument
	switch res.Status {
	case pages.StatusFound:
		doc = res.Doc
	case pages.StatusNotFound:
		doc = pagecraft.NewDocument(sess.pageID)
	default:
		sess.send(ServerMessage{Type: "error", Code: string(res.Reason), Message: res.Message()})
		return false
	}

	sess.ctrl = builder.New(doc, sess.srv.pages,
		builder.WithLogger(sess.log),
		builder.WithMaxDepth(sess.srv.cfg.Model.MaxDepth),
	)
	sess.actions = sess.actionHandlers()
	sess.sendCanvas()
	return true
}

func (sess *session) readLoop() {
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				sess.log.Warn().Err(err).Msg("unexpected close")
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			sess.send(ServerMessage{Type: "error", Code: "BadMessage", Message: "malformed message"})
			continue
		}
		sess.handle(msg)
	}
}

// handle routes one client message through its action handler and answers
// with the canvas tree update.
func (sess *session) handle(msg ClientMessage) {
	sess.log.Debug().Str("type", msg.Type).Str("node", msg.NodeID).Msg("builder event")

	var err error
	if h, ok := sess.actions[msg.Type]; ok {
		err = h(actionContext(context.Background(), msg), msg)
	} else {
		err = fmt.Errorf("unknown message type %q", msg.Type)
	}
	if err != nil {
		sess.sendError(err)
	}
	sess.sendCanvas()
}

func (sess *session) actionHandlers() map[string]actionHandler {
	ctrl := sess.ctrl
	return map[string]actionHandler{
		"select": func(lc *livetemplate.Context, _ ClientMessage) error {
			return sess.dispatch(lc.GetString("nodeId"), render.EventSelect)
		},
		"hover-enter": func(lc *livetemplate.Context, _ ClientMessage) error {
			return sess.dispatch(lc.GetString("nodeId"), render.EventHoverEnter)
		},
		"hover-leave": func(lc *livetemplate.Context, _ ClientMessage) error {
			return sess.dispatch(lc.GetString("nodeId"), render.EventHoverLeave)
		},
		"clear-selection": func(*livetemplate.Context, ClientMessage) error {
			ctrl.ClearSelection()
			return nil
		},
		"begin-drag": func(lc *livetemplate.Context, _ ClientMessage) error {
			return ctrl.BeginDrag(lc.GetString("nodeId"))
		},
		"drag-over": func(lc *livetemplate.Context, _ ClientMessage) error {
			return ctrl.DragOver(lc.GetString("targetId"), builder.Position(lc.GetString("position")))
		},
		"drop": func(lc *livetemplate.Context, _ ClientMessage) error {
			return ctrl.DropOn(lc.GetString("targetId"), builder.Position(lc.GetString("position")))
		},
		"cancel-drag": func(*livetemplate.Context, ClientMessage) error {
			ctrl.CancelDrag()
			return nil
		},
		"insert": sess.insert,
		"remove": func(lc *livetemplate.Context, _ ClientMessage) error {
			return ctrl.Execute(builder.RemoveCommand{NodeID: lc.GetString("nodeId")})
		},
		"move": func(lc *livetemplate.Context, _ ClientMessage) error {
			if !lc.Has("index") {
				return errors.New("move needs an index")
			}
			return ctrl.Execute(builder.MoveCommand{
				NodeID:   lc.GetString("nodeId"),
				ParentID: lc.GetString("parentId"),
				Index:    lc.GetInt("index"),
			})
		},
		"update-props": func(lc *livetemplate.Context, msg ClientMessage) error {
			return ctrl.Execute(builder.UpdatePropsCommand{NodeID: lc.GetString("nodeId"), Patch: msg.Patch})
		},
		"undo": func(*livetemplate.Context, ClientMessage) error { return ctrl.Undo() },
		"redo": func(*livetemplate.Context, ClientMessage) error { return ctrl.Redo() },
		"save": func(*livetemplate.Context, ClientMessage) error {
			sess.save()
			return nil
		},
		"reload": func(*livetemplate.Context, ClientMessage) error {
			return sess.reload()
		},
	}
}

// dispatch routes a canvas event through the handlers bound by the last
// render, so events only reach nodes the user can actually see.
func (sess *session) dispatch(nodeID, event string) error {
	if !sess.last.Dispatch(nodeID, event) {
		if event == render.EventSelect {
			return &pagecraft.OperationError{Op: "select", Code: pagecraft.CodeNodeNotFound, NodeID: nodeID}
		}
	}
	return nil
}

func (sess *session) insert(lc *livetemplate.Context, msg ClientMessage) error {
	doc := sess.ctrl.Document()
	parentID := lc.GetString("parentId")
	index := 0
	if lc.Has("index") {
		index = lc.GetInt("index")
	} else if parentID == "" {
		index = len(doc.Components)
	} else if parent, ok := pagecraft.Find(doc, parentID); ok {
		index = len(parent.Children)
	}
	node := pagecraft.NewNode(pagecraft.Kind(lc.GetString("kind")), msg.Props)
	return sess.ctrl.Execute(builder.InsertCommand{ParentID: parentID, Index: index, Node: node})
}

func (sess *session) save() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	version, err := sess.ctrl.Save(ctx)
	var conflict *store.VersionConflictError
	switch {
	case errors.As(err, &conflict):
		sess.send(ServerMessage{
			Type:    "conflict",
			Code:    "VersionConflict",
			Message: "This page was changed by someone else. Reload to continue.",
			Version: conflict.Actual.String(),
		})
	case err != nil:
		sess.sendError(err)
	default:
		sess.send(ServerMessage{Type: "saved", Version: version.String()})
	}
}

func (sess *session) reload() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res := sess.srv.pages.Refresh(ctx, sess.pageID)
	switch res.Status {
	case pages.StatusFound:
		return sess.ctrl.Reload(res.Doc)
	case pages.StatusNotFound:
		return sess.ctrl.Reload(nil)
	default:
		sess.send(ServerMessage{Type: "error", Code: string(res.Reason), Message: res.Message()})
		return nil
	}
}

func (sess *session) sendError(err error) {
	code := string(pagecraft.CodeOf(err))
	switch {
	case errors.Is(err, builder.ErrSaveInProgress):
		code = "SaveInProgress"
	case errors.Is(err, builder.ErrNotDragging):
		code = "NotDragging"
	case code == "":
		code = "Error"
	}
	sess.send(ServerMessage{Type: "error", Code: code, Message: err.Error()})
}

// sendCanvas renders the document without session flags, so the canvas
// field of the tree only changes on edits. Selection and hover travel in
// the view attributes.
func (sess *session) sendCanvas() {
	snap := sess.ctrl.Snapshot()
	out, err := sess.srv.renderer.RenderDocument(snap.Doc, render.Edit, render.Flags{}, sess.ctrl.Callbacks())
	if err != nil {
		sess.log.Error().Err(err).Msg("canvas render failed")
		sess.sendError(err)
		return
	}
	sess.last = out

	view := newCanvasView(snap, out.HTML)
	tree, err := renderTree(sess.tmpl, view)
	if err != nil {
		sess.log.Error().Err(err).Msg("canvas tree update failed")
		sess.sendError(err)
		return
	}
	sess.viewMu.Lock()
	sess.view = view
	sess.viewMu.Unlock()
	sess.send(ServerMessage{Type: "tree", Tree: tree, State: &snap})
}

// currentView returns the view behind the last tree update.
func (sess *session) currentView() canvasView {
	sess.viewMu.Lock()
	defer sess.viewMu.Unlock()
	return sess.view
}

func (sess *session) send(msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		sess.log.Error().Err(err).Msg("failed to marshal message")
		return
	}

	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	_ = sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := sess.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		sess.log.Debug().Err(err).Msg("failed to send message")
	}
}

func (sess *session) close() {
	sess.closeOnce.Do(func() {
		sess.writeMu.Lock()
		_ = sess.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"),
			time.Now().Add(time.Second))
		sess.writeMu.Unlock()
		sess.conn.Close()
	})
}
