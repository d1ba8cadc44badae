package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"path/filepath"

	"github.com/livetemplate/livetemplate"

	"github.com/livetemplate/pagecraft/internal/builder"
)

// canvasTemplate is the live view of one builder session. Session state sits
// in attributes so hover and selection changes travel as small tree diffs;
// the canvas markup itself only changes when the document does.
const canvasTemplate = `<div id="pc-live" data-selected="{{.SelectedID}}" data-hovered="{{.HoveredID}}" data-drag="{{.DragSource}}" data-drop="{{.DropTarget}}" data-drop-position="{{.DropPosition}}" data-undo="{{.CanUndo}}" data-redo="{{.CanRedo}}" data-status="{{.Status}}">{{.Canvas}}</div>`

// canvasView is the data behind canvasTemplate.
type canvasView struct {
	SelectedID   string
	HoveredID    string
	DragSource   string
	DropTarget   string
	DropPosition string
	CanUndo      bool
	CanRedo      bool
	Status       string
	Canvas       template.HTML
}

func newCanvasView(snap builder.Snapshot, canvas template.HTML) canvasView {
	v := canvasView{
		SelectedID: snap.SelectedID,
		HoveredID:  snap.HoveredID,
		CanUndo:    snap.CanUndo,
		CanRedo:    snap.CanRedo,
		Status:     statusText(snap),
		Canvas:     canvas,
	}
	if snap.Drag != nil {
		v.DragSource = snap.Drag.SourceID
		v.DropTarget = snap.Drag.TargetID
		v.DropPosition = string(snap.Drag.Position)
	}
	return v
}

func statusText(snap builder.Snapshot) string {
	switch {
	case snap.Saving:
		return "saving"
	case snap.Conflicted:
		return "conflict: reload to continue"
	case snap.Dirty:
		return "unsaved changes"
	case snap.Version == "":
		return "not saved yet"
	default:
		return "saved v" + snap.Version.String()
	}
}

// newCanvasTemplate parses canvasTemplate for one session. livetemplate.New
// only reads template files, so the source goes through a temp file.
func newCanvasTemplate(name string) (*livetemplate.Template, error) {
	dir, err := os.MkdirTemp("", "pagecraft-lvt-")
	if err != nil {
		return nil, fmt.Errorf("temp dir for canvas template: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "canvas.tmpl")
	if err := os.WriteFile(path, []byte(canvasTemplate), 0o644); err != nil {
		return nil, fmt.Errorf("write canvas template: %w", err)
	}
	tmpl, err := livetemplate.New(name, livetemplate.WithParseFiles(path))
	if err != nil {
		return nil, fmt.Errorf("parse canvas template: %w", err)
	}
	return tmpl, nil
}

// renderTree returns the tree update for v. The first call carries statics
// and every dynamic; later calls carry only the dynamics that changed.
func renderTree(tmpl *livetemplate.Template, v canvasView) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := tmpl.ExecuteUpdates(&buf, v); err != nil {
		return nil, err
	}
	return json.RawMessage(buf.Bytes()), nil
}

// actionHandler applies one builder action. Scalar arguments are read from
// the action context; structured ones come from the message.
type actionHandler func(lc *livetemplate.Context, msg ClientMessage) error

// actionContext carries a client message's scalar fields the way
// livetemplate delivers action data.
func actionContext(ctx context.Context, msg ClientMessage) *livetemplate.Context {
	data := map[string]interface{}{
		"nodeId":   msg.NodeID,
		"targetId": msg.TargetID,
		"position": msg.Position,
		"parentId": msg.ParentID,
		"kind":     msg.Kind,
	}
	if msg.Index != nil {
		data["index"] = float64(*msg.Index)
	}
	return livetemplate.NewContext(ctx, msg.Type, data)
}
