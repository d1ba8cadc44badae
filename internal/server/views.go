package server

import (
	"bytes"
	"html/template"
	"net/http"

	"github.com/livetemplate/pagecraft"
	"github.com/livetemplate/pagecraft/internal/pages"
	"github.com/livetemplate/pagecraft/internal/render"
)

// previewView feeds previewTemplate.
type previewView struct {
	PageID  string
	Content template.HTML
	// Banner is set for fetch errors.
	Banner   string
	RetryURL string
	Stale    bool
}

var previewTemplate = template.Must(template.New("preview").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.PageID}}</title>
<style>` + baseCSS + `</style>
</head>
<body>
<main class="pc-page" data-page-id="{{.PageID}}">
{{- if .Banner}}
<div class="pc-banner" role="alert">{{.Banner}}{{if .RetryURL}} <a href="{{.RetryURL}}">Try again</a>{{end}}</div>
{{- end}}
{{.Content}}
</main>
</body>
</html>
`))

// builderView feeds builderTemplate.
type builderView struct {
	PageID string
	Canvas template.HTML
	Kinds  []pagecraft.KindSpec
}

var builderTemplate = template.Must(template.New("builder").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Editing {{.PageID}}</title>
<style>` + baseCSS + builderCSS + `</style>
</head>
<body class="pc-builder" data-page-id="{{.PageID}}">
<header class="pc-toolbar">
  <select id="pc-kind">{{range .Kinds}}<option value="{{.Kind}}">{{.Label}}</option>{{end}}</select>
  <button data-action="insert">Add</button>
  <button data-action="remove">Remove</button>
  <button data-action="undo">Undo</button>
  <button data-action="redo">Redo</button>
  <button data-action="save">Save</button>
  <button data-action="reload">Reload</button>
  <span id="pc-status"></span>
</header>
<main id="pc-canvas" class="pc-page">{{.Canvas}}</main>
<script>` + builderJS + `</script>
</body>
</html>
`))

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pageID(w, r)
	if !ok {
		return
	}

	var res pages.Result
	if r.URL.Query().Get("refresh") == "1" {
		res = s.pages.Refresh(r.Context(), id)
	} else {
		res = s.pages.FetchPage(r.Context(), id)
	}

	view := previewView{PageID: id, Stale: res.Stale}
	status := http.StatusOK

	switch res.Status {
	case pages.StatusFound:
		out, err := s.renderer.RenderDocument(res.Doc, render.Preview, render.Flags{}, render.Callbacks{})
		if err != nil {
			s.log.Error().Err(err).Str("page", id).Msg("render failed")
			view.Banner = "This page could not be displayed."
			status = http.StatusInternalServerError
			break
		}
		view.Content = out.HTML

	case pages.StatusNotFound:
		if html, ok := s.cfg.Fallback(id); ok {
			// Fallbacks come from the operator's config file.
			view.Content = template.HTML(html)
		} else {
			view.Content = template.HTML(`<div class="pc-empty"><p>This page does not exist.</p></div>`)
			status = http.StatusNotFound
		}

	default:
		if res.Reason == pages.ReasonInvalidDocument {
			s.log.Error().Err(res.Err).Str("page", id).Msg("page document is invalid, rendering nothing")
		} else {
			s.log.Warn().Err(res.Err).Str("page", id).Str("reason", string(res.Reason)).Msg("page fetch failed")
		}
		view.Banner = res.Message()
		if res.Retryable() {
			view.RetryURL = "/p/" + id + "?refresh=1"
		}
		status = statusForReason(res.Reason)
	}

	s.writeHTML(w, status, previewTemplate, view)
}

func (s *Server) handleBuilder(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pageID(w, r)
	if !ok {
		return
	}
	// The canvas is filled by the websocket session; the first render here
	// only avoids an empty flash.
	view := builderView{PageID: id, Kinds: pagecraft.Kinds()}
	res := s.pages.FetchPage(r.Context(), id)
	if res.Status == pages.StatusFound {
		if out, err := s.renderer.RenderDocument(res.Doc, render.Edit, render.Flags{}, render.Callbacks{}); err == nil {
			view.Canvas = out.HTML
		}
	}
	s.writeHTML(w, http.StatusOK, builderTemplate, view)
}

func (s *Server) writeHTML(w http.ResponseWriter, status int, tmpl *template.Template, data any) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		s.log.Error().Err(err).Str("template", tmpl.Name()).Msg("template execution failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

const baseCSS = `
body{font-family:system-ui,sans-serif;margin:0;color:#1f2328}
.pc-page{max-width:72rem;margin:0 auto;padding:1rem}
.pc-banner{background:#fff4e5;border:1px solid #f0b429;padding:.75rem 1rem;margin-bottom:1rem;border-radius:4px}
.pc-empty{color:#6e7781;text-align:center;padding:3rem 1rem}
.pc-columns{display:grid;grid-auto-flow:column;gap:1rem}
.pc-product-grid{display:grid;grid-template-columns:repeat(auto-fill,minmax(12rem,1fr));gap:1rem}
`

const builderCSS = `
.pc-toolbar{position:sticky;top:0;background:#f6f8fa;border-bottom:1px solid #d0d7de;padding:.5rem 1rem;display:flex;gap:.5rem;align-items:center}
.pc-node{outline:1px dashed transparent;position:relative;min-height:1rem}
.pc-hovered{outline-color:#8c959f}
.pc-selected{outline:2px solid #0969da}
.pc-drop-target{background:#ddf4ff}
#pc-status{margin-left:auto;color:#57606a}
`

// builderJS forwards canvas events to the session and applies the
// livetemplate tree updates it sends back. The tree is kept merged on the
// client and rendered into #pc-live; canvas markup is swapped only when it
// changes, and session state is applied as classes.
const builderJS = `
(function(){
  var pageId = document.body.dataset.pageId;
  var canvas = document.getElementById("pc-canvas");
  var status = document.getElementById("pc-status");
  var proto = location.protocol === "https:" ? "wss:" : "ws:";
  var ws = new WebSocket(proto + "//" + location.host + "/builder/" + encodeURIComponent(pageId) + "/ws");
  var tree = null, shown = null, selected = "", errorUntil = 0;
  function send(m){ if (ws.readyState === 1) ws.send(JSON.stringify(m)); }
  function arm(){ canvas.querySelectorAll("[data-node-id]").forEach(function(n){ n.draggable = true; }); }
  function nodeOf(el){ return el && el.closest ? el.closest("[data-node-id]") : null; }

  function merge(into, upd){
    Object.keys(upd).forEach(function(k){
      var v = upd[k];
      if (v && typeof v === "object" && !Array.isArray(v) && !v.s && into[k] && typeof into[k] === "object") merge(into[k], v);
      else into[k] = v;
    });
  }
  function render(n){
    if (n === null || n === undefined) return "";
    if (Array.isArray(n)) return n.map(render).join("");
    if (typeof n !== "object") return String(n);
    if (!n.s) return "";
    var out = n.s[0];
    for (var i = 1; i < n.s.length; i++) out += render(n[String(i-1)]) + n.s[i];
    return out;
  }
  function mark(cls, id){
    canvas.querySelectorAll("." + cls).forEach(function(n){ n.classList.remove(cls); });
    if (!id) return;
    var n = canvas.querySelector('[data-node-id="' + CSS.escape(id) + '"]');
    if (n) n.classList.add(cls);
  }
  function apply(){
    var doc = new DOMParser().parseFromString(render(tree), "text/html");
    var live = doc.getElementById("pc-live");
    if (!live) return;
    var d = live.dataset;
    if (live.innerHTML !== shown) {
      shown = live.innerHTML;
      canvas.innerHTML = shown;
      arm();
    }
    selected = d.selected || "";
    mark("pc-selected", selected);
    mark("pc-hovered", d.hovered);
    mark("pc-drop-target", d.drop);
    document.querySelector('[data-action="undo"]').disabled = d.undo !== "true";
    document.querySelector('[data-action="redo"]').disabled = d.redo !== "true";
    if (Date.now() > errorUntil) status.textContent = d.status || "";
  }
  ws.onmessage = function(ev){
    var m = JSON.parse(ev.data);
    if (m.type === "tree") {
      if (!tree || m.tree.s) tree = m.tree; else merge(tree, m.tree);
      apply();
    } else if (m.type === "error") {
      errorUntil = Date.now() + 3000;
      status.textContent = m.message;
    }
  };
  arm();

  // Hover changes are coalesced so sweeping the pointer across nested nodes
  // sends at most one event per interval.
  var hoverWant = "", hoverSent = "", hoverTimer = null;
  function flushHover(){
    hoverTimer = null;
    if (hoverWant === hoverSent) return;
    if (hoverWant) send({type:"hover-enter", nodeId:hoverWant});
    else send({type:"hover-leave", nodeId:hoverSent});
    hoverSent = hoverWant;
  }
  function wantHover(id){
    hoverWant = id;
    if (!hoverTimer) hoverTimer = setTimeout(flushHover, 50);
  }
  canvas.addEventListener("mouseover", function(e){
    var n = nodeOf(e.target); wantHover(n ? n.dataset.nodeId : "");
  });
  canvas.addEventListener("mouseleave", function(){ wantHover(""); });

  canvas.addEventListener("click", function(e){
    var n = nodeOf(e.target);
    send(n ? {type:"select", nodeId:n.dataset.nodeId} : {type:"clear-selection"});
  });

  // Edge bands of a node mean before/after; the middle of a container means
  // inside.
  function dropPosition(n, e){
    var r = n.getBoundingClientRect(), y = e.clientY - r.top, band = r.height / 4;
    if (y < band) return "before";
    if (y > r.height - band) return "after";
    if (n.dataset.drop === "inside") return "inside";
    return y < r.height / 2 ? "before" : "after";
  }
  var over = "";
  canvas.addEventListener("dragstart", function(e){
    var n = nodeOf(e.target); if (n) { over = ""; send({type:"begin-drag", nodeId:n.dataset.nodeId}); }
  });
  canvas.addEventListener("dragover", function(e){
    e.preventDefault();
    var n = nodeOf(e.target);
    var target = n ? n.dataset.nodeId : "", pos = n ? dropPosition(n, e) : "inside";
    if (target + "|" + pos === over) return;
    over = target + "|" + pos;
    send({type:"drag-over", targetId:target, position:pos});
  });
  canvas.addEventListener("drop", function(e){
    e.preventDefault();
    var n = nodeOf(e.target);
    over = "";
    send({type:"drop", targetId:n ? n.dataset.nodeId : "", position:n ? dropPosition(n, e) : "inside"});
  });
  // A rejected drop keeps the session dragging; the browser drag is over
  // either way.
  canvas.addEventListener("dragend", function(){ over = ""; send({type:"cancel-drag"}); });
  document.addEventListener("keydown", function(e){ if (e.key === "Escape") send({type:"cancel-drag"}); });

  document.querySelector(".pc-toolbar").addEventListener("click", function(e){
    var a = e.target.dataset && e.target.dataset.action; if (!a) return;
    if (a === "insert") {
      send({type:"insert", kind:document.getElementById("pc-kind").value, parentId:"", props:{}});
    } else if (a === "remove") {
      if (selected) send({type:"remove", nodeId:selected});
    } else {
      send({type:a});
    }
  });
})();
`
