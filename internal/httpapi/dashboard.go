package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>relaypush</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --accent-2: #e88a3d;
      --danger: #c2483f;
      --muted: #6f7d7d;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      padding: 20px;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: linear-gradient(140deg, #fff9ef 0%, #f1f8f7 45%, #fffdf9 100%);
      min-height: 100vh;
    }
    .shell { max-width: 960px; margin: 0 auto; display: grid; gap: 14px; }
    .card { background: var(--card); border: 1px solid var(--line); border-radius: 16px; padding: 16px; }
    h1 { margin: 0; font-size: 1.5rem; }
    .sub { margin-top: 6px; color: var(--muted); font-size: 0.9rem; }
    .state { font-weight: 700; letter-spacing: 0.04em; }
    .state.READY { color: var(--accent); }
    .state.DEGRADED, .state.RECONNECTING, .state.INITIALIZING { color: var(--accent-2); }
    .state.ERROR { color: var(--danger); }
    ul { list-style: none; margin: 0; padding: 0; }
    li { padding: 6px 0; border-bottom: 1px dashed var(--line); }
    .mono { font-family: "JetBrains Mono", monospace; font-size: 0.85rem; }
    .muted { color: var(--muted); }
    button {
      border: 1px solid var(--line);
      border-radius: 10px;
      padding: 8px 12px;
      font-family: inherit;
      font-weight: 700;
      background: #f2ede2;
      cursor: pointer;
    }
  </style>
</head>
<body>
  <div class="shell">
    <div class="card">
      <h1>relaypush</h1>
      <div class="sub">state <span id="state" class="state">...</span> <span id="desc" class="muted"></span></div>
      <div class="sub mono" id="error"></div>
      <div class="sub">
        <button type="button" id="sync">Sync now</button>
        <button type="button" id="logout">Log out</button>
      </div>
    </div>
    <div class="card">
      <div class="sub">history</div>
      <ul id="history" class="mono"></ul>
    </div>
    <div class="card">
      <div class="sub">recent items <span id="user" class="muted"></span></div>
      <ul id="items"></ul>
    </div>
  </div>
  <script>
    (function () {
      const headers = { "Content-Type": "application/json" };
      const token = new URLSearchParams(window.location.search).get("token");
      if (token) {
        headers["Authorization"] = "Bearer " + token;
      }

      function render(state, description) {
        const el = document.getElementById("state");
        el.textContent = state;
        el.className = "state " + state;
        document.getElementById("desc").textContent = description || "";
      }

      async function loadState() {
        const res = await fetch("/v1/state", { headers });
        if (!res.ok) { return; }
        const body = await res.json();
        render(body.state, body.description);
        document.getElementById("error").textContent = body.lastError
          ? body.lastError.event + ": " + (body.lastError.error || "")
          : "";
      }

      async function loadSession() {
        const res = await fetch("/v1/session", { headers });
        if (!res.ok) { return; }
        const body = await res.json();
        document.getElementById("user").textContent = (body.userInfo && body.userInfo.email) || "";
        const list = document.getElementById("items");
        list.textContent = "";
        (body.recentItems || []).forEach((item) => {
          const li = document.createElement("li");
          li.textContent = (item.title || item.url || item.iden) + (item.dismissed ? " (dismissed)" : "");
          list.appendChild(li);
        });
      }

      async function post(event) {
        await fetch("/v1/transitions", { method: "POST", headers, body: JSON.stringify({ event }) });
        await loadState();
        await loadSession();
      }

      document.getElementById("sync").addEventListener("click", () => post("sync"));
      document.getElementById("logout").addEventListener("click", () => post("logout"));

      const scheme = window.location.protocol === "https:" ? "wss://" : "ws://";
      const ws = new WebSocket(scheme + window.location.host + "/v1/state/stream" + (token ? "?token=" + encodeURIComponent(token) : ""));
      ws.onmessage = (msg) => {
        const change = JSON.parse(msg.data);
        render(change.to, change.description);
        const li = document.createElement("li");
        li.textContent = change.at + " " + change.from + " -> " + change.to + (change.event ? " (" + change.event + ")" : "");
        document.getElementById("history").prepend(li);
        loadSession();
      };

      loadState();
      loadSession();
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
