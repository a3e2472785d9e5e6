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
  <title>Filetree Control Surface</title>
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
      --shadow: 0 18px 36px rgba(16, 34, 35, 0.16);
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background:
        radial-gradient(1200px 500px at -5% -10%, rgba(232, 138, 61, 0.18), transparent 60%),
        radial-gradient(900px 500px at 110% -10%, rgba(31, 157, 136, 0.2), transparent 65%),
        linear-gradient(140deg, #fff9ef 0%, #f1f8f7 45%, #fffdf9 100%);
      min-height: 100vh;
      padding: 20px;
    }

    .shell {
      max-width: 1180px;
      margin: 0 auto;
      display: grid;
      gap: 14px;
      animation: rise 420ms ease-out;
    }

    .bar {
      background: linear-gradient(140deg, #fffefc, #fcf6eb);
      border: 1px solid var(--line);
      border-radius: 18px;
      padding: 16px;
      box-shadow: var(--shadow);
    }

    h1 {
      margin: 0;
      font-size: clamp(1.2rem, 2vw, 1.75rem);
      letter-spacing: 0.02em;
    }

    .sub {
      margin-top: 6px;
      color: var(--muted);
      font-size: 0.9rem;
    }

    .controls {
      display: grid;
      gap: 10px;
      grid-template-columns: 1.2fr 0.7fr 0.9fr 0.9fr 0.55fr 0.55fr;
      margin-top: 12px;
    }

    .controls input {
      width: 100%;
      border-radius: 10px;
      border: 1px solid var(--line);
      background: #ffffff;
      color: var(--ink);
      padding: 10px 12px;
      font-size: 0.92rem;
      outline: none;
    }

    .controls input:focus {
      border-color: var(--accent);
      box-shadow: 0 0 0 3px rgba(31, 157, 136, 0.15);
    }

    button {
      border: 0;
      border-radius: 10px;
      padding: 10px 12px;
      font-family: inherit;
      font-weight: 700;
      letter-spacing: 0.01em;
      cursor: pointer;
      transition: transform 120ms ease, opacity 120ms ease, box-shadow 120ms ease;
    }

    button:hover { transform: translateY(-1px); }
    button:active { transform: translateY(0); }

    .btn-primary {
      background: linear-gradient(125deg, var(--accent), #2ab399);
      color: #ffffff;
      box-shadow: 0 10px 18px rgba(31, 157, 136, 0.22);
    }

    .btn-secondary {
      background: linear-gradient(120deg, #f2ede2, #efe6d7);
      color: var(--ink);
      border: 1px solid var(--line);
    }

    .cards {
      display: grid;
      gap: 10px;
      grid-template-columns: repeat(4, minmax(120px, 1fr));
    }

    .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 12px;
      min-height: 86px;
      box-shadow: 0 8px 18px rgba(16, 34, 35, 0.08);
      animation: stagger 340ms ease both;
    }

    .card:nth-child(2) { animation-delay: 40ms; }
    .card:nth-child(3) { animation-delay: 80ms; }
    .card:nth-child(4) { animation-delay: 120ms; }

    .label {
      text-transform: uppercase;
      letter-spacing: 0.09em;
      font-size: 0.66rem;
      color: var(--muted);
    }

    .value {
      margin-top: 6px;
      font-size: 1.02rem;
      font-weight: 700;
      line-height: 1.2;
      word-break: break-word;
    }

    .grid {
      display: grid;
      gap: 12px;
      grid-template-columns: 1.7fr 1fr;
    }

    .panel {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 16px;
      padding: 12px;
      box-shadow: 0 10px 20px rgba(16, 34, 35, 0.08);
      min-height: 280px;
    }

    .panel h2 {
      margin: 0 0 10px;
      font-size: 0.92rem;
      letter-spacing: 0.06em;
      text-transform: uppercase;
    }

    .panel-note {
      margin: -4px 0 8px;
      color: var(--muted);
      font-size: 0.78rem;
    }

    .tree {
      margin: 0;
      padding: 0;
      list-style: none;
      display: grid;
      gap: 6px;
      max-height: 460px;
      overflow: auto;
    }

    .tree button {
      width: 100%;
      text-align: left;
      background: #fffcf7;
      border: 1px solid #e3d9c4;
      border-radius: 10px;
      padding: 8px 10px;
      font-size: 0.84rem;
      color: var(--ink);
      box-shadow: none;
      font-weight: 500;
    }

    .tree button.dir {
      border-left: 4px solid #7c9b9a;
    }

    .tree button.file {
      border-left: 4px solid var(--accent);
    }

    .tree button.active {
      background: #eaf8f5;
      border-color: #9fd6ca;
    }

    .tree .meta {
      display: block;
      margin-top: 2px;
      font-size: 0.72rem;
      color: #6f7d7d;
    }

    .preview {
      margin: 0;
      border: 1px solid #e3d9c4;
      border-radius: 10px;
      background: #fffefb;
      padding: 10px;
      font-size: 0.8rem;
      line-height: 1.4;
      min-height: 260px;
      max-height: 460px;
      overflow: auto;
      white-space: pre-wrap;
      word-break: break-word;
    }

    .ok { color: #0f8f53; }
    .warn { color: #b66a21; }
    .err { color: var(--danger); }

    .status-line {
      margin-top: 10px;
      font-size: 0.84rem;
      color: var(--muted);
      display: flex;
      flex-wrap: wrap;
      gap: 10px;
    }

    .mono {
      font-family: "IBM Plex Mono", "SFMono-Regular", Menlo, Consolas, monospace;
    }

    @keyframes rise {
      from { opacity: 0; transform: translateY(8px); }
      to { opacity: 1; transform: translateY(0); }
    }

    @keyframes stagger {
      from { opacity: 0; transform: translateY(6px); }
      to { opacity: 1; transform: translateY(0); }
    }

    @media (max-width: 1100px) {
      .controls { grid-template-columns: 1fr 1fr; }
      .grid { grid-template-columns: 1fr; }
    }

    @media (max-width: 640px) {
      body { padding: 12px; }
      .controls { grid-template-columns: 1fr; }
      .cards { grid-template-columns: repeat(2, minmax(120px, 1fr)); }
    }
  </style>
</head>
<body>
  <main class="shell">
    <section class="bar">
      <h1>Filetree Control Surface</h1>
      <div class="sub">Live view over a team's virtual file tree: folders, leaves, and unfiled backlog.</div>
      <div class="controls">
        <input id="token" type="password" placeholder="Bearer token (files:read)" autocomplete="off" />
        <input id="team" type="text" placeholder="team id" autocomplete="off" />
        <input id="parent" type="text" placeholder="parent folder (blank = whole tree)" autocomplete="off" />
        <input id="search" type="text" placeholder="search term" autocomplete="off" />
        <button id="refresh" class="btn-primary" type="button">Refresh Now</button>
        <button id="toggle" class="btn-secondary" type="button">Pause Auto</button>
      </div>
      <div class="status-line">
        <span>API: <span class="mono" id="apiBase"></span></span>
        <span>Last: <span id="lastUpdated">never</span></span>
        <span id="statusMessage">idle</span>
      </div>
    </section>

    <section class="cards">
      <article class="card"><div class="label">Entries</div><div id="countTotal" class="value mono">-</div></article>
      <article class="card"><div class="label">Folders</div><div id="countFolders" class="value mono">-</div></article>
      <article class="card"><div class="label">Leaves</div><div id="countLeaves" class="value mono">-</div></article>
      <article class="card"><div class="label">Unfiled</div><div id="countUnfiled" class="value mono">-</div></article>
    </section>

    <section class="grid">
      <article class="panel">
        <h2>Tree</h2>
        <div class="panel-note">Showing up to 500 entries, ordered by path. Click a leaf to inspect it.</div>
        <ul id="treeRows" class="tree"></ul>
      </article>

      <article class="panel">
        <h2>Entry Detail</h2>
        <p id="entryMeta" class="panel-note">Select an entry to inspect its record.</p>
        <pre id="entryDetail" class="preview mono"></pre>
      </article>
    </section>
  </main>

  <script>
    (function () {
      const store = {
        timer: null,
        intervalMs: 5000,
        paused: false,
        selectedID: "",
        entries: [],
      };

      const dom = {};
      ["token", "team", "parent", "search", "refresh", "toggle", "apiBase",
       "lastUpdated", "statusMessage", "countTotal", "countFolders", "countLeaves",
       "countUnfiled", "treeRows", "entryMeta", "entryDetail"].forEach((id) => {
        dom[id] = document.getElementById(id);
      });

      function getBase() {
        return window.location.origin;
      }

      function cid() {
        return "dash_" + Date.now() + "_" + Math.random().toString(16).slice(2, 8);
      }

      async function request(path) {
        const token = dom.token.value.trim();
        if (!token) {
          throw new Error("missing token");
        }
        const response = await fetch(getBase() + path, {
          headers: {
            "Authorization": "Bearer " + token,
            "X-Correlation-Id": cid(),
          },
        });
        const text = await response.text();
        let data;
        try {
          data = JSON.parse(text);
        } catch (err) {
          throw new Error("non-json response: " + text.slice(0, 220));
        }
        if (!response.ok) {
          const code = data.code ? String(data.code) : "error";
          const msg = data.message ? String(data.message) : response.statusText;
          throw new Error(response.status + " " + code + ": " + msg);
        }
        return data;
      }

      function setStatus(text, cls) {
        dom.statusMessage.textContent = text;
        dom.statusMessage.className = cls || "";
      }

      function depthIndent(path) {
        let depth = 0;
        let escaped = false;
        for (const ch of String(path || "")) {
          if (escaped) {
            escaped = false;
          } else if (ch === "\\") {
            escaped = true;
          } else if (ch === "/") {
            depth += 1;
          }
        }
        return " ".repeat(depth * 2);
      }

      function renderDetail(entry) {
        if (!entry) {
          dom.entryMeta.textContent = "Select an entry to inspect its record.";
          dom.entryDetail.textContent = "";
          return;
        }
        dom.entryMeta.textContent = entry.path;
        dom.entryDetail.textContent = JSON.stringify(entry, null, 2);
      }

      function renderTree() {
        dom.treeRows.innerHTML = "";
        if (store.entries.length === 0) {
          const li = document.createElement("li");
          li.textContent = "No entries";
          dom.treeRows.appendChild(li);
          return;
        }
        store.entries.forEach((entry) => {
          const li = document.createElement("li");
          const btn = document.createElement("button");
          btn.type = "button";
          btn.classList.add(entry.type === "folder" ? "dir" : "file");
          if (entry.id === store.selectedID) {
            btn.classList.add("active");
          }
          btn.textContent = depthIndent(entry.path) + entry.path;
          const meta = document.createElement("span");
          meta.className = "meta";
          meta.textContent = entry.type + (entry.ref ? " | ref=" + entry.ref : "") + " | depth=" + entry.depth;
          btn.appendChild(meta);
          btn.addEventListener("click", () => {
            store.selectedID = entry.id;
            renderDetail(entry);
            renderTree();
          });
          li.appendChild(btn);
          dom.treeRows.appendChild(li);
        });
      }

      async function refresh() {
        const team = dom.team.value.trim();
        if (!team) {
          setStatus("enter team id", "warn");
          return;
        }
        setStatus("loading...", "");
        try {
          const params = new URLSearchParams({ limit: "500" });
          const parent = dom.parent.value.trim();
          const search = dom.search.value.trim();
          if (parent) { params.set("parent", parent); }
          if (search) { params.set("search", search); }
          const base = "/v1/teams/" + encodeURIComponent(team) + "/files";
          const page = await request(base + "?" + params.toString());
          store.entries = Array.isArray(page.results) ? page.results : [];
          const folders = store.entries.filter((e) => e.type === "folder").length;
          const unfiled = store.entries.filter((e) => e.path.startsWith("Unfiled/")).length;
          dom.countTotal.textContent = String(page.count);
          dom.countFolders.textContent = String(folders);
          dom.countLeaves.textContent = String(store.entries.length - folders);
          dom.countUnfiled.textContent = String(unfiled);
          renderTree();
          const selected = store.entries.find((e) => e.id === store.selectedID);
          renderDetail(selected || null);
          dom.lastUpdated.textContent = new Date().toLocaleTimeString();
          setStatus("ok", "ok");
          window.localStorage.setItem("filetree_dashboard_token", dom.token.value);
          window.localStorage.setItem("filetree_dashboard_team", team);
        } catch (err) {
          setStatus(String(err.message || err), "err");
        }
      }

      function ensureTimer() {
        if (store.timer) {
          clearInterval(store.timer);
        }
        store.timer = setInterval(() => {
          if (!store.paused && dom.token.value.trim() && dom.team.value.trim()) {
            refresh();
          }
        }, store.intervalMs);
      }

      dom.refresh.addEventListener("click", refresh);
      dom.toggle.addEventListener("click", () => {
        store.paused = !store.paused;
        dom.toggle.textContent = store.paused ? "Resume Auto" : "Pause Auto";
      });
      dom.parent.addEventListener("change", refresh);
      dom.search.addEventListener("change", refresh);

      dom.token.value = window.localStorage.getItem("filetree_dashboard_token") || "";
      dom.team.value = window.localStorage.getItem("filetree_dashboard_team") || "";
      dom.apiBase.textContent = getBase();

      ensureTimer();
      if (dom.token.value && dom.team.value) {
        refresh();
      } else {
        setStatus("enter token and team to start", "warn");
      }
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
