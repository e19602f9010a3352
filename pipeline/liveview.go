package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/139QQ/Baostock-sub004/feed"
)

// liveView serves the diagnostic web interface: a self-contained HTML page
// plus the JSON API it polls. Reads are plain service snapshots; the
// mutating endpoints go through the same service methods external callers
// use, so the lifecycle guards apply unchanged.
type liveView struct {
	logger  zerolog.Logger
	service *Service
	server  *http.Server
	ln      net.Listener
}

type liveStateResponse struct {
	Health   HealthStatus                  `json:"health"`
	Control  ControlStatus                 `json:"control"`
	Tasks    []TaskStatus                  `json:"tasks"`
	Routing  []StrategyPerformance         `json:"routing"`
	Flow     FlowStatus                    `json:"flow"`
	Requests map[feed.DataType]TypeMetrics `json:"requests"`
}

type controlRequest struct {
	Action     string `json:"action"`
	DurationMS *int64 `json:"duration_ms,omitempty"`
	Size       *int   `json:"size,omitempty"`
}

type taskControlRequest struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	IntervalMS *int64 `json:"interval_ms,omitempty"`
}

// EnableLiveView starts the optional diagnostic HTTP server. It can be
// called before or after Start; the listener survives Stop and goes away
// on Close.
func (s *Service) EnableLiveView(listen string) error {
	if s == nil {
		return errors.New("service is nil")
	}
	if err := s.ensureNotDisposed("enable live view"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live != nil {
		return errors.New("live view already enabled")
	}
	if listen == "" {
		listen = ":18080"
	}
	logger := s.logger.With().Str("component", "live_view").Logger()
	view, err := newLiveView(listen, s, logger)
	if err != nil {
		return err
	}
	s.live = view
	return nil
}

// LiveViewAddress returns the bound listen address, or "" when the live
// view is not enabled.
func (s *Service) LiveViewAddress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live == nil {
		return ""
	}
	return s.live.ln.Addr().String()
}

func newLiveView(listen string, svc *Service, logger zerolog.Logger) (*liveView, error) {
	mux := http.NewServeMux()
	view := &liveView{logger: logger, service: svc}
	mux.HandleFunc("/", view.handleIndex)
	mux.HandleFunc("/api/state", view.handleState)
	mux.HandleFunc("/api/strategies", view.handleStrategies)
	mux.HandleFunc("/api/tasks", view.handleTasks)
	mux.HandleFunc("/api/tasks/", view.handleTaskControl)
	mux.HandleFunc("/api/network", view.handleNetwork)
	mux.HandleFunc("/api/flow", view.handleFlow)
	mux.HandleFunc("/api/control", view.handleControl)
	mux.HandleFunc("/healthz", view.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: mux}
	view.server = srv
	view.ln = ln

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("live view server stopped")
		}
	}()

	logger.Info().Str("listen", ln.Addr().String()).Msg("live view started")
	return view, nil
}

func (v *liveView) Close() {
	if v == nil || v.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := v.server.Shutdown(ctx); err != nil && err != context.Canceled {
		v.logger.Error().Err(err).Msg("shutdown live view")
	}
}

func (v *liveView) writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		v.logger.Error().Err(err).Msg("encode live view response")
	}
}

// writeSnapshot answers GET-only snapshot endpoints uniformly: a lifecycle
// violation maps to 409, everything else is encoded as-is.
func (v *liveView) writeSnapshot(w http.ResponseWriter, r *http.Request, payload interface{}, err error) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	v.writeJSON(w, payload)
}

func (v *liveView) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := liveViewTemplate.Execute(w, nil); err != nil {
		v.logger.Error().Err(err).Msg("render live view page")
	}
}

func (v *liveView) stateSnapshot() (liveStateResponse, error) {
	health, err := v.service.GetHealthStatus()
	if err != nil {
		return liveStateResponse{}, err
	}
	control, err := v.service.PollingControl()
	if err != nil {
		return liveStateResponse{}, err
	}
	tasks, err := v.service.PollingTasks()
	if err != nil {
		return liveStateResponse{}, err
	}
	routing, err := v.service.GetRoutingStats()
	if err != nil {
		return liveStateResponse{}, err
	}
	flow, err := v.service.FlowStatus()
	if err != nil {
		return liveStateResponse{}, err
	}
	requests, err := v.service.GetPerformanceMetrics()
	if err != nil {
		return liveStateResponse{}, err
	}
	return liveStateResponse{
		Health:   health,
		Control:  control,
		Tasks:    tasks,
		Routing:  routing,
		Flow:     flow,
		Requests: requests,
	}, nil
}

func (v *liveView) handleState(w http.ResponseWriter, r *http.Request) {
	state, err := v.stateSnapshot()
	v.writeSnapshot(w, r, state, err)
}

func (v *liveView) handleStrategies(w http.ResponseWriter, r *http.Request) {
	stats, err := v.service.GetRoutingStats()
	v.writeSnapshot(w, r, stats, err)
}

func (v *liveView) handleTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := v.service.PollingTasks()
	v.writeSnapshot(w, r, tasks, err)
}

func (v *liveView) handleNetwork(w http.ResponseWriter, r *http.Request) {
	status, err := v.service.GetNetworkStatus()
	v.writeSnapshot(w, r, status, err)
}

func (v *liveView) handleFlow(w http.ResponseWriter, r *http.Request) {
	flow, err := v.service.FlowStatus()
	v.writeSnapshot(w, r, flow, err)
}

func (v *liveView) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	var err error
	switch req.Action {
	case "run":
		err = v.service.ResumePolling()
	case "pause":
		err = v.service.PausePolling()
	case "step":
		err = v.service.StepPolling()
	case "speed":
		if req.DurationMS == nil {
			http.Error(w, "duration required", http.StatusBadRequest)
			return
		}
		err = v.service.SetPollingTick(time.Duration(*req.DurationMS) * time.Millisecond)
	case "batch_size":
		if req.Size == nil {
			http.Error(w, "size required", http.StatusBadRequest)
			return
		}
		_, err = v.service.SetBatchSize(*req.Size, "live view")
	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
		return
	}
	if err != nil {
		status := http.StatusBadRequest
		if IsStateError(err) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}
	control, cerr := v.service.PollingControl()
	if cerr != nil {
		http.Error(w, cerr.Error(), http.StatusConflict)
		return
	}
	v.writeJSON(w, control)
}

func (v *liveView) handleTaskControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	defer r.Body.Close()
	var req taskControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.Enabled == nil && req.IntervalMS == nil {
		http.Error(w, "enabled flag or interval required", http.StatusBadRequest)
		return
	}
	if req.Enabled != nil {
		if err := v.service.SetPollingEnabled(id, *req.Enabled); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
	}
	if req.IntervalMS != nil {
		interval := time.Duration(*req.IntervalMS) * time.Millisecond
		if err := v.service.AdjustPollingFrequency(id, interval); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
	}
	tasks, err := v.service.PollingTasks()
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	for _, task := range tasks {
		if task.ID == id {
			v.writeJSON(w, task)
			return
		}
	}
	http.NotFound(w, r)
}

func (v *liveView) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	health, err := v.service.GetHealthStatus()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if !health.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(health); err != nil {
		v.logger.Error().Err(err).Msg("encode health response")
	}
}

var liveViewTemplate = template.Must(template.New("liveview").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Market Pipeline Live View</title>
<style>
body { font-family: Arial, sans-serif; margin: 2rem; background: #f7f7f7; color: #222; }
h1 { margin-bottom: 1rem; }
h2 { margin: 1.25rem 0 0.5rem; font-size: 1.1rem; }
.controls { display: flex; flex-wrap: wrap; gap: 0.5rem; align-items: center; margin-bottom: 1rem; }
.controls button { padding: 0.5rem 1rem; border: none; border-radius: 4px; background: #1976d2; color: #fff; cursor: pointer; }
.controls button.pause { background: #c62828; }
.controls button.step { background: #2e7d32; }
.controls label { display: flex; align-items: center; gap: 0.5rem; }
#tickValue { font-weight: bold; }
.status-indicator { margin-left: auto; font-weight: 600; color: #1976d2; }
.status-indicator.paused { color: #c62828; }
.status-indicator.unhealthy { color: #c62828; }
.cards { display: flex; flex-wrap: wrap; gap: 1rem; margin-bottom: 1rem; }
.card { background: #fff; border-radius: 6px; box-shadow: 0 2px 4px rgba(0,0,0,0.1); padding: 0.75rem 1rem; min-width: 220px; font-size: 0.9rem; }
.card .title { font-weight: 600; margin-bottom: 0.35rem; }
.bar { height: 8px; border-radius: 4px; background: #e0e0e0; overflow: hidden; margin: 0.2rem 0 0.5rem; }
.bar span { display: block; height: 100%; background: #1976d2; }
.bar.hot span { background: #c62828; }
table { width: 100%; border-collapse: collapse; background: #fff; box-shadow: 0 2px 4px rgba(0,0,0,0.1); margin-bottom: 1rem; }
thead { background: #e0e0e0; }
th, td { padding: 0.5rem; border: 1px solid #ccc; text-align: left; vertical-align: middle; }
tr.offline { background: #ffebee; }
tr.offline td { color: #b71c1c; }
.badge { display: inline-block; padding: 0.2rem 0.4rem; border-radius: 3px; font-size: 0.75rem; color: #fff; }
.badge.on { background: #2e7d32; }
.badge.off { background: #c62828; }
.task-actions button { padding: 0.3rem 0.7rem; border: none; border-radius: 4px; background: #1976d2; color: #fff; cursor: pointer; }
.batch-form { display: flex; gap: 0.5rem; align-items: center; margin-top: 0.4rem; }
.batch-form input { width: 5rem; padding: 0.25rem; }
.batch-form button { padding: 0.3rem 0.7rem; border: none; border-radius: 4px; background: #1976d2; color: #fff; cursor: pointer; }
</style>
</head>
<body>
<h1>Market Pipeline Live View</h1>
<div class="controls">
<button id="runBtn">Run</button>
<button id="pauseBtn" class="pause">Pause</button>
<button id="stepBtn" class="step">Step</button>
<label for="tickRange">Tick: <span id="tickValue"></span></label>
<input type="range" id="tickRange" min="100" max="10000" step="100" value="250">
<span id="statusBox" class="status-indicator"></span>
</div>
<div class="cards">
<div class="card" id="networkCard"><div class="title">Network</div><div class="body">—</div></div>
<div class="card" id="pressureCard"><div class="title">Pressure</div><div class="body">—</div></div>
<div class="card" id="flowCard"><div class="title">Flow Control</div><div class="body">—</div></div>
<div class="card" id="cacheCard"><div class="title">Cache</div><div class="body">—</div></div>
</div>
<h2>Strategies</h2>
<table id="strategies">
<thead><tr><th>Name</th><th>Available</th><th>Healthy</th><th>Success Rate</th><th>Avg Latency (ms)</th><th>Attempts</th><th>Last Attempt</th></tr></thead>
<tbody></tbody>
</table>
<h2>Polling Tasks</h2>
<table id="tasks">
<thead><tr><th>ID</th><th>Data Type</th><th>Interval</th><th>Status</th><th>Next Run</th><th>Last Run</th><th>Fires</th><th>Failures</th><th>Last Error</th><th>Actions</th></tr></thead>
<tbody></tbody>
</table>
<h2>Requests</h2>
<table id="requests">
<thead><tr><th>Data Type</th><th>Requests</th><th>Errors</th><th>Error Rate</th><th>Avg Latency (ms)</th></tr></thead>
<tbody></tbody>
</table>
<script>
const runBtn = document.getElementById('runBtn');
const pauseBtn = document.getElementById('pauseBtn');
const stepBtn = document.getElementById('stepBtn');
const tickRange = document.getElementById('tickRange');
const tickValue = document.getElementById('tickValue');
const statusBox = document.getElementById('statusBox');
const strategiesBody = document.querySelector('#strategies tbody');
const tasksBody = document.querySelector('#tasks tbody');
const requestsBody = document.querySelector('#requests tbody');

function formatTimestamp(value) {
  if (!value) { return '—'; }
  const date = new Date(value);
  if (isNaN(date.getTime()) || date.getTime() <= 0) { return '—'; }
  return date.toLocaleTimeString();
}

function formatNumber(value, digits) {
  if (typeof value !== 'number' || Number.isNaN(value)) { return '0.00'; }
  return value.toFixed(digits === undefined ? 2 : digits);
}

function nanosToMillis(value) {
  return formatNumber((value || 0) / 1e6);
}

function escapeHtml(value) {
  if (value === null || value === undefined) { return ''; }
  return String(value)
    .replace(/&/g, '&amp;')
    .replace(/</g, '&lt;')
    .replace(/>/g, '&gt;')
    .replace(/"/g, '&quot;')
    .replace(/'/g, '&#39;');
}

function bar(fraction, threshold) {
  const pct = Math.max(0, Math.min(100, (fraction || 0) * 100));
  const hot = threshold !== undefined && fraction >= threshold;
  return '<div class="bar' + (hot ? ' hot' : '') + '"><span style="width:' + pct.toFixed(1) + '%"></span></div>';
}

function postControl(payload) {
  fetch('/api/control', {
    method: 'POST',
    headers: { 'Content-Type': 'application/json' },
    body: JSON.stringify(payload)
  }).then(fetchState);
}

runBtn.addEventListener('click', function() { postControl({ action: 'run' }); });
pauseBtn.addEventListener('click', function() { postControl({ action: 'pause' }); });
stepBtn.addEventListener('click', function() { postControl({ action: 'step' }); });
tickRange.addEventListener('change', function() {
  postControl({ action: 'speed', duration_ms: Number(tickRange.value) });
});

function renderControl(control, healthy) {
  if (!control) { return; }
  tickValue.textContent = control.tick_text || '';
  if (Number(tickRange.value) !== Number(control.tick_ms)) {
    tickRange.value = control.tick_ms;
  }
  let text = control.mode === 'pause' ? 'PAUSED' : 'RUNNING';
  statusBox.classList.toggle('paused', control.mode === 'pause');
  if (!healthy) {
    text += ' · UNHEALTHY';
  }
  statusBox.classList.toggle('unhealthy', !healthy);
  statusBox.textContent = text;
}

function renderCards(state) {
  const net = state.health.network || {};
  document.querySelector('#networkCard .body').innerHTML =
    '<div>Connected: ' + (net.connected ? 'yes' : 'no') + '</div>' +
    '<div>Quality: ' + formatNumber(net.quality_score) + '</div>' + bar(net.quality_score) +
    '<div>Latency: ' + (net.latency_ms || 0) + ' ms</div>' +
    '<div>Stable: ' + (net.stable ? 'yes' : 'no') + '</div>';
  const pressure = state.flow.pressure || {};
  document.querySelector('#pressureCard .body').innerHTML =
    '<div>Overall: ' + formatNumber(pressure.overall) + '</div>' + bar(pressure.overall, 0.7) +
    '<div>Memory: ' + formatNumber(pressure.memory) + '</div>' + bar(pressure.memory, 0.85) +
    '<div>CPU: ' + formatNumber(pressure.cpu) + '</div>' + bar(pressure.cpu, 0.9) +
    '<div>Action: ' + escapeHtml(pressure.recommended_action || 'none') + '</div>';
  const flow = state.flow || {};
  const throttle = flow.throttle || {};
  document.querySelector('#flowCard .body').innerHTML =
    '<div>Strategy: ' + escapeHtml(throttle.type || 'disabled') + '</div>' +
    '<div>Throttle Rate: ' + formatNumber(throttle.throttle_rate) + '</div>' +
    '<div>In Flight: ' + (flow.in_flight || 0) + '</div>' +
    '<div>Admitted / Rejected: ' + (flow.admitted || 0) + ' / ' + (flow.rejected || 0) + '</div>' +
    '<div>Batch Size: ' + (flow.sizing ? flow.sizing.current_size : 0) + '</div>' +
    '<div class="batch-form"><input type="number" id="batchInput" min="1" value="' + (flow.sizing ? flow.sizing.current_size : 1) + '"><button id="batchBtn">Set</button></div>';
  document.getElementById('batchBtn').addEventListener('click', function() {
    postControl({ action: 'batch_size', size: Number(document.getElementById('batchInput').value) });
  });
  const cache = state.health.cache || {};
  document.querySelector('#cacheCard .body').innerHTML =
    '<div>Items: ' + (cache.items || 0) + '</div>' +
    '<div>Hit Rate: ' + formatNumber(cache.hit_rate) + '</div>' + bar(cache.hit_rate) +
    '<div>Hits / Misses: ' + (cache.hit_count || 0) + ' / ' + (cache.miss_count || 0) + '</div>' +
    '<div>Expired: ' + (cache.expired_count || 0) + '</div>';
}

function renderStrategies(state) {
  const byName = {};
  (state.health.strategies || []).forEach(function(h) { byName[h.strategy] = h; });
  strategiesBody.innerHTML = '';
  (state.routing || []).forEach(function(perf) {
    const health = byName[perf.strategy] || {};
    const tr = document.createElement('tr');
    if (!health.available) { tr.classList.add('offline'); }
    tr.innerHTML =
      '<td>' + escapeHtml(perf.strategy) + '</td>' +
      '<td>' + (health.available ? 'yes' : 'no') + '</td>' +
      '<td>' + (health.healthy ? 'yes' : 'no') + '</td>' +
      '<td>' + formatNumber(perf.success_rate) + '</td>' +
      '<td>' + nanosToMillis(perf.average_latency) + '</td>' +
      '<td>' + ((perf.success_count || 0) + (perf.failure_count || 0)) + '</td>' +
      '<td>' + formatTimestamp(perf.last_attempt) + '</td>';
    strategiesBody.appendChild(tr);
  });
}

function renderTasks(state) {
  tasksBody.innerHTML = '';
  (state.tasks || []).forEach(function(task) {
    const tr = document.createElement('tr');
    const toggleLabel = task.enabled ? 'Disable' : 'Enable';
    tr.innerHTML =
      '<td>' + escapeHtml(task.id) + '</td>' +
      '<td>' + escapeHtml(task.data_type) + '</td>' +
      '<td>' + escapeHtml(task.interval_text || '') + '</td>' +
      '<td>' + (task.enabled ? '<span class="badge on">enabled</span>' : '<span class="badge off">disabled</span>') + '</td>' +
      '<td>' + formatTimestamp(task.next_run) + '</td>' +
      '<td>' + formatTimestamp(task.last_run) + '</td>' +
      '<td>' + (task.fires || 0) + '</td>' +
      '<td>' + (task.failures || 0) + '</td>' +
      '<td>' + escapeHtml(task.last_error || '') + '</td>' +
      '<td class="task-actions"><button data-id="' + escapeHtml(task.id) + '" data-enabled="' + (!task.enabled) + '">' + toggleLabel + '</button></td>';
    tasksBody.appendChild(tr);
  });
  tasksBody.querySelectorAll('button[data-id]').forEach(function(btn) {
    btn.addEventListener('click', function() {
      fetch('/api/tasks/' + encodeURIComponent(btn.dataset.id), {
        method: 'POST',
        headers: { 'Content-Type': 'application/json' },
        body: JSON.stringify({ enabled: btn.dataset.enabled === 'true' })
      }).then(fetchState);
    });
  });
}

function renderRequests(state) {
  requestsBody.innerHTML = '';
  const requests = state.requests || {};
  Object.keys(requests).sort().forEach(function(dataType) {
    const m = requests[dataType];
    const tr = document.createElement('tr');
    tr.innerHTML =
      '<td>' + escapeHtml(dataType) + '</td>' +
      '<td>' + (m.request_count || 0) + '</td>' +
      '<td>' + (m.error_count || 0) + '</td>' +
      '<td>' + formatNumber(m.error_rate) + '</td>' +
      '<td>' + nanosToMillis(m.average_latency) + '</td>';
    requestsBody.appendChild(tr);
  });
}

function fetchState() {
  fetch('/api/state').then(function(resp) {
    if (!resp.ok) { throw new Error('state fetch failed'); }
    return resp.json();
  }).then(function(state) {
    renderControl(state.control, state.health && state.health.healthy);
    renderCards(state);
    renderStrategies(state);
    renderTasks(state);
    renderRequests(state);
  }).catch(function() {
    statusBox.textContent = 'DISCONNECTED';
    statusBox.classList.add('unhealthy');
  });
}

fetchState();
setInterval(fetchState, 1000);
</script>
</body>
</html>
`))
