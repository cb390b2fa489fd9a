package viewer

// indexHTML is formatted with the camera id twice.
const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Camera %s</title>
<style>
  body { background: #111; color: #ddd; font-family: sans-serif; margin: 0; }
  header { padding: 8px 16px; display: flex; gap: 16px; align-items: baseline; }
  #view { display: block; max-width: 100%%; margin: 0 auto; background: #000; }
  #flags span { margin-right: 10px; }
  .on { color: #5f5; } .off { color: #777; }
  table { margin: 12px 16px; border-collapse: collapse; font-size: 13px; }
  td, th { padding: 2px 10px; text-align: left; }
</style>
</head>
<body>
<header><h2>%s</h2><div id="flags"></div></header>
<img id="view" alt="live view">
<table id="recordings"><thead><tr><th>Started</th><th>Duration</th><th>Frames</th><th>File</th></tr></thead><tbody></tbody></table>
<script>
const view = document.getElementById('view');
let lastURL = null;

function mjpeg() { view.src = '/stream'; }

function connect() {
  if (!('WebSocket' in window)) { mjpeg(); return; }
  const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws');
  ws.binaryType = 'blob';
  ws.onmessage = (ev) => {
    const url = URL.createObjectURL(ev.data);
    view.src = url;
    if (lastURL) URL.revokeObjectURL(lastURL);
    lastURL = url;
  };
  ws.onerror = () => { ws.close(); };
  ws.onclose = () => { setTimeout(connect, 2000); };
}

async function status() {
  try {
    const s = await (await fetch('/api/status')).json();
    document.getElementById('flags').innerHTML = Object.entries(s.flags || {})
      .map(([k, v]) => '<span class="' + (v ? 'on' : 'off') + '">' + k + '</span>').join('');
  } catch (e) {}
}

async function recordings() {
  try {
    const r = await (await fetch('/api/recordings?limit=20')).json();
    document.querySelector('#recordings tbody').innerHTML = (r.recordings || []).map(rec =>
      '<tr><td>' + new Date(rec.started_at).toLocaleString() + '</td><td>' +
      (rec.duration / 1e9).toFixed(1) + ' s</td><td>' + rec.frames + '</td><td>' +
      rec.path + '</td></tr>').join('');
  } catch (e) {}
}

connect();
status(); setInterval(status, 2000);
recordings(); setInterval(recordings, 10000);
</script>
</body>
</html>
`
