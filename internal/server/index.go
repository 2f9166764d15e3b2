package server

import "net/http"

// indexHTML is a minimal browser client: it creates a session, opens the
// voice WebSocket, streams microphone PCM, and plays responses. It is a demo
// surface, not a product UI.
const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>SmileCare Voice Assistant</title>
<style>
  body { font-family: system-ui, sans-serif; max-width: 40rem; margin: 3rem auto; padding: 0 1rem; }
  #log { border: 1px solid #ccc; border-radius: 6px; padding: 1rem; min-height: 12rem; white-space: pre-wrap; }
  button { font-size: 1rem; padding: 0.5rem 1.5rem; margin-bottom: 1rem; }
</style>
</head>
<body>
<h1>SmileCare Voice Assistant</h1>
<button id="call">Start call</button>
<div id="log"></div>
<script>
const log = (line) => {
  document.getElementById('log').textContent += line + '\n';
};

let ws = null;

async function startCall() {
  const created = await fetch('/session/create', { method: 'POST' }).then(r => r.json());
  log('session ' + created.session_id);

  ws = new WebSocket('ws://' + location.host + '/ws/voice/' + created.session_id);
  ws.onmessage = (ev) => {
    const msg = JSON.parse(ev.data);
    if (msg.type === 'response') {
      log('bot: ' + msg.text);
      if (msg.audio) new Audio('data:audio/mpeg;base64,' + msg.audio).play();
    } else if (msg.type === 'transcription') {
      log('you: ' + msg.text);
    } else if (msg.type === 'barge_in') {
      log('(interrupted)');
    } else if (msg.type === 'error') {
      log('error: ' + msg.message);
    }
  };
  ws.onclose = () => log('call ended');

  const mic = await navigator.mediaDevices.getUserMedia({ audio: { sampleRate: 16000, channelCount: 1 } });
  const ctx = new AudioContext({ sampleRate: 16000 });
  const source = ctx.createMediaStreamSource(mic);
  const proc = ctx.createScriptProcessor(4096, 1, 1);
  proc.onaudioprocess = (e) => {
    if (!ws || ws.readyState !== WebSocket.OPEN) return;
    const f32 = e.inputBuffer.getChannelData(0);
    const i16 = new Int16Array(f32.length);
    for (let i = 0; i < f32.length; i++) {
      i16[i] = Math.max(-32768, Math.min(32767, f32[i] * 32768));
    }
    ws.send(i16.buffer);
  };
  source.connect(proc);
  proc.connect(ctx.destination);
}

document.getElementById('call').addEventListener('click', startCall);
</script>
</body>
</html>
`

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}
