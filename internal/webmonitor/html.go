package webmonitor

const indexHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Rakshak AI - Accident Monitor</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <link rel="stylesheet" href="/assets/dashboard.css">
    <link rel="stylesheet" href="https://unpkg.com/leaflet@1.9.4/dist/leaflet.css">
</head>
<body>
    <div class="app">
        <div class="header">
            <div class="title">Rakshak AI Accident Monitor</div>
            <span class="badge" id="status-badge">Waiting for data...</span>
            <span class="badge badge-secondary" id="live-counter">Accidents Today: --</span>
        </div>

        <div id="alert-popup" class="alert hidden"></div>

        <div class="grid">
            <div class="panel video-section">
                <h2>Live Feed</h2>
                <div class="source-row">
                    <button type="button" onclick="changeSource('webcam')">Webcam</button>
                    <input type="text" id="rtspUrl" placeholder="rtsp://camera/stream">
                    <button type="button" onclick="changeSource(document.getElementById('rtspUrl').value)">Open stream</button>
                </div>
                <img id="stream" src="/video_feed?source=webcam" alt="Annotated live feed">
                <div class="source-row">
                    <input type="file" id="videoFile" accept="video/*">
                    <button type="button" onclick="uploadVideo()">Upload and analyse</button>
                </div>
                <p class="footer-note" id="channel-state">Status channel: polling</p>
            </div>

            <div class="panel">
                <h2>Sources</h2>
                <table id="sources-table">
                    <thead><tr><th>Source</th><th>Phase</th><th>Streak</th><th>Vehicles</th><th>Viewers</th></tr></thead>
                    <tbody></tbody>
                </table>
                <h2>Recent accidents</h2>
                <ul class="list" id="history"></ul>
            </div>

            <div class="panel">
                <h2>Accident map</h2>
                <div id="map"></div>
            </div>

            <div class="panel wide">
                <h2>Accident log</h2>
                <table id="logs-table">
                    <thead><tr><th>ID</th><th>Time</th><th>Latitude</th><th>Longitude</th><th>Severity</th><th>Description</th></tr></thead>
                    <tbody></tbody>
                </table>
            </div>
        </div>
    </div>
    <script src="https://unpkg.com/leaflet@1.9.4/dist/leaflet.js"></script>
    <script src="/assets/dashboard.js"></script>
</body>
</html>
`
