package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// boardPageHandler serves the live venue board: tonight's screenings plus
// a real-time feed of purchases, top-ups and reservations over /ws.
func boardPageHandler(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, boardPageHTML)
}

const boardPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Marquee Venue Board</title>
    <style>
        :root {
            --bg: #0a0a0f;
            --surface: #12121a;
            --surface-hover: #1a1a24;
            --border: #2a2a3a;
            --text: #e0e0e0;
            --text-dim: #888;
            --accent: #f5b942;
            --accent-dim: #b8860b;
            --purple: #a855f7;
            --blue: #3b82f6;
            --red: #ef4444;
            --green: #22c55e;
        }

        * { box-sizing: border-box; margin: 0; padding: 0; }

        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: var(--bg);
            color: var(--text);
            min-height: 100vh;
        }

        .container {
            max-width: 700px;
            margin: 0 auto;
            padding: 20px;
        }

        header {
            display: flex;
            justify-content: space-between;
            align-items: center;
            padding: 20px 0 30px;
            border-bottom: 1px solid var(--border);
            margin-bottom: 20px;
        }

        .logo {
            font-size: 1.5rem;
            font-weight: 700;
            color: var(--accent);
        }

        .logo span { color: var(--text); }

        .live-indicator {
            display: flex;
            align-items: center;
            gap: 8px;
            font-size: 0.85rem;
            color: var(--text-dim);
        }

        .live-dot {
            width: 8px;
            height: 8px;
            background: var(--green);
            border-radius: 50%;
            animation: pulse 2s infinite;
        }

        @keyframes pulse {
            0%, 100% { opacity: 1; transform: scale(1); }
            50% { opacity: 0.5; transform: scale(1.2); }
        }

        .stats-bar {
            display: flex;
            gap: 30px;
            padding: 15px 0;
            margin-bottom: 20px;
            border-bottom: 1px solid var(--border);
        }

        .stat { text-align: center; }

        .stat-value {
            font-size: 1.5rem;
            font-weight: 700;
            color: var(--accent);
        }

        .stat-label {
            font-size: 0.75rem;
            color: var(--text-dim);
            text-transform: uppercase;
        }

        .screenings {
            display: flex;
            flex-direction: column;
            gap: 8px;
            margin-bottom: 24px;
        }

        .screening {
            display: flex;
            justify-content: space-between;
            align-items: center;
            background: var(--surface);
            border: 1px solid var(--border);
            border-radius: 8px;
            padding: 10px 14px;
            font-size: 0.9rem;
        }

        .screening-title { font-weight: 600; }

        .screening-room {
            color: var(--text-dim);
            font-size: 0.8rem;
            margin-left: 8px;
        }

        .seats-left { color: var(--green); font-weight: 600; }
        .seats-low { color: var(--red); }

        .filters {
            display: flex;
            gap: 8px;
            margin-bottom: 16px;
        }

        .filter-btn {
            background: var(--surface);
            border: 1px solid var(--border);
            color: var(--text-dim);
            padding: 6px 14px;
            border-radius: 20px;
            cursor: pointer;
            transition: all 0.2s;
            font-size: 0.85rem;
        }

        .filter-btn:hover, .filter-btn.active {
            border-color: var(--accent);
            color: var(--accent);
            background: rgba(245, 185, 66, 0.1);
        }

        .feed {
            display: flex;
            flex-direction: column;
            gap: 12px;
        }

        .feed-item {
            background: var(--surface);
            border: 1px solid var(--border);
            border-radius: 12px;
            padding: 14px 16px;
            animation: slideIn 0.3s ease-out;
        }

        .feed-item:hover {
            background: var(--surface-hover);
            border-color: var(--accent-dim);
        }

        @keyframes slideIn {
            from { opacity: 0; transform: translateY(-10px); }
            to { opacity: 1; transform: translateY(0); }
        }

        .purchase-item { border-left: 3px solid var(--blue); }
        .topup-item { border-left: 3px solid var(--green); }
        .reservation-item { border-left: 3px solid var(--purple); }

        .item-header {
            display: flex;
            justify-content: space-between;
            align-items: center;
            margin-bottom: 8px;
        }

        .item-type {
            font-size: 0.75rem;
            text-transform: uppercase;
            font-weight: 600;
        }

        .type-purchase { color: var(--blue); }
        .type-topup { color: var(--green); }
        .type-reservation { color: var(--purple); }

        .item-time {
            font-size: 0.75rem;
            color: var(--text-dim);
        }

        .item-member {
            font-family: 'SF Mono', Monaco, monospace;
            font-size: 0.85rem;
            background: var(--bg);
            padding: 4px 8px;
            border-radius: 6px;
        }

        .item-amount {
            font-size: 1.1rem;
            font-weight: 700;
            color: var(--accent);
            margin-top: 6px;
        }

        .item-detail {
            font-size: 0.8rem;
            color: var(--text-dim);
            margin-top: 4px;
        }

        .empty-state {
            text-align: center;
            padding: 40px 20px;
            color: var(--text-dim);
        }

        .connection-status {
            position: fixed;
            bottom: 16px;
            right: 16px;
            display: flex;
            align-items: center;
            gap: 6px;
            background: var(--surface);
            border: 1px solid var(--border);
            border-radius: 20px;
            padding: 6px 12px;
            font-size: 0.8rem;
        }

        .status-connected { color: var(--green); }
        .status-disconnected { color: var(--red); }
    </style>
</head>
<body>
    <div class="container">
        <header>
            <div class="logo">Mar<span>quee</span></div>
            <div class="live-indicator">
                <div class="live-dot"></div>
                <span>Live</span>
            </div>
        </header>

        <div class="stats-bar">
            <div class="stat">
                <div class="stat-value" id="stat-screenings">-</div>
                <div class="stat-label">Screenings</div>
            </div>
            <div class="stat">
                <div class="stat-value" id="stat-seats">-</div>
                <div class="stat-label">Seats left</div>
            </div>
            <div class="stat">
                <div class="stat-value" id="stat-purchases">0</div>
                <div class="stat-label">Purchases</div>
            </div>
            <div class="stat">
                <div class="stat-value" id="stat-tokens">0</div>
                <div class="stat-label">Tokens moved</div>
            </div>
        </div>

        <div class="screenings" id="screenings"></div>

        <div class="filters">
            <button class="filter-btn active" data-filter="all">All</button>
            <button class="filter-btn" data-filter="purchase.charged">Purchases</button>
            <button class="filter-btn" data-filter="topup.settled">Top-ups</button>
            <button class="filter-btn" data-filter="reservation">Tickets</button>
        </div>

        <div class="feed" id="feed">
            <div class="empty-state">Waiting for venue activity...</div>
        </div>
    </div>

    <div class="connection-status status-disconnected" id="connection-status">
        <span id="status-text">Connecting...</span>
    </div>

    <script>
        const feed = document.getElementById('feed');
        const statusEl = document.getElementById('connection-status');
        const statusText = document.getElementById('status-text');
        let ws = null;
        let items = [];
        let currentFilter = 'all';
        let purchases = 0;
        let tokensMoved = 0;
        const MAX_ITEMS = 100;

        document.querySelectorAll('.filter-btn').forEach(btn => {
            btn.addEventListener('click', () => {
                document.querySelectorAll('.filter-btn').forEach(b => b.classList.remove('active'));
                btn.classList.add('active');
                currentFilter = btn.dataset.filter;
                renderFeed();
            });
        });

        function connect() {
            const protocol = window.location.protocol === 'https:' ? 'wss:' : 'ws:';
            ws = new WebSocket(protocol + '//' + window.location.host + '/ws');

            ws.onopen = () => {
                statusEl.className = 'connection-status status-connected';
                statusText.textContent = 'Connected';
                ws.send(JSON.stringify({ allEvents: true }));
            };

            ws.onmessage = (event) => {
                addItem(JSON.parse(event.data));
            };

            ws.onclose = () => {
                statusEl.className = 'connection-status status-disconnected';
                statusText.textContent = 'Reconnecting...';
                setTimeout(connect, 3000);
            };

            ws.onerror = () => { ws.close(); };
        }

        function addItem(event) {
            items.unshift(event);
            if (items.length > MAX_ITEMS) {
                items = items.slice(0, MAX_ITEMS);
            }

            const d = event.data || {};
            if (event.type === 'purchase.charged' || event.type === 'topup.settled') {
                purchases++;
                tokensMoved += d.tokens || 0;
                document.getElementById('stat-purchases').textContent = purchases;
                document.getElementById('stat-tokens').textContent = tokensMoved;
            }
            if (event.type === 'reservation.created' || event.type === 'reservation.confirmed') {
                loadScreenings();
            }

            renderFeed();
        }

        function renderFeed() {
            const filtered = currentFilter === 'all'
                ? items
                : items.filter(i => i.type.startsWith(currentFilter));

            if (filtered.length === 0) {
                feed.innerHTML = '<div class="empty-state">No activity yet</div>';
                return;
            }

            feed.innerHTML = filtered.map(renderItem).join('');
        }

        function renderItem(event) {
            switch (event.type) {
                case 'purchase.charged':
                    return renderPurchase(event);
                case 'topup.settled':
                    return renderTopUp(event);
                case 'reservation.created':
                case 'reservation.confirmed':
                    return renderReservation(event);
                default:
                    return '';
            }
        }

        function renderPurchase(event) {
            const d = event.data || {};
            return ` + "`" + `
                <div class="feed-item purchase-item">
                    <div class="item-header">
                        <span class="item-type type-purchase">Purchase</span>
                        <span class="item-time">${formatTime(event.timestamp)}</span>
                    </div>
                    <span class="item-member">${shortMember(d.member)}</span>
                    <div class="item-amount">${d.tokens} tokens</div>
                    <div class="item-detail">balance now ${d.balance}</div>
                </div>
            ` + "`" + `;
        }

        function renderTopUp(event) {
            const d = event.data || {};
            return ` + "`" + `
                <div class="feed-item topup-item">
                    <div class="item-header">
                        <span class="item-type type-topup">Top-up settled</span>
                        <span class="item-time">${formatTime(event.timestamp)}</span>
                    </div>
                    <span class="item-member">${shortMember(d.member)}</span>
                    <div class="item-amount">${d.tokens} tokens charged</div>
                    <div class="item-detail">balance now ${d.balance}</div>
                </div>
            ` + "`" + `;
        }

        function renderReservation(event) {
            const d = event.data || {};
            const confirmed = event.type === 'reservation.confirmed';
            const label = confirmed ? 'Tickets confirmed' : 'Reservation';
            return ` + "`" + `
                <div class="feed-item reservation-item">
                    <div class="item-header">
                        <span class="item-type type-reservation">${label}</span>
                        <span class="item-time">${formatTime(event.timestamp)}</span>
                    </div>
                    <span class="item-member">${shortMember(d.member)}</span>
                    <div class="item-detail">${d.seats} seat(s), screening ${d.screeningId}</div>
                </div>
            ` + "`" + `;
        }

        function shortMember(m) {
            if (!m) return '?';
            const at = m.indexOf('@');
            if (at <= 0 || m.length <= 22) return m;
            return m.slice(0, at) + '@…';
        }

        function formatTime(ts) {
            if (!ts) return '';
            const d = new Date(ts);
            const diff = (new Date() - d) / 1000;

            if (diff < 60) return 'just now';
            if (diff < 3600) return Math.floor(diff / 60) + 'm ago';
            if (diff < 86400) return Math.floor(diff / 3600) + 'h ago';
            return d.toLocaleDateString();
        }

        async function loadScreenings() {
            try {
                const res = await fetch('/v1/screenings');
                const data = await res.json();
                const list = data.screenings || [];

                document.getElementById('stat-screenings').textContent = list.length;
                let seats = 0;
                list.forEach(s => { seats += (s.capacity - s.reserved); });
                document.getElementById('stat-seats').textContent = seats;

                document.getElementById('screenings').innerHTML = list.map(s => {
                    const left = s.capacity - s.reserved;
                    const cls = left <= 5 ? 'seats-left seats-low' : 'seats-left';
                    const when = new Date(s.startsAt).toLocaleTimeString([], { hour: '2-digit', minute: '2-digit' });
                    return ` + "`" + `
                        <div class="screening">
                            <div>
                                <span class="screening-title">${s.title}</span>
                                <span class="screening-room">${s.room || ''} ${when}</span>
                            </div>
                            <span class="${cls}">${left} left</span>
                        </div>
                    ` + "`" + `;
                }).join('');
            } catch (e) {
                console.error('Failed to load screenings:', e);
            }
        }

        loadScreenings();
        connect();
    </script>
</body>
</html>`
