package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// devCheckoutPageHandler serves the simulated checkout page. The simulated
// payment provider points CheckoutURL here; the page completes or cancels
// a pending top-up by calling the same endpoints a real provider would.
// Registered only when payments are simulated, never in production.
func devCheckoutPageHandler(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, devCheckoutPageHTML)
}

const devCheckoutPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Marquee Checkout (simulated)</title>
    <style>
        :root {
            --bg: #0a0a0f;
            --surface: #12121a;
            --border: #2a2a3a;
            --text: #e0e0e0;
            --text-dim: #888;
            --accent: #f5b942;
            --red: #ef4444;
            --green: #22c55e;
        }

        * { box-sizing: border-box; margin: 0; padding: 0; }

        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: var(--bg);
            color: var(--text);
            min-height: 100vh;
            display: flex;
            align-items: center;
            justify-content: center;
        }

        .card {
            background: var(--surface);
            border: 1px solid var(--border);
            border-radius: 12px;
            padding: 28px;
            width: 380px;
        }

        h1 {
            font-size: 1.1rem;
            color: var(--accent);
            margin-bottom: 4px;
        }

        .dev-note {
            font-size: 0.75rem;
            color: var(--text-dim);
            margin-bottom: 20px;
        }

        .row {
            display: flex;
            justify-content: space-between;
            padding: 8px 0;
            border-bottom: 1px solid var(--border);
            font-size: 0.9rem;
        }

        .row .label { color: var(--text-dim); }

        .amount {
            font-size: 1.6rem;
            font-weight: 700;
            color: var(--accent);
            text-align: center;
            margin: 18px 0;
        }

        .status {
            text-align: center;
            font-size: 0.85rem;
            margin-bottom: 18px;
        }

        .status-pending { color: var(--accent); }
        .status-completed, .status-paid { color: var(--green); }
        .status-expired, .status-cancelled { color: var(--red); }

        button {
            width: 100%;
            padding: 12px;
            border: none;
            border-radius: 8px;
            font-size: 0.95rem;
            font-weight: 600;
            cursor: pointer;
            margin-bottom: 8px;
        }

        button:disabled { opacity: 0.4; cursor: default; }

        .pay { background: var(--accent); color: #111; }
        .cancel { background: transparent; border: 1px solid var(--border); color: var(--text-dim); }

        .result {
            text-align: center;
            font-size: 0.85rem;
            min-height: 1.2em;
            margin-top: 8px;
        }

        .result.ok { color: var(--green); }
        .result.err { color: var(--red); }
    </style>
</head>
<body>
    <div class="card">
        <h1>Marquee Checkout</h1>
        <div class="dev-note">Simulated payment. No card is charged.</div>

        <div class="row"><span class="label">Member</span><span id="member">-</span></div>
        <div class="row"><span class="label">Purchase on hold</span><span id="purchase">-</span></div>
        <div class="row"><span class="label">Reference</span><span id="ref">-</span></div>

        <div class="amount" id="amount">-</div>
        <div class="status" id="status">Loading...</div>

        <button class="pay" id="pay-btn" disabled>Complete payment</button>
        <button class="cancel" id="cancel-btn" disabled>Cancel top-up</button>

        <div class="result" id="result"></div>
    </div>

    <script>
        const ref = decodeURIComponent(window.location.pathname.split('/').pop());
        const intentId = ref.indexOf('sim_') === 0 ? ref.slice(4) : ref;
        const payBtn = document.getElementById('pay-btn');
        const cancelBtn = document.getElementById('cancel-btn');
        const resultEl = document.getElementById('result');

        document.getElementById('ref').textContent = ref;

        async function load() {
            try {
                const res = await fetch('/v1/topups/' + intentId);
                if (!res.ok) {
                    setStatus('Top-up not found', 'expired');
                    return;
                }
                const topUp = (await res.json()).topUp;

                document.getElementById('member').textContent = topUp.member;
                document.getElementById('purchase').textContent = topUp.purchaseTokens + ' tokens';
                document.getElementById('amount').textContent = topUp.topUpTokens + ' tokens';
                setStatus(topUp.status, topUp.status);

                const pending = topUp.status === 'pending';
                payBtn.disabled = !pending;
                cancelBtn.disabled = !pending;
            } catch (e) {
                setStatus('Failed to load top-up', 'expired');
            }
        }

        function setStatus(text, cls) {
            const el = document.getElementById('status');
            el.textContent = text;
            el.className = 'status status-' + cls;
        }

        function setResult(text, ok) {
            resultEl.textContent = text;
            resultEl.className = ok ? 'result ok' : 'result err';
        }

        payBtn.addEventListener('click', async () => {
            payBtn.disabled = true;
            try {
                const res = await fetch('/v1/webhooks/payments', {
                    method: 'POST',
                    headers: { 'Content-Type': 'application/json' },
                    body: JSON.stringify({ type: 'payment.completed', ref: ref })
                });
                const data = await res.json();
                if (res.ok) {
                    setResult('Payment ' + (data.result || 'received'), true);
                } else {
                    setResult(data.message || 'Payment failed', false);
                }
            } catch (e) {
                setResult('Payment failed: ' + e.message, false);
            }
            load();
        });

        cancelBtn.addEventListener('click', async () => {
            cancelBtn.disabled = true;
            try {
                const res = await fetch('/v1/topups/' + intentId + '/cancel', { method: 'POST' });
                const data = await res.json();
                if (res.ok) {
                    setResult('Top-up cancelled', true);
                } else {
                    setResult(data.message || 'Cancel failed', false);
                }
            } catch (e) {
                setResult('Cancel failed: ' + e.message, false);
            }
            load();
        });

        load();
    </script>
</body>
</html>`
