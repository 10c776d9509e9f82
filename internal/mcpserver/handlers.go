package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *MarqueeClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *MarqueeClient) *Handlers {
	return &Handlers{client: client}
}

// member resolves the member argument, falling back to the configured
// default.
func (h *Handlers) member(req mcp.CallToolRequest) string {
	return req.GetString("member", h.client.cfg.Member)
}

// HandleCheckBalance returns a member's token balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	member := h.member(req)
	if member == "" {
		return mcp.NewToolResultError("member is required (no default member configured)"), nil
	}

	raw, err := h.client.GetBalance(ctx, member)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	text, err := formatBalance(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandlePurchase spends tokens, handing back a payment link when the
// balance falls short.
func (h *Handlers) HandlePurchase(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	member := h.member(req)
	if member == "" {
		return mcp.NewToolResultError("member is required (no default member configured)"), nil
	}
	tokens := int64(req.GetInt("tokens", 0))
	if tokens <= 0 {
		return mcp.NewToolResultError("tokens must be a positive number"), nil
	}
	category := req.GetString("category", "concessions")
	description := req.GetString("description", "")

	raw, err := h.client.RequestPurchase(ctx, member, tokens, category, description)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Purchase failed: %v", err)), nil
	}

	var resp purchaseResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse purchase result: %v", err)), nil
	}

	if resp.Outcome == "charged" {
		var sb strings.Builder
		sb.WriteString("Purchase complete.\n")
		fmt.Fprintf(&sb, "Charged: %d tokens\n", tokens)
		fmt.Fprintf(&sb, "Balance left: %d tokens\n", resp.Balance)
		if resp.Entry != nil {
			fmt.Fprintf(&sb, "Receipt entry: %s\n", resp.Entry.ID)
		}
		return mcp.NewToolResultText(sb.String()), nil
	}

	var sb strings.Builder
	sb.WriteString("The balance doesn't cover this purchase.\n\n")
	fmt.Fprintf(&sb, "Short by: %d tokens\n", resp.AmountToTopUp)
	fmt.Fprintf(&sb, "Payment link: %s\n", resp.CheckoutURL)
	if resp.TopUp != nil {
		fmt.Fprintf(&sb, "Top-up id: %s\n", resp.TopUp.ID)
		fmt.Fprintf(&sb, "Pay by: %s\n", resp.TopUp.ExpiresAt.Format(time.RFC1123))
	}
	sb.WriteString("\nGive the member the payment link. The purchase completes " +
		"automatically once they pay; check progress with topup_status.")
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleTopUpStatus reports where a top-up stands.
func (h *Handlers) HandleTopUpStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	topUpID := req.GetString("topup_id", "")
	if topUpID == "" {
		return mcp.NewToolResultError("topup_id is required"), nil
	}

	raw, err := h.client.GetTopUp(ctx, topUpID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to look up top-up: %v", err)), nil
	}

	var resp struct {
		TopUp topUpInfo `json:"topUp"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse top-up: %v", err)), nil
	}

	return mcp.NewToolResultText(formatTopUp(resp.TopUp)), nil
}

// HandleListScreenings lists upcoming screenings.
func (h *Handlers) HandleListScreenings(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListScreenings(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list screenings: %v", err)), nil
	}

	text, err := formatScreenings(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse screenings: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleReserveSeats books seats, paying with tokens.
func (h *Handlers) HandleReserveSeats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	member := h.member(req)
	if member == "" {
		return mcp.NewToolResultError("member is required (no default member configured)"), nil
	}
	screeningID := req.GetString("screening_id", "")
	if screeningID == "" {
		return mcp.NewToolResultError("screening_id is required"), nil
	}
	seats := req.GetInt("seats", 0)
	if seats <= 0 {
		return mcp.NewToolResultError("seats must be a positive number"), nil
	}

	raw, err := h.client.CreateReservation(ctx, member, screeningID, seats)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Reservation failed: %v", err)), nil
	}

	var resp reservationResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse reservation: %v", err)), nil
	}

	if resp.Outcome == "charged" {
		var sb strings.Builder
		sb.WriteString("Reservation confirmed.\n")
		fmt.Fprintf(&sb, "Pickup code: %s\n", resp.Reservation.Code)
		fmt.Fprintf(&sb, "Seats: %d\n", resp.Reservation.Seats)
		fmt.Fprintf(&sb, "Balance left: %d tokens\n", resp.Balance)
		sb.WriteString("\nThe member shows the pickup code at the box office.")
		return mcp.NewToolResultText(sb.String()), nil
	}

	var sb strings.Builder
	sb.WriteString("Seats are held, but the balance doesn't cover the tickets.\n\n")
	fmt.Fprintf(&sb, "Short by: %d tokens\n", resp.AmountToTopUp)
	fmt.Fprintf(&sb, "Payment link: %s\n", resp.CheckoutURL)
	fmt.Fprintf(&sb, "Reservation: %s (pickup code %s)\n", resp.Reservation.ID, resp.Reservation.Code)
	if resp.TopUp != nil {
		fmt.Fprintf(&sb, "Top-up id: %s\n", resp.TopUp.ID)
	}
	sb.WriteString("\nThe reservation confirms automatically once the member pays. " +
		"Track it with topup_status or reservation_status.")
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleReservationStatus looks up a reservation.
func (h *Handlers) HandleReservationStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref := req.GetString("ref", "")
	if ref == "" {
		return mcp.NewToolResultError("ref is required"), nil
	}

	raw, err := h.client.GetReservation(ctx, ref)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to look up reservation: %v", err)), nil
	}

	var resp struct {
		Reservation reservationInfo `json:"reservation"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse reservation: %v", err)), nil
	}

	return mcp.NewToolResultText(formatReservation(resp.Reservation)), nil
}

// HandleGrantTokens credits goodwill tokens. Needs a staff key.
func (h *Handlers) HandleGrantTokens(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	member := req.GetString("member", "")
	if member == "" {
		return mcp.NewToolResultError("member is required"), nil
	}
	tokens := int64(req.GetInt("tokens", 0))
	if tokens <= 0 {
		return mcp.NewToolResultError("tokens must be a positive number"), nil
	}
	reason := req.GetString("reason", "Goodwill credit")

	raw, err := h.client.GrantTokens(ctx, member, tokens, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Grant failed: %v", err)), nil
	}

	var resp struct {
		Entry  *entryInfo `json:"entry"`
		Tokens int64      `json:"tokens"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse grant result: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Credited %d tokens to %s.\n", tokens, member)
	fmt.Fprintf(&sb, "New balance: %d tokens\n", resp.Tokens)
	if resp.Entry != nil {
		fmt.Fprintf(&sb, "Entry: %s\n", resp.Entry.ID)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Response shapes ---

type entryInfo struct {
	ID          string `json:"id"`
	Amount      int64  `json:"amount"`
	Category    string `json:"category"`
	Description string `json:"description"`
}

type topUpInfo struct {
	ID             string    `json:"id"`
	Member         string    `json:"member"`
	PurchaseTokens int64     `json:"purchaseTokens"`
	TopUpTokens    int64     `json:"topUpTokens"`
	Status         string    `json:"status"`
	CheckoutURL    string    `json:"checkoutUrl"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

type screeningInfo struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Room        string    `json:"room"`
	StartsAt    time.Time `json:"startsAt"`
	Capacity    int       `json:"capacity"`
	Reserved    int       `json:"reserved"`
	PriceTokens int64     `json:"priceTokens"`
}

type reservationInfo struct {
	ID          string `json:"id"`
	ScreeningID string `json:"screeningId"`
	Member      string `json:"member"`
	Seats       int    `json:"seats"`
	Code        string `json:"code"`
	Status      string `json:"status"`
}

type purchaseResponse struct {
	Outcome       string     `json:"outcome"`
	Balance       int64      `json:"balance"`
	Entry         *entryInfo `json:"entry"`
	AmountToTopUp int64      `json:"amountToTopUp"`
	TopUp         *topUpInfo `json:"topUp"`
	CheckoutURL   string     `json:"checkoutUrl"`
}

type reservationResponse struct {
	Reservation   reservationInfo `json:"reservation"`
	Outcome       string          `json:"outcome"`
	Balance       int64           `json:"balance"`
	AmountToTopUp int64           `json:"amountToTopUp"`
	TopUp         *topUpInfo      `json:"topUp"`
	CheckoutURL   string          `json:"checkoutUrl"`
}

// --- Formatting helpers ---

func formatBalance(raw json.RawMessage) (string, error) {
	var resp struct {
		Balance struct {
			Member   string `json:"member"`
			Tokens   int64  `json:"tokens"`
			TotalIn  int64  `json:"totalIn"`
			TotalOut int64  `json:"totalOut"`
		} `json:"balance"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s has %d tokens.\n", resp.Balance.Member, resp.Balance.Tokens)
	fmt.Fprintf(&sb, "Lifetime earned: %d | spent: %d\n", resp.Balance.TotalIn, resp.Balance.TotalOut)
	return sb.String(), nil
}

func formatTopUp(t topUpInfo) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Top-up %s for %s\n", t.ID, t.Member)

	switch t.Status {
	case "pending":
		sb.WriteString("Status: awaiting payment\n")
		fmt.Fprintf(&sb, "Payment link: %s\n", t.CheckoutURL)
		fmt.Fprintf(&sb, "Pay by: %s\n", t.ExpiresAt.Format(time.RFC1123))
		fmt.Fprintf(&sb, "Once paid, %d tokens are credited and the blocked %d-token purchase completes.\n",
			t.TopUpTokens, t.PurchaseTokens)
	case "paid":
		sb.WriteString("Status: payment received, settlement in progress\n")
		sb.WriteString("If this persists, venue staff have already been alerted and will finish it.\n")
	case "completed":
		sb.WriteString("Status: paid and settled\n")
		fmt.Fprintf(&sb, "%d tokens were credited and the %d-token purchase completed.\n",
			t.TopUpTokens, t.PurchaseTokens)
	case "expired":
		sb.WriteString("Status: expired unpaid\n")
		sb.WriteString("The payment window closed. Start the purchase again for a fresh link.\n")
	case "cancelled":
		sb.WriteString("Status: cancelled\n")
	default:
		fmt.Fprintf(&sb, "Status: %s\n", t.Status)
	}

	return sb.String()
}

func formatScreenings(raw json.RawMessage) (string, error) {
	var resp struct {
		Screenings []screeningInfo `json:"screenings"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	if len(resp.Screenings) == 0 {
		return "No upcoming screenings scheduled.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d screening(s):\n\n", len(resp.Screenings))
	for i, s := range resp.Screenings {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, s.Title)
		fmt.Fprintf(&sb, "   %s, %s\n", s.Room, s.StartsAt.Format("Mon Jan 2 15:04"))
		fmt.Fprintf(&sb, "   Price: %d tokens per seat | Seats left: %d\n", s.PriceTokens, s.Capacity-s.Reserved)
		fmt.Fprintf(&sb, "   Id: %s\n", s.ID)
		if i < len(resp.Screenings)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func formatReservation(r reservationInfo) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Reservation %s for %s\n", r.ID, r.Member)
	fmt.Fprintf(&sb, "Screening: %s | Seats: %d | Pickup code: %s\n", r.ScreeningID, r.Seats, r.Code)

	switch r.Status {
	case "confirmed":
		sb.WriteString("Status: confirmed. Show the pickup code at the box office.\n")
	case "pending":
		sb.WriteString("Status: waiting on a top-up payment. The seats stay held meanwhile.\n")
	case "cancelled":
		sb.WriteString("Status: cancelled. The seats were released.\n")
	default:
		fmt.Fprintf(&sb, "Status: %s\n", r.Status)
	}

	return sb.String()
}
