package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the venue concierge MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check a member's token balance at the venue. "+
			"Shows current tokens plus lifetime earned and spent totals."),
	mcp.WithString("member",
		mcp.Description("Member id (email address). Defaults to the configured member.")),
)

var ToolPurchase = mcp.NewTool("purchase",
	mcp.WithDescription(
		"Spend tokens from a member's balance on a venue purchase (concessions, merch, tickets). "+
			"If the balance covers it, the charge happens immediately. "+
			"If not, you get a payment link for the shortfall — give it to the member and "+
			"track the top-up with topup_status; the purchase completes automatically once they pay."),
	mcp.WithString("member",
		mcp.Description("Member id (email address). Defaults to the configured member.")),
	mcp.WithNumber("tokens",
		mcp.Required(),
		mcp.Description("Purchase price in whole tokens (e.g. 6000)")),
	mcp.WithString("category",
		mcp.Description("What kind of purchase: 'concessions', 'merch' or 'tickets' (default 'concessions')")),
	mcp.WithString("description",
		mcp.Description("Human-readable line for the member's history (e.g. 'Large popcorn and two sodas')")),
)

var ToolTopUpStatus = mcp.NewTool("topup_status",
	mcp.WithDescription(
		"Check whether a pending top-up has been paid and settled. "+
			"Use the top-up id (pur_...) returned by a purchase or reservation that needed payment."),
	mcp.WithString("topup_id",
		mcp.Required(),
		mcp.Description("The top-up intent id (e.g. 'pur_1a2b...')")),
)

var ToolListScreenings = mcp.NewTool("list_screenings",
	mcp.WithDescription(
		"List upcoming screenings at the venue with rooms, start times, "+
			"ticket prices in tokens, and how many seats are left."),
)

var ToolReserveSeats = mcp.NewTool("reserve_seats",
	mcp.WithDescription(
		"Reserve seats at a screening and pay with the member's tokens. "+
			"Returns a pickup code for the box office. If the balance doesn't cover the tickets "+
			"you get a payment link; the seats stay held and confirm automatically once the member pays."),
	mcp.WithString("member",
		mcp.Description("Member id (email address). Defaults to the configured member.")),
	mcp.WithString("screening_id",
		mcp.Required(),
		mcp.Description("The screening id (scr_...) from list_screenings")),
	mcp.WithNumber("seats",
		mcp.Required(),
		mcp.Description("Number of seats to reserve (1-10)")),
)

var ToolReservationStatus = mcp.NewTool("reservation_status",
	mcp.WithDescription(
		"Look up a reservation by its id (res_...) or pickup code. "+
			"Shows the screening, seat count and whether the reservation is confirmed."),
	mcp.WithString("ref",
		mcp.Required(),
		mcp.Description("Reservation id or pickup code (e.g. 'res_1a2b...' or 'KWRTX29A')")),
)

var ToolGrantTokens = mcp.NewTool("grant_tokens",
	mcp.WithDescription(
		"Staff only: credit goodwill tokens to a member's balance (compensation, promotions). "+
			"Requires the concierge to be configured with a staff key."),
	mcp.WithString("member",
		mcp.Required(),
		mcp.Description("Member id (email address) to credit")),
	mcp.WithNumber("tokens",
		mcp.Required(),
		mcp.Description("Number of tokens to credit")),
	mcp.WithString("reason",
		mcp.Description("Why the tokens are being granted (shows in the member's history)")),
)
