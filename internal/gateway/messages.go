package gateway

import (
	"github.com/minutex/exchange-engine/internal/book"
	"github.com/minutex/exchange-engine/internal/feed"
	"github.com/minutex/exchange-engine/internal/model"
	"github.com/minutex/exchange-engine/internal/slug"
)

// inbound is the tagged-variant client message. Unknown tags are
// rejected uniformly by the dispatcher.
type inbound struct {
	Type string `json:"type"`

	// auth
	Token    string `json:"token,omitempty"`
	UserID   string `json:"userID,omitempty"`
	AuthDate int64  `json:"authDate,omitempty"`

	// place_order
	OrderType string `json:"orderType,omitempty"`
	Side      string `json:"side,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
	Shares    int64  `json:"shares,omitempty"`
	Price     int    `json:"price,omitempty"`
	StopPrice int    `json:"stopPrice,omitempty"`
	Slug      string `json:"slug,omitempty"`

	// cancel_order / get_order
	OrderID string `json:"orderID,omitempty"`

	// get_my_orders
	Status string `json:"status,omitempty"`

	// add_liquidity
	Amount int64 `json:"amount,omitempty"`
}

// --- Outbound payloads ---

type errorMsg struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type priceMsg struct {
	Type      string  `json:"type"`
	Price     float64 `json:"price"`
	Sources   int     `json:"sources"`
	Timestamp int64   `json:"timestamp"`
}

type priceToBeatMsg struct {
	Type        string  `json:"type"`
	Slug        string  `json:"slug"`
	PriceToBeat float64 `json:"priceToBeat"`
}

type marketViewMsg struct {
	Slug        string        `json:"slug"`
	MinuteStart int64         `json:"minuteStart"`
	Phase       model.Phase   `json:"phase"`
	PriceToBeat *float64      `json:"priceToBeat,omitempty"`
	FinalPrice  *float64      `json:"finalPrice,omitempty"`
	Outcome     *model.Outcome `json:"outcome,omitempty"`
}

func marketView(m model.Market) marketViewMsg {
	return marketViewMsg{
		Slug:        m.Slug,
		MinuteStart: m.MinuteStart,
		Phase:       m.Phase,
		PriceToBeat: m.PriceToBeat,
		FinalPrice:  m.FinalPrice,
		Outcome:     m.Outcome,
	}
}

type marketMsg struct {
	Type   string        `json:"type"`
	Market marketViewMsg `json:"market"`
}

type marketPhaseMsg struct {
	Type   string        `json:"type"`
	Market marketViewMsg `json:"market"`
}

type marketListMsg struct {
	Type    string          `json:"type"`
	Markets []marketViewMsg `json:"markets"`
}

type orderbookMsg struct {
	Type string       `json:"type"`
	Slug string       `json:"slug"`
	Bids []book.Level `json:"bids"`
	Asks []book.Level `json:"asks"`
}

type orderViewMsg struct {
	ID           string            `json:"id"`
	Slug         string            `json:"slug"`
	Side         model.Side        `json:"side"`
	Outcome      model.OutcomeSide `json:"outcome"`
	Type         model.OrderType   `json:"orderType"`
	Price        int               `json:"price"`
	StopPrice    int               `json:"stopPrice,omitempty"`
	Shares       int64             `json:"shares"`
	Filled       int64             `json:"filled"`
	Remaining    int64             `json:"remaining"`
	CostPerShare int               `json:"costPerShare"`
	Status       model.OrderStatus `json:"status"`
	CreatedAt    int64             `json:"createdAt"`
}

func orderView(o model.Order) orderViewMsg {
	return orderViewMsg{
		ID:           o.ID,
		Slug:         slug.Format(o.RoundStart),
		Side:         o.Side,
		Outcome:      o.Outcome,
		Type:         o.Type,
		Price:        o.BookPrice,
		StopPrice:    o.StopPrice,
		Shares:       o.Shares,
		Filled:       o.Filled,
		Remaining:    o.Remaining,
		CostPerShare: o.CostPerShare,
		Status:       o.Status,
		CreatedAt:    o.CreatedAt.UnixMilli(),
	}
}

type tradeViewMsg struct {
	ID        string `json:"id"`
	Slug      string `json:"slug"`
	Price     int    `json:"price"`
	Shares    int64  `json:"shares"`
	CreatedAt int64  `json:"createdAt"`
}

func tradeView(t model.Trade) tradeViewMsg {
	return tradeViewMsg{
		ID:        t.ID,
		Slug:      slug.Format(t.RoundStart),
		Price:     t.Price,
		Shares:    t.Shares,
		CreatedAt: t.CreatedAt.UnixMilli(),
	}
}

func tradeViews(trades []model.Trade) []tradeViewMsg {
	out := make([]tradeViewMsg, len(trades))
	for i, t := range trades {
		out[i] = tradeView(t)
	}
	return out
}

type orderAcceptedMsg struct {
	Type   string         `json:"type"`
	Order  orderViewMsg   `json:"order"`
	Trades []tradeViewMsg `json:"trades"`
}

type orderUpdateMsg struct {
	Type  string       `json:"type"`
	Order orderViewMsg `json:"order"`
}

type orderCancelledMsg struct {
	Type    string  `json:"type"`
	OrderID string  `json:"orderID"`
	Refund  string  `json:"refund"`
	Reason  *string `json:"reason,omitempty"`
}

type tradeMsg struct {
	Type  string       `json:"type"`
	Trade tradeViewMsg `json:"trade"`
}

type myOrdersMsg struct {
	Type   string         `json:"type"`
	Orders []orderViewMsg `json:"orders"`
}

type orderDetailMsg struct {
	Type   string         `json:"type"`
	Order  orderViewMsg   `json:"order"`
	Trades []tradeViewMsg `json:"trades"`
}

type liquidityMsg struct {
	Type      string `json:"type"`
	Slug      string `json:"slug"`
	Amount    int64  `json:"amount"`
	YesShares int64  `json:"yesShares"`
	NoShares  int64  `json:"noShares"`
}

type settlementMsg struct {
	Type    string        `json:"type"`
	Slug    string        `json:"slug"`
	Outcome model.Outcome `json:"outcome"`
}

type settlementPayoutMsg struct {
	Type    string        `json:"type"`
	Slug    string        `json:"slug"`
	Outcome model.Outcome `json:"outcome"`
	Payout  string        `json:"payout"`
}

type balanceMsg struct {
	Type    string `json:"type"`
	Balance string `json:"balance"`
}

type userViewMsg struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"firstName"`
	PhotoURL  string `json:"photoURL,omitempty"`
	Balance   string `json:"balance"`
}

type authSuccessMsg struct {
	Type string      `json:"type"`
	User userViewMsg `json:"user"`
}

type statusMsg struct {
	Type     string               `json:"type"`
	Sources  []feed.SourceStatus  `json:"sources"`
	Adapters []feed.AdapterStatus `json:"adapters"`
}

func (h *Hub) slugFor(roundStart int64) string {
	return slug.Format(roundStart)
}
