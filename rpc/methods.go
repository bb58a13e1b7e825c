package rpc

import (
	"context"
	"encoding/json"

	"github.com/fusionbridge/fusiond/pkg/coordinator"
	"github.com/fusionbridge/fusiond/pkg/ledger"
	"github.com/shopspring/decimal"
)

func (s *Server) methods() []Method {
	return []Method{
		&submitOrder{s},
		&cancelOrder{s},
		&settleOrder{s},
		&submitBid{s},
		&withdrawBid{s},
		&bestBid{s},
		&getOrder{s},
		&getSwap{s},
		&listSwaps{s},
		&listBids{s},
	}
}

type submitOrder struct{ server *Server }

func (m *submitOrder) Name() string { return "submitOrder" }

func (m *submitOrder) Query(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var req coordinator.OrderParams
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, err
	}
	if err := ledger.ValidateAddress(req.DestinationChain, req.ReceiveAddress); err != nil {
		return nil, err
	}
	if err := ledger.ValidateAddress(req.SourceChain, req.RefundAddress); err != nil {
		return nil, err
	}
	order, err := m.server.coordinator.SubmitOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(order)
}

type orderRef struct {
	OrderID string `json:"orderId" binding:"required"`
}

type cancelOrder struct{ server *Server }

func (m *cancelOrder) Name() string { return "cancelOrder" }

func (m *cancelOrder) Query(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var req orderRef
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, err
	}
	if err := m.server.coordinator.CancelOrder(ctx, req.OrderID); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"status": "cancelled"})
}

type settleOrder struct{ server *Server }

func (m *settleOrder) Name() string { return "settleOrder" }

func (m *settleOrder) Query(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var req orderRef
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, err
	}
	if err := m.server.coordinator.Settle(ctx, req.OrderID); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"status": "settled"})
}

type submitBid struct{ server *Server }

func (m *submitBid) Name() string { return "submitBid" }

func (m *submitBid) Query(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var req struct {
		OrderID      string          `json:"orderId"`
		Resolver     string          `json:"resolver"`
		InputAmount  decimal.Decimal `json:"inputAmount"`
		OutputAmount decimal.Decimal `json:"outputAmount"`
		GasEstimate  uint64          `json:"gasEstimate"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, err
	}
	bid, err := m.server.coordinator.SubmitBid(ctx, req.OrderID, req.Resolver, req.InputAmount, req.OutputAmount, req.GasEstimate)
	if err != nil {
		return nil, err
	}
	return json.Marshal(bid)
}

type withdrawBid struct{ server *Server }

func (m *withdrawBid) Name() string { return "withdrawBid" }

func (m *withdrawBid) Query(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var req struct {
		OrderID  string `json:"orderId"`
		BidID    string `json:"bidId"`
		Resolver string `json:"resolver"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, err
	}
	if err := m.server.coordinator.WithdrawBid(ctx, req.OrderID, req.BidID, req.Resolver); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"status": "withdrawn"})
}

type bestBid struct{ server *Server }

func (m *bestBid) Name() string { return "bestBid" }

func (m *bestBid) Query(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var req orderRef
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, err
	}
	bid, err := m.server.coordinator.BestBid(req.OrderID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(bid)
}

type getOrder struct{ server *Server }

func (m *getOrder) Name() string { return "getOrder" }

func (m *getOrder) Query(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var req orderRef
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, err
	}
	order, err := m.server.coordinator.Order(req.OrderID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(order)
}

type getSwap struct{ server *Server }

func (m *getSwap) Name() string { return "getSwap" }

func (m *getSwap) Query(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var req struct {
		SwapID string `json:"swapId"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, err
	}
	rec, err := m.server.storage.Swap(req.SwapID)
	if err != nil {
		return nil, err
	}
	// The secret never leaves the daemon over rpc.
	rec.Secret = ""
	return json.Marshal(rec)
}

type listSwaps struct{ server *Server }

func (m *listSwaps) Name() string { return "listSwaps" }

func (m *listSwaps) Query(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var req orderRef
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, err
	}
	recs, err := m.server.storage.SwapsByOrder(req.OrderID)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		recs[i].Secret = ""
	}
	return json.Marshal(recs)
}

type listBids struct{ server *Server }

func (m *listBids) Name() string { return "listBids" }

func (m *listBids) Query(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var req orderRef
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, err
	}
	bids, err := m.server.storage.BidsByOrder(req.OrderID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(bids)
}
