// Package rpcclient is a typed client for the fusiond JSON-RPC interface,
// used by fusionctl and by resolver-side tooling.
package rpcclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/fusionbridge/fusiond/pkg/auction"
	"github.com/fusionbridge/fusiond/pkg/coordinator"
	"github.com/fusionbridge/fusiond/pkg/store"
	"github.com/fusionbridge/fusiond/pkg/swap"
	jsonrpc "github.com/fusionbridge/fusiond/rpc"
	"github.com/shopspring/decimal"
)

type client struct {
	User      string
	Pass      string
	Protocol  string
	RPCServer string
}

// BidParams is a resolver's bid as sent over rpc.
type BidParams struct {
	OrderID      string          `json:"orderId"`
	Resolver     string          `json:"resolver"`
	InputAmount  decimal.Decimal `json:"inputAmount"`
	OutputAmount decimal.Decimal `json:"outputAmount"`
	GasEstimate  uint64          `json:"gasEstimate"`
}

type Client interface {
	SubmitOrder(params coordinator.OrderParams) (swap.Order, error)
	CancelOrder(orderID string) error
	SettleOrder(orderID string) error
	SubmitBid(params BidParams) (auction.Bid, error)
	WithdrawBid(orderID, bidID, resolver string) error
	BestBid(orderID string) (auction.Bid, error)
	GetOrder(orderID string) (swap.Order, error)
	GetSwap(swapID string) (store.SwapRecord, error)
	ListSwaps(orderID string) ([]store.SwapRecord, error)
	ListBids(orderID string) ([]store.BidRecord, error)
}

func NewClient(userName string, password string, protocol string, rpcServer string) Client {
	return &client{
		User:      userName,
		Pass:      password,
		Protocol:  protocol,
		RPCServer: rpcServer,
	}
}

// SendPostRequest sends the marshalled JSON-RPC command using HTTP-POST mode
// to the configured server. It also attempts to unmarshal the response as a
// JSON-RPC response and returns either the result field or the error field
// depending on whether or not there is an error.
func (c *client) SendPostRequest(method string, jsonData []byte) (json.RawMessage, error) {
	payload := jsonrpc.Request{
		Version: "2.0",
		Method:  method,
		Params:  json.RawMessage(jsonData),
	}
	marshalledJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	url := c.Protocol + "://" + c.RPCServer
	bodyReader := bytes.NewReader(marshalledJSON)
	httpRequest, err := http.NewRequest("POST", url, bodyReader)
	if err != nil {
		return nil, err
	}
	httpRequest.Close = true
	httpRequest.Header.Set("Content-Type", "application/json")

	// Configure basic access authorization.
	httpRequest.SetBasicAuth(c.User, c.Pass)

	httpResponse, err := http.DefaultClient.Do(httpRequest)
	if err != nil {
		return nil, err
	}

	// Read the raw bytes and close the response.
	respBytes, err := io.ReadAll(httpResponse.Body)
	httpResponse.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("error reading json reply: %v", err)
	}

	// Handle unsuccessful HTTP responses.
	if httpResponse.StatusCode < 200 || httpResponse.StatusCode >= 300 {
		if len(respBytes) == 0 {
			return nil, fmt.Errorf("%d %s", httpResponse.StatusCode,
				http.StatusText(httpResponse.StatusCode))
		}
		return nil, fmt.Errorf("%s", respBytes)
	}

	var resp jsonrpc.Response
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%s: %s", resp.Error.Message, resp.Error.Data)
	}
	return resp.Result, nil
}

// call marshals params, posts the method and unmarshals the result into out.
// A nil out discards the result.
func (c *client) call(method string, params interface{}, out interface{}) error {
	jsonData, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	resp, err := c.SendPostRequest(method, jsonData)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(resp, out)
}

type orderRef struct {
	OrderID string `json:"orderId"`
}

func (c *client) SubmitOrder(params coordinator.OrderParams) (swap.Order, error) {
	var order swap.Order
	err := c.call("submitOrder", params, &order)
	return order, err
}

func (c *client) CancelOrder(orderID string) error {
	return c.call("cancelOrder", orderRef{OrderID: orderID}, nil)
}

func (c *client) SettleOrder(orderID string) error {
	return c.call("settleOrder", orderRef{OrderID: orderID}, nil)
}

func (c *client) SubmitBid(params BidParams) (auction.Bid, error) {
	var bid auction.Bid
	err := c.call("submitBid", params, &bid)
	return bid, err
}

func (c *client) WithdrawBid(orderID, bidID, resolver string) error {
	return c.call("withdrawBid", struct {
		OrderID  string `json:"orderId"`
		BidID    string `json:"bidId"`
		Resolver string `json:"resolver"`
	}{orderID, bidID, resolver}, nil)
}

func (c *client) BestBid(orderID string) (auction.Bid, error) {
	var bid auction.Bid
	err := c.call("bestBid", orderRef{OrderID: orderID}, &bid)
	return bid, err
}

func (c *client) GetOrder(orderID string) (swap.Order, error) {
	var order swap.Order
	err := c.call("getOrder", orderRef{OrderID: orderID}, &order)
	return order, err
}

func (c *client) GetSwap(swapID string) (store.SwapRecord, error) {
	var rec store.SwapRecord
	err := c.call("getSwap", struct {
		SwapID string `json:"swapId"`
	}{swapID}, &rec)
	return rec, err
}

func (c *client) ListSwaps(orderID string) ([]store.SwapRecord, error) {
	var recs []store.SwapRecord
	err := c.call("listSwaps", orderRef{OrderID: orderID}, &recs)
	return recs, err
}

func (c *client) ListBids(orderID string) ([]store.BidRecord, error) {
	var recs []store.BidRecord
	err := c.call("listBids", orderRef{OrderID: orderID}, &recs)
	return recs, err
}
