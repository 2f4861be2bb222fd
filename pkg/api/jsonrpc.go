package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/luxfi/perp/pkg/perp"
)

// JSONRPCServer exposes the accounting engine over JSON-RPC 2.0. Amounts
// cross the wire as decimal strings in whole USD/PERP units and are
// converted to the engine's integer micro-units at this boundary only.
type JSONRPCServer struct {
	engine      *perp.Engine
	provisioner Provisioner
	logger      log.Logger
}

// Provisioner supplies the execution-side collaborators for a new market.
// The reference daemon provisions a simulated pool; a production deployment
// wires real venue, oracle and custody adapters here.
type Provisioner interface {
	Provision(marketID string, initialSqrtPriceX96 *big.Int) (perp.ExecutionVenue, perp.Beacon, perp.Vault, error)
}

// NewJSONRPCServer creates a new JSON-RPC server.
func NewJSONRPCServer(engine *perp.Engine, provisioner Provisioner, logger log.Logger) *JSONRPCServer {
	return &JSONRPCServer{
		engine:      engine,
		provisioner: provisioner,
		logger:      logger,
	}
}

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError represents a JSON-RPC error.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC Error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes, plus application codes for the engine's
// error taxonomy.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603

	CodeAuthorization      = -32001
	CodePolicyViolation    = -32002
	CodeVenueError         = -32003
	CodeQuoteIndeterminate = -32004
)

// rpcError maps an engine error onto the wire taxonomy.
func rpcError(err error) *RPCError {
	code := InternalError
	switch {
	case errors.Is(err, perp.ErrQuoteIndeterminate):
		code = CodeQuoteIndeterminate
	case errors.Is(err, perp.ErrValidation):
		code = InvalidParams
	case errors.Is(err, perp.ErrAuthorization):
		code = CodeAuthorization
	case errors.Is(err, perp.ErrPolicy):
		code = CodePolicyViolation
	case errors.Is(err, perp.ErrVenue):
		code = CodeVenueError
	}
	return &RPCError{Code: code, Message: err.Error()}
}

// ServeHTTP implements http.Handler.
func (s *JSONRPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, nil, &RPCError{Code: ParseError, Message: "Parse error"})
		return
	}
	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, &RPCError{Code: InvalidRequest, Message: "Invalid Request"})
		return
	}

	result, rpcErr := s.handleMethod(req.Method, req.Params)
	if rpcErr != nil {
		s.sendError(w, req.ID, rpcErr)
		return
	}

	resp := JSONRPCResponse{JSONRPC: "2.0", Result: result, ID: req.ID}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *JSONRPCServer) handleMethod(method string, params json.RawMessage) (interface{}, *RPCError) {
	switch method {
	case "perp_createMarket":
		return s.createMarket(params)
	case "perp_openMaker":
		return s.openMaker(params)
	case "perp_openTaker":
		return s.openTaker(params)
	case "perp_addMargin":
		return s.addMargin(params)
	case "perp_closePosition":
		return s.closePosition(params)
	case "perp_liquidate":
		return s.liquidate(params)
	case "perp_quoteClose":
		return s.quoteClose(params)
	case "perp_increaseTwapCardinality":
		return s.increaseTwapCardinality(params)
	case "perp_claimSettlement":
		return s.claimSettlement(params)
	case "perp_claimCreatorFees":
		return s.claimCreatorFees(params)
	case "perp_checkSolvency":
		return s.checkSolvency(params)
	case "perp_getPosition":
		return s.getPosition(params)
	case "perp_getMarket":
		return s.getMarket(params)
	case "perp_listMarkets":
		return s.engine.MarketIDs(), nil
	case "perp_ping":
		return "pong", nil
	default:
		return nil, &RPCError{Code: MethodNotFound, Message: "Method not found"}
	}
}

func (s *JSONRPCServer) createMarket(params json.RawMessage) (interface{}, *RPCError) {
	var p struct {
		ID                 string `json:"id"`
		PerpToken          string `json:"perpToken"`
		UsdToken           string `json:"usdToken"`
		Creator            string `json:"creator"`
		InitialPrice       string `json:"initialPrice"`
		TwapCardinalityCap int    `json:"twapCardinalityCap"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	if s.provisioner == nil {
		return nil, &RPCError{Code: InternalError, Message: "market provisioning disabled"}
	}

	priceX96, err := priceToX96(p.InitialPrice)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "invalid initialPrice"}
	}
	sqrtX96 := sqrtPriceX96(priceX96)

	venue, beacon, vault, err := s.provisioner.Provision(p.ID, sqrtX96)
	if err != nil {
		return nil, rpcError(err)
	}

	m, err := s.engine.CreateMarket(perp.MarketConfig{
		ID:                 p.ID,
		PerpToken:          p.PerpToken,
		UsdToken:           p.UsdToken,
		Creator:            p.Creator,
		Venue:              venue,
		Beacon:             beacon,
		Vault:              vault,
		TwapCardinalityCap: p.TwapCardinalityCap,
	})
	if err != nil {
		return nil, rpcError(err)
	}
	return s.marketView(m), nil
}

func (s *JSONRPCServer) openMaker(params json.RawMessage) (interface{}, *RPCError) {
	var p struct {
		Market    string `json:"market"`
		Holder    string `json:"holder"`
		Margin    string `json:"margin"`
		Liquidity string `json:"liquidity"`
		TickLower int32  `json:"tickLower"`
		TickUpper int32  `json:"tickUpper"`
		MaxUsdIn  string `json:"maxUsdIn,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	margin, err := usdToMicro(p.Margin)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "invalid margin"}
	}
	liquidity, ok := new(big.Int).SetString(p.Liquidity, 10)
	if !ok {
		return nil, &RPCError{Code: InvalidParams, Message: "invalid liquidity"}
	}
	var maxUsdIn *big.Int
	if p.MaxUsdIn != "" {
		if maxUsdIn, err = usdToMicro(p.MaxUsdIn); err != nil {
			return nil, &RPCError{Code: InvalidParams, Message: "invalid maxUsdIn"}
		}
	}

	pos, err := s.engine.OpenMaker(perp.OpenMakerParams{
		Market:    p.Market,
		Holder:    p.Holder,
		Margin:    margin,
		Liquidity: liquidity,
		TickLower: p.TickLower,
		TickUpper: p.TickUpper,
		MaxUsdIn:  maxUsdIn,
	})
	if err != nil {
		return nil, rpcError(err)
	}
	return positionView(pos), nil
}

func (s *JSONRPCServer) openTaker(params json.RawMessage) (interface{}, *RPCError) {
	var p struct {
		Market   string `json:"market"`
		Holder   string `json:"holder"`
		Long     bool   `json:"long"`
		Margin   string `json:"margin"`
		Leverage string `json:"leverage"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	margin, err := usdToMicro(p.Margin)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "invalid margin"}
	}
	leverage, err := priceToX96(p.Leverage)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "invalid leverage"}
	}

	pos, err := s.engine.OpenTaker(perp.OpenTakerParams{
		Market:      p.Market,
		Holder:      p.Holder,
		Long:        p.Long,
		Margin:      margin,
		LeverageX96: leverage,
	})
	if err != nil {
		return nil, rpcError(err)
	}
	return positionView(pos), nil
}

func (s *JSONRPCServer) addMargin(params json.RawMessage) (interface{}, *RPCError) {
	var p struct {
		Market     string `json:"market"`
		PositionID uint64 `json:"positionId"`
		Caller     string `json:"caller"`
		Amount     string `json:"amount"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}

	amount, err := usdToMicro(p.Amount)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "invalid amount"}
	}
	if err := s.engine.AddMargin(p.Market, p.PositionID, p.Caller, amount); err != nil {
		return nil, rpcError(err)
	}
	return positionView(s.engine.Position(p.Market, p.PositionID)), nil
}

type closeRPCParams struct {
	Market     string `json:"market"`
	PositionID uint64 `json:"positionId"`
	Caller     string `json:"caller"`
}

func (s *JSONRPCServer) closePosition(params json.RawMessage) (interface{}, *RPCError) {
	var p closeRPCParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	res, err := s.engine.ClosePosition(perp.CloseParams{Market: p.Market, PositionID: p.PositionID, Caller: p.Caller})
	if err != nil {
		return nil, rpcError(err)
	}
	return closeView(res), nil
}

func (s *JSONRPCServer) liquidate(params json.RawMessage) (interface{}, *RPCError) {
	var p closeRPCParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	res, err := s.engine.Liquidate(perp.CloseParams{Market: p.Market, PositionID: p.PositionID, Caller: p.Caller})
	if err != nil {
		return nil, rpcError(err)
	}
	return closeView(res), nil
}

func (s *JSONRPCServer) quoteClose(params json.RawMessage) (interface{}, *RPCError) {
	var p struct {
		Market     string `json:"market"`
		PositionID uint64 `json:"positionId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	quote, err := s.engine.QuoteClose(p.Market, p.PositionID)
	if err != nil {
		return nil, rpcError(err)
	}
	if !quote.OK {
		return map[string]interface{}{"ok": false}, nil
	}
	return map[string]interface{}{
		"ok":              true,
		"pnl":             microToUsd(quote.PnL),
		"fundingOwed":     microToUsd(quote.FundingOwed),
		"badDebtCharge":   microToUsd(quote.BadDebtCharge),
		"lpFeesOwed":      microToUsd(quote.LpFeesOwed),
		"effectiveMargin": microToUsd(quote.EffectiveMargin),
		"liquidatable":    quote.Liquidatable,
	}, nil
}

func (s *JSONRPCServer) increaseTwapCardinality(params json.RawMessage) (interface{}, *RPCError) {
	var p struct {
		Market string `json:"market"`
		Cap    int    `json:"cap"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	if err := s.engine.IncreaseTwapCardinalityCap(p.Market, p.Cap); err != nil {
		return nil, rpcError(err)
	}
	return map[string]interface{}{"market": p.Market, "cap": p.Cap}, nil
}

func (s *JSONRPCServer) claimCreatorFees(params json.RawMessage) (interface{}, *RPCError) {
	var p struct {
		Market string `json:"market"`
		Caller string `json:"caller"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	claimed, err := s.engine.ClaimCreatorFees(p.Market, p.Caller)
	if err != nil {
		return nil, rpcError(err)
	}
	return map[string]interface{}{"claimed": microToUsd(claimed)}, nil
}

func (s *JSONRPCServer) claimSettlement(params json.RawMessage) (interface{}, *RPCError) {
	var p struct {
		Market string `json:"market"`
		Caller string `json:"caller"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	claimed, err := s.engine.ClaimSettlement(p.Market, p.Caller)
	if err != nil {
		return nil, rpcError(err)
	}
	return map[string]interface{}{"claimed": microToUsd(claimed)}, nil
}

func (s *JSONRPCServer) checkSolvency(params json.RawMessage) (interface{}, *RPCError) {
	var p struct {
		Market string `json:"market"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	report, err := s.engine.CheckSolvency(p.Market)
	if err != nil {
		return nil, rpcError(err)
	}
	return map[string]interface{}{
		"vaultBalance":   microToUsd(report.VaultBalance),
		"obligations":    microToUsd(report.Obligations),
		"insurance":      microToUsd(report.Insurance),
		"creatorFees":    microToUsd(report.CreatorFees),
		"pendingPayouts": microToUsd(report.PendingPayouts),
		"solvent":        report.Solvent,
		"indeterminate":  report.Indeterminate,
	}, nil
}

func (s *JSONRPCServer) getPosition(params json.RawMessage) (interface{}, *RPCError) {
	var p struct {
		Market     string `json:"market"`
		PositionID uint64 `json:"positionId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	pos := s.engine.Position(p.Market, p.PositionID)
	if pos == nil {
		return nil, &RPCError{Code: InvalidParams, Message: perp.ErrPositionNotFound.Error()}
	}
	return positionView(pos), nil
}

func (s *JSONRPCServer) getMarket(params json.RawMessage) (interface{}, *RPCError) {
	var p struct {
		Market string `json:"market"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	m := s.engine.Market(p.Market)
	if m == nil {
		return nil, &RPCError{Code: InvalidParams, Message: perp.ErrMarketNotFound.Error()}
	}
	return s.marketView(m), nil
}

func (s *JSONRPCServer) marketView(m *perp.Market) map[string]interface{} {
	now := time.Now().Unix()
	return map[string]interface{}{
		"id":                m.ID,
		"perpToken":         m.PerpToken,
		"usdToken":          m.UsdToken,
		"creator":           m.Creator,
		"createdAt":         m.CreatedAt,
		"markPrice":         x96ToDecimal(m.MarkTwapX96(now, 0)).String(),
		"markTwap5m":        x96ToDecimal(m.MarkTwapX96(now, 300)).String(),
		"insurance":         microToUsd(m.InsuranceBalance()),
		"creatorFees":       microToUsd(m.CreatorFeeBalance()),
		"takerOpenInterest": microToUsd(m.TakerOpenInterest()),
	}
}

func positionView(pos *perp.Position) map[string]interface{} {
	if pos == nil {
		return nil
	}
	kind := "long"
	if pos.Maker {
		kind = "maker"
	} else if !pos.Long {
		kind = "short"
	}
	view := map[string]interface{}{
		"id":       pos.ID,
		"market":   pos.Market,
		"holder":   pos.Holder,
		"kind":     kind,
		"open":     pos.Open(),
		"margin":   microToUsd(pos.Margin),
		"notional": microToUsd(pos.EntryNotional),
		"feesPaid": microToUsd(pos.FeesPaid),
		"openedAt": pos.OpenedAt,
	}
	if pos.Maker {
		view["tickLower"] = pos.TickLower
		view["tickUpper"] = pos.TickUpper
		view["liquidity"] = pos.Liquidity.String()
		view["unlockTime"] = pos.UnlockTime
	}
	return view
}

func closeView(res *perp.CloseResult) map[string]interface{} {
	return map[string]interface{}{
		"pnl":                microToUsd(res.PnL),
		"fundingOwed":        microToUsd(res.FundingOwed),
		"effectiveMargin":    microToUsd(res.EffectiveMargin),
		"settlement":         microToUsd(res.Settlement),
		"liquidation":        res.Liquidation,
		"settlementDeferred": res.SettlementDeferred,
	}
}

func (s *JSONRPCServer) sendError(w http.ResponseWriter, id interface{}, rpcErr *RPCError) {
	resp := JSONRPCResponse{JSONRPC: "2.0", Error: rpcErr, ID: id}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// usdToMicro parses a decimal USD string into integer micro-USD.
func usdToMicro(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	return d.Shift(6).BigInt(), nil
}

// microToUsd renders integer micro-USD as a decimal string.
func microToUsd(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -6).String()
}

// priceToX96 parses a positive decimal into X96 fixed point.
func priceToX96(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	if d.Sign() <= 0 {
		return nil, fmt.Errorf("must be positive: %s", s)
	}
	q96 := decimal.NewFromBigInt(perp.Q96, 0)
	return d.Mul(q96).BigInt(), nil
}

// x96ToDecimal renders an X96 value as a decimal.
func x96ToDecimal(v *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(v, 0).DivRound(decimal.NewFromBigInt(perp.Q96, 0), 12)
}

// sqrtPriceX96 converts an X96 price into its X96 square root.
func sqrtPriceX96(priceX96 *big.Int) *big.Int {
	out := new(big.Int).Lsh(priceX96, 96)
	return out.Sqrt(out)
}
