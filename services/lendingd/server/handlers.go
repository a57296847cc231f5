package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"

	"revenuechannels/native/lending"
	"revenuechannels/services/lendingd/journal"
)

type curveRequest struct {
	BaseRate              string `json:"baseRate"`
	RateMultiplier        string `json:"rateMultiplier"`
	LowUtilBaseRate       string `json:"lowUtilBaseRate"`
	LowUtilRateMultiplier string `json:"lowUtilRateMultiplier"`
	TargetLevel           string `json:"targetLevel"`
	KinkLevel             string `json:"kinkLevel"`
	MaxScaleRate          string `json:"maxScaleRate"`
}

func (c *curveRequest) parse() (lending.DemandCurve, error) {
	if c == nil {
		return lending.DefaultDemandCurve(), nil
	}
	curve, err := (&lending.CurveGenesis{
		BaseRate:              c.BaseRate,
		RateMultiplier:        c.RateMultiplier,
		LowUtilBaseRate:       c.LowUtilBaseRate,
		LowUtilRateMultiplier: c.LowUtilRateMultiplier,
		TargetLevel:           c.TargetLevel,
		KinkLevel:             c.KinkLevel,
		MaxScaleRate:          c.MaxScaleRate,
	}).DemandCurve()
	if err != nil {
		return lending.DemandCurve{}, badRequest("curve: %v", err)
	}
	return curve, nil
}

type createPoolRequest struct {
	LoanToken string        `json:"loanToken"`
	Vault     string        `json:"vault"`
	Owner     string        `json:"owner"`
	Curve     *curveRequest `json:"curve"`
}

type amountRequest struct {
	Amount string `json:"amount"`
}

type paramsRequest struct {
	Owner              string `json:"owner"`
	LoanToken          string `json:"loanToken"`
	CollateralToken    string `json:"collateralToken"`
	MinInitialMargin   string `json:"minInitialMargin"`
	MaintenanceMargin  string `json:"maintenanceMargin"`
	MaxLoanTermSeconds uint64 `json:"maxLoanTermSeconds"`
	Disabled           bool   `json:"disabled"`
}

type setupParamsRequest struct {
	Params   []paramsRequest `json:"params"`
	AreLoans bool            `json:"areLoans"`
}

type idsRequest struct {
	IDs []string `json:"ids"`
}

type incentiveRequest struct {
	LoanToken       string `json:"loanToken"`
	CollateralToken string `json:"collateralToken"`
	Percent         string `json:"percent"`
}

type incentivesRequest struct {
	Incentives []incentiveRequest `json:"incentives"`
}

type percentRequest struct {
	Percent string `json:"percent"`
}

type adminRequest struct {
	Admin string `json:"admin"`
}

type openLoanRequest struct {
	LoanParamsID string `json:"loanParamsId"`
	Principal    string `json:"principal"`
	Collateral   string `json:"collateral"`
}

type closeRequest struct {
	Source string `json:"source"`
}

type pauseRequest struct {
	Paused bool `json:"paused"`
}

type settingsView struct {
	Admin             string `json:"admin"`
	ProtocolVault     string `json:"protocolVault"`
	FeesController    string `json:"feesController"`
	LendingFeePercent string `json:"lendingFeePercent"`
	Paused            bool   `json:"paused"`
}

type eventView struct {
	ID         string            `json:"id"`
	Sequence   int64             `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  time.Time         `json:"createdAt"`
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.engine.Settings()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settingsView{
		Admin:             hexAddr(settings.Admin),
		ProtocolVault:     hexAddr(settings.ProtocolVault),
		FeesController:    hexAddr(settings.FeesController),
		LendingFeePercent: lending.FormatPercent(settings.LendingFeePercent),
		Paused:            s.pauses.IsPaused(lending.ModuleName),
	})
}

// setPaused lets the protocol admin halt or resume every engine mutation.
func (s *Server) setPaused(w http.ResponseWriter, r *http.Request) {
	if s.pauses == nil {
		s.writeError(w, r, badRequest("pausing is not configured"))
		return
	}
	var req pauseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	settings, err := s.engine.Settings()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	caller := mustCaller(r)
	if caller != settings.Admin {
		s.writeError(w, r, lending.ErrUnauthorized)
		return
	}
	s.pauses.Set(lending.ModuleName, req.Paused)
	s.logger.Info("lending pause toggled", "paused", req.Paused, "caller", hexAddr(caller))
	s.getSettings(w, r)
}

func (s *Server) setLendingFee(w http.ResponseWriter, r *http.Request) {
	var req percentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	percent, err := lending.ParsePercent(req.Percent)
	if err != nil {
		s.writeError(w, r, badRequest("percent: %v", err))
		return
	}
	caller := mustCaller(r)
	if err := s.engine.SetLendingFeePercent(caller, percent); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.getSettings(w, r)
}

func (s *Server) transferAdmin(w http.ResponseWriter, r *http.Request) {
	var req adminRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	admin, err := parseAddressField("admin", req.Admin)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.TransferAdmin(mustCaller(r), admin); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.getSettings(w, r)
}

func (s *Server) setIncentives(w http.ResponseWriter, r *http.Request) {
	var req incentivesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.Incentives) == 0 {
		s.writeError(w, r, badRequest("incentives required"))
		return
	}
	settings := make([]lending.IncentiveSetting, 0, len(req.Incentives))
	for i, entry := range req.Incentives {
		setting, err := lending.IncentiveGenesis{
			LoanToken:       entry.LoanToken,
			CollateralToken: entry.CollateralToken,
			Percent:         entry.Percent,
		}.Setting()
		if err != nil {
			s.writeError(w, r, badRequest("incentives[%d]: %v", i, err))
			return
		}
		settings = append(settings, setting)
	}
	if err := s.engine.SetLiquidationIncentivePercent(mustCaller(r), settings); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getIncentive(w http.ResponseWriter, r *http.Request) {
	loanToken, err := pathAddress(r, "loanToken")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	collateralToken, err := pathAddress(r, "collateralToken")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	percent, err := s.engine.LiquidationIncentive(loanToken, collateralToken)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"loanToken":       hexAddr(loanToken),
		"collateralToken": hexAddr(collateralToken),
		"percent":         lending.FormatPercent(percent),
	})
}

func (s *Server) listPools(w http.ResponseWriter, r *http.Request) {
	pools, err := s.engine.Pools()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]poolView, 0, len(pools))
	for _, pool := range pools {
		views = append(views, s.poolView(pool))
	}
	writeJSON(w, http.StatusOK, map[string]any{"pools": views})
}

func (s *Server) getPool(w http.ResponseWriter, r *http.Request) {
	token, err := pathAddress(r, "token")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pool, err := s.engine.Pool(token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.poolView(pool))
}

// poolView attaches the supply rate when it can be derived; a settings
// lookup failure only drops the field.
func (s *Server) poolView(pool *lending.Pool) poolView {
	supply, err := s.engine.SupplyRate(pool.LoanToken)
	if err != nil {
		supply = nil
	}
	return newPoolView(pool, supply)
}

func (s *Server) createPool(w http.ResponseWriter, r *http.Request) {
	var req createPoolRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	loanToken, err := parseAddressField("loanToken", req.LoanToken)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	vault, err := parseAddressField("vault", req.Vault)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	caller := mustCaller(r)
	owner := caller
	if strings.TrimSpace(req.Owner) != "" {
		if owner, err = parseAddressField("owner", req.Owner); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	curve, err := req.Curve.parse()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pool, err := s.engine.CreatePool(caller, lending.PoolConfig{
		LoanToken: loanToken,
		Vault:     vault,
		Owner:     owner,
		Curve:     curve,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.poolView(pool))
}

func (s *Server) setCurve(w http.ResponseWriter, r *http.Request) {
	token, err := pathAddress(r, "token")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req curveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	curve, err := req.parse()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.SetDemandCurve(mustCaller(r), token, curve); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.getPool(w, r)
}

func (s *Server) getLenderShares(w http.ResponseWriter, r *http.Request) {
	token, err := pathAddress(r, "token")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	lender, err := pathAddress(r, "lender")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	shares, err := s.engine.LenderShares(token, lender)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"loanToken": hexAddr(token),
		"lender":    hexAddr(lender),
		"shares":    amount(shares),
	})
}

func (s *Server) mint(w http.ResponseWriter, r *http.Request) {
	s.poolAmountOp(w, r, "minted", s.engine.Mint)
}

func (s *Server) burn(w http.ResponseWriter, r *http.Request) {
	s.poolAmountOp(w, r, "redeemed", s.engine.Burn)
}

func (s *Server) withdrawFees(w http.ResponseWriter, r *http.Request) {
	s.poolAmountOp(w, r, "withdrawn", s.engine.WithdrawProtocolFees)
}

// poolAmountOp runs a caller/pool/amount engine call and reports its result
// under key alongside the refreshed pool.
func (s *Server) poolAmountOp(w http.ResponseWriter, r *http.Request, key string, op func(common.Address, common.Address, *big.Int) (*big.Int, error)) {
	token, err := pathAddress(r, "token")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	value, err := decodeAmount(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := op(mustCaller(r), token, value)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pool, err := s.engine.Pool(token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		key:    amount(result),
		"pool": s.poolView(pool),
	})
}

func (s *Server) listParams(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.ListLoanParams()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]paramsView, 0, len(list))
	for _, p := range list {
		views = append(views, newParamsView(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"params": views})
}

func (s *Server) getParams(w http.ResponseWriter, r *http.Request) {
	id, err := pathHash(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	params, err := s.engine.GetLoanParams(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newParamsView(params))
}

func (s *Server) setupParams(w http.ResponseWriter, r *http.Request) {
	var req setupParamsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.Params) == 0 {
		s.writeError(w, r, badRequest("params required"))
		return
	}
	caller := mustCaller(r)
	list := make([]lending.LoanParams, 0, len(req.Params))
	for i, entry := range req.Params {
		owner := entry.Owner
		if strings.TrimSpace(owner) == "" {
			owner = caller.Hex()
		}
		params, err := lending.ParamsGenesis{
			Owner:             owner,
			LoanToken:         entry.LoanToken,
			CollateralToken:   entry.CollateralToken,
			MinInitialMargin:  entry.MinInitialMargin,
			MaintenanceMargin: entry.MaintenanceMargin,
			MaxLoanTerm:       entry.MaxLoanTermSeconds,
			Disabled:          entry.Disabled,
		}.LoanParams()
		if err != nil {
			s.writeError(w, r, badRequest("params[%d]: %v", i, err))
			return
		}
		list = append(list, params)
	}
	ids, err := s.engine.SetupLoanParams(caller, list, req.AreLoans)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]paramsView, 0, len(ids))
	for _, id := range ids {
		params, err := s.engine.GetLoanParams(id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		views = append(views, newParamsView(params))
	}
	writeJSON(w, http.StatusCreated, map[string]any{"params": views})
}

func (s *Server) disableParams(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.IDs) == 0 {
		s.writeError(w, r, badRequest("ids required"))
		return
	}
	ids := make([]common.Hash, 0, len(req.IDs))
	for i, raw := range req.IDs {
		id, err := parseHash(raw)
		if err != nil {
			s.writeError(w, r, badRequest("ids[%d]: %v", i, err))
			return
		}
		ids = append(ids, id)
	}
	if err := s.engine.DisableLoanParams(mustCaller(r), ids); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listLoans(w http.ResponseWriter, r *http.Request) {
	var (
		borrower    common.Address
		hasBorrower bool
	)
	if raw := strings.TrimSpace(r.URL.Query().Get("borrower")); raw != "" {
		addr, err := parseAddressField("borrower", raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		borrower, hasBorrower = addr, true
	}
	state := strings.TrimSpace(r.URL.Query().Get("state"))
	loans, err := s.engine.Loans()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]loanView, 0, len(loans))
	for _, loan := range loans {
		if hasBorrower && loan.Borrower != borrower {
			continue
		}
		if state != "" && loan.State.String() != state {
			continue
		}
		views = append(views, newLoanView(loan, nil))
	}
	writeJSON(w, http.StatusOK, map[string]any{"loans": views})
}

func (s *Server) getLoan(w http.ResponseWriter, r *http.Request) {
	id, err := pathHash(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	loan, err := s.engine.Loan(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.loanView(loan))
}

// loanView values open loans against the oracle. A valuation failure, such as
// a stale price, leaves the position out rather than failing the read.
func (s *Server) loanView(loan *lending.Loan) loanView {
	if !loan.Active() {
		return newLoanView(loan, nil)
	}
	pos, err := s.engine.Position(loan.ID)
	if err != nil {
		s.logger.Debug("position unavailable", "loanId", loan.ID.Hex(), "error", err)
		return newLoanView(loan, nil)
	}
	return newLoanView(pos.Loan, pos)
}

func (s *Server) getMargin(w http.ResponseWriter, r *http.Request) {
	id, err := pathHash(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pos, err := s.engine.Position(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"loanId":            id.Hex(),
		"margin":            lending.FormatPercent(pos.Margin),
		"maintenanceMargin": lending.FormatPercent(pos.Params.MaintenanceMargin),
		"owed":              amount(pos.Owed),
		"collateralValue":   amount(pos.CollateralValue),
		"liquidatable":      pos.Liquidatable,
		"expired":           pos.Expired,
	})
}

func (s *Server) openLoan(w http.ResponseWriter, r *http.Request) {
	var req openLoanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	paramsID, err := parseHash(req.LoanParamsID)
	if err != nil {
		s.writeError(w, r, badRequest("loanParamsId: %v", err))
		return
	}
	principal, err := lending.ParseAmount(req.Principal)
	if err != nil {
		s.writeError(w, r, badRequest("principal: %v", err))
		return
	}
	collateral, err := lending.ParseAmount(req.Collateral)
	if err != nil {
		s.writeError(w, r, badRequest("collateral: %v", err))
		return
	}
	loan, err := s.engine.OpenLoan(mustCaller(r), paramsID, principal, collateral)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.loanView(loan))
}

func (s *Server) closeLoan(w http.ResponseWriter, r *http.Request) {
	id, err := pathHash(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req closeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	source, ok := lending.ParseRepaymentSource(strings.ToLower(strings.TrimSpace(req.Source)))
	if !ok {
		s.writeError(w, r, badRequest("unknown repayment source %q", req.Source))
		return
	}
	result, err := s.engine.CloseLoan(mustCaller(r), id, source)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	loan, err := s.engine.Loan(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, closeView{
		Loan:               newLoanView(loan, nil),
		Repaid:             amount(result.Repaid),
		Interest:           amount(result.Interest),
		Source:             result.Source.String(),
		CollateralReturned: amount(result.CollateralReturned),
		SurplusReturned:    amount(result.SurplusReturned),
	})
}

func (s *Server) liquidate(w http.ResponseWriter, r *http.Request) {
	id, err := pathHash(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.engine.Liquidate(mustCaller(r), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	loan, err := s.engine.Loan(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, liquidationView{
		Loan:               newLoanView(loan, nil),
		Repaid:             amount(result.Repaid),
		SeizedCollateral:   amount(result.SeizedCollateral),
		CollateralReturned: amount(result.CollateralReturned),
		Margin:             lending.FormatPercent(result.Margin),
	})
}

func (s *Server) increaseCollateral(w http.ResponseWriter, r *http.Request) {
	s.loanAmountOp(w, r, s.engine.IncreaseCollateral)
}

func (s *Server) withdrawCollateral(w http.ResponseWriter, r *http.Request) {
	s.loanAmountOp(w, r, s.engine.WithdrawCollateral)
}

func (s *Server) loanAmountOp(w http.ResponseWriter, r *http.Request, op func(common.Address, common.Hash, *big.Int) (*lending.Loan, error)) {
	id, err := pathHash(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	value, err := decodeAmount(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	loan, err := op(mustCaller(r), id, value)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.loanView(loan))
}

func (s *Server) rollover(w http.ResponseWriter, r *http.Request) {
	id, err := pathHash(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	loan, err := s.engine.Rollover(mustCaller(r), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.loanView(loan))
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, r, journal.ErrNotConfigured)
		return
	}
	query := r.URL.Query()
	filter := journal.Filter{
		Type:      strings.TrimSpace(query.Get("type")),
		LoanID:    strings.ToLower(strings.TrimSpace(query.Get("loanId"))),
		LoanToken: strings.ToLower(strings.TrimSpace(query.Get("loanToken"))),
	}
	if raw := query.Get("after"); raw != "" {
		after, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || after < 0 {
			s.writeError(w, r, badRequest("after must be a non-negative integer"))
			return
		}
		filter.After = after
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			s.writeError(w, r, badRequest("limit must be a positive integer"))
			return
		}
		filter.Limit = limit
	}
	entries, err := s.journal.Query(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	views := make([]eventView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, eventView{
			ID:         entry.ID.String(),
			Sequence:   entry.Sequence,
			Type:       entry.Type,
			Attributes: entry.Decoded(),
			CreatedAt:  entry.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": views})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, requestBodyLimit)
	defer body.Close()
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return badRequest("request body required")
		}
		return badRequest("decode request: %v", err)
	}
	if decoder.More() {
		return badRequest("unexpected trailing data")
	}
	return nil
}

func decodeAmount(w http.ResponseWriter, r *http.Request) (*big.Int, error) {
	var req amountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Amount) == "" {
		return nil, badRequest("amount required")
	}
	value, err := lending.ParseAmount(req.Amount)
	if err != nil {
		return nil, badRequest("amount: %v", err)
	}
	return value, nil
}

func parseAddressField(field, raw string) (common.Address, error) {
	addr, err := lending.ParseAddress(raw)
	if err != nil {
		return common.Address{}, badRequest("%s: %v", field, err)
	}
	return addr, nil
}

func pathAddress(r *http.Request, key string) (common.Address, error) {
	return parseAddressField(key, chi.URLParam(r, key))
}

func pathHash(r *http.Request, key string) (common.Hash, error) {
	id, err := parseHash(chi.URLParam(r, key))
	if err != nil {
		return common.Hash{}, badRequest("%s: %v", key, err)
	}
	return id, nil
}

func parseHash(raw string) (common.Hash, error) {
	decoded, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil {
		return common.Hash{}, err
	}
	if len(decoded) != common.HashLength {
		return common.Hash{}, fmt.Errorf("expected %d bytes, got %d", common.HashLength, len(decoded))
	}
	return common.BytesToHash(decoded), nil
}

// mustCaller reads the caller the auth middleware attached. Routes using it
// are mounted behind that middleware.
func mustCaller(r *http.Request) common.Address {
	caller, _ := CallerFrom(r.Context())
	return caller
}
