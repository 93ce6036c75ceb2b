package server

import (
	"errors"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"castswap/internal/check"
	"castswap/internal/fees"
	"castswap/internal/order"
	"castswap/internal/rpc"
	"castswap/internal/store"
)

// OrderInput carries an order as a compressed token, free text with a payload line, or JSON.
type OrderInput struct {
	Compressed string       `json:"compressed,omitempty"`
	Text       string       `json:"text,omitempty"`
	Order      *order.Order `json:"order,omitempty"`
}

func (in OrderInput) decode() (*order.Order, error) {
	switch {
	case in.Compressed != "":
		return order.Decode(in.Compressed)
	case in.Text != "":
		return order.DecodeText(in.Text)
	case in.Order != nil:
		return in.Order, nil
	}
	return nil, errors.New("one of compressed, text or order is required")
}

// CheckRequest is the preflight request: settlement contract, viewing wallet and the order.
type CheckRequest struct {
	OrderInput
	Settlement string `json:"settlement"`
	Viewer     string `json:"viewer" binding:"required"`
}

// CheckResponse carries the snapshot, or the terminal reason that ended the check.
type CheckResponse struct {
	Status string        `json:"status"`
	Ready  bool          `json:"ready"`
	Error  string        `json:"error,omitempty"`
	Result *check.Result `json:"result,omitempty"`
}

type TokenReadRequest struct {
	ChainID uint64 `json:"chainId" binding:"required"`
	Token   string `json:"token" binding:"required"`
	Owner   string `json:"owner" binding:"required"`
	Spender string `json:"spender"`
}

type DecodeResponse struct {
	Compressed          string       `json:"compressed"`
	Order               *order.Order `json:"order"`
	Network             string       `json:"network,omitempty"`
	SignatureValid      bool         `json:"signatureValid"`
	Expired             bool         `json:"expired"`
	Signer              string       `json:"signer"`
	Sender              string       `json:"sender"`
	RequiredSenderTotal *big.Int     `json:"requiredSenderTotal"`
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
}

// chainError maps read failures: exhausted endpoints are 503, anything else 502.
func chainError(c *gin.Context, err error) {
	status := http.StatusBadGateway
	if errors.Is(err, rpc.ErrChainUnavailable) {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"success": false, "error": err.Error()})
}

func parseAddress(s, field string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, errors.New(field + " is not a valid address")
	}
	return common.HexToAddress(s), nil
}

// POST /api/v1/check
func (s *Server) handleCheck(c *gin.Context) {
	var req CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	o, err := req.decode()
	if err != nil {
		badRequest(c, err)
		return
	}
	viewer, err := parseAddress(req.Viewer, "viewer")
	if err != nil {
		badRequest(c, err)
		return
	}
	if req.Settlement != "" && common.HexToAddress(req.Settlement) != o.Settlement {
		badRequest(c, errors.New("settlement does not match the contract the order was signed for"))
		return
	}
	n, ok := s.network(o.ChainID)
	if !ok {
		badRequest(c, errors.New("chain "+strconv.FormatUint(o.ChainID, 10)+" is not served"))
		return
	}

	res, err := n.Checker.Check(c.Request.Context(), o, viewer)
	if err != nil && !check.IsTerminal(err) {
		s.log.WithError(err).WithField("chain_id", o.ChainID).Warn("⚠️ preflight check failed")
		chainError(c, err)
		return
	}
	c.JSON(http.StatusOK, checkResponse(res, err))
}

func checkResponse(res *check.Result, err error) CheckResponse {
	resp := CheckResponse{Status: check.Outcome(res, err), Result: res}
	if err != nil {
		resp.Error = err.Error()
		resp.Result = nil
		return resp
	}
	resp.Ready = res.Ready()
	return resp
}

// POST /api/v1/tokens/read
func (s *Server) handleTokenRead(c *gin.Context) {
	var req TokenReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	token, err := parseAddress(req.Token, "token")
	if err != nil {
		badRequest(c, err)
		return
	}
	owner, err := parseAddress(req.Owner, "owner")
	if err != nil {
		badRequest(c, err)
		return
	}
	var spender common.Address
	if req.Spender != "" {
		if spender, err = parseAddress(req.Spender, "spender"); err != nil {
			badRequest(c, err)
			return
		}
	}
	n, ok := s.network(req.ChainID)
	if !ok {
		badRequest(c, errors.New("chain "+strconv.FormatUint(req.ChainID, 10)+" is not served"))
		return
	}
	read, err := n.Tokens.ReadToken(c.Request.Context(), token, owner, spender)
	if err != nil {
		chainError(c, err)
		return
	}
	c.JSON(http.StatusOK, read)
}

// POST /api/v1/orders/decode
func (s *Server) handleDecode(c *gin.Context) {
	var in OrderInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	o, err := in.decode()
	if err != nil {
		badRequest(c, err)
		return
	}
	compressed, err := order.Encode(o)
	if err != nil {
		badRequest(c, err)
		return
	}
	resp := DecodeResponse{
		Compressed:          compressed,
		Order:               o,
		SignatureValid:      order.Verify(o) == nil,
		Expired:             o.Expiry <= uint64(s.now().Unix()),
		Signer:              s.describe(o.ChainID, o.Signer),
		Sender:              s.describe(o.ChainID, o.Sender),
		RequiredSenderTotal: fees.SenderRequirement(o.Sender, o.ProtocolFee),
	}
	if n, ok := s.network(o.ChainID); ok {
		resp.Network = n.Config.Name
	}
	c.JSON(http.StatusOK, resp)
}

// describe renders a leg with catalog symbols when the token is known.
func (s *Server) describe(chainID uint64, p order.Party) string {
	symbol, decimals := p.Token.Hex(), uint8(18)
	if n, ok := s.network(chainID); ok {
		if t, found := n.Config.Token(p.Token.Hex()); found {
			symbol, decimals = t.Symbol, t.Decimals
		}
	}
	return fees.Describe(p, symbol, decimals)
}

// POST /api/v1/orders
func (s *Server) handleSubmit(c *gin.Context) {
	var in OrderInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	o, err := in.decode()
	if err != nil {
		badRequest(c, err)
		return
	}
	if wallet := authedWallet(c); wallet != o.Signer.Wallet {
		c.JSON(http.StatusForbidden, gin.H{"success": false, "error": "orders may only be submitted by their signer"})
		return
	}
	if _, ok := s.network(o.ChainID); !ok {
		badRequest(c, errors.New("chain "+strconv.FormatUint(o.ChainID, 10)+" is not served"))
		return
	}
	if err := order.Verify(o); err != nil {
		badRequest(c, err)
		return
	}
	if o.Expiry <= uint64(s.now().Unix()) {
		badRequest(c, check.ErrExpired)
		return
	}
	compressed, err := order.Encode(o)
	if err != nil {
		badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	rec := store.NewOrderRecord(o, compressed, "api")
	if s.repo != nil {
		if err := s.repo.SaveOrder(ctx, rec); err != nil {
			s.log.WithError(err).Error("❌ failed to record order")
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "failed to record order"})
			return
		}
	}
	relayed := false
	if s.relay != nil {
		if err := s.relay.Publish(ctx, o, compressed); err != nil {
			s.log.WithError(err).Warn("⚠️ failed to relay order")
		} else {
			relayed = true
		}
	}
	s.log.WithFields(logrus.Fields{
		"signer":  o.Signer.Wallet.Hex(),
		"nonce":   order.Int(o.Nonce).String(),
		"relayed": relayed,
	}).Info("✅ order accepted")
	c.JSON(http.StatusCreated, gin.H{
		"success":    true,
		"id":         rec.ID,
		"compressed": compressed,
		"line":       order.PayloadLine(compressed),
		"relayed":    relayed,
	})
}

// GET /api/v1/orders/:signer
func (s *Server) handleListOrders(c *gin.Context) {
	if s.repo == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "no order ledger configured"})
		return
	}
	signer, err := parseAddress(c.Param("signer"), "signer")
	if err != nil {
		badRequest(c, err)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	recs, err := s.repo.ListBySigner(c.Request.Context(), signer.Hex(), limit)
	if err != nil {
		s.log.WithError(err).Error("❌ failed to list orders")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "failed to list orders"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "orders": recs, "count": len(recs)})
}

// GET /api/v1/auth/challenge?wallet=0x...
func (s *Server) handleChallenge(c *gin.Context) {
	wallet, err := parseAddress(c.Query("wallet"), "wallet")
	if err != nil {
		badRequest(c, err)
		return
	}
	message, err := s.auth.Challenge(wallet)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": message})
}

type loginRequest struct {
	Wallet    string `json:"wallet" binding:"required"`
	Message   string `json:"message" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

// POST /api/v1/auth/login
func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	wallet, err := parseAddress(req.Wallet, "wallet")
	if err != nil {
		badRequest(c, err)
		return
	}
	token, err := s.auth.Login(wallet, req.Message, req.Signature)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "token": token})
}
