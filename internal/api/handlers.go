package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	saleerrors "tokensale/internal/errors"
	"tokensale/internal/operations"
	"tokensale/internal/storage"
	"tokensale/internal/validation"
)

// 业务错误码到HTTP状态码的映射，未列出的业务错误按400处理
var businessStatus = map[string]int{
	"INSUFFICIENT_BALANCE":   http.StatusBadRequest,
	"INVALID_TOKEN":          http.StatusBadRequest,
	"ALREADY_COMPLETED":      http.StatusConflict,
	"SOLD_OUT":               http.StatusConflict,
	"ADDRESS_POOL_EXHAUSTED": http.StatusServiceUnavailable,
	"PRICE_NOT_FOUND":        http.StatusNotFound,
	"OPERATION_NOT_FOUND":    http.StatusNotFound,
	"WITHDRAWAL_NOT_FOUND":   http.StatusNotFound,
}

// writeError 统一错误输出：业务错误带错误码返回，其余一律500且不泄漏内部细节
func (s *Server) writeError(c *gin.Context, err error) {
	var se *saleerrors.SaleError
	if saleerrors.IsBusiness(err) && errors.As(err, &se) {
		status, ok := businessStatus[se.Code]
		if !ok {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"code": se.Code, "error": se.Message})
		return
	}

	s.logger.Errorf("请求处理失败: %v", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "内部错误"})
}

func (s *Server) getRaised(c *gin.Context) {
	raised, err := s.ledger.Raised(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"raised":          raised,
		"total_supply":    s.cfg.TotalSupply,
		"token_price_usd": s.cfg.TokenPriceUSD,
	})
}

func (s *Server) getPrice(c *gin.Context) {
	currency := strings.ToUpper(c.Param("currency"))
	if currency != storage.CurrencyBTC && currency != storage.CurrencyETH {
		c.JSON(http.StatusBadRequest, gin.H{"error": "不支持的币种"})
		return
	}

	price, err := s.oracle.PriceAt(c.Request.Context(), currency, time.Now())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"currency": currency,
		"quote":    storage.CurrencyUSD,
		"price":    price,
	})
}

func (s *Server) createUser(c *gin.Context) {
	var req struct {
		Email string `json:"email" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validation.CheckEmail(req.Email); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "邮箱格式无效"})
		return
	}

	ctx := c.Request.Context()
	user, err := s.store.GetUserByEmail(ctx, req.Email)
	if err != nil {
		user = &storage.User{Email: req.Email, SaleAllocated: true}
		if err := s.store.CreateUser(ctx, user); err != nil {
			s.writeError(c, err)
			return
		}
	}

	result, err := s.store.AssignPair(ctx, user.ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if result == storage.AssignExhausted {
		s.writeError(c, saleerrors.ErrPoolExhausted)
		return
	}

	addresses, err := s.store.UserAddresses(ctx, user.ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"user_id":   user.ID,
		"email":     user.Email,
		"addresses": addressList(addresses),
	})
}

func (s *Server) getUser(c *gin.Context) {
	user, ok := s.lookupUser(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	addresses, err := s.store.UserAddresses(ctx, user.ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	balance, err := s.store.WithdrawableBalance(ctx, user.ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":          user.ID,
		"email":            user.Email,
		"withdraw_address": user.WithdrawAddress,
		"addresses":        addressList(addresses),
		"balance":          balance,
	})
}

func (s *Server) getUserAddresses(c *gin.Context) {
	user, ok := s.lookupUser(c)
	if !ok {
		return
	}
	addresses, err := s.store.UserAddresses(c.Request.Context(), user.ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"addresses": addressList(addresses)})
}

func (s *Server) getUserBalance(c *gin.Context) {
	user, ok := s.lookupUser(c)
	if !ok {
		return
	}
	balance, err := s.store.WithdrawableBalance(c.Request.Context(), user.ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": user.ID, "balance": balance})
}

// requestWithdrawal 发起提取：冻结全部可提取余额并发出确认邮件
func (s *Server) requestWithdrawal(c *gin.Context) {
	user, ok := s.lookupUser(c)
	if !ok {
		return
	}
	if user.WithdrawAddress == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "尚未设置提取地址"})
		return
	}

	w, err := s.withdrawals.Request(c.Request.Context(), user.ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"withdrawal_id": w.ID,
		"value":         w.Value,
		"to":            w.To,
		"status":        w.Status,
	})
}

// changeWithdrawAddress 发起提取地址变更，需要邮件二次确认后才生效
func (s *Server) changeWithdrawAddress(c *gin.Context) {
	user, ok := s.lookupUser(c)
	if !ok {
		return
	}

	var req struct {
		Address string `json:"address" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	normalized, err := validation.NormalizeETHAddress(req.Address)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "地址格式无效"})
		return
	}

	op, err := s.ops.Create(c.Request.Context(), user.ID, operations.ChangeAddress{
		NewAddress: normalized,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"operation_id": op.ID,
		"kind":         op.Kind,
		"message":      "确认邮件已发送",
	})
}

// getWithdrawal 查询提取记录的当前状态与链上交易号
func (s *Server) getWithdrawal(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "提取ID无效"})
		return
	}
	w, err := s.store.GetWithdrawal(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"withdrawal_id": w.ID,
		"value":         w.Value,
		"to":            w.To,
		"tx_id":         w.TxID,
		"status":        w.Status,
		"created":       w.Created,
	})
}

func (s *Server) confirmOperation(c *gin.Context) {
	var req struct {
		Kind  string `json:"kind" binding:"required"`
		Token string `json:"token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.ops.Confirm(c.Request.Context(), req.Kind, req.Token); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "操作已确认"})
}

// addPoolAddresses 运维接口：向地址池补充预生成地址
func (s *Server) addPoolAddresses(c *gin.Context) {
	var req struct {
		Currency  string   `json:"currency" binding:"required"`
		Addresses []string `json:"addresses" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	currency := strings.ToUpper(req.Currency)
	if currency != storage.CurrencyBTC && currency != storage.CurrencyETH {
		c.JSON(http.StatusBadRequest, gin.H{"error": "不支持的币种"})
		return
	}
	for _, addr := range req.Addresses {
		if err := validation.CheckAddress(currency, addr); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "地址格式无效: " + addr})
			return
		}
	}

	if err := s.store.AddPoolAddresses(c.Request.Context(), currency, req.Addresses); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"added": len(req.Addresses)})
}

func (s *Server) getLogs(c *gin.Context) {
	level := c.Query("level")
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	c.JSON(http.StatusOK, gin.H{"logs": s.logBuffer.Recent(level, limit)})
}

// lookupUser 按路径参数解析用户，不存在时直接写出404
func (s *Server) lookupUser(c *gin.Context) (*storage.User, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "用户ID无效"})
		return nil, false
	}
	user, err := s.store.GetUser(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "用户不存在"})
		return nil, false
	}
	return user, true
}

func addressList(addresses []storage.Address) []gin.H {
	out := make([]gin.H, 0, len(addresses))
	for _, a := range addresses {
		out = append(out, gin.H{
			"currency": a.Currency,
			"address":  a.Address,
		})
	}
	return out
}
