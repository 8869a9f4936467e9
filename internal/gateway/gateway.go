package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/clearledger/payroll/internal/auth"
	"github.com/clearledger/payroll/internal/payroll"
	"github.com/clearledger/payroll/internal/roles"
)

// Gateway is the HTTP front door for the payroll engine.
type Gateway struct {
	router  *gin.Engine
	engine  *payroll.Engine
	tokens  *auth.Service
	feed    *Feed
	limiter *Limiter
}

// Config holds gateway configuration.
type Config struct {
	RateLimitMax    int64
	RateLimitWindow time.Duration
	RateLimitStore  WindowStore
}

// New creates a gateway over the engine. feed may be nil when no
// notification stream is wired.
func New(cfg Config, engine *payroll.Engine, tokens *auth.Service, feed *Feed) *Gateway {
	store := cfg.RateLimitStore
	if store == nil {
		store = NewMemoryStore()
	}
	if cfg.RateLimitMax <= 0 {
		cfg.RateLimitMax = 100
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}

	g := &Gateway{
		router:  gin.New(),
		engine:  engine,
		tokens:  tokens,
		feed:    feed,
		limiter: NewLimiter(store, cfg.RateLimitMax, cfg.RateLimitWindow),
	}
	g.router.Use(gin.Recovery())
	g.setupRoutes()
	return g
}

func (g *Gateway) setupRoutes() {
	g.router.Use(g.rateLimitMiddleware())

	g.router.GET("/health", g.healthCheck)

	v1 := g.router.Group("/api/v1", g.authMiddleware())
	{
		v1.POST("/employees", g.addEmployee)
		v1.GET("/employees/:principal", g.getEmployee)
		v1.DELETE("/employees/:principal", g.removeEmployee)
		v1.PATCH("/employees/:principal/active", g.setActive)
		v1.PATCH("/employees/:principal/salary", g.setSalary)
		v1.POST("/employees/:principal/reserve", g.reserveFunds)
		v1.POST("/employees/:principal/adjust", g.adjustReservedFunds)
		v1.POST("/employees/:principal/authorize", g.authorizeToClaim)
		v1.DELETE("/employees/:principal/authorize", g.revokeAuthorization)

		v1.POST("/observers", g.addObserver)
		v1.DELETE("/observers/:principal", g.removeObserver)

		v1.POST("/claims", g.claimSalary)
		v1.POST("/deposits", g.deposit)

		v1.GET("/payments/:id", g.getPayment)
		v1.GET("/goon", g.getGoon)
		v1.GET("/pool", g.getPool)

		v1.GET("/events", g.handleWebSocket)
	}
}

// Handler exposes the router for serving and for tests.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// Start serves HTTP on addr.
func (g *Gateway) Start(addr string) error {
	return g.router.Run(addr)
}

// Middleware

func (g *Gateway) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		principal, err := g.tokens.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("principal", payroll.Principal(principal))
		c.Next()
	}
}

func (g *Gateway) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.limiter.Allow(c.Request.Context(), c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func caller(c *gin.Context) payroll.Principal {
	return c.MustGet("principal").(payroll.Principal)
}

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, payroll.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, payroll.ErrNotFound),
		errors.Is(err, payroll.ErrNotAnEmployee):
		return http.StatusNotFound
	case errors.Is(err, payroll.ErrAlreadyExists),
		errors.Is(err, payroll.ErrReentrant):
		return http.StatusConflict
	case errors.Is(err, payroll.ErrNotActive),
		errors.Is(err, payroll.ErrNotAuthorized),
		errors.Is(err, payroll.ErrCooldownNotElapsed),
		errors.Is(err, payroll.ErrInsufficientReservedFunds),
		errors.Is(err, payroll.ErrInsufficientPoolBalance),
		errors.Is(err, payroll.ErrInvalidSalary):
		return http.StatusUnprocessableEntity
	case errors.Is(err, payroll.ErrArithmeticOverflow):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func (g *Gateway) domainError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

// Handlers

func (g *Gateway) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

type addEmployeeRequest struct {
	Principal string `json:"principal" binding:"required"`
	Salary    uint64 `json:"salary"`
	Role      string `json:"role"`
}

func (g *Gateway) addEmployee(c *gin.Context) {
	var req addEmployeeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	var err error
	if req.Role != "" {
		role, perr := roles.Parse(req.Role)
		if perr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": perr.Error()})
			return
		}
		err = g.engine.AddEmployeeWithRole(c.Request.Context(), caller(c), payroll.Principal(req.Principal), req.Salary, role)
	} else {
		err = g.engine.AddEmployee(c.Request.Context(), caller(c), payroll.Principal(req.Principal), req.Salary)
	}
	if err != nil {
		g.domainError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"principal": req.Principal})
}

func (g *Gateway) getEmployee(c *gin.Context) {
	emp, ok := g.engine.GetEmployee(payroll.Principal(c.Param("principal")))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": payroll.ErrNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"employee": emp,
		"reserved": g.engine.ReservedFor(emp.Principal),
	})
}

func (g *Gateway) removeEmployee(c *gin.Context) {
	err := g.engine.RemoveEmployee(c.Request.Context(), caller(c), payroll.Principal(c.Param("principal")))
	if err != nil {
		g.domainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "employee removed"})
}

type setActiveRequest struct {
	Active *bool `json:"active" binding:"required"`
}

func (g *Gateway) setActive(c *gin.Context) {
	var req setActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	err := g.engine.SetActive(c.Request.Context(), caller(c), payroll.Principal(c.Param("principal")), *req.Active)
	if err != nil {
		g.domainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": *req.Active})
}

type setSalaryRequest struct {
	Salary uint64 `json:"salary"`
}

func (g *Gateway) setSalary(c *gin.Context) {
	var req setSalaryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	err := g.engine.SetSalary(c.Request.Context(), caller(c), payroll.Principal(c.Param("principal")), req.Salary)
	if err != nil {
		g.domainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"salary": req.Salary})
}

type amountRequest struct {
	Amount uint64 `json:"amount" binding:"required"`
}

func (g *Gateway) reserveFunds(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	principal := payroll.Principal(c.Param("principal"))
	err := g.engine.ReserveFunds(c.Request.Context(), caller(c), principal, req.Amount)
	if err != nil {
		g.domainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reserved": g.engine.ReservedFor(principal)})
}

type adjustRequest struct {
	Delta int64 `json:"delta" binding:"required"`
}

func (g *Gateway) adjustReservedFunds(c *gin.Context) {
	var req adjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	principal := payroll.Principal(c.Param("principal"))
	err := g.engine.AdjustReservedFunds(c.Request.Context(), caller(c), principal, req.Delta)
	if err != nil {
		g.domainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reserved": g.engine.ReservedFor(principal)})
}

func (g *Gateway) authorizeToClaim(c *gin.Context) {
	err := g.engine.AuthorizeToClaim(c.Request.Context(), caller(c), payroll.Principal(c.Param("principal")))
	if err != nil {
		g.domainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"authorized": true})
}

func (g *Gateway) revokeAuthorization(c *gin.Context) {
	err := g.engine.RevokeAuthorizationToClaim(c.Request.Context(), caller(c), payroll.Principal(c.Param("principal")))
	if err != nil {
		g.domainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"authorized": false})
}

type principalRequest struct {
	Principal string `json:"principal" binding:"required"`
}

func (g *Gateway) addObserver(c *gin.Context) {
	var req principalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	err := g.engine.AddObserver(c.Request.Context(), caller(c), payroll.Principal(req.Principal))
	if err != nil {
		g.domainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"principal": req.Principal})
}

func (g *Gateway) removeObserver(c *gin.Context) {
	err := g.engine.RemoveObserver(c.Request.Context(), caller(c), payroll.Principal(c.Param("principal")))
	if err != nil {
		g.domainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "observer removed"})
}

func (g *Gateway) claimSalary(c *gin.Context) {
	payment, err := g.engine.ClaimSalary(c.Request.Context(), caller(c))
	if err != nil {
		g.domainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payment": payment})
}

func (g *Gateway) deposit(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	err := g.engine.Deposit(c.Request.Context(), caller(c), req.Amount)
	if err != nil {
		g.domainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"pool": g.engine.PoolBalance()})
}

func (g *Gateway) getPayment(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payment ID"})
		return
	}

	payment := g.engine.GetPayment(id)
	if payment.IsZero() {
		c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

func (g *Gateway) getGoon(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"goon": g.engine.Goon()})
}

func (g *Gateway) getPool(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"pool":     g.engine.PoolBalance(),
		"payments": g.engine.PaymentCount(),
	})
}

// WebSocket handling

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (g *Gateway) handleWebSocket(c *gin.Context) {
	if g.feed == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event feed not available"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	g.feed.attach(conn)
}
