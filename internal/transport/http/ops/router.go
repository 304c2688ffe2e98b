package opshttp

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"brokerd/internal/exclusions"
	"brokerd/internal/execution"
	"brokerd/internal/ipc"
	"brokerd/internal/lease"
	"brokerd/internal/orders"
	"brokerd/internal/pkg/reason"
	"brokerd/internal/runs"

	"github.com/gin-gonic/gin"
)

// Router 暴露 /api 下的运维接口。
type Router struct {
	Exec       *execution.Service
	Orders     *orders.Service
	Runs       *runs.Service
	Pool       *lease.Pool
	Exclusions *exclusions.List
}

// Register 将路由挂载到给定分组下。
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/leases", r.handleLeases)
	group.GET("/runs", r.handleListRuns)
	group.POST("/runs", r.handleSubmitBatch)
	group.GET("/runs/:id", r.handleGetRun)
	group.POST("/runs/:id/terminate", r.handleTerminateRun)
	group.GET("/orders", r.handleListOrders)
	group.POST("/orders/manual", r.handleManualOrder)
	group.GET("/orders/:id", r.handleGetOrder)
	group.POST("/orders/:id/cancel", r.handleCancelOrder)
	group.GET("/leader/:mode", r.handleLeader)
	if r.Exclusions != nil {
		group.GET("/exclusions", r.handleListExclusions)
		group.POST("/exclusions", r.handleAddExclusions)
		group.DELETE("/exclusions/:symbol", r.handleRemoveExclusion)
	}
}

// statusFor maps reason codes onto HTTP statuses.
func statusFor(code reason.Code) int {
	switch code {
	case reason.PoolExhausted:
		return http.StatusTooManyRequests
	case reason.LockBusy, reason.InvalidTransition, reason.StatusChanged, reason.ClientOrderIDConflict:
		return http.StatusConflict
	case reason.OrderNotFound, reason.RunNotFound, reason.LeaseNotFound:
		return http.StatusNotFound
	case reason.InvalidOrder, reason.UnknownOrderType, reason.ExcludedSymbol, reason.CommandInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	code := reason.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		httpLog.Errorf("%s %s 失败: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, gin.H{"code": string(code), "error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "error": msg})
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid id")
		return 0, false
	}
	return id, true
}

func modeParam(raw string) (string, bool) {
	mode := strings.ToLower(strings.TrimSpace(raw))
	if mode == "" {
		mode = "paper"
	}
	return mode, mode == "paper" || mode == "live"
}

type reasonBody struct {
	Reason string `json:"reason"`
}

func (r *Router) handleLeases(c *gin.Context) {
	mode, ok := modeParam(c.Query("mode"))
	if !ok {
		badRequest(c, "mode must be paper or live")
		return
	}
	list, err := r.Pool.List(c.Request.Context(), mode)
	if err != nil {
		writeError(c, err)
		return
	}
	inUse := 0
	for _, l := range list {
		if l.Status == lease.StatusLeased {
			inUse++
		}
	}
	c.JSON(http.StatusOK, gin.H{"mode": mode, "in_use": inUse, "leases": toLeaseViews(list)})
}

func (r *Router) handleListRuns(c *gin.Context) {
	var statuses []runs.Status
	for _, s := range c.QueryArray("status") {
		for _, part := range strings.Split(s, ",") {
			if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
				statuses = append(statuses, runs.Status(part))
			}
		}
	}
	list, err := r.Runs.List(c.Request.Context(), statuses...)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]runView, 0, len(list))
	for _, run := range list {
		out = append(out, toRunView(run))
	}
	c.JSON(http.StatusOK, gin.H{"runs": out})
}

func (r *Router) handleSubmitBatch(c *gin.Context) {
	var req execution.BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	res, err := r.Exec.SubmitBatch(c.Request.Context(), req)
	if err != nil && !(res.Queued && errors.Is(err, reason.ErrPoolExhausted)) {
		writeError(c, err)
		return
	}
	view := toRunView(res.Run)
	view.Orders = toOrderViews(res.Orders)
	body := gin.H{"run": view, "created": res.Created, "queued": res.Queued}
	switch {
	case res.Queued:
		// 已落库，等待空闲 client id 后由 Resume 拉起
		body["code"] = string(reason.PoolExhausted)
		c.JSON(http.StatusTooManyRequests, body)
	case res.Created:
		c.JSON(http.StatusCreated, body)
	default:
		c.JSON(http.StatusOK, body)
	}
}

func (r *Router) handleGetRun(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	run, err := r.Runs.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	list, err := r.Orders.List(c.Request.Context(), orders.ListFilter{RunID: id})
	if err != nil {
		writeError(c, err)
		return
	}
	view := toRunView(run)
	view.Orders = toOrderViews(list)
	c.JSON(http.StatusOK, view)
}

func (r *Router) handleTerminateRun(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var body reasonBody
	_ = c.ShouldBindJSON(&body)
	run, err := r.Exec.Terminate(c.Request.Context(), id, body.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toRunView(run))
}

func (r *Router) handleListOrders(c *gin.Context) {
	f := orders.ListFilter{Mode: strings.ToLower(strings.TrimSpace(c.Query("mode")))}
	if raw := strings.TrimSpace(c.Query("run_id")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			badRequest(c, "invalid run_id")
			return
		}
		f.RunID = id
	}
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(c, "invalid limit")
			return
		}
		f.Limit = n
	}
	for _, s := range c.QueryArray("status") {
		for _, part := range strings.Split(s, ",") {
			if part = strings.ToUpper(strings.TrimSpace(part)); part != "" {
				f.Statuses = append(f.Statuses, orders.Status(part))
			}
		}
	}
	list, err := r.Orders.List(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": toOrderViews(list)})
}

func (r *Router) handleManualOrder(c *gin.Context) {
	var req execution.ManualRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	o, created, err := r.Exec.SubmitManual(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"order": toOrderView(o), "created": created})
}

func (r *Router) handleGetOrder(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	o, err := r.Orders.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	fills, err := r.Orders.ListFills(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	view := toOrderView(o)
	view.Fills = toFillViews(fills)
	c.JSON(http.StatusOK, view)
}

func (r *Router) handleCancelOrder(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var body reasonBody
	_ = c.ShouldBindJSON(&body)
	o, err := r.Exec.Cancel(c.Request.Context(), id, body.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toOrderView(o))
}

func (r *Router) handleLeader(c *gin.Context) {
	mode, ok := modeParam(c.Param("mode"))
	if !ok {
		badRequest(c, "mode must be paper or live")
		return
	}
	layout := r.Exec.Layout(mode)
	view := leaderView{Mode: mode, Degraded: true}
	var status ipc.LeaderStatus
	found, err := ipc.ReadJSON(layout.StatusFile(), &status)
	if err != nil {
		writeError(c, err)
		return
	}
	if found {
		view.Status = &status
		view.Degraded = status.Degraded()
	}
	var state ipc.LeaderState
	if found, err = ipc.ReadJSON(layout.StateFile(), &state); err != nil {
		writeError(c, err)
		return
	}
	if found {
		view.State = &state
	}
	c.JSON(http.StatusOK, view)
}

func (r *Router) handleListExclusions(c *gin.Context) {
	doc, err := r.Exclusions.Load()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toExclusionsView(doc))
}

func (r *Router) handleAddExclusions(c *gin.Context) {
	var body struct {
		Symbols []string `json:"symbols"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err.Error())
		return
	}
	if len(body.Symbols) == 0 {
		badRequest(c, "symbols is required")
		return
	}
	doc, err := r.Exclusions.Add(c.Request.Context(), body.Symbols...)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toExclusionsView(doc))
}

func (r *Router) handleRemoveExclusion(c *gin.Context) {
	doc, err := r.Exclusions.Remove(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toExclusionsView(doc))
}
