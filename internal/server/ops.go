package server

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/voyatrip/voya/internal/docstore"
	"github.com/voyatrip/voya/internal/queue/streams"
	"github.com/voyatrip/voya/internal/store"
)

// performanceSource is the orchestrator slice the ops surface reads from.
type performanceSource interface {
	GetPerformanceMetrics() map[string]interface{}
}

// OpsHandler exposes operational endpoints: agent performance, booking queue
// lag and a minimal HTML dashboard rendered without JS.
type OpsHandler struct {
	Agent   performanceSource
	Docs    *docstore.Store
	Ledger  *store.Store
	Redis   *redis.Client
	Started time.Time
}

func (h *OpsHandler) Register(g *echo.Group) {
	g.GET("/performance", h.performance)
	g.GET("/queues", h.queues)
	g.GET("/dashboard", h.dashboard)
}

// performance returns agent latency, token and cost metrics.
//
//	@Summary	Agent performance metrics
//	@Tags		ops
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Produce	json
//	@Success	200	{object}	map[string]interface{}
//	@Router		/api/ops/performance [get]
func (h *OpsHandler) performance(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Agent.GetPerformanceMetrics())
}

// queues returns lag metrics for the booking streams.
//
//	@Summary	Booking queue lag
//	@Tags		ops
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Produce	json
//	@Success	200	{object}	map[string]interface{}
//	@Failure	502	{object}	HTTPError
//	@Router		/api/ops/queues [get]
func (h *OpsHandler) queues(c echo.Context) error {
	ctx := c.Request().Context()
	requested, err := streams.GroupLag(ctx, h.Redis, streams.StreamBookingRequested, streams.GroupBookingWorkers)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	settled, err := streams.GroupLag(ctx, h.Redis, streams.StreamBookingSettled, streams.GroupBookingWorkers)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"booking_requested": requested,
		"booking_settled":   settled,
	})
}

// dashboard renders key operational state as a single HTML page.
func (h *OpsHandler) dashboard(c echo.Context) error {
	ctx := c.Request().Context()

	var b strings.Builder
	b.WriteString("<!doctype html><html><head><meta charset=\"utf-8\"><meta name=\"viewport\" content=\"width=device-width, initial-scale=1\"><title>Voya Ops</title></head><body style=\"font-family:system-ui,-apple-system,Segoe UI,Roboto,Helvetica,Arial,sans-serif; color:#e5e7eb; background:#0f172a;\">")
	b.WriteString("<div style=\"max-width:960px;margin:24px auto;padding:0 16px\">")
	b.WriteString("<h1 style=\"font-size:18px;font-weight:600;margin-bottom:8px\">Voya Operations</h1>")

	if !h.Started.IsZero() {
		b.WriteString("<p style=\"color:#94a3b8;margin:4px 0 16px\">up ")
		b.WriteString(template.HTMLEscapeString(time.Since(h.Started).Round(time.Second).String()))
		b.WriteString("</p>")
	}

	h.writeHealth(ctx, &b)
	h.writeQueues(ctx, &b)

	if h.Agent != nil {
		m := h.Agent.GetPerformanceMetrics()
		report, _ := m["report"].(string)
		delete(m, "report")
		h.writeSection(&b, "Agent", m)
		if report != "" {
			b.WriteString("<h2 style=\"font-size:14px;font-weight:600;margin:16px 0 8px\">Report</h2>")
			b.WriteString("<pre style=\"background:#0b1220;border:1px solid #1f2937;border-radius:8px;padding:12px;overflow:auto\">")
			b.WriteString(template.HTMLEscapeString(report))
			b.WriteString("</pre>")
		}
	}

	b.WriteString("</div></body></html>")
	return c.HTML(http.StatusOK, b.String())
}

func (h *OpsHandler) writeHealth(ctx context.Context, b *strings.Builder) {
	probe := func(name string, err error) string {
		if err != nil {
			return fmt.Sprintf("%s: <span style=\"color:#f87171\">%s</span>", name, template.HTMLEscapeString(err.Error()))
		}
		return fmt.Sprintf("%s: <span style=\"color:#4ade80\">ok</span>", name)
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	rows := make([]string, 0, 4)
	if h.Docs != nil {
		rows = append(rows, probe("mongo", h.Docs.Ping(ctx)))
	}
	if h.Ledger != nil && h.Ledger.DB != nil {
		rows = append(rows, probe("postgres", h.Ledger.DB.PingContext(ctx)))
	}
	if h.Redis != nil {
		rows = append(rows, probe("redis", h.Redis.Ping(ctx).Err()))
		if live, err := h.Redis.Get(ctx, "live:sessions").Int64(); err == nil && live > 0 {
			rows = append(rows, fmt.Sprintf("live sessions: %d", live))
		}
	}
	if len(rows) == 0 {
		return
	}
	b.WriteString("<h2 style=\"font-size:14px;font-weight:600;margin:16px 0 8px\">Stores</h2>")
	b.WriteString("<pre style=\"background:#0b1220;border:1px solid #1f2937;border-radius:8px;padding:12px;overflow:auto\">")
	b.WriteString(strings.Join(rows, "\n"))
	b.WriteString("</pre>")
}

func (h *OpsHandler) writeQueues(ctx context.Context, b *strings.Builder) {
	if h.Redis == nil {
		return
	}
	lag := map[string]interface{}{}
	if m, err := streams.GroupLag(ctx, h.Redis, streams.StreamBookingRequested, streams.GroupBookingWorkers); err == nil {
		lag["booking_requested"] = m
	}
	if m, err := streams.GroupLag(ctx, h.Redis, streams.StreamBookingSettled, streams.GroupBookingWorkers); err == nil {
		lag["booking_settled"] = m
	}
	if len(lag) > 0 {
		h.writeSection(b, "Booking queues", lag)
	}
}

func (h *OpsHandler) writeSection(b *strings.Builder, title string, data interface{}) {
	b.WriteString("<h2 style=\"font-size:14px;font-weight:600;margin:16px 0 8px\">")
	b.WriteString(template.HTMLEscapeString(title))
	b.WriteString("</h2>")
	b.WriteString("<pre style=\"background:#0b1220;border:1px solid #1f2937;border-radius:8px;padding:12px;overflow:auto\"><code>")
	if enc, err := json.MarshalIndent(data, "", "  "); err == nil {
		b.Write(enc)
	}
	b.WriteString("</code></pre>")
}
