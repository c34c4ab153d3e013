package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/event-rsvp/internal/middleware"
	"github.com/iliyamo/event-rsvp/internal/model"
	"github.com/iliyamo/event-rsvp/internal/service"
)

// ParticipationHandler exposes registration, cancellation, QR management
// and attendance over HTTP.  Every route assumes JWTAuth already ran; the
// caller id comes from middleware.CurrentUser.
type ParticipationHandler struct {
	Svc *service.Service
	Log *slog.Logger
}

// NewParticipationHandler constructs the handler.  svc must be non-nil.
func NewParticipationHandler(svc *service.Service, log *slog.Logger) *ParticipationHandler {
	if svc == nil {
		panic("nil service passed to NewParticipationHandler")
	}
	if log == nil {
		log = slog.Default()
	}
	return &ParticipationHandler{Svc: svc, Log: log}
}

// qrView is the client representation of a token.  Image is a PNG data
// URL ready for an <img> tag.
type qrView struct {
	Token     string     `json:"token"`
	Image     string     `json:"image"`
	ExpiresAt time.Time  `json:"expires_at"`
	Version   int        `json:"version"`
	IsUsed    bool       `json:"is_used"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
}

func (h *ParticipationHandler) qr(q model.QRCode) (*qrView, error) {
	if !q.Active() {
		return nil, nil
	}
	img, err := h.Svc.Codec().DataURL(q.Token)
	if err != nil {
		return nil, err
	}
	return &qrView{
		Token:     q.Token,
		Image:     img,
		ExpiresAt: q.ExpiresAt,
		Version:   q.Version,
		IsUsed:    q.IsUsed,
		UsedAt:    q.UsedAt,
	}, nil
}

// user resolves the caller or writes 401.
func user(c echo.Context) (string, bool) {
	u := middleware.CurrentUser(c)
	return u, u != ""
}

func unauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
}

// Register handles POST /v1/events/:id/register.  It returns 201 with the
// record status; registered callers also receive their QR code.
func (h *ParticipationHandler) Register(c echo.Context) error {
	uid, ok := user(c)
	if !ok {
		return unauthorized(c)
	}
	p, err := h.Svc.Register(c.Request().Context(), c.Param("id"), uid)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	view, err := h.qr(p.QRCode)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	resp := echo.Map{
		"status":        p.Status,
		"participation": p,
	}
	if view != nil {
		resp["qr_code"] = view
	}
	return c.JSON(http.StatusCreated, resp)
}

// Cancel handles POST /v1/events/:id/cancel.
func (h *ParticipationHandler) Cancel(c echo.Context) error {
	uid, ok := user(c)
	if !ok {
		return unauthorized(c)
	}
	if _, err := h.Svc.Cancel(c.Request().Context(), c.Param("id"), uid); err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "registration cancelled"})
}

// Regenerate handles POST /v1/events/:id/regenerate.  The previous token
// stops working immediately.
func (h *ParticipationHandler) Regenerate(c echo.Context) error {
	uid, ok := user(c)
	if !ok {
		return unauthorized(c)
	}
	p, err := h.Svc.Regenerate(c.Request().Context(), c.Param("id"), uid)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	view, err := h.qr(p.QRCode)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"qr_code": view})
}

// MyQR handles GET /v1/events/:id/my-qr.  It re-renders the caller's
// current token without changing any state.
func (h *ParticipationHandler) MyQR(c echo.Context) error {
	uid, ok := user(c)
	if !ok {
		return unauthorized(c)
	}
	p, err := h.Svc.MyQR(c.Request().Context(), c.Param("id"), uid)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	view, err := h.qr(p.QRCode)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"status": p.Status, "qr_code": view})
}

// MyQRPNG handles GET /v1/events/:id/my-qr.png and streams the raw image.
func (h *ParticipationHandler) MyQRPNG(c echo.Context) error {
	uid, ok := user(c)
	if !ok {
		return unauthorized(c)
	}
	p, err := h.Svc.MyQR(c.Request().Context(), c.Param("id"), uid)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	png, err := h.Svc.Codec().Render(p.QRCode.Token)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
	return c.Blob(http.StatusOK, "image/png", png)
}

type scanRequest struct {
	Token   string `json:"token"`
	EventID string `json:"event_id"`
}

// Scan handles POST /v1/scan and POST /v1/events/:id/scan.  The caller
// must be the host or a co-host of the token's event.
func (h *ParticipationHandler) Scan(c echo.Context) error {
	uid, ok := user(c)
	if !ok {
		return unauthorized(c)
	}
	var body scanRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if strings.TrimSpace(body.Token) == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "token is required"})
	}
	hint := c.Param("id")
	if hint == "" {
		hint = strings.TrimSpace(body.EventID)
	}
	p, err := h.Svc.Scan(c.Request().Context(), body.Token, uid, hint)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"message": "attendance recorded",
		"user": echo.Map{
			"user_id":  p.UserID,
			"event_id": p.EventID,
			"attended": p.Attended,
			"used_at":  p.QRCode.UsedAt,
		},
	})
}

// BulkAttend handles POST /v1/events/:id/bulk-attend.  Per-user failures
// are listed under "skipped" and never fail the request.
func (h *ParticipationHandler) BulkAttend(c echo.Context) error {
	uid, ok := user(c)
	if !ok {
		return unauthorized(c)
	}
	var body struct {
		UserIDs []string `json:"user_ids"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if len(body.UserIDs) == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "user_ids is required"})
	}
	res, err := h.Svc.BulkAttend(c.Request().Context(), c.Param("id"), body.UserIDs, uid)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	marked := make([]string, 0, len(res.Marked))
	for _, p := range res.Marked {
		marked = append(marked, p.UserID)
	}
	return c.JSON(http.StatusOK, echo.Map{"marked": marked, "skipped": res.Skipped})
}

// Participants handles GET /v1/events/:id/participants?status=.
func (h *ParticipationHandler) Participants(c echo.Context) error {
	uid, ok := user(c)
	if !ok {
		return unauthorized(c)
	}
	status := model.Status(strings.ToLower(strings.TrimSpace(c.QueryParam("status"))))
	list, err := h.Svc.Participants(c.Request().Context(), c.Param("id"), uid, status)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"participants": list, "count": len(list)})
}

// Stats handles GET /v1/events/:id/stats.
func (h *ParticipationHandler) Stats(c echo.Context) error {
	uid, ok := user(c)
	if !ok {
		return unauthorized(c)
	}
	st, err := h.Svc.Stats(c.Request().Context(), c.Param("id"), uid)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, st)
}

// Promote handles POST /v1/events/:id/promote for event staff.
func (h *ParticipationHandler) Promote(c echo.Context) error {
	uid, ok := user(c)
	if !ok {
		return unauthorized(c)
	}
	return h.promote(c, uid)
}

// AdminPromote handles POST /v1/admin/events/:id/promote.  The route is
// guarded by RequireRole, so the promotion runs as a system trigger.
func (h *ParticipationHandler) AdminPromote(c echo.Context) error {
	return h.promote(c, "")
}

func (h *ParticipationHandler) promote(c echo.Context, requestedBy string) error {
	promoted, err := h.Svc.PromoteAvailable(c.Request().Context(), c.Param("id"), requestedBy)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	ids := make([]string, 0, len(promoted))
	for _, p := range promoted {
		ids = append(ids, p.UserID)
	}
	return c.JSON(http.StatusOK, echo.Map{"promoted": ids, "count": len(ids)})
}
