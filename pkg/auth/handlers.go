package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"grape/models"
	"grape/utils"
)

// OwnerHandler is a handler that runs on behalf of an authenticated owner.
type OwnerHandler func(c *gin.Context, owner models.Owner)

type Handler struct {
	service *Service
	tokens  *TokenIssuer
}

func NewHandler(service *Service, tokens *TokenIssuer) *Handler {
	return &Handler{service: service, tokens: tokens}
}

func (h *Handler) SetupRoutes(r gin.IRoutes) {
	r.POST("/register", h.Register)
	r.POST("/login", h.Login)
}

func (h *Handler) Register(c *gin.Context) {
	var dto models.RegisterDTO

	err := c.ShouldBindJSON(&dto)
	if utils.HandleError(c, http.StatusBadRequest, err, "cannot parse request") {
		return
	}

	session, err := h.service.Register(c.Request.Context(), dto)
	if err != nil {
		utils.RespondError(c, err, "cannot register user")
		return
	}

	utils.JsonSuccessH(
		c,
		http.StatusCreated,
		"user registered",
		session,
	)
}

func (h *Handler) Login(c *gin.Context) {
	var dto models.LoginDTO

	err := c.ShouldBindJSON(&dto)
	if utils.HandleError(c, http.StatusBadRequest, err, "cannot parse request") {
		return
	}

	session, err := h.service.Login(c.Request.Context(), dto)
	if err != nil {
		utils.RespondError(c, err, "cannot log in")
		return
	}

	utils.JsonSuccessH(
		c,
		http.StatusOK,
		"logged in",
		session,
	)
}

// Authenticated resolves the bearer token and hands the owner to fn.
func (h *Handler) Authenticated(fn OwnerHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			utils.JsonError(
				c,
				http.StatusUnauthorized,
				errors.New("missing bearer token"),
				"send an Authorization: Bearer <token> header",
			)
			return
		}

		owner, err := h.tokens.Verify(raw)
		if err != nil {
			utils.RespondError(c, err, "log in again to get a fresh token")
			return
		}

		fn(c, owner)
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
