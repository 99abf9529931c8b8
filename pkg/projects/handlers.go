package projects

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"grape/models"
	"grape/pkg/auth"
	"grape/utils"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) SetupRoutes(r gin.IRoutes, authn *auth.Handler) {
	r.GET("/projects", authn.Authenticated(h.GetProjectsList))
	r.GET("/projects/:projectId", authn.Authenticated(h.GetProject))
}

func (h *Handler) GetProjectsList(c *gin.Context, owner models.Owner) {
	list, err := h.service.List(c.Request.Context(), owner)
	if err != nil {
		utils.RespondError(c, err, "cannot find projects")
		return
	}

	utils.JsonSuccessH(
		c,
		http.StatusOK,
		fmt.Sprintf("%d projects found", len(list)),
		list,
	)
}

func (h *Handler) GetProject(c *gin.Context, owner models.Owner) {
	p, err := h.service.Get(c.Request.Context(), owner, c.Param("projectId"))
	if err != nil {
		utils.RespondError(c, err, "project cannot be found")
		return
	}

	utils.JsonSuccessH(
		c,
		http.StatusOK,
		"record found",
		p,
	)
}
