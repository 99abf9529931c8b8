package uploads

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"grape/models"
	"grape/pkg/auth"
	"grape/utils"
)

// room for the form boundaries and the name field on top of the archive itself
const multipartOverhead = 1 << 20

type Handler struct {
	service  *Service
	maxBytes int64
}

func NewHandler(service *Service, maxBytes int64) *Handler {
	return &Handler{service: service, maxBytes: maxBytes}
}

func (h *Handler) SetupRoutes(r gin.IRoutes, authn *auth.Handler) {
	r.POST("/upload", authn.Authenticated(h.Upload))
}

// Upload reads the multipart form fully in memory so that a rejected upload
// never reaches the disk.
func (h *Handler) Upload(c *gin.Context, owner models.Owner) {
	limit := h.maxBytes + multipartOverhead
	tooLarge := fmt.Errorf("archive exceeds the %d byte limit", h.maxBytes)

	if c.Request.ContentLength > limit {
		utils.JsonError(c, http.StatusBadRequest, tooLarge, "upload a smaller archive")
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	if err := c.Request.ParseMultipartForm(limit); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			utils.JsonError(c, http.StatusBadRequest, tooLarge, "upload a smaller archive")
			return
		}
		utils.JsonError(c, http.StatusBadRequest, err, "send a multipart form with the name and project fields")
		return
	}
	defer c.Request.MultipartForm.RemoveAll()

	file, header, err := c.Request.FormFile("project")
	if err != nil {
		utils.JsonError(c, http.StatusBadRequest, err, "project archive is required")
		return
	}
	defer file.Close()

	descriptor, err := h.service.Upload(c.Request.Context(), owner, UploadRequest{
		Name:     c.Request.FormValue("name"),
		Filename: header.Filename,
		Size:     header.Size,
		Body:     file,
	})
	if err != nil {
		utils.RespondError(c, err, "cannot accept upload")
		return
	}

	utils.JsonSuccessH(
		c,
		http.StatusAccepted,
		"project queued",
		descriptor,
	)
}
