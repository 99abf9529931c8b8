package publisher

import (
	"errors"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"grape/models"
	"grape/utils"
)

const indexFile = "index.html"

var errFileNotFound = errors.New("file not found")

type Handler struct {
	resolver *Resolver
	domain   string
}

func NewHandler(resolver *Resolver, platformDomain string) *Handler {
	return &Handler{resolver: resolver, domain: strings.ToLower(platformDomain)}
}

func (h *Handler) SetupRoutes(r gin.IRoutes) {
	r.GET("/sites/:routingKey/*filepath", h.ServeSite)
	r.HEAD("/sites/:routingKey/*filepath", h.ServeSite)
}

func (h *Handler) ServeSite(c *gin.Context) {
	h.serve(c, strings.ToLower(c.Param("routingKey")), c.Param("filepath"))
}

// HostRouting serves requests addressed to a live project subdomain, such
// as <id>.grape.ai. Other hosts, including platform subdomains like
// api.grape.ai, pass down the chain.
func (h *Handler) HostRouting() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := h.routingKeyFromHost(c.Request.Host)
		if !ok {
			c.Next()
			return
		}

		artifact, err := h.resolver.Resolve(c.Request.Context(), key)
		if models.IsNotFound(err) {
			c.Next()
			return
		}
		if err != nil {
			utils.RespondError(c, err, "no live deployment at this address")
			c.Abort()
			return
		}
		if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
			c.AbortWithStatus(http.StatusMethodNotAllowed)
			return
		}

		h.serveArtifact(c, artifact, c.Request.URL.Path)
		c.Abort()
	}
}

func (h *Handler) routingKeyFromHost(host string) (string, bool) {
	if hostname, _, err := net.SplitHostPort(host); err == nil {
		host = hostname
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")

	sub, found := strings.CutSuffix(host, "."+h.domain)
	if !found || sub == "" || strings.Contains(sub, ".") {
		return "", false
	}
	return host, true
}

func (h *Handler) serve(c *gin.Context, routingKey, name string) {
	artifact, err := h.resolver.Resolve(c.Request.Context(), routingKey)
	if err != nil {
		utils.RespondError(c, err, "no live deployment at this address")
		return
	}
	h.serveArtifact(c, artifact, name)
}

func (h *Handler) serveArtifact(c *gin.Context, artifact *Artifact, name string) {
	f, info, err := openWithin(artifact.Dir, name)
	if err != nil {
		if errors.Is(err, errFileNotFound) {
			utils.JsonError(c, http.StatusNotFound, err, "check the path of the requested file")
			return
		}
		utils.RespondError(c, err, "cannot read deployment")
		return
	}
	defer f.Close()

	http.ServeContent(c.Writer, c.Request, info.Name(), info.ModTime(), f)
}

// openWithin opens name below root, falling back to index.html for
// directories. Links that resolve outside root are treated as missing.
func openWithin(root, name string) (*os.File, os.FileInfo, error) {
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, errFileNotFound
		}
		return nil, nil, err
	}

	clean := path.Clean("/" + name)
	full := filepath.Join(realRoot, filepath.FromSlash(clean))

	info, err := os.Stat(full)
	if err == nil && info.IsDir() {
		full = filepath.Join(full, indexFile)
	}

	real, err := filepath.EvalSymlinks(full)
	if err != nil {
		return nil, nil, errFileNotFound
	}
	if real != realRoot && !strings.HasPrefix(real, realRoot+string(filepath.Separator)) {
		return nil, nil, errFileNotFound
	}

	f, err := os.Open(real)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, errFileNotFound
		}
		return nil, nil, err
	}
	info, err = f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, nil, errFileNotFound
	}
	return f, info, nil
}
