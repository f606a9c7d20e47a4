// Package httpapi assembles Clawline's single Echo application: the
// websocket front door plus the media upload/download endpoints and a
// /version health probe, all served on one port. Grounded on the teacher's
// internal/httpapi (Echo setup, slog request-logging middleware, blob
// upload/download handlers) generalized to the pairing-token bearer auth
// the media plane requires instead of an open endpoint.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"clawline/internal/clawerr"
	"clawline/internal/media"
	"clawline/internal/pairing"
	"clawline/internal/protocol"
	"clawline/internal/session"
	"clawline/internal/ws"
)

// Server is the Echo application serving /ws and the media plane.
type Server struct {
	echo    *echo.Echo
	pairing *pairing.Manager
	media   *media.Store
	reg     *session.Registry
	version string
}

// New constructs an Echo app with the websocket route and, when assets is
// non-nil, the /upload and /download/:assetId media routes.
func New(reg *session.Registry, pm *pairing.Manager, wsHandler *ws.Handler, assets *media.Store, version string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{echo: e, pairing: pm, media: assets, reg: reg, version: version}
	s.registerRoutes(wsHandler)
	return s
}

func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			path := req.URL.Path
			if path == "/ws" || path == "/version" {
				slog.Debug("http request",
					"method", req.Method, "path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
				)
			} else {
				slog.Info("http request",
					"method", req.Method, "path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
					"remote", c.RealIP(),
				)
			}
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests and for cmd/clawline
// to drive Start/Shutdown directly.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes(wsHandler *ws.Handler) {
	s.echo.GET("/version", s.handleVersion)
	if wsHandler != nil {
		wsHandler.Register(s.echo)
	}
	if s.media != nil {
		s.echo.POST("/upload", s.handleUpload)
		s.echo.GET("/download/:assetId", s.handleDownload)
	}
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		slog.Info("http server stopped")
		return nil
	}
}

type versionResponse struct {
	ProtocolVersion int `json:"protocolVersion"`
}

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, versionResponse{ProtocolVersion: protocol.ProtocolVersion})
}

// bearerUserID authenticates the request's Authorization: Bearer <token>
// header against the pairing manager, returning the owning user id.
func (s *Server) bearerUserID(c echo.Context) (string, error) {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	token := strings.TrimPrefix(header, "Bearer ")
	if token == "" || token == header {
		return "", clawerr.New(clawerr.CodeAuthFailed, "missing bearer token")
	}
	claims, err := s.pairing.AuthenticateBearer(c.Request().Context(), token)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

type uploadResponse struct {
	AssetID  string `json:"assetId"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

func (s *Server) handleUpload(c echo.Context) error {
	userID, err := s.bearerUserID(c)
	if err != nil {
		return httpError(clawerr.As(err))
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return httpError(clawerr.New(clawerr.CodeInvalidMessage, `multipart file field "file" is required`))
	}
	src, err := fileHeader.Open()
	if err != nil {
		return httpError(clawerr.New(clawerr.CodeInvalidMessage, fmt.Sprintf("open uploaded file: %v", err)))
	}
	defer src.Close()

	mimeType := strings.TrimSpace(fileHeader.Header.Get(echo.HeaderContentType))
	asset, err := s.media.Put(c.Request().Context(), media.PutInput{
		UserID:   userID,
		MimeType: mimeType,
		Reader:   src,
	})
	if err != nil {
		return httpError(clawerr.As(err))
	}

	slog.Info("asset uploaded", "asset_id", asset.ID, "user_id", userID, "size", asset.SizeBytes)
	return c.JSON(http.StatusCreated, uploadResponse{
		AssetID:  asset.ID,
		MimeType: asset.MimeType,
		Size:     asset.SizeBytes,
	})
}

func (s *Server) handleDownload(c echo.Context) error {
	userID, err := s.bearerUserID(c)
	if err != nil {
		return httpError(clawerr.As(err))
	}

	assetID := strings.TrimSpace(c.Param("assetId"))
	if assetID == "" {
		return httpError(clawerr.New(clawerr.CodeInvalidMessage, "asset id is required"))
	}

	result, err := s.media.Open(c.Request().Context(), assetID, userID)
	if err != nil {
		return httpError(clawerr.As(err))
	}
	defer result.File.Close()

	c.Response().Header().Set(echo.HeaderContentType, result.Metadata.MimeType)
	c.Response().Header().Set(echo.HeaderContentLength, strconv.FormatInt(result.Metadata.SizeBytes, 10))
	c.Response().Header().Set(
		echo.HeaderContentDisposition,
		fmt.Sprintf(`attachment; filename="%s"`, safeFilename(result.Metadata.ID)),
	)
	c.Response().WriteHeader(http.StatusOK)
	_, copyErr := io.Copy(c.Response().Writer, result.File)
	return copyErr
}

func httpError(ce *clawerr.Error) error {
	return echo.NewHTTPError(ce.Code.HTTPStatus(), echo.Map{"code": string(ce.Code), "message": ce.Message})
}

func safeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "asset"
	}
	name = strings.ReplaceAll(name, `"`, "_")
	name = strings.ReplaceAll(name, "\\", "_")
	return name
}
