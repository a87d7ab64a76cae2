package httpapi

import (
	"context"
	"fmt"
	"mime/multipart"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/hertz/pkg/app"
	hzServer "github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/google/uuid"
)

// registerWeChatNative wires the extensions spec §6 names but leaves
// payload shapes to be derived from §4: QR/login status, a plain /send and
// multipart /upload, message-store queries, and a downloads listing.
func (s *Server) registerWeChatNative(hz *hzServer.Hertz) {
	hz.GET("/qr", s.wechatQR)
	hz.GET("/login/status", s.wechatLoginStatus)
	hz.POST("/login/poll", s.wechatLoginPoll)
	hz.POST("/send", s.wechatSend)
	hz.POST("/upload", s.wechatUpload)
	hz.GET("/messages", s.wechatMessages)
	hz.GET("/downloads", s.wechatDownloads)
}

func (s *Server) wechatQR(ctx context.Context, c *app.RequestContext) {
	if s.eng.IsLoggedIn() {
		c.SetContentType("text/plain")
		c.SetStatusCode(consts.StatusOK)
		c.Response.SetBody([]byte(fmt.Sprintf("already logged in as uin=%d", s.eng.UIN())))
		return
	}

	png, err := s.eng.AcquireQR(ctx)
	if err != nil {
		writeErr(c, consts.StatusInternalServerError, 500, err.Error())
		return
	}
	c.SetContentType("image/png")
	c.SetStatusCode(consts.StatusOK)
	c.Response.SetBody(png)
}

func (s *Server) wechatLoginStatus(ctx context.Context, c *app.RequestContext) {
	c.JSON(consts.StatusOK, map[string]any{
		"state":      string(s.eng.State()),
		"is_logged_in": s.eng.IsLoggedIn(),
		"uin":        s.eng.UIN(),
	})
}

func (s *Server) wechatLoginPoll(ctx context.Context, c *app.RequestContext) {
	loggedIn, err := s.eng.CheckLoginStatus(ctx, true)
	if err != nil {
		writeErr(c, consts.StatusInternalServerError, 500, err.Error())
		return
	}
	c.JSON(consts.StatusOK, map[string]any{
		"state":        string(s.eng.State()),
		"is_logged_in": loggedIn,
	})
}

type sendRequest struct {
	Content string `json:"content"`
}

func (s *Server) wechatSend(ctx context.Context, c *app.RequestContext) {
	if !s.requireLoggedIn(c) {
		return
	}
	var req sendRequest
	if err := sonic.Unmarshal(c.GetRequest().Body(), &req); err != nil || req.Content == "" {
		writeErr(c, consts.StatusBadRequest, 400, "content is required")
		return
	}
	ok, err := s.eng.SendText(ctx, req.Content)
	if err != nil {
		writeErr(c, consts.StatusInternalServerError, 500, err.Error())
		return
	}
	c.JSON(consts.StatusOK, map[string]any{"ok": ok})
}

func (s *Server) wechatUpload(ctx context.Context, c *app.RequestContext) {
	if !s.requireLoggedIn(c) {
		return
	}
	fh, err := c.FormFile("file")
	if err != nil {
		writeErr(c, consts.StatusBadRequest, 400, "file is required")
		return
	}

	dest, err := s.saveUpload(fh)
	if err != nil {
		writeErr(c, consts.StatusInternalServerError, 500, err.Error())
		return
	}

	ok, err := s.eng.SendFile(ctx, dest)
	if err != nil {
		writeErr(c, consts.StatusInternalServerError, 500, err.Error())
		return
	}
	c.JSON(consts.StatusOK, map[string]any{"ok": ok, "file_path": dest})
}

func (s *Server) saveUpload(fh *multipart.FileHeader) (string, error) {
	uploadDir := filepath.Join(s.cfg.Storage.DownloadDir, "uploads")
	if s.cfg.Storage.FileDateSubdir {
		uploadDir = filepath.Join(uploadDir, time.Now().Format("2006-01-02"))
	}
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}

	name := uuid.New().String() + "_" + filepath.Base(fh.Filename)
	dest := filepath.Join(uploadDir, name)

	src, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create dest: %w", err)
	}
	defer out.Close()

	if _, err := out.ReadFrom(src); err != nil {
		return "", fmt.Errorf("write upload: %w", err)
	}
	return dest, nil
}

func (s *Server) wechatMessages(ctx context.Context, c *app.RequestContext) {
	offset, _ := strconv.ParseInt(string(c.Query("offset")), 10, 64)
	limit := 100
	if raw := string(c.Query("limit")); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	kind := string(c.Query("kind"))

	rows, err := s.st.GetUpdates(offset, limit, kind, nil)
	if err != nil {
		writeErr(c, consts.StatusInternalServerError, 500, err.Error())
		return
	}
	c.JSON(consts.StatusOK, rows)
}

func (s *Server) wechatDownloads(ctx context.Context, c *app.RequestContext) {
	limit := 100
	if raw := string(c.Query("limit")); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	offset := 0
	if raw := string(c.Query("offset")); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			offset = v
		}
	}

	files, err := s.st.GetFiles(limit, offset)
	if err != nil {
		writeErr(c, consts.StatusInternalServerError, 500, err.Error())
		return
	}
	c.JSON(consts.StatusOK, files)
}
