package httpapi

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/cloudwego/hertz/pkg/route"
	"github.com/go-telegram/bot/models"

	"github.com/tgifai/wxfhbridge/internal/engine"
)

// registerBotAPI wires the TG-Bot-API-compatible surface (spec §6 table):
// getUpdates/sendMessage/sendDocument/sendPhoto/getMe/getChat/setWebhook/
// deleteWebhook/getWebhookInfo/getFile. getMe and getChat answer with
// go-telegram/bot/models types; getUpdates and the send* endpoints use the
// package-local botUpdate/botUpdateMsg shapes below.
func (s *Server) registerBotAPI(bot *route.RouterGroup) {
	bot.GET("/getUpdates", s.botGetUpdates)
	bot.POST("/sendMessage", s.botSendMessage)
	bot.POST("/sendDocument", s.botSendDocument)
	bot.POST("/sendPhoto", s.botSendPhoto)
	bot.GET("/getMe", s.botGetMe)
	bot.GET("/getChat", s.botGetChat)
	bot.POST("/setWebhook", s.botSetWebhook)
	bot.POST("/deleteWebhook", s.botDeleteWebhook)
	bot.GET("/getWebhookInfo", s.botGetWebhookInfo)
	bot.GET("/getFile", s.botGetFile)
}

func (s *Server) requireLoggedIn(c *app.RequestContext) bool {
	if s.eng == nil || !s.eng.IsLoggedIn() {
		writeErr(c, consts.StatusUnauthorized, 401, "Unauthorized")
		return false
	}
	return true
}

// botUpdate is the wire shape for one row of /bot/getUpdates (spec §6).
type botUpdate struct {
	UpdateID int64          `json:"update_id"`
	Message  botUpdateMsg   `json:"message"`
}

type botUpdateMsg struct {
	MessageID          string `json:"message_id"`
	Date               int64  `json:"date"`
	Text               string `json:"text"`
	Type               string `json:"type"`
	Document           string `json:"document,omitempty"`
	ReplyToMessageID   string `json:"reply_to_message_id,omitempty"`
	IsFromBot          bool   `json:"is_from_bot"`
}

func (s *Server) botGetUpdates(ctx context.Context, c *app.RequestContext) {
	offset, _ := strconv.ParseInt(string(c.Query("offset")), 10, 64)
	limit := 100
	if raw := string(c.Query("limit")); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	if limit > 100 {
		limit = 100
	}

	rows, err := s.st.GetUpdates(offset, limit, "", nil)
	if err != nil {
		writeErr(c, consts.StatusInternalServerError, 500, err.Error())
		return
	}

	out := make([]botUpdate, 0, len(rows))
	for _, m := range rows {
		out = append(out, botUpdate{
			UpdateID: m.RowID,
			Message: botUpdateMsg{
				MessageID:        m.MsgID,
				Date:             m.Timestamp.Unix(),
				Text:             m.Text,
				Type:             m.Kind,
				Document:         m.FileName,
				ReplyToMessageID: m.ReplyTo,
				IsFromBot:        m.IsMine,
			},
		})
	}
	writeOK(c, out)
}

type sendMessageRequest struct {
	Text               string `json:"text"`
	ChatID             string `json:"chat_id"`
	ReplyToMessageID   string `json:"reply_to_message_id"`
	ParseMode          string `json:"parse_mode"`
	DisableNotification bool   `json:"disable_notification"`
}

func (s *Server) botSendMessage(ctx context.Context, c *app.RequestContext) {
	if !s.requireLoggedIn(c) {
		return
	}
	var req sendMessageRequest
	if err := sonic.Unmarshal(c.GetRequest().Body(), &req); err != nil || req.Text == "" {
		writeErr(c, consts.StatusBadRequest, 400, "text is required")
		return
	}

	ok, err := s.eng.SendText(ctx, req.Text)
	if err != nil {
		writeErr(c, consts.StatusInternalServerError, 500, err.Error())
		return
	}
	writeOK(c, botSentMessage(req.Text, ok))
}

type sendDocumentRequest struct {
	Document string `json:"document"`
	FilePath string `json:"file_path"`
	ChatID   string `json:"chat_id"`
	Caption  string `json:"caption"`
}

func (s *Server) botSendDocument(ctx context.Context, c *app.RequestContext) {
	if !s.requireLoggedIn(c) {
		return
	}
	var req sendDocumentRequest
	if err := sonic.Unmarshal(c.GetRequest().Body(), &req); err != nil {
		writeErr(c, consts.StatusBadRequest, 400, "invalid body")
		return
	}
	path := req.FilePath
	if path == "" {
		path = req.Document
	}
	if path == "" {
		writeErr(c, consts.StatusBadRequest, 400, "document or file_path is required")
		return
	}

	ok, err := s.eng.SendFile(ctx, path)
	if err != nil {
		writeErr(c, consts.StatusInternalServerError, 500, err.Error())
		return
	}
	writeOK(c, botSentMessage(req.Caption, ok))
}

type sendPhotoRequest struct {
	Photo    string `json:"photo"`
	FilePath string `json:"file_path"`
	ChatID   string `json:"chat_id"`
	Caption  string `json:"caption"`
}

func (s *Server) botSendPhoto(ctx context.Context, c *app.RequestContext) {
	if !s.requireLoggedIn(c) {
		return
	}
	var req sendPhotoRequest
	if err := sonic.Unmarshal(c.GetRequest().Body(), &req); err != nil {
		writeErr(c, consts.StatusBadRequest, 400, "invalid body")
		return
	}
	path := req.FilePath
	if path == "" {
		path = req.Photo
	}
	if path == "" {
		writeErr(c, consts.StatusBadRequest, 400, "photo or file_path is required")
		return
	}

	ok, err := s.eng.SendFile(ctx, path)
	if err != nil {
		writeErr(c, consts.StatusInternalServerError, 500, err.Error())
		return
	}
	writeOK(c, botSentMessage(req.Caption, ok))
}

func botSentMessage(text string, sent bool) botUpdateMsg {
	return botUpdateMsg{
		MessageID: strconv.FormatInt(time.Now().Unix(), 10),
		Date:      time.Now().Unix(),
		Text:      text,
		Type:      string(engine.KindText),
		IsFromBot: sent,
	}
}

func (s *Server) botGetMe(ctx context.Context, c *app.RequestContext) {
	user := models.User{
		ID:        s.eng.UIN(),
		IsBot:     true,
		FirstName: "WeChat File Transfer Assistant",
		Username:  s.eng.RobotUserName(),
	}
	writeOK(c, user)
}

func (s *Server) botGetChat(ctx context.Context, c *app.RequestContext) {
	chatID := s.eng.UIN()
	chat := models.Chat{
		ID:   chatID,
		Type: "private",
	}
	writeOK(c, chat)
}

func (s *Server) botSetWebhook(ctx context.Context, c *app.RequestContext) {
	var body struct {
		URL string `json:"url"`
	}
	_ = sonic.Unmarshal(c.GetRequest().Body(), &body)
	if strings.TrimSpace(body.URL) == "" {
		writeErr(c, consts.StatusBadRequest, 400, "url is required")
		return
	}
	s.cfg.Webhook.URL = body.URL
	writeOK(c, true)
}

func (s *Server) botDeleteWebhook(ctx context.Context, c *app.RequestContext) {
	s.cfg.Webhook.URL = ""
	writeOK(c, true)
}

func (s *Server) botGetWebhookInfo(ctx context.Context, c *app.RequestContext) {
	writeOK(c, map[string]any{
		"url":                     s.cfg.Webhook.URL,
		"has_custom_certificate":  false,
		"pending_update_count":    0,
	})
}

func (s *Server) botGetFile(ctx context.Context, c *app.RequestContext) {
	fileID := string(c.Query("file_id"))
	if fileID == "" {
		writeErr(c, consts.StatusBadRequest, 400, "file_id is required")
		return
	}

	f, err := s.st.GetFileByMsgID(fileID)
	if err != nil || f == nil {
		writeErr(c, consts.StatusBadRequest, 400, "unknown file_id")
		return
	}

	writeOK(c, map[string]any{
		"file_id":        fileID,
		"file_unique_id": f.MD5,
		"file_size":      f.Size,
		"file_path":      f.Path,
	})
}
