package server

import (
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	bridge "github.com/openclaw/webchat-bridge"
	"github.com/openclaw/webchat-bridge/session"
)

const (
	maxImagesPerMessage = 10
	maxImageBytes       = 10 << 20
)

func (s *Server) handleVerify(c *gin.Context) {
	var body struct {
		Token string `json:"token"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Token == "" {
		respondCode(c, bridge.BadRequest, "token is required")
		return
	}
	verified, err := s.pool.VerifyToken(c.Request.Context(), body.Token)
	if err != nil {
		respondError(c, err)
		return
	}
	if !verified {
		respondCode(c, bridge.InvalidToken, "token rejected by gateway")
		return
	}
	respondOK(c, http.StatusOK, gin.H{"verified": true})
}

func (s *Server) handleList(c *gin.Context) {
	sessions, err := s.manager.List(c.Request.Context(), requestToken(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if sessions == nil {
		sessions = []session.Session{}
	}
	respondOK(c, http.StatusOK, sessions)
}

func (s *Server) handleCreate(c *gin.Context) {
	var body struct {
		Title string `json:"title"`
	}
	// An empty body is a valid untitled session.
	_ = c.ShouldBindJSON(&body)
	created, err := s.manager.Create(c.Request.Context(), requestToken(c), body.Title)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusCreated, created)
}

func (s *Server) handleHistory(c *gin.Context) {
	messages, err := s.manager.History(c.Request.Context(), requestToken(c), c.Param("key"))
	if err != nil {
		respondError(c, err)
		return
	}
	if messages == nil {
		messages = []session.Message{}
	}
	respondOK(c, http.StatusOK, messages)
}

func (s *Server) handleSend(c *gin.Context) {
	text, images, err := parseMessageBody(c)
	if err != nil {
		respondError(c, err)
		return
	}
	if _, err := s.manager.Send(c.Request.Context(), requestToken(c), c.Param("key"), text, images); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusCreated, gin.H{"accepted": true})
}

// handlePatch accepts archived, title, or both. Archive state is
// process-local; title renames go upstream.
func (s *Server) handlePatch(c *gin.Context) {
	var body struct {
		Archived *bool   `json:"archived"`
		Title    *string `json:"title"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondCode(c, bridge.BadRequest, "malformed request body")
		return
	}
	if body.Archived == nil && body.Title == nil {
		respondCode(c, bridge.BadRequest, "nothing to patch: provide archived and/or title")
		return
	}
	token := requestToken(c)
	key := c.Param("key")
	merged := gin.H{"sessionKey": key}
	if body.Archived != nil {
		if *body.Archived {
			s.manager.Archive(token, key)
		} else {
			s.manager.Unarchive(token, key)
		}
		merged["archived"] = *body.Archived
	}
	if body.Title != nil {
		if err := s.manager.Rename(c.Request.Context(), token, key, *body.Title); err != nil {
			respondError(c, err)
			return
		}
		merged["title"] = *body.Title
	}
	respondOK(c, http.StatusOK, merged)
}

func (s *Server) handleDelete(c *gin.Context) {
	key := c.Param("key")
	if err := s.manager.Close(c.Request.Context(), requestToken(c), key); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"closed": true, "sessionKey": key})
}

func (s *Server) handleDeleteMany(c *gin.Context) {
	var body struct {
		Keys []string `json:"keys"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || len(body.Keys) == 0 {
		respondCode(c, bridge.BadRequest, "keys are required")
		return
	}
	if err := s.manager.DeleteMany(c.Request.Context(), requestToken(c), body.Keys); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"closed": true, "keys": body.Keys})
}

// parseMessageBody reads a message from either a multipart form (text +
// images[]) or a plain JSON {text} body, enforcing the upload limits.
func parseMessageBody(c *gin.Context) (string, []session.Image, error) {
	if !strings.HasPrefix(c.ContentType(), "multipart/") {
		var body struct {
			Text string `json:"text"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || body.Text == "" {
			return "", nil, bridge.Errorf(bridge.BadRequest, "text is required")
		}
		return body.Text, nil, nil
	}

	form, err := c.MultipartForm()
	if err != nil {
		return "", nil, bridge.Errorf(bridge.BadRequest, "malformed multipart body: %v", err)
	}
	text := firstValue(form.Value["text"])
	files := form.File["images"]
	if len(files) == 0 {
		files = form.File["images[]"]
	}
	if text == "" && len(files) == 0 {
		return "", nil, bridge.Errorf(bridge.BadRequest, "text is required")
	}
	if len(files) > maxImagesPerMessage {
		return "", nil, bridge.Errorf(bridge.BadRequest, "too many images: %d (limit %d)", len(files), maxImagesPerMessage)
	}
	images := make([]session.Image, 0, len(files))
	for _, header := range files {
		img, err := readImage(header)
		if err != nil {
			return "", nil, err
		}
		images = append(images, img)
	}
	return text, images, nil
}

func readImage(header *multipart.FileHeader) (session.Image, error) {
	if header.Size > maxImageBytes {
		return session.Image{}, bridge.Errorf(bridge.BadRequest, "image %s exceeds the %d MB limit", header.Filename, maxImageBytes>>20)
	}
	file, err := header.Open()
	if err != nil {
		return session.Image{}, bridge.Errorf(bridge.BadRequest, "cannot read image %s: %v", header.Filename, err)
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxImageBytes+1))
	if err != nil {
		return session.Image{}, bridge.Errorf(bridge.BadRequest, "cannot read image %s: %v", header.Filename, err)
	}
	if len(data) > maxImageBytes {
		return session.Image{}, bridge.Errorf(bridge.BadRequest, "image %s exceeds the %d MB limit", header.Filename, maxImageBytes>>20)
	}
	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return session.Image{Name: header.Filename, MimeType: mimeType, Bytes: data}, nil
}

func firstValue(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
