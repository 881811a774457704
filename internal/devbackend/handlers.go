package devbackend

import (
	"errors"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/vetclinic/pkg/middleware"
)

// ctxKeyClinicIDs は絞り込み対象のクリニックIDを保持するコンテキストキー。
const ctxKeyClinicIDs = "clinic_ids"

// fail はバックエンド共通形式のエラー応答を返す。msgsが空の場合はerrorsを付けない。
func fail(c *gin.Context, status int, msgs ...string) {
	body := gin.H{"isSuccess": false}
	if len(msgs) > 0 {
		body["errors"] = msgs
	}
	c.AbortWithStatusJSON(status, body)
}

// respond はバックエンド共通形式の成功応答を返す。
func respond(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"isSuccess": true, "data": data})
}

// loginRequest はログインのリクエストボディ。
type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// issueAccessToken はユーザーのアクセストークンを発行する。
func (s *Server) issueAccessToken(c *gin.Context, u User) (string, error) {
	clinics, err := s.store.Clinics(c.Request.Context(), u.OrganizationID)
	if err != nil {
		return "", err
	}
	ids := make([]int64, 0, len(clinics))
	for _, cl := range clinics {
		ids = append(ids, cl.ID)
	}
	return middleware.GenerateJWT(s.cfg.JWTSecret, middleware.Identity{
		UserID:         u.ID,
		Email:          u.Email,
		OrganizationID: strconv.FormatInt(u.OrganizationID, 10),
		Clinics:        ids,
	}, s.cfg.AccessTTL)
}

// setRefreshCookie はリフレッシュトークンのクッキーを設定する。maxAgeが負の場合は削除する。
func (s *Server) setRefreshCookie(c *gin.Context, token string, maxAge int) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     refreshCookie,
		Value:    token,
		Path:     "/auth",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.cfg.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

// handleLogin はログインハンドラを返す。
func (s *Server) handleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, "email and password are required")
			return
		}

		u, err := s.store.Authenticate(c.Request.Context(), req.Email, req.Password)
		if errors.Is(err, ErrInvalidCredentials) {
			fail(c, http.StatusUnauthorized, "invalid email or password")
			return
		}
		if err != nil {
			s.logger.Error("ログイン処理に失敗しました", zap.Error(err))
			fail(c, http.StatusInternalServerError, "login failed")
			return
		}

		access, err := s.issueAccessToken(c, u)
		if err != nil {
			s.logger.Error("アクセストークンの発行に失敗しました", zap.Error(err))
			fail(c, http.StatusInternalServerError, "login failed")
			return
		}
		refresh, err := s.store.CreateRefreshToken(c.Request.Context(), u.ID, s.cfg.RefreshTTL)
		if err != nil {
			s.logger.Error("リフレッシュトークンの発行に失敗しました", zap.Error(err))
			fail(c, http.StatusInternalServerError, "login failed")
			return
		}
		s.setRefreshCookie(c, refresh, int(s.cfg.RefreshTTL.Seconds()))

		s.logger.Info("ログインしました", zap.String("user_id", u.ID), zap.Int64("organization_id", u.OrganizationID))
		respond(c, http.StatusOK, gin.H{"accessToken": access, "organizationId": u.OrganizationID})
	}
}

// handleRefresh はクッキーのリフレッシュトークンからアクセストークンを再発行するハンドラを返す。
func (s *Server) handleRefresh() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := c.Cookie(refreshCookie)
		if err != nil || token == "" {
			fail(c, http.StatusUnauthorized, "refresh token is missing")
			return
		}

		u, err := s.store.UserByRefreshToken(c.Request.Context(), token, s.now())
		if errors.Is(err, ErrNotFound) {
			fail(c, http.StatusUnauthorized, "refresh token is invalid or expired")
			return
		}
		if err != nil {
			s.logger.Error("リフレッシュトークンの検証に失敗しました", zap.Error(err))
			fail(c, http.StatusInternalServerError, "refresh failed")
			return
		}

		access, err := s.issueAccessToken(c, u)
		if err != nil {
			s.logger.Error("アクセストークンの発行に失敗しました", zap.Error(err))
			fail(c, http.StatusInternalServerError, "refresh failed")
			return
		}
		respond(c, http.StatusOK, gin.H{"accessToken": access})
	}
}

// handleLogout はリフレッシュトークンを失効させるハンドラを返す。
func (s *Server) handleLogout() gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, err := c.Cookie(refreshCookie); err == nil && token != "" {
			if err := s.store.RevokeRefreshToken(c.Request.Context(), token); err != nil {
				s.logger.Error("リフレッシュトークンの失効に失敗しました", zap.Error(err))
				fail(c, http.StatusInternalServerError, "logout failed")
				return
			}
		}
		s.setRefreshCookie(c, "", -1)
		respond(c, http.StatusOK, nil)
	}
}

// tenantScope はX-Organization-IdとX-Clinic-Idを検証し、絞り込み対象のクリニックを決めるミドルウェアを返す。
// X-Clinic-Idが無い場合はトークンの全クリニックが対象になる。
func (s *Server) tenantScope() gin.HandlerFunc {
	return func(c *gin.Context) {
		if org := c.GetHeader("X-Organization-Id"); org != "" && org != middleware.GetOrganizationID(c) {
			fail(c, http.StatusForbidden)
			return
		}

		allowed := middleware.GetClinics(c)
		raw := strings.TrimSpace(c.GetHeader("X-Clinic-Id"))
		if raw == "" {
			c.Set(ctxKeyClinicIDs, allowed)
			c.Next()
			return
		}

		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			fail(c, http.StatusBadRequest, "X-Clinic-Id must be a positive integer")
			return
		}
		if !slices.Contains(allowed, id) {
			fail(c, http.StatusForbidden)
			return
		}
		c.Set(ctxKeyClinicIDs, []int64{id})
		c.Next()
	}
}

func clinicIDs(c *gin.Context) []int64 {
	v, _ := c.Get(ctxKeyClinicIDs)
	ids, _ := v.([]int64)
	return ids
}

// handleListClinics は組織のクリニック一覧を返すハンドラを返す。
func (s *Server) handleListClinics() gin.HandlerFunc {
	return func(c *gin.Context) {
		org, err := strconv.ParseInt(middleware.GetOrganizationID(c), 10, 64)
		if err != nil {
			fail(c, http.StatusForbidden)
			return
		}
		clinics, err := s.store.Clinics(c.Request.Context(), org)
		if err != nil {
			s.logger.Error("クリニック一覧の取得に失敗しました", zap.Error(err))
			fail(c, http.StatusInternalServerError, "failed to list clinics")
			return
		}
		respond(c, http.StatusOK, clinics)
	}
}

// handleListOwners は飼い主一覧を返すハンドラを返す。
func (s *Server) handleListOwners() gin.HandlerFunc {
	return func(c *gin.Context) {
		owners, err := s.store.Owners(c.Request.Context(), clinicIDs(c))
		if err != nil {
			s.logger.Error("飼い主一覧の取得に失敗しました", zap.Error(err))
			fail(c, http.StatusInternalServerError, "failed to list owners")
			return
		}
		respond(c, http.StatusOK, owners)
	}
}

// handleListAnimals は患畜一覧を返すハンドラを返す。
func (s *Server) handleListAnimals() gin.HandlerFunc {
	return func(c *gin.Context) {
		animals, err := s.store.Animals(c.Request.Context(), clinicIDs(c))
		if err != nil {
			s.logger.Error("患畜一覧の取得に失敗しました", zap.Error(err))
			fail(c, http.StatusInternalServerError, "failed to list animals")
			return
		}
		respond(c, http.StatusOK, animals)
	}
}

// createAnimalRequest は患畜登録のリクエストボディ。
type createAnimalRequest struct {
	ClinicID int64  `json:"clinicId"`
	OwnerID  *int64 `json:"ownerId"`
	Name     string `json:"name" binding:"required"`
	Species  string `json:"species" binding:"required"`
}

// handleCreateAnimal は患畜を登録するハンドラを返す。
// 登録先はボディのclinicId、無ければ選択中のクリニック。どちらも無い場合は400。
func (s *Server) handleCreateAnimal() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createAnimalRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, "name and species are required")
			return
		}

		scope := clinicIDs(c)
		clinic := req.ClinicID
		if clinic == 0 {
			if len(scope) != 1 || c.GetHeader("X-Clinic-Id") == "" {
				fail(c, http.StatusBadRequest, "select a clinic before registering an animal")
				return
			}
			clinic = scope[0]
		}
		if !slices.Contains(scope, clinic) {
			fail(c, http.StatusForbidden)
			return
		}

		a, err := s.store.CreateAnimal(c.Request.Context(), Animal{
			ClinicID: clinic,
			OwnerID:  req.OwnerID,
			Name:     req.Name,
			Species:  req.Species,
		})
		if err != nil {
			s.logger.Error("患畜の登録に失敗しました", zap.Error(err))
			fail(c, http.StatusInternalServerError, "failed to register animal")
			return
		}
		respond(c, http.StatusCreated, a)
	}
}

// mediaSize は生成する画像の一辺のピクセル数。
const mediaSize = 32

// handleMedia は名前から決まる単色のPNG画像を返すハンドラを返す。
func (s *Server) handleMedia() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		if !strings.HasSuffix(name, ".png") {
			fail(c, http.StatusNotFound, "media not found")
			return
		}

		h := fnv.New32a()
		_, _ = h.Write([]byte(name))
		sum := h.Sum32()
		fill := color.RGBA{R: uint8(sum >> 16), G: uint8(sum >> 8), B: uint8(sum), A: 0xff}

		img := image.NewRGBA(image.Rect(0, 0, mediaSize, mediaSize))
		for y := 0; y < mediaSize; y++ {
			for x := 0; x < mediaSize; x++ {
				img.Set(x, y, fill)
			}
		}

		c.Header("Content-Type", "image/png")
		c.Status(http.StatusOK)
		if err := png.Encode(c.Writer, img); err != nil {
			s.logger.Warn("画像の書き込みに失敗しました", zap.Error(err))
		}
	}
}
