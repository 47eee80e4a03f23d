// internal/handlers/auth.go
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"geoportal-back/internal/auth"
	"geoportal-back/internal/models"
	"geoportal-back/internal/orchestrator"
	"geoportal-back/internal/store"
)

type RegisterRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required,min=6"`
	FullName string `json:"full_name"`
}

type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type AuthResponse struct {
	Token string      `json:"token"`
	User  models.User `json:"user"`
}

// principal pulls the authenticated caller off the gin context.
func principal(c *gin.Context) orchestrator.Principal {
	userID, _ := c.Get("userID")
	role, _ := c.Get("role")
	p := orchestrator.Principal{}
	if id, ok := userID.(uuid.UUID); ok {
		p.UserID = id
	}
	if r, ok := role.(models.Role); ok {
		p.Role = r
	}
	return p
}

func Register(catalog store.CatalogStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to hash password"})
			return
		}

		user := models.User{
			Email:    req.Email,
			Username: req.Username,
			Password: string(hashedPassword),
			FullName: req.FullName,
			Role:     models.RoleViewer,
			IsActive: true,
		}

		if err := catalog.CreateUser(c.Request.Context(), &user); err != nil {
			respondError(c, err)
			return
		}

		token, err := auth.GenerateToken(user.ID, user.Role)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
			return
		}

		c.SetCookie("auth_token", token, 86400, "/", "", false, true)
		c.JSON(http.StatusCreated, AuthResponse{Token: token, User: user})
	}
}

func Login(catalog store.CatalogStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		user, err := catalog.GetUserByEmail(c.Request.Context(), req.Email)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
			return
		}
		if !user.IsActive {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Account is disabled"})
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
			return
		}

		token, err := auth.GenerateToken(user.ID, user.Role)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
			return
		}

		c.SetCookie("auth_token", token, 86400, "/", "", false, true)
		c.JSON(http.StatusOK, AuthResponse{Token: token, User: *user})
	}
}

func GetProfile(catalog store.CatalogStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := principal(c)
		user, err := catalog.GetUser(c.Request.Context(), p.UserID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, user)
	}
}

func Logout(c *gin.Context) {
	c.SetCookie("auth_token", "", -1, "/", "", false, true)
	c.Status(http.StatusOK)
}
