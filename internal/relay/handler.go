package relay

import (
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is handled by the router
	},
}

// HandleWebSocket handles WebSocket upgrade requests
func (s *Service) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	apiKey := r.URL.Query().Get("apikey")
	if apiKey == "" {
		apiKey = r.Header.Get("apikey")
	}

	if !s.validateAPIKey(apiKey) {
		s.logger.Debug("websocket rejected: invalid API key", "remote_addr", r.RemoteAddr)
		http.Error(w, "Invalid API key", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err.Error())
		return
	}

	conn := s.hub.NewConn(ws, s.validateAPIKey)
	s.logger.Debug("websocket connected", "conn_id", conn.ID(), "remote_addr", r.RemoteAddr)

	go conn.WritePump()
	go conn.ReadPump()
}

// validateAPIKey checks if the API key is valid
// Accepts either stored API keys or JWT-signed API keys
func (s *Service) validateAPIKey(key string) bool {
	if key == "" {
		return false
	}
	if key == s.cfg.AnonKey || key == s.cfg.ServiceKey {
		return true
	}

	claims, err := s.hub.validateToken(key)
	if err != nil {
		return false
	}

	// Check if the role is anon or service_role
	if role, ok := claims["role"].(string); ok {
		return role == RoleAnon || role == RoleService || role == "authenticated"
	}

	return false
}

// API key roles
const (
	RoleAnon    = "anon"
	RoleService = "service_role"
)

// GenerateKey mints an HS256 API key for role signed with secret.
func GenerateKey(secret, role string) (string, error) {
	claims := jwt.MapClaims{
		"role": role,
		"iss":  "csrealtime",
		"iat":  nowFunc().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
