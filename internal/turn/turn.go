package turn

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pion/turn/v3"
)

// Server relays media for direct calls that cannot connect peer to peer.
type Server struct {
	inner    *turn.Server
	port     int
	username string
	password string
	logger   *slog.Logger
}

type Credentials struct {
	Username string
	Password string
}

// ICEServer is one entry of the configuration handed to WebRTC peers.
type ICEServer struct {
	URLs       string `json:"urls"`
	Username   string `json:"username,omitempty"`
	Credential string `json:"credential,omitempty"`
}

// Start brings up a UDP TURN listener. Credentials persist across restarts in
// the keys directory beside the executable.
func Start(port int, realm, keysDir string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	listener, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to create TURN listener: %w", err)
	}

	creds := loadOrGenerateCredentials(keysDir, logger)

	relayIP := publicIP(logger)
	if relayIP == nil {
		logger.Warn("could not determine public IP, falling back to local address")
		relayIP = localIP(logger)
	}
	logger.Info("TURN relay address selected", "address", relayIP.String())

	inner, err := turn.NewServer(turn.ServerConfig{
		Realm: realm,
		AuthHandler: func(username, realm string, srcAddr net.Addr) ([]byte, bool) {
			if username != creds.Username {
				return nil, false
			}
			return turn.GenerateAuthKey(username, realm, creds.Password), true
		},
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn: listener,
				RelayAddressGenerator: &turn.RelayAddressGeneratorStatic{
					RelayAddress: relayIP,
					Address:      "0.0.0.0",
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create TURN server: %w", err)
	}

	logger.Info("TURN server listening", "port", port, "realm", realm)

	return &Server{
		inner:    inner,
		port:     port,
		username: creds.Username,
		password: creds.Password,
		logger:   logger,
	}, nil
}

func (s *Server) Credentials() Credentials {
	return Credentials{Username: s.username, Password: s.password}
}

// ICEServers builds the ICE configuration for a WebRTC peer reaching this
// relay via the given host. The same port answers STUN.
func (s *Server) ICEServers(host string) []ICEServer {
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return []ICEServer{
		{URLs: fmt.Sprintf("stun:%s:%d", host, s.port)},
		{
			URLs:       fmt.Sprintf("turn:%s:%d", host, s.port),
			Username:   s.username,
			Credential: s.password,
		},
	}
}

func (s *Server) Close() error {
	if s.inner != nil {
		return s.inner.Close()
	}
	return nil
}

func loadOrGenerateCredentials(keysDir string, logger *slog.Logger) Credentials {
	if keysDir == "" {
		keysDir = defaultKeysDir()
	}
	usernameFile := filepath.Join(keysDir, "turn-username.key")
	passwordFile := filepath.Join(keysDir, "turn-password.key")

	if usernameData, err := os.ReadFile(usernameFile); err == nil {
		if passwordData, err := os.ReadFile(passwordFile); err == nil {
			return Credentials{
				Username: strings.TrimSpace(string(usernameData)),
				Password: strings.TrimSpace(string(passwordData)),
			}
		}
	}

	creds := Credentials{
		Username: "groupcall",
		Password: randomSecret(),
	}
	if err := os.MkdirAll(keysDir, 0700); err == nil {
		os.WriteFile(usernameFile, []byte(creds.Username), 0600)
		os.WriteFile(passwordFile, []byte(creds.Password), 0600)
		logger.Info("TURN credentials saved", "dir", keysDir)
	}
	return creds
}

func defaultKeysDir() string {
	execPath, err := os.Executable()
	if err != nil {
		return "keys"
	}
	return filepath.Join(filepath.Dir(execPath), "keys")
}

func randomSecret() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// publicIP asks ipify for the address remote peers can reach the relay on.
func publicIP(logger *slog.Logger) net.IP {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("https://api.ipify.org")
	if err != nil {
		logger.Error("public IP lookup failed", "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Error("public IP lookup failed", "status", resp.StatusCode)
		return nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Error("public IP lookup failed", "error", err)
		return nil
	}
	ip := net.ParseIP(strings.TrimSpace(string(body)))
	if ip == nil {
		logger.Error("public IP lookup returned garbage", "body", string(body))
		return nil
	}
	return ip
}

// localIP finds the outbound interface address as a last resort.
func localIP(logger *slog.Logger) net.IP {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		logger.Error("local IP detection failed", "error", err)
		return net.ParseIP("127.0.0.1")
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP
}
