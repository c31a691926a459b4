package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/SherClockHolmes/webpush-go"

	"github.com/roomvoice/groupcall/internal/notify"
)

// Config holds everything the daemon needs at startup. Fields marked secret
// never land in config.json.
type Config struct {
	HTTPPort  string `json:"http_port"`
	HTTPSPort string `json:"https_port"`
	Domain    string `json:"domain"`
	HTTPOnly  bool   `json:"http_only"`
	DBPath    string `json:"db_path"`

	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`

	ElementCallURL string `json:"element_call_url"`
	JitsiDomain    string `json:"jitsi_domain"`

	TURNPort  int    `json:"turn_port"`
	TURNRealm string `json:"turn_realm"`

	JWTSecret string           `json:"-"` // secret
	VAPIDKeys notify.VAPIDKeys `json:"-"` // secret
}

// Load reads config.json beside the executable, falls back to environment
// variables, then fills secrets from the keys directory.
func Load() (*Config, error) {
	cfg := &Config{}

	if data, err := os.ReadFile(configFilePath()); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config.json: %w", err)
		}
	}

	if cfg.HTTPPort == "" {
		cfg.HTTPPort = getEnv("HTTP_PORT", "8080")
	}
	if cfg.HTTPSPort == "" {
		cfg.HTTPSPort = getEnv("HTTPS_PORT", "8443")
	}
	if cfg.Domain == "" {
		cfg.Domain = getEnv("DOMAIN", "localhost")
	}
	if !cfg.HTTPOnly {
		cfg.HTTPOnly = getEnv("HTTP_ONLY", "") != ""
	}
	if cfg.DBPath == "" {
		cfg.DBPath = getEnv("DB_PATH", filepath.Join(executableDir(), "groupcall.db"))
	}
	if cfg.UserID == "" {
		cfg.UserID = os.Getenv("MATRIX_USER_ID")
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = os.Getenv("MATRIX_DEVICE_ID")
	}
	if cfg.UserID == "" || cfg.DeviceID == "" {
		return nil, fmt.Errorf("user_id and device_id must be set in config.json or MATRIX_USER_ID/MATRIX_DEVICE_ID")
	}
	if cfg.ElementCallURL == "" {
		cfg.ElementCallURL = getEnv("ELEMENT_CALL_URL", "https://call.element.io")
	}
	if cfg.JitsiDomain == "" {
		cfg.JitsiDomain = getEnv("JITSI_DOMAIN", "meet.element.io")
	}
	if cfg.TURNPort == 0 {
		cfg.TURNPort = getEnvInt("TURN_PORT", 3478)
	}
	if cfg.TURNRealm == "" {
		cfg.TURNRealm = getEnv("TURN_REALM", "groupcall")
	}

	cfg.JWTSecret = loadOrGenerateJWTSecret()
	cfg.VAPIDKeys = loadOrGenerateVAPIDKeys()

	return cfg, nil
}

// Save writes the non-secret configuration back to config.json.
func Save(cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(configFilePath(), data, 0600); err != nil {
		return fmt.Errorf("failed to write config.json: %w", err)
	}
	return nil
}

// KeysDir is where generated secrets live, beside the executable.
func KeysDir() string {
	return filepath.Join(executableDir(), "keys")
}

func configFilePath() string {
	return filepath.Join(executableDir(), "config.json")
}

func executableDir() string {
	execPath, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(execPath)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func loadOrGenerateJWTSecret() string {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		return secret
	}

	secretFile := filepath.Join(KeysDir(), "jwt-secret.key")
	if secretData, err := os.ReadFile(secretFile); err == nil {
		if secret := strings.TrimSpace(string(secretData)); secret != "" {
			return secret
		}
	}

	b := make([]byte, 32)
	rand.Read(b)
	secret := base64.URLEncoding.EncodeToString(b)

	if err := os.MkdirAll(KeysDir(), 0700); err == nil {
		if err := os.WriteFile(secretFile, []byte(secret), 0600); err != nil {
			fmt.Printf("Warning: failed to save JWT secret: %v\n", err)
		}
	}
	return secret
}

func loadOrGenerateVAPIDKeys() notify.VAPIDKeys {
	subject := getEnv("VAPID_SUBJECT", "mailto:admin@groupcall.local")

	publicKey := os.Getenv("VAPID_PUBLIC_KEY")
	privateKey := os.Getenv("VAPID_PRIVATE_KEY")
	if publicKey != "" && privateKey != "" {
		return notify.VAPIDKeys{PublicKey: publicKey, PrivateKey: privateKey, Subject: subject}
	}

	publicKeyFile := filepath.Join(KeysDir(), "vapid-public.key")
	privateKeyFile := filepath.Join(KeysDir(), "vapid-private.key")
	if publicData, err := os.ReadFile(publicKeyFile); err == nil {
		if privateData, err := os.ReadFile(privateKeyFile); err == nil {
			return notify.VAPIDKeys{
				PublicKey:  strings.TrimSpace(string(publicData)),
				PrivateKey: strings.TrimSpace(string(privateData)),
				Subject:    subject,
			}
		}
	}

	privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		panic("failed to generate VAPID keys: " + err.Error())
	}
	if err := os.MkdirAll(KeysDir(), 0700); err == nil {
		os.WriteFile(publicKeyFile, []byte(publicKey), 0600)
		os.WriteFile(privateKeyFile, []byte(privateKey), 0600)
	}
	return notify.VAPIDKeys{PublicKey: publicKey, PrivateKey: privateKey, Subject: subject}
}
