package config

import (
	"fmt"
	"os"
)

// Config holds the call bridge configuration, loaded from the environment.
type Config struct {
	Port string

	// Call-control provider (voice API) credentials
	CallControlBaseURL string
	AccountID          string
	Username           string
	Password           string
	VoiceApplicationID string

	// ApplicationNumber is the TN provisioned against the voice application.
	// It is the "from" number for every leg this service places.
	ApplicationNumber string

	// CallbackBaseURL is the public base URL the provider uses for webhooks.
	CallbackBaseURL string

	// SIPBridgeURI is the SIP trunk endpoint that terminates into the
	// real-time session infrastructure.
	SIPBridgeURI string

	// Session provider credentials
	SessionServerURL string
	SessionAPIKey    string
	SessionAPISecret string

	// SessionName is the room name reused for every bridged call.
	SessionName string
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() *Config {
	return &Config{
		Port: getEnvOrDefault("PORT", "5000"),

		CallControlBaseURL: getEnvOrDefault("CALL_CONTROL_BASE_URL", "https://voice.bandwidth.com/api/v2"),
		AccountID:          os.Getenv("CALL_CONTROL_ACCOUNT_ID"),
		Username:           os.Getenv("CALL_CONTROL_USERNAME"),
		Password:           os.Getenv("CALL_CONTROL_PASSWORD"),
		VoiceApplicationID: os.Getenv("VOICE_APPLICATION_ID"),
		ApplicationNumber:  os.Getenv("VOICE_APPLICATION_NUMBER"),
		CallbackBaseURL:    os.Getenv("CALLBACK_BASE_URL"),
		SIPBridgeURI:       getEnvOrDefault("SIP_BRIDGE_URI", "sip:sipx.webrtc.bandwidth.com:5060"),

		SessionServerURL: os.Getenv("SESSION_SERVER_URL"),
		SessionAPIKey:    os.Getenv("SESSION_API_KEY"),
		SessionAPISecret: os.Getenv("SESSION_API_SECRET"),
		SessionName:      getEnvOrDefault("SESSION_NAME", "voice-bridge-session"),
	}
}

// Validate fails fast when required provider credentials are missing.
func (c *Config) Validate() error {
	if c.AccountID == "" || c.Username == "" || c.Password == "" {
		return fmt.Errorf("CALL_CONTROL_ACCOUNT_ID, CALL_CONTROL_USERNAME and CALL_CONTROL_PASSWORD must be set")
	}
	if c.ApplicationNumber == "" {
		return fmt.Errorf("VOICE_APPLICATION_NUMBER must be set")
	}
	if c.CallbackBaseURL == "" {
		return fmt.Errorf("CALLBACK_BASE_URL must be set")
	}
	if c.SessionServerURL == "" || c.SessionAPIKey == "" || c.SessionAPISecret == "" {
		return fmt.Errorf("SESSION_SERVER_URL, SESSION_API_KEY and SESSION_API_SECRET must be set")
	}
	return nil
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
