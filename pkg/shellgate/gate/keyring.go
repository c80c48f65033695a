// Package gate – keyring.go resolves the sandbox provider credential using
// the operating system's native keyring (Linux: Secret Service, macOS:
// Keychain, Windows: Credential Manager).
//
// Resolution priority:
//  1. OS keyring (encrypted by the OS, requires user session)
//  2. Environment variable (SHELLGATE_SANDBOX_API_KEY)
//  3. config.yaml value (least secure — plaintext on disk)
package gate

import (
	"os"

	"github.com/zalando/go-keyring"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "shellgate"

	// KeyringSandboxAPIKey is the key name for the sandbox provider key.
	KeyringSandboxAPIKey = "sandbox_api_key"

	// envSandboxAPIKey is the environment fallback.
	envSandboxAPIKey = "SHELLGATE_SANDBOX_API_KEY"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring. Empty if not found.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// KeyringAvailable checks if the OS keyring is accessible.
func KeyringAvailable() bool {
	testKey := "__shellgate_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// ResolveSandboxAPIKey resolves the provider key by priority: keyring, then
// environment, then the config value.
func ResolveSandboxAPIKey(cfg *Config) string {
	if key := GetKeyring(KeyringSandboxAPIKey); key != "" {
		return key
	}
	if key := os.Getenv(envSandboxAPIKey); key != "" {
		return key
	}
	return cfg.Sandbox.APIKey
}
