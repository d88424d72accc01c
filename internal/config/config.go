package config

import (
	"fmt"
	"os"
)

// Verbose enables debug output when true
var Verbose bool

// ServiceKeyEnv is the environment variable holding the service-mode key.
const ServiceKeyEnv = "GLOWFLASH_SERVICE_KEY"

// Debugf prints debug messages when Verbose is true
func Debugf(format string, args ...any) {
	if Verbose {
		fmt.Printf("[DEBUG] "+format+"\n", args...)
	}
}

// ServiceKey returns the configured service-mode key, or "" when unset.
func ServiceKey() string {
	return os.Getenv(ServiceKeyEnv)
}
