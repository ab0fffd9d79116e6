package auth

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/medatlas/collab-gateway/internal/v1/logging"
)

// GetAllowedOriginsFromEnv reads a comma-separated origin list from the
// named environment variable, falling back to the given defaults.
// Example: ALLOWED_ORIGINS="http://localhost:3000,https://your-app.com"
func GetAllowedOriginsFromEnv(envVarName string, defaultEnvs []string) []string {
	originsStr := os.Getenv(envVarName)
	if originsStr == "" {
		logging.Warn(context.Background(), fmt.Sprintf("%s environment variable not set. Using default development origins:\n%s", envVarName, defaultEnvs))
		return defaultEnvs
	}
	return strings.Split(originsStr, ",")
}
