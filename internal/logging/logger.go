package logging

import (
	"go.uber.org/zap"
)

// New builds the process-wide logger. Production gets JSON output,
// everything else gets the human-readable development encoder.
func New(env string) (*zap.Logger, error) {
	if env == "prod" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
