package logging

import "go.uber.org/zap"

// New creates a zap logger for the given environment. local and development
// get the human readable console encoder, everything else production JSON.
func New(env string) (*zap.SugaredLogger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	switch env {
	case "local", "development", "test":
		logger, err = zap.NewDevelopment()
	default:
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}
