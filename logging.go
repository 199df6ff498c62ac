package porygon

import "go.uber.org/zap"

var log *zap.SugaredLogger

func init() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	log = logger.Sugar()
}

// SetLogger replaces the package logger, e.g. with a development or test logger.
func SetLogger(logger *zap.SugaredLogger) {
	log = logger
}
