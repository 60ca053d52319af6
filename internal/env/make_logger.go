package env

import (
	zap "go.uber.org/zap"
)

// MakeLogger builds a JSON production logger at the named level. Logs go
// to stderr so stdio transports keep stdout to themselves.
func MakeLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}

	logConfig := zap.NewProductionConfig()
	logConfig.Level = lvl
	logConfig.Encoding = "json"
	logConfig.OutputPaths = []string{"stderr"}

	return logConfig.Build()
}
