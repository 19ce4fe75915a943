package logging

import "go.uber.org/zap"

// zapLogger adapts *zap.SugaredLogger to the Logger interface.
type zapLogger struct {
	s *zap.SugaredLogger
}

// NewZap builds the default Logger backend: JSON in production, console in
// development.
func NewZap(development bool) (Logger, error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	base, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	return &zapLogger{s: base.Sugar()}, nil
}

func toArgs(fields []Field) []any {
	args := make([]any, 0, len(fields)*2)
	for _, f := range fields {
		args = append(args, f.Key, f.Value)
	}
	return args
}

func (z *zapLogger) Debug(msg string, fields ...Field) { z.s.Debugw(msg, toArgs(fields)...) }
func (z *zapLogger) Info(msg string, fields ...Field)   { z.s.Infow(msg, toArgs(fields)...) }
func (z *zapLogger) Error(msg string, fields ...Field)  { z.s.Errorw(msg, toArgs(fields)...) }
