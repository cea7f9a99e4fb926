package ports

import "context"

// Logger is the structured logging surface shared by every component. Fields
// carry per-call context such as symbol, positionID, or op; implementations
// decide the encoding. Error takes the error separately from the message so
// callers never format errors into log strings.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...map[string]interface{})
	Info(ctx context.Context, msg string, fields ...map[string]interface{})
	Warn(ctx context.Context, msg string, fields ...map[string]interface{})
	Error(ctx context.Context, err error, msg string, fields ...map[string]interface{})
}
