package service

// Logger is the kv-pair logging dependency of application services.
// utils.KVLogger satisfies it.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}
