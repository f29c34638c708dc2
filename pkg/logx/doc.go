// Package logx is evnotify's structured logger, a thin layer over zerolog.
//
// Loggers handed out by a Service keep working when the config file is
// reloaded: Apply swaps the sinks underneath them. Console output is
// human-readable by default, file output is always JSON, and credentials
// are logged through Secret so only their presence shows up.
package logx
