// Package logx is the project logger: a thin value-type wrapper over zerolog.
//
// Loggers derived from a Service follow its sinks and level across config
// reloads. Console output is human readable, file output is JSON Lines.
// Every line carries a short "file:line" caller.
package logx
