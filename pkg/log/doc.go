// Package log provides the global structured logger for NLDS workers.
//
// Workers initialise the logger once at startup and derive child loggers
// carrying the worker name and, per message, the transaction and sub ids so
// that a whole workflow can be traced across processes.
package log
