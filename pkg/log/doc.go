// Package log provides structured logging for the kernel substrate using
// zerolog: JSON output in production, a console writer in development, and
// component-tagged child loggers (log.WithComponent("ledger"), etc.) so every
// subsystem's lines carry consistent context.
package log
