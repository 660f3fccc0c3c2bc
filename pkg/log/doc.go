/*
Package log provides structured logging for Sonata using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

# Usage

Initialize once at startup:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

Then derive child loggers per component:

	lg := log.WithComponent("provider")
	lg.Debug().Str("database", name).Msg("database created")

The provider additionally tags its logs with the provider id via
log.WithProvider, so that several providers sharing one process remain
distinguishable in the output.
*/
package log
