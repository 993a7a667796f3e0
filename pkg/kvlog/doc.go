/*
Package kvlog provides the storage engine's structured logging, a thin
wrapper around zerolog: a single global Logger, an Init that switches
between JSON and console output, and
WithComponent/WithVersion/WithSubstore helpers for building child loggers
that carry structured context instead of interpolating it into the message
string.

# Usage

	kvlog.Init(kvlog.Config{Level: kvlog.InfoLevel, JSONOutput: true})
	logger := kvlog.WithComponent("storage")
	logger = kvlog.WithVersion(logger, version)
	logger.Info().Int("keys_written", len(ops)).Msg("commit applied")

pkg/storage, the engine package that logs, holds its own component child
logger built once in Load, rather than calling the package-level helpers on
every log line — cheap because zerolog child loggers share their parent's
encoder. pkg/merkle, pkg/delta and pkg/backend do not log.

# Fields

Log lines in this engine favor a small, consistent set of structured
fields over prose: component, version, substore, keys_written, delta_id.
A reader grepping logs for a given substore or version should not need to
parse free text to find it.
*/
package kvlog
