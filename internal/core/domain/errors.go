package domain

import "go.trai.ch/zerr"

var (
	// ErrCacheCorruption is returned when a cache entry fails checksum verification or cannot be decoded.
	ErrCacheCorruption = zerr.New("cache entry corrupted")

	// ErrCacheIO is returned when the disk tier cannot be read or written.
	ErrCacheIO = zerr.New("cache io failed")

	// ErrCacheMiss is returned when a requested key is not present in any tier.
	ErrCacheMiss = zerr.New("cache miss")

	// ErrCacheCreateFailed is returned when the cache directory cannot be created.
	ErrCacheCreateFailed = zerr.New("failed to create cache directory")

	// ErrIndexReadFailed is returned when the persisted cache index cannot be read.
	ErrIndexReadFailed = zerr.New("failed to read cache index")

	// ErrIndexWriteFailed is returned when the persisted cache index cannot be written.
	ErrIndexWriteFailed = zerr.New("failed to write cache index")

	// ErrPayloadEncodeFailed is returned when an entry payload cannot be encoded.
	ErrPayloadEncodeFailed = zerr.New("failed to encode cache payload")

	// ErrPayloadDecodeFailed is returned when an entry payload cannot be decoded.
	ErrPayloadDecodeFailed = zerr.New("failed to decode cache payload")

	// ErrCompilationFailed is returned when the external compiler reports a failure.
	ErrCompilationFailed = zerr.New("compilation failed")

	// ErrCompilerCommandFailed is returned when the compiler command exits unsuccessfully.
	ErrCompilerCommandFailed = zerr.New("compiler command failed")

	// ErrCompilerNotConfigured is returned when no compiler command is configured.
	ErrCompilerNotConfigured = zerr.New("no compiler command configured")

	// ErrCompilerOutputInvalid is returned when the compiler output cannot be parsed.
	ErrCompilerOutputInvalid = zerr.New("compiler produced invalid output")

	// ErrSourceNotFound is returned when a source file to compile does not exist.
	ErrSourceNotFound = zerr.New("source file not found")

	// ErrSourceReadFailed is returned when a source file cannot be read.
	ErrSourceReadFailed = zerr.New("failed to read source file")

	// ErrInvalidConfig is returned when the engine configuration is invalid.
	ErrInvalidConfig = zerr.New("invalid configuration")

	// ErrConfigReadFailed is returned when the config file cannot be read.
	ErrConfigReadFailed = zerr.New("failed to read config file")

	// ErrConfigParseFailed is returned when the config file cannot be parsed.
	ErrConfigParseFailed = zerr.New("failed to parse config file")

	// ErrWatchFailed is returned when the file watcher cannot be started.
	ErrWatchFailed = zerr.New("file watching unavailable")

	// ErrGraphReadFailed is returned when the persisted dependency graph cannot be read.
	ErrGraphReadFailed = zerr.New("failed to read dependency graph")

	// ErrGraphWriteFailed is returned when the dependency graph cannot be persisted.
	ErrGraphWriteFailed = zerr.New("failed to write dependency graph")

	// ErrEngineClosed is returned when an operation is attempted on a destroyed engine.
	ErrEngineClosed = zerr.New("engine is closed")

	// ErrNoPathsSpecified is returned when the compile command receives no paths.
	ErrNoPathsSpecified = zerr.New("no paths specified")

	// ErrUnknownStatsFormat is returned when stats are requested in an unsupported format.
	ErrUnknownStatsFormat = zerr.New("unknown stats format")

	// ErrUnknownOutputMode is returned when watch output is requested in an unsupported mode.
	ErrUnknownOutputMode = zerr.New("unknown output mode")
)
