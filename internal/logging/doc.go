// Package logging provides structured logging for rllm runs.
//
// It wraps log/slog with a JSON handler. Every entry written while porting a
// commit range carries the run ID, the commit being ported and the phase
// (merge, gather, solve, build, fixup), so a single rllm.log can be sliced
// per commit after the fact.
//
// # Basic Usage
//
//	logger, err := logging.NewLoggerWithRotation(stateDir, "INFO", logging.RotationConfig{MaxSizeMB: 10, MaxBackups: 3})
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	log := logger.WithRun(runID).WithCommit(sha).WithPhase("merge")
//	log.Info("conflict resolved", "path", path, "window", win.String())
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"conflict resolved","run_id":"...","commit":"0bc21e7...","phase":"merge","path":"mm/slub.c","window":"118-141"}
//
// # Rotation
//
// [RotatingWriter] moves rllm.log to rllm.log.1 once it grows past
// RotationConfig.MaxSizeMB, shifting older backups up and optionally
// gzipping them. Without backups the file is truncated in place.
//
// # Reading Logs Back
//
// [ReadEntries], [FilterEntries] and [Export] power the "rllm log" command:
//
//	entries, _ := logging.ReadEntries(stateDir)
//	entries = logging.FilterEntries(entries, logging.Filter{Commit: "0bc21e7", Level: "WARN"})
//	_ = logging.Export(os.Stdout, entries, "text")
//
// All types are safe for concurrent use. Child loggers created through the
// With* methods share the parent's writer.
package logging
