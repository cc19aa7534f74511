package models

import "errors"

// Error kinds surfaced to the processor and the HTTP layer. Callers match
// with errors.Is; messages recorded on failed jobs carry the kind text.
var (
	ErrUnknownModel         = errors.New("unknown model")
	ErrModelStartFailure    = errors.New("model start failure")
	ErrStartupTimeout       = errors.New("startup timeout")
	ErrPortExhausted        = errors.New("port range exhausted")
	ErrProcessCrashed       = errors.New("process crashed")
	ErrAlreadyRunning       = errors.New("model already running")
	ErrEngineHTTP           = errors.New("engine http error")
	ErrEngineBadResponse    = errors.New("engine bad response")
	ErrCLIExitNonZero       = errors.New("cli exited non-zero")
	ErrCLIOutputUnparseable = errors.New("cli output unparseable")
	ErrJobInvalid           = errors.New("job invalid")
	ErrJobCancelled         = errors.New("job cancelled")
	ErrDownloadNetwork      = errors.New("download network error")
	ErrDownloadCancelled    = errors.New("download cancelled")
	ErrDownloadIntegrity    = errors.New("download integrity error")
	ErrNotFound             = errors.New("not found")
)
