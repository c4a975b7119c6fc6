package protocol

const (
	// Pre-spawn configuration validation; the only fatal class.
	ErrConfig = "E_CONFIG"

	// Handoff protocol.
	ErrProtoTimeout    = "E_PROTO_TIMEOUT"
	ErrDestUnavailable = "E_DEST_UNAVAILABLE"
	ErrDestFinished    = "E_DEST_FINISHED"
	ErrBadPackage      = "E_BAD_PACKAGE"
	ErrTranslate       = "E_TRANSLATE"

	// Execution layer.
	ErrWorkerCrash     = "E_WORKER_CRASH"
	ErrSnapshotCorrupt = "E_SNAPSHOT_CORRUPT"
	ErrInternal        = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrConfig:          {},
	ErrProtoTimeout:    {},
	ErrDestUnavailable: {},
	ErrDestFinished:    {},
	ErrBadPackage:      {},
	ErrTranslate:       {},
	ErrWorkerCrash:     {},
	ErrSnapshotCorrupt: {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
